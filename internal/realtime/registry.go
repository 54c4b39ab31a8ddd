// Package realtime keeps track of live websocket connections and pushes task
// events to every connection of the owning user.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

var (
	ErrUnauthorized      = errors.New("unauthorized connection")
	ErrAlreadyRegistered = errors.New("connection already registered")
	ErrRegistryClosed    = errors.New("registry closed")
)

const (
	defaultSendBuffer = 64
	writeTimeout      = 10 * time.Second
)

// Conn is the part of *websocket.Conn the registry needs.
type Conn interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

type TokenVerifier interface {
	Verify(token string) (int64, error)
}

// Peer is an authorized connection. Outbound frames go through a buffered
// queue written by the peer's own goroutine.
type Peer struct {
	conn   Conn
	userID int64
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

func newPeer(conn Conn, userID int64, buffer int, logger *zap.Logger) *Peer {
	return &Peer{
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (p *Peer) UserID() int64 {
	return p.userID
}

// Send queues msg without blocking. It reports false when the peer is closed
// or its queue is full; the frame is dropped in both cases.
func (p *Peer) Send(msg []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}

	select {
	case p.send <- msg:
		return true
	default:
		return false
	}
}

func (p *Peer) stop() {
	p.once.Do(func() { close(p.done) })
}

func (p *Peer) writeLoop() {
	for {
		select {
		case <-p.done:
			return
		case msg := <-p.send:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := p.conn.Write(ctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				p.logger.Debug("websocket write failed", zap.Int64("user_id", p.userID), zap.Error(err))
				p.stop()
				return
			}
		}
	}
}

type Option func(*Registry)

// WithSendBuffer sets the per-connection outbound queue length.
func WithSendBuffer(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.sendBuffer = n
		}
	}
}

// Registry maps live connections to their users. It is safe for concurrent
// use by connection handlers and broadcasters.
type Registry struct {
	verifier   TokenVerifier
	logger     *zap.Logger
	sendBuffer int

	mu     sync.RWMutex
	byConn map[Conn]*Peer
	byUser map[int64]map[*Peer]struct{}
	closed bool

	wg sync.WaitGroup
}

func NewRegistry(verifier TokenVerifier, logger *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		verifier:   verifier,
		logger:     logger,
		sendBuffer: defaultSendBuffer,
		byConn:     make(map[Conn]*Peer),
		byUser:     make(map[int64]map[*Peer]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Authorize checks the handshake token. On failure the connection is closed
// with a policy violation and nothing is registered.
func (r *Registry) Authorize(conn Conn, token string) (int64, error) {
	userID, err := r.verifier.Verify(token)
	if err != nil {
		r.logger.Warn("websocket authorization failed", zap.Error(err))
		if cerr := conn.Close(websocket.StatusPolicyViolation, "Invalid Token"); cerr != nil {
			r.logger.Debug("close rejected connection", zap.Error(cerr))
		}
		return 0, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return userID, nil
}

func (r *Registry) Register(conn Conn, userID int64) (*Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	if _, ok := r.byConn[conn]; ok {
		return nil, ErrAlreadyRegistered
	}

	p := newPeer(conn, userID, r.sendBuffer, r.logger)
	r.byConn[conn] = p
	peers, ok := r.byUser[userID]
	if !ok {
		peers = make(map[*Peer]struct{})
		r.byUser[userID] = peers
	}
	peers[p] = struct{}{}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		p.writeLoop()
	}()

	r.logger.Info("websocket registered", zap.Int64("user_id", userID), zap.Int("user_connections", len(peers)))
	return p, nil
}

// Remove drops conn and closes it normally. Removing an unknown or already
// removed connection is a no-op that returns false.
func (r *Registry) Remove(conn Conn) bool {
	r.mu.Lock()
	p, ok := r.byConn[conn]
	if ok {
		r.detach(p)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	p.stop()
	if err := conn.Close(websocket.StatusNormalClosure, ""); err != nil {
		r.logger.Debug("close websocket", zap.Int64("user_id", p.userID), zap.Error(err))
	}
	r.logger.Info("websocket removed", zap.Int64("user_id", p.userID))
	return true
}

// detach must be called with mu held.
func (r *Registry) detach(p *Peer) {
	delete(r.byConn, p.conn)
	if peers, ok := r.byUser[p.userID]; ok {
		delete(peers, p)
		if len(peers) == 0 {
			delete(r.byUser, p.userID)
		}
	}
}

// ConnectionsFor returns a snapshot of the user's peers.
func (r *Registry) ConnectionsFor(userID int64) []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := r.byUser[userID]
	out := make([]*Peer, 0, len(peers))
	for p := range peers {
		out = append(out, p)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

func (r *Registry) CountFor(userID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}

// Shutdown closes every connection with StatusGoingAway and waits for the
// writer goroutines. Later registrations fail with ErrRegistryClosed.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	peers := make([]*Peer, 0, len(r.byConn))
	for _, p := range r.byConn {
		peers = append(peers, p)
	}
	r.byConn = make(map[Conn]*Peer)
	r.byUser = make(map[int64]map[*Peer]struct{})
	r.mu.Unlock()

	var closing sync.WaitGroup
	for _, p := range peers {
		p.stop()
		closing.Add(1)
		go func(p *Peer) {
			defer closing.Done()
			_ = p.conn.Close(websocket.StatusGoingAway, "server shutting down")
		}(p)
	}

	done := make(chan struct{})
	go func() {
		closing.Wait()
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("websocket registry stopped", zap.Int("closed", len(peers)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
