// Package session keeps the client subscribed to the server's event stream.
// It reconnects with backoff, drains the offline queue whenever it starts
// connecting and hands every received event to the local store.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/BuzzLyutic/task-sync/internal/client/queue"
	"github.com/BuzzLyutic/task-sync/internal/client/store"
	"github.com/BuzzLyutic/task-sync/internal/model"
)

var (
	// ErrUnauthorized is returned by Run when the server refused the token.
	ErrUnauthorized   = errors.New("session token rejected")
	ErrAlreadyRunning = errors.New("session already running")
)

const (
	dialTimeout  = 10 * time.Second
	maxEventSize = 1 << 20
)

type TokenSource interface {
	Token() string
}

type Drainer interface {
	Drain(ctx context.Context) (queue.DrainResult, error)
}

type EventSink interface {
	Apply(ctx context.Context, p store.Patch) error
}

type Option func(*Session)

// WithBackoff replaces the reconnect policy. The function is called once per
// Run.
func WithBackoff(fn func() backoff.BackOff) Option {
	return func(s *Session) { s.newBackoff = fn }
}

func WithDialTimeout(d time.Duration) Option {
	return func(s *Session) { s.dialTimeout = d }
}

type Session struct {
	url     string
	tokens  TokenSource
	sink    EventSink
	drainer Drainer
	logger  *zap.Logger

	newBackoff  func() backoff.BackOff
	dialTimeout time.Duration
	wake        chan struct{}

	mu      sync.Mutex
	state   State
	running bool
	closed  bool
	conn    *websocket.Conn
	runCtx  context.Context
	cancel  context.CancelFunc
	subs    map[int]chan State
	nextSub int
}

func New(url string, tokens TokenSource, sink EventSink, drainer Drainer, logger *zap.Logger, opts ...Option) *Session {
	s := &Session{
		url:         url,
		tokens:      tokens,
		sink:        sink,
		drainer:     drainer,
		logger:      logger,
		newBackoff:  defaultBackoff,
		dialTimeout: dialTimeout,
		wake:        make(chan struct{}, 1),
		subs:        make(map[int]chan State),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func defaultBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe reports every state change after the call.
func (s *Session) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 64)

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			close(ch)
			s.mu.Unlock()
		})
	}
}

// transition moves to the next state if the table allows it. After Close only
// the closing states are accepted.
func (s *Session) transition(to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == to {
		return false
	}
	if s.closed && to != StateClosing && to != StateDisconnected {
		return false
	}
	if !canTransition(s.state, to) {
		s.logger.Debug("ignored state transition", zap.Stringer("from", s.state), zap.Stringer("to", to))
		return false
	}
	s.logger.Debug("session state", zap.Stringer("from", s.state), zap.Stringer("to", to))
	s.state = to
	for _, ch := range s.subs {
		select {
		case ch <- to:
		default:
		}
	}
	return true
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Run connects and keeps reconnecting until ctx is done, Close is called or
// the server rejects the token. Only the last case returns an error.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.runCtx = ctx
	s.cancel = cancel
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	b := s.newBackoff()
	b.Reset()

	for {
		opened, err := s.connect(ctx)
		if s.isClosed() || ctx.Err() != nil {
			s.transition(StateDisconnected)
			return nil
		}
		if errors.Is(err, ErrUnauthorized) {
			s.transition(StateDisconnected)
			return err
		}

		s.logger.Warn("event stream lost", zap.Error(err))
		s.transition(StateFailed)
		s.transition(StateDisconnected)

		if opened {
			b.Reset()
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return err
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-s.wake:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
		}
	}
}

// connect runs one connection until it ends. opened reports whether the
// handshake was sent.
func (s *Session) connect(ctx context.Context) (opened bool, err error) {
	if !s.transition(StateConnecting) {
		return false, errors.New("session closed")
	}
	go s.drain(ctx)

	dialCtx, cancel := context.WithTimeout(ctx, s.dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, s.url, nil)
	cancel()
	if err != nil {
		return false, err
	}
	conn.SetReadLimit(maxEventSize)
	defer conn.CloseNow()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, errors.New("session closed")
	}
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}()

	s.transition(StateAuthorizing)
	hs, err := json.Marshal(model.Handshake{Token: s.tokens.Token()})
	if err != nil {
		return false, err
	}
	if err := conn.Write(ctx, websocket.MessageText, hs); err != nil {
		return false, err
	}
	s.transition(StateOpen)
	s.logger.Info("event stream open", zap.String("url", s.url))

	// a canceled read context would close the connection with a policy
	// violation; Close shuts it down with a normal closure instead
	readCtx := context.WithoutCancel(ctx)
	for {
		typ, data, err := conn.Read(readCtx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
				s.logger.Warn("server rejected session", zap.Error(err))
				s.transition(StateFailed)
				return true, ErrUnauthorized
			}
			return true, err
		}
		if typ != websocket.MessageText {
			continue
		}
		s.handle(ctx, data)
	}
}

func (s *Session) handle(ctx context.Context, data []byte) {
	var ev model.SyncEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		s.logger.Warn("malformed event", zap.Error(err))
		return
	}
	if !ev.EventType.Valid() {
		s.logger.Warn("unknown event type", zap.String("event", string(ev.EventType)))
		return
	}
	if err := s.sink.Apply(ctx, store.RemoteEvent(ev)); err != nil {
		s.logger.Error("failed to apply event",
			zap.String("event", string(ev.EventType)),
			zap.Int64("task_id", ev.Payload.Task.ID),
			zap.Error(err))
	}
}

func (s *Session) drain(ctx context.Context) {
	if s.drainer == nil {
		return
	}
	res, err := s.drainer.Drain(ctx)
	switch {
	case errors.Is(err, queue.ErrDrainInProgress):
		s.logger.Debug("drain already running")
	case err != nil:
		s.logger.Warn("queue drain failed", zap.Error(err))
	case res.Attempted > 0:
		s.logger.Info("queue drained on reconnect", zap.Int("succeeded", res.Succeeded), zap.Int("failed", res.Failed))
	}
}

// NotifyOnline cuts a pending reconnect delay short and drains the queue.
func (s *Session) NotifyOnline() {
	select {
	case s.wake <- struct{}{}:
	default:
	}

	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	go s.drain(ctx)
}

// Close shuts the connection with a normal closure and stops Run. The
// session goes through Closing to Disconnected, never Failed.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	cancel := s.cancel
	s.mu.Unlock()

	s.transition(StateClosing)
	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "client closing"); err != nil {
			s.logger.Debug("websocket close", zap.Error(err))
		}
	}
	if cancel != nil {
		cancel()
	}
	s.transition(StateDisconnected)
	return nil
}
