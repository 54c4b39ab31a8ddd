package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/BuzzLyutic/task-sync/internal/model"
	"github.com/BuzzLyutic/task-sync/pkg/respond"
)

const (
	maxFrameSize     = 4096
	handshakeTimeout = 10 * time.Second
)

// handshakeReadLimit stays above maxFrameSize so an oversized handshake is
// cut off by the handler, not by the library's MessageTooBig close.
const handshakeReadLimit = 2 * maxFrameSize

// Handler upgrades /ws requests. The first client frame must be a text frame
// carrying {"token": "..."}; after that inbound frames are read and ignored
// until the connection closes.
type Handler struct {
	registry *Registry
	logger   *zap.Logger
	origins  []string
}

func NewHandler(registry *Registry, logger *zap.Logger, origins []string) *Handler {
	return &Handler{registry: registry, logger: logger, origins: origins}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.Contains(strings.ToLower(r.Header.Get("Upgrade")), "websocket") {
		respond.Error(w, r, http.StatusBadRequest, "websocket upgrade required")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	conn.SetReadLimit(handshakeReadLimit)

	ctx := r.Context()
	userID, err := h.handshake(ctx, conn)
	if err != nil {
		h.logger.Info("websocket handshake rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	conn.SetReadLimit(maxFrameSize)

	peer, err := h.registry.Register(conn, userID)
	if err != nil {
		h.logger.Warn("websocket register failed", zap.Int64("user_id", userID), zap.Error(err))
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer h.registry.Remove(conn)

	for {
		if _, _, err := conn.Read(ctx); err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				h.logger.Debug("websocket closed by client", zap.Int64("user_id", peer.UserID()))
			} else {
				h.logger.Debug("websocket read ended", zap.Int64("user_id", peer.UserID()), zap.Error(err))
			}
			return
		}
	}
}

var (
	errInvalidFrame  = errors.New("first frame is not text")
	errFrameTooLarge = errors.New("handshake frame too large")
	errTokenMissing  = errors.New("token missing")
)

func (h *Handler) handshake(ctx context.Context, conn *websocket.Conn) (int64, error) {
	readCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	typ, r, err := conn.Reader(readCtx)
	if err != nil {
		return 0, err
	}
	if typ != websocket.MessageText {
		_ = conn.Close(websocket.StatusPolicyViolation, "Invalid connection")
		return 0, errInvalidFrame
	}
	data, err := io.ReadAll(io.LimitReader(r, maxFrameSize+1))
	if err != nil {
		return 0, err
	}
	if len(data) > maxFrameSize {
		_ = conn.Close(websocket.StatusPolicyViolation, "Invalid connection")
		return 0, errFrameTooLarge
	}

	var hs model.Handshake
	if err := json.Unmarshal(data, &hs); err != nil || strings.TrimSpace(hs.Token) == "" {
		_ = conn.Close(websocket.StatusPolicyViolation, "Token missing")
		return 0, errTokenMissing
	}

	return h.registry.Authorize(conn, hs.Token)
}
