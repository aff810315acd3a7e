// Package ws serves the dashboard feed over websockets.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"quotefeed/internal/feed/hub"
	"quotefeed/internal/feed/models"
	"quotefeed/internal/platform/middleware"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultPingInterval     = 20 * time.Second
	DefaultLivenessTimeout  = 60 * time.Second
	DefaultWriteTimeout     = 10 * time.Second

	maxMessageSize = 4 << 10
	controlWait    = time.Second
)

var errHandshake = errors.New("invalid handshake")

// Hub attaches a dashboard connection after its handshake.
type Hub interface {
	Connect(ctx context.Context, sender hub.Sender, hs models.Handshake) (*hub.Conn, error)
}

// Handler upgrades GET /feed. The first client frame must be a handshake;
// afterwards the client may send request_resync and heartbeat frames. Any
// client frame or pong keeps the connection alive.
type Handler struct {
	hub      Hub
	upgrader websocket.Upgrader

	handshakeTimeout time.Duration
	pingInterval     time.Duration
	livenessTimeout  time.Duration
	writeTimeout     time.Duration
	logger           *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

func WithHandshakeTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.handshakeTimeout = d
		}
	}
}

// WithPingInterval sets how often the server pings. It must be shorter than
// the liveness timeout.
func WithPingInterval(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.pingInterval = d
		}
	}
}

// WithLivenessTimeout closes connections without client traffic for d.
func WithLivenessTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.livenessTimeout = d
		}
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

// WithCheckOrigin replaces the same-origin check of the upgrader.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(h *Handler) {
		h.upgrader.CheckOrigin = fn
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func NewHandler(hb Hub, opts ...Option) *Handler {
	h := &Handler{
		hub: hb,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		handshakeTimeout: DefaultHandshakeTimeout,
		pingInterval:     DefaultPingInterval,
		livenessTimeout:  DefaultLivenessTimeout,
		writeTimeout:     DefaultWriteTimeout,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP implements the http.Handler interface.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		h.logger.DebugContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	defer socket.Close()
	socket.SetReadLimit(maxMessageSize)

	logger := h.logger.With("user_id", middleware.GetUserID(r.Context()))
	sender := &socketSender{socket: socket, writeTimeout: h.writeTimeout}

	hs, err := h.readHandshake(socket)
	if err != nil {
		logger.InfoContext(r.Context(), "rejecting dashboard handshake", "error", err)
		_ = sender.Send(r.Context(), models.Envelope{
			Type:    models.MessageError,
			Code:    "invalid_handshake",
			Message: err.Error(),
		})
		sender.close(websocket.ClosePolicyViolation, "invalid handshake")
		return
	}

	// The connection outlives the upgrade request's context only through
	// the socket; the hub owns delivery.
	conn, err := h.hub.Connect(context.WithoutCancel(r.Context()), sender, hs)
	if err != nil {
		logger.InfoContext(r.Context(), "dashboard connect refused", "error", err)
		sender.close(websocket.CloseGoingAway, "server shutting down")
		return
	}
	logger = logger.With("connection_id", conn.ID())
	logger.DebugContext(r.Context(), "dashboard connected")

	socket.SetReadDeadline(time.Now().Add(h.livenessTimeout))
	socket.SetPongHandler(func(string) error {
		return socket.SetReadDeadline(time.Now().Add(h.livenessTimeout))
	})

	quit := make(chan struct{})
	defer close(quit)
	messages, readErr := h.receive(socket, quit)

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.Done():
			code, text := closeCode(conn.Err())
			sender.close(code, text)
			return

		case <-ticker.C:
			if err := sender.ping(); err != nil {
				// Expected when the other end went away.
				logger.DebugContext(r.Context(), "failed to write ping", "error", err)
				conn.Close(err)
				return
			}

		case m, ok := <-messages:
			if !ok {
				err := readErr()
				logger.DebugContext(r.Context(), "dashboard read ended", "error", err)
				conn.Close(err)
				return
			}
			switch m.Type {
			case models.MessageRequestResync:
				conn.RequestResync()
			case models.MessageHeartbeat:
				ctx, cancel := context.WithTimeout(r.Context(), h.writeTimeout)
				err := sender.Send(ctx, models.Envelope{Type: models.MessageHeartbeat})
				cancel()
				if err != nil {
					conn.Close(err)
					return
				}
			default:
				logger.DebugContext(r.Context(), "ignoring dashboard frame", "type", m.Type)
			}
		}
	}
}

func (h *Handler) readHandshake(socket *websocket.Conn) (models.Handshake, error) {
	socket.SetReadDeadline(time.Now().Add(h.handshakeTimeout))
	var env models.Envelope
	if err := socket.ReadJSON(&env); err != nil {
		return models.Handshake{}, fmt.Errorf("%w: %w", errHandshake, err)
	}
	if env.Type != models.MessageHandshake {
		return models.Handshake{}, fmt.Errorf("%w: expected %q, got %q", errHandshake, models.MessageHandshake, env.Type)
	}
	return models.Handshake{
		LastKnownSequence: env.LastKnownSequence,
		StreamID:          env.StreamID,
	}, nil
}

// receive reads client frames until the socket fails or quit closes. Each
// frame extends the liveness deadline. The returned func reports the read
// error once the channel is closed.
func (h *Handler) receive(socket *websocket.Conn, quit <-chan struct{}) (<-chan models.Envelope, func() error) {
	messages := make(chan models.Envelope)
	var err error
	go func() {
		defer close(messages)
		for {
			// A fresh value each time so fields do not carry over.
			var m models.Envelope
			if err = socket.ReadJSON(&m); err != nil {
				return
			}
			socket.SetReadDeadline(time.Now().Add(h.livenessTimeout))
			select {
			case messages <- m:
			case <-quit:
				return
			}
		}
	}()
	return messages, func() error { return err }
}

func closeCode(cause error) (int, string) {
	switch {
	case errors.Is(cause, models.ErrBackpressureExceeded):
		return websocket.CloseTryAgainLater, "backpressure exceeded, reconnect and resync"
	case errors.Is(cause, models.ErrHubStopped):
		return websocket.CloseGoingAway, "server shutting down"
	case cause == nil, errors.Is(cause, models.ErrConnectionClosed):
		return websocket.CloseNormalClosure, ""
	}
	return websocket.CloseInternalServerErr, "delivery failed"
}

// socketSender serializes frame writes to one socket.
type socketSender struct {
	mu           sync.Mutex
	socket       *websocket.Conn
	writeTimeout time.Duration
}

// Send writes env as JSON. The write deadline comes from ctx, or the write
// timeout when ctx has none.
func (s *socketSender) Send(ctx context.Context, env models.Envelope) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(s.writeTimeout)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.socket.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.socket.WriteJSON(env)
}

func (s *socketSender) ping() error {
	return s.socket.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWait))
}

func (s *socketSender) close(code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = s.socket.WriteControl(websocket.CloseMessage, msg, time.Now().Add(controlWait))
}
