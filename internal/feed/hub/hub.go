// Package hub fans canonical change events out to dashboard connections and
// brings reconnecting dashboards up to date.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"quotefeed/internal/feed/history"
	"quotefeed/internal/feed/models"
	"quotefeed/internal/feed/registry"
	"quotefeed/internal/platform/metrics"
	submission "quotefeed/internal/submission/models"
)

const (
	DefaultBacklogLimit = 1024
	DefaultLagTimeout   = 5 * time.Second
	DefaultWriteTimeout = 10 * time.Second
	DefaultDrainTimeout = 5 * time.Second
	DefaultStoreTimeout = 5 * time.Second

	eventBuffer = 64
)

var errResyncFailed = errors.New("resync failed")

// Sender writes one frame to a dashboard. Implementations must honour ctx.
type Sender interface {
	Send(ctx context.Context, env models.Envelope) error
}

// Resyncer supplies the full state sent to dashboards that cannot catch up
// incrementally.
type Resyncer interface {
	Snapshot(ctx context.Context) ([]submission.Submission, error)
}

// Status is a point-in-time view of the hub.
type Status struct {
	StreamID        string `json:"stream_id"`
	BaseSequence    uint64 `json:"base_sequence"`
	CurrentSequence uint64 `json:"current_sequence"`
	HistoryLength   int    `json:"history_length"`
	Connections     int    `json:"connections"`
	LiveConnections int    `json:"live_connections"`
}

// plan is what a connection delivers before going live, computed by the hub
// goroutine at the attach point.
type plan struct {
	ack    models.Envelope
	replay []models.ChangeEvent
	resync string
}

type attachRequest struct {
	conn      *Conn
	handshake models.Handshake
	reply     chan struct{}
}

// Hub owns the recent history and the connection registry. One goroutine,
// started by Run, serializes published events, attaches and detaches.
type Hub struct {
	history  *history.Buffer
	registry *registry.Registry[*Conn]
	resyncer Resyncer

	streamID     string
	backlogLimit int
	lagTimeout   time.Duration
	writeTimeout time.Duration
	drainTimeout time.Duration
	storeTimeout time.Duration
	clock        clock.Clock
	logger       *slog.Logger
	metrics      *metrics.Metrics

	events  chan models.ChangeEvent
	attach  chan attachRequest
	detach  chan *Conn
	stop    chan struct{}
	closing chan struct{}
	done    chan struct{}

	stopOnce sync.Once
	runOnce  sync.Once
	wg       sync.WaitGroup
}

// Option configures a Hub.
type Option func(*Hub)

func WithStreamID(id string) Option {
	return func(h *Hub) {
		if id != "" {
			h.streamID = id
		}
	}
}

// WithBacklogLimit bounds each connection's queue of undelivered events.
// It should not be smaller than one poll or catch-up page.
func WithBacklogLimit(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.backlogLimit = n
		}
	}
}

// WithLagTimeout sets how long a connection may stay above the backlog
// limit before it is closed with models.ErrBackpressureExceeded.
func WithLagTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.lagTimeout = d
		}
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

// WithDrainTimeout bounds how long shutdown waits for queued events.
func WithDrainTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.drainTimeout = d
		}
	}
}

func WithStoreTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.storeTimeout = d
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(h *Hub) {
		if c != nil {
			h.clock = c
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) {
		h.metrics = m
	}
}

// New creates a hub appending to hist. Sequences of this stream start after
// hist.Base().
func New(hist *history.Buffer, resyncer Resyncer, opts ...Option) *Hub {
	h := &Hub{
		history:      hist,
		registry:     registry.New[*Conn](),
		resyncer:     resyncer,
		streamID:     uuid.NewString(),
		backlogLimit: DefaultBacklogLimit,
		lagTimeout:   DefaultLagTimeout,
		writeTimeout: DefaultWriteTimeout,
		drainTimeout: DefaultDrainTimeout,
		storeTimeout: DefaultStoreTimeout,
		clock:        clock.WallClock,
		logger:       slog.Default(),
		events:       make(chan models.ChangeEvent, eventBuffer),
		attach:       make(chan attachRequest),
		detach:       make(chan *Conn),
		stop:         make(chan struct{}),
		closing:      make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// StreamID identifies this process's sequence space.
func (h *Hub) StreamID() string {
	return h.streamID
}

// Publish hands ev to the hub goroutine. Events must be published in
// sequence order.
func (h *Hub) Publish(ctx context.Context, ev models.ChangeEvent) error {
	select {
	case <-h.closing:
		return models.ErrHubStopped
	default:
	}
	select {
	case h.events <- ev:
		return nil
	case <-h.closing:
		return models.ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect attaches a dashboard after its handshake. The returned connection
// is live; its delivery goroutine first sends the ack, then either the
// replay of missed events or a resync, then live events.
func (h *Hub) Connect(ctx context.Context, sender Sender, hs models.Handshake) (*Conn, error) {
	c := newConn(h, uuid.NewString(), sender)
	req := attachRequest{conn: c, handshake: hs, reply: make(chan struct{})}
	select {
	case h.attach <- req:
	case <-h.closing:
		return nil, models.ErrHubStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	<-req.reply
	return c, nil
}

// Status may be called from any goroutine.
func (h *Hub) Status() Status {
	return Status{
		StreamID:        h.streamID,
		BaseSequence:    h.history.Base(),
		CurrentSequence: h.history.Last(),
		HistoryLength:   h.history.Len(),
		Connections:     h.registry.Len(),
		LiveConnections: h.registry.LiveCount(),
	}
}

// Run serves until ctx is done or Stop is called, then drains every
// connection for at most the drain timeout. It returns once all delivery
// goroutines exited.
func (h *Hub) Run(ctx context.Context) error {
	started := false
	h.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("hub already running")
	}
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return nil
		case <-h.stop:
			h.shutdown()
			return nil
		case ev := <-h.events:
			h.broadcast(ev)
		case req := <-h.attach:
			h.attachConn(req)
		case c := <-h.detach:
			h.unregister(c)
		}
	}
}

// Stop ends Run and waits for the drain to finish or ctx to expire.
func (h *Hub) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() { close(h.stop) })
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when Run returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) broadcast(ev models.ChangeEvent) {
	if !h.history.Append(ev) {
		h.logger.Warn("dropping out-of-order event",
			"sequence", ev.Sequence,
			"last_sequence", h.history.Last(),
			"record_id", ev.RecordID,
		)
		return
	}
	h.metrics.SetCurrentSequence(ev.Sequence)
	h.metrics.SetHistoryLength(h.history.Len())

	now := h.clock.Now()
	h.registry.ForEachLive(func(handle registry.Handle, c *Conn) {
		if c.offer(ev, now) {
			return
		}
		c.abort(models.ErrBackpressureExceeded)
		h.registry.Unregister(handle)
		h.metrics.IncConnectionsClosed("backpressure")
		h.logger.Warn("dashboard connection exceeded backlog, disconnecting",
			"connection_id", c.ID(),
			"backlog_limit", h.backlogLimit,
			"lag_timeout", h.lagTimeout,
			"last_delivered", c.LastDelivered(),
			"sequence", ev.Sequence,
		)
	})
	h.metrics.SetLiveConnections(h.registry.LiveCount())
}

func (h *Hub) attachConn(req attachRequest) {
	c, hs := req.conn, req.handshake
	current := h.history.Last()

	p := plan{ack: models.Envelope{
		Type:            models.MessageAck,
		ConnectionID:    c.ID(),
		StreamID:        h.streamID,
		BaseSequence:    h.history.Base(),
		CurrentSequence: current,
	}}
	delivered := current

	switch {
	case hs.StreamID != "" && hs.StreamID != h.streamID:
		p.resync = models.ResyncStreamChanged
	case hs.LastKnownSequence == nil:
		// A client without state starts live from the current sequence.
	default:
		events, err := h.history.Since(*hs.LastKnownSequence)
		if err != nil {
			p.resync = models.ResyncHistoryTruncated
			h.logger.Info("dashboard catch-up impossible, forcing resync",
				"connection_id", c.ID(),
				"last_known_sequence", *hs.LastKnownSequence,
				"error", err,
			)
			break
		}
		p.replay = events
		delivered = *hs.LastKnownSequence
	}

	c.lastDelivered.Store(delivered)
	c.handle = h.registry.Register(c)
	c.state.Store(int32(models.ConnLive))
	h.wg.Add(1)
	go c.deliver(p)
	close(req.reply)

	h.metrics.SetLiveConnections(h.registry.LiveCount())
	h.logger.Debug("dashboard connection attached",
		"connection_id", c.ID(),
		"replay", len(p.replay),
		"resync", p.resync,
		"current_sequence", current,
	)
}

// detachConn is called by Conn.Close from any goroutine but the hub's.
func (h *Hub) detachConn(c *Conn) {
	select {
	case h.detach <- c:
	case <-h.closing:
	}
}

func (h *Hub) unregister(c *Conn) {
	if h.registry.Unregister(c.handle) {
		cause := "closed"
		if err := c.Err(); err != nil && !errors.Is(err, models.ErrConnectionClosed) {
			cause = "error"
		}
		h.metrics.IncConnectionsClosed(cause)
	}
	h.metrics.SetLiveConnections(h.registry.LiveCount())
}

func (h *Hub) shutdown() {
	close(h.closing)

	var draining []*Conn
	for _, handle := range h.registry.Handles() {
		if c, ok := h.registry.Get(handle); ok {
			c.beginDrain()
			h.registry.Unregister(handle)
			draining = append(draining, c)
		}
	}
	h.metrics.SetLiveConnections(0)

	drained := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(drained)
	}()

	timer := h.clock.NewTimer(h.drainTimeout)
	defer timer.Stop()
	select {
	case <-drained:
	case <-timer.Chan():
		h.logger.Warn("drain timeout elapsed, closing remaining dashboard connections",
			"drain_timeout", h.drainTimeout,
		)
		for _, c := range draining {
			c.abort(models.ErrHubStopped)
		}
		<-drained
	}
}
