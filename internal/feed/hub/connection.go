package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"quotefeed/internal/feed/models"
	"quotefeed/internal/feed/registry"
)

// Conn is one dashboard connection attached to the hub. The hub offers
// events to its queue; its own delivery goroutine writes them out through
// the Sender, so a slow dashboard never delays another.
type Conn struct {
	id     string
	hub    *Hub
	sender Sender

	handle registry.Handle

	qmu         sync.Mutex
	pending     []models.ChangeEvent
	behindSince time.Time
	wake        chan struct{}

	resyncReq chan struct{}
	drain     chan struct{}
	drainOnce sync.Once

	state         atomic.Int32
	lastDelivered atomic.Uint64

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	mu    sync.Mutex
	cause error
}

func newConn(h *Hub, id string, sender Sender) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:        id,
		hub:       h,
		sender:    sender,
		wake:      make(chan struct{}, 1),
		resyncReq: make(chan struct{}, 1),
		drain:     make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	c.state.Store(int32(models.ConnConnecting))
	return c
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) State() models.ConnState {
	return models.ConnState(c.state.Load())
}

// LastDelivered is the highest sequence written to the client.
func (c *Conn) LastDelivered() uint64 {
	return c.lastDelivered.Load()
}

// Done is closed once delivery stopped and the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection closed: models.ErrBackpressureExceeded,
// models.ErrHubStopped, models.ErrConnectionClosed or a transport error.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// RequestResync asks for a full snapshot to be resent. Requests made while
// one is pending coalesce.
func (c *Conn) RequestResync() {
	select {
	case c.resyncReq <- struct{}{}:
	default:
	}
}

// Close stops delivery immediately, including any replay or resync in
// progress, and detaches the connection from the hub. A nil err records
// models.ErrConnectionClosed.
func (c *Conn) Close(err error) {
	if err == nil {
		err = models.ErrConnectionClosed
	}
	if c.abort(err) {
		c.hub.detachConn(c)
	}
}

// abort moves the connection to draining and cancels delivery. It reports
// whether this call did it.
func (c *Conn) abort(err error) bool {
	first := false
	c.closeOnce.Do(func() {
		first = true
		c.mu.Lock()
		c.cause = err
		c.mu.Unlock()
		c.state.Store(int32(models.ConnDraining))
		c.cancel()
	})
	return first
}

// beginDrain asks the delivery goroutine to flush its queue and stop.
func (c *Conn) beginDrain() {
	c.drainOnce.Do(func() {
		c.state.CompareAndSwap(int32(models.ConnLive), int32(models.ConnDraining))
		close(c.drain)
	})
}

// offer queues ev without blocking. It reports false when the queue has
// held more than the backlog limit for the whole lag timeout, which means
// the dashboard is not keeping up. A burst that the dashboard works off in
// time only grows the queue.
func (c *Conn) offer(ev models.ChangeEvent, now time.Time) bool {
	c.qmu.Lock()
	c.pending = append(c.pending, ev)
	switch {
	case len(c.pending) <= c.hub.backlogLimit:
		c.behindSince = time.Time{}
	case c.behindSince.IsZero():
		c.behindSince = now
	case now.Sub(c.behindSince) >= c.hub.lagTimeout:
		c.qmu.Unlock()
		return false
	}
	c.qmu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

// take pops the oldest queued event.
func (c *Conn) take() (models.ChangeEvent, bool) {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	if len(c.pending) == 0 {
		return models.ChangeEvent{}, false
	}
	ev := c.pending[0]
	c.pending[0] = models.ChangeEvent{}
	c.pending = c.pending[1:]
	if len(c.pending) == 0 {
		c.pending = nil
	}
	if len(c.pending) <= c.hub.backlogLimit {
		c.behindSince = time.Time{}
	}
	return ev, true
}

// Backlog is the number of events queued but not yet written.
func (c *Conn) Backlog() int {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	return len(c.pending)
}

// deliver runs the connection: acknowledgement, then resync or replay, then
// live events until closed.
func (c *Conn) deliver(p plan) {
	defer c.finish()

	if err := c.send(p.ack); err != nil {
		c.Close(err)
		return
	}
	if p.resync != "" {
		if err := c.resync(p.resync, p.ack.CurrentSequence); err != nil {
			c.Close(err)
			return
		}
	}
	for _, ev := range p.replay {
		if err := c.deliverEvent(ev); err != nil {
			c.Close(err)
			return
		}
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.resyncReq:
			if err := c.resync(models.ResyncRequested, c.LastDelivered()); err != nil {
				c.Close(err)
				return
			}
		case <-c.wake:
			if err := c.deliverQueued(); err != nil {
				c.Close(err)
				return
			}
		case <-c.drain:
			c.flush()
			return
		}
	}
}

// deliverQueued writes queued events until the queue is empty or a resync
// was requested.
func (c *Conn) deliverQueued() error {
	for {
		if err := c.ctx.Err(); err != nil {
			return err
		}
		ev, ok := c.take()
		if !ok {
			return nil
		}
		if err := c.deliverEvent(ev); err != nil {
			return err
		}
		if len(c.resyncReq) > 0 {
			// Come back for the rest once the resync is sent.
			select {
			case c.wake <- struct{}{}:
			default:
			}
			return nil
		}
	}
}

// flush writes what is already queued, then closes with ErrHubStopped.
func (c *Conn) flush() {
	for {
		if c.ctx.Err() != nil {
			return
		}
		ev, ok := c.take()
		if !ok {
			c.abort(models.ErrHubStopped)
			return
		}
		if err := c.deliverEvent(ev); err != nil {
			c.abort(err)
			return
		}
	}
}

func (c *Conn) deliverEvent(ev models.ChangeEvent) error {
	if ev.Sequence <= c.LastDelivered() {
		return nil
	}
	if err := c.send(models.Envelope{Type: models.MessageEvent, Event: &ev}); err != nil {
		return err
	}
	c.lastDelivered.Store(ev.Sequence)
	return nil
}

// resync tells the client to discard its state and sends a full snapshot
// consistent with at least sequence.
func (c *Conn) resync(reason string, sequence uint64) error {
	c.hub.metrics.IncResyncs(reason)
	if err := c.send(models.Envelope{Type: models.MessageResyncRequired, Reason: reason}); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.hub.storeTimeout)
	records, err := c.hub.resyncer.Snapshot(ctx)
	cancel()
	if err != nil {
		if c.ctx.Err() == nil {
			_ = c.send(models.Envelope{
				Type:    models.MessageError,
				Code:    "resync_failed",
				Message: "snapshot unavailable, reconnect to retry",
			})
		}
		return errors.Join(errResyncFailed, err)
	}

	if err := c.send(models.Envelope{
		Type:     models.MessageSnapshot,
		Reason:   reason,
		Sequence: sequence,
		Records:  records,
	}); err != nil {
		return err
	}
	if sequence > c.LastDelivered() {
		c.lastDelivered.Store(sequence)
	}
	return nil
}

func (c *Conn) send(env models.Envelope) error {
	ctx, cancel := context.WithTimeout(c.ctx, c.hub.writeTimeout)
	defer cancel()
	return c.sender.Send(ctx, env)
}

func (c *Conn) finish() {
	c.abort(models.ErrConnectionClosed)
	c.state.Store(int32(models.ConnClosed))
	close(c.done)
	c.hub.logger.Debug("dashboard connection closed",
		"connection_id", c.id,
		"last_delivered", c.LastDelivered(),
		"cause", c.Err(),
	)
	c.hub.wg.Done()
}
