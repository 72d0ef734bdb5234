package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chat-sync/internal/metrics"
	"chat-sync/internal/models"
	"chat-sync/internal/syncerr"
	"chat-sync/pkg/logger"
)

// ErrPermanentlyFailed is wrapped into the error handed to OnError when the
// reconnect policy gives up.
var ErrPermanentlyFailed = errors.New("stream permanently failed")

// Handlers receive a connection's callbacks. All of them run one at a time,
// in transport order, on the connection's goroutine. A handler must not call
// Close on its own connection.
type Handlers struct {
	OnEvent func(models.Message)
	// OnError is called once, when the connection has permanently failed.
	OnError func(error)
	OnState func(State)
}

// Dialer opens connections that share a transport and reconnect policy.
type Dialer struct {
	Transport Transport
	NewPolicy PolicyFactory
	// StableAfter is how long a subscription must stay up before a later
	// drop counts as a fresh failure rather than another retry.
	StableAfter time.Duration
	Log         *logger.Logger
}

// Open starts a connection for roomID and returns it in Connecting.
func (d *Dialer) Open(roomID models.ID, h Handlers) *Conn {
	newPolicy := d.NewPolicy
	if newPolicy == nil {
		newPolicy = func() Policy { return NewImmediatePolicy(0) }
	}
	stableAfter := d.StableAfter
	if stableAfter <= 0 {
		stableAfter = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		roomID:      roomID,
		transport:   d.Transport,
		policy:      newPolicy(),
		handlers:    h,
		stableAfter: stableAfter,
		log:         logger.OrGlobal(d.Log).With("room", roomID.String()),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		state:       Connecting,
	}
	metrics.OpenStreams.Inc()
	go c.run()
	return c
}

// Conn is the push subscription of one room.
type Conn struct {
	roomID      models.ID
	transport   Transport
	policy      Policy
	handlers    Handlers
	stableAfter time.Duration
	log         *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// deliverMu is held while a handler runs.
	deliverMu sync.Mutex

	mu          sync.Mutex
	state       State
	lastEventID string
	closed      bool
}

func (c *Conn) RoomID() models.ID {
	return c.roomID
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastEventID is the id of the last event seen, resent on reconnect.
func (c *Conn) LastEventID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastEventID
}

// Done is closed once the connection goroutine has exited.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close stops the connection for good. Once it returns no handler of this
// connection runs again. Closing twice is a no-op. A connection that has
// already failed permanently stays PermanentlyFailed.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()

	// Wait for a handler that is already running.
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	c.state = Closed
	c.mu.Unlock()
	metrics.StreamStateTransitions.WithLabelValues(Closed.String()).Inc()
	if c.handlers.OnState != nil {
		c.handlers.OnState(Closed)
	}
	c.log.Debug("stream closed")
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// deliver runs fn unless the connection has been closed.
func (c *Conn) deliver(fn func()) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	if c.isClosed() {
		return
	}
	fn()
}

func (c *Conn) setState(s State) {
	c.deliver(func() {
		c.mu.Lock()
		c.state = s
		c.mu.Unlock()
		metrics.StreamStateTransitions.WithLabelValues(s.String()).Inc()
		if c.handlers.OnState != nil {
			c.handlers.OnState(s)
		}
	})
}

func (c *Conn) run() {
	defer close(c.done)
	defer metrics.OpenStreams.Dec()

	for {
		c.setState(Connecting)
		sub, err := c.transport.Subscribe(c.ctx, c.roomID, c.LastEventID())
		if err == nil {
			openedAt := time.Now()
			c.setState(Open)
			c.log.Debug("stream open")

			var delivered int
			delivered, err = c.consume(sub)
			sub.Close()

			if delivered > 0 || time.Since(openedAt) >= c.stableAfter {
				c.policy.Reset()
			}
		}

		if c.ctx.Err() != nil {
			return
		}

		c.setState(Errored)
		c.log.Warn("stream error: %v", err)

		delay, ok := c.policy.Next()
		if !ok {
			metrics.StreamPermanentFailures.Inc()
			c.log.Error("giving up on stream: %v", err)
			c.setState(PermanentlyFailed)
			failure := syncerr.Stream(c.roomID, fmt.Errorf("%w: %v", ErrPermanentlyFailed, err))
			c.deliver(func() {
				if c.handlers.OnError != nil {
					c.handlers.OnError(failure)
				}
			})
			return
		}

		metrics.StreamReconnects.Inc()
		if !c.wait(delay) {
			return
		}
	}
}

// consume delivers events until the subscription fails. It returns how many
// messages were handed to OnEvent.
func (c *Conn) consume(sub Subscription) (int, error) {
	delivered := 0
	for {
		ev, err := sub.Next()
		if err != nil {
			return delivered, err
		}
		if ev.ID != "" {
			c.mu.Lock()
			c.lastEventID = ev.ID
			c.mu.Unlock()
		}

		msg, err := models.DecodeMessage(ev.Data)
		if err != nil {
			metrics.EventsMalformed.Inc()
			c.log.Warn("skipping payload: %v", err)
			continue
		}

		metrics.EventsReceived.Inc()
		delivered++
		c.deliver(func() {
			if c.handlers.OnEvent != nil {
				c.handlers.OnEvent(msg)
			}
		})
	}
}

func (c *Conn) wait(delay time.Duration) bool {
	if delay <= 0 {
		return c.ctx.Err() == nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-c.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
