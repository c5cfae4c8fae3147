// Package fetch implements the connection-aware fetch state machine that
// consumers mount to load data over an unreliable transport. It owns the
// Waiting/Fetching/Ready/Error lifecycle, the connect timeout, the retry
// budget, and the stale-data-on-disconnect behavior.
package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/RonHouben/wavecraft-sub004/errors"
	"github.com/RonHouben/wavecraft-sub004/pkg/retry"
	"github.com/RonHouben/wavecraft-sub004/transport"
)

// State is the consumer-visible phase of a fetch lifecycle.
type State string

const (
	// StateWaiting means no connection yet; nothing fetched.
	StateWaiting State = "waiting"
	// StateFetching means a fetch is in flight or pending reconnection.
	StateFetching State = "fetching"
	// StateReady means data arrived and is current or stale-but-present.
	StateReady State = "ready"
	// StateError is terminal until an explicit reload or reconnect.
	StateError State = "error"
)

// DefaultConnectTimeout bounds how long Waiting may last before the
// controller gives up with a connection error.
const DefaultConnectTimeout = 15 * time.Second

// Snapshot is the consumer-facing view of the controller. Data stays
// populated across disconnects while Loading flips back to true, so a
// consumer shows stale values instead of flashing empty.
type Snapshot[T any] struct {
	State   State
	Data    T
	Loading bool
	Err     error
}

// FetchFunc loads the data. It is retried on failure while connected;
// a disconnect-classified failure is not counted against the budget.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Controller drives one consumer's fetch lifecycle against a connection
// source. Create on mount, Close on teardown.
type Controller[T any] struct {
	source  transport.ConnectionSource
	fetch   FetchFunc[T]
	logger  *slog.Logger
	backoff retry.Config
	connect time.Duration

	mu        sync.Mutex
	state     State
	data      T
	hasData   bool
	err       error
	inFlight  bool
	torn      bool
	listeners map[int]func(Snapshot[T])
	nextID    int

	unsubConn    func()
	connectTimer *time.Timer

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

// Option configures a Controller.
type Option func(*options)

type options struct {
	logger         *slog.Logger
	backoff        retry.Config
	connectTimeout time.Duration
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithRetry overrides the fetch retry schedule.
func WithRetry(cfg retry.Config) Option {
	return func(o *options) { o.backoff = cfg }
}

// WithConnectTimeout overrides the Waiting-state connection deadline.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) { o.connectTimeout = d }
}

// NewController mounts a fetch lifecycle on a connection source. When
// the source is already connected the first fetch starts immediately;
// otherwise the controller waits for the connect event, bounded by the
// connect timeout.
func NewController[T any](source transport.ConnectionSource, fetch FetchFunc[T], opts ...Option) *Controller[T] {
	o := &options{
		logger:         slog.Default().With("component", "fetch"),
		backoff:        retry.Fetch(),
		connectTimeout: DefaultConnectTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller[T]{
		source:     source,
		fetch:      fetch,
		logger:     o.logger,
		backoff:    o.backoff,
		connect:    o.connectTimeout,
		state:      StateWaiting,
		listeners:  make(map[int]func(Snapshot[T])),
		rootCtx:    ctx,
		rootCancel: cancel,
	}

	c.unsubConn = source.OnConnectionChange(c.onConnectionChange)

	// Checking connectivity also arms the lazy first connection attempt
	// on a networked transport; the mount is the guaranteed call site.
	if source.IsConnected() {
		c.startFetch()
	} else {
		c.armConnectTimeout()
	}
	return c
}

// Snapshot returns the current consumer-facing view.
func (c *Controller[T]) Snapshot() Snapshot[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Subscribe registers a listener invoked on every state change with the
// fresh snapshot. Returns an idempotent unsubscribe function.
func (c *Controller[T]) Subscribe(fn func(Snapshot[T])) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

// Reload re-triggers the fetch sequence from Ready or Error. A reload
// while a fetch is already in flight is ignored.
func (c *Controller[T]) Reload() {
	if !c.source.IsConnected() {
		c.mu.Lock()
		if !c.torn && c.state != StateWaiting {
			c.state = StateWaiting
			c.notifyLocked()
		}
		c.mu.Unlock()
		c.armConnectTimeout()
		return
	}
	c.startFetch()
}

// Close tears the controller down: pending timers and retries are
// cancelled and any in-flight result is discarded.
func (c *Controller[T]) Close() error {
	c.mu.Lock()
	if c.torn {
		c.mu.Unlock()
		return nil
	}
	c.torn = true
	if c.connectTimer != nil {
		c.connectTimer.Stop()
		c.connectTimer = nil
	}
	c.mu.Unlock()

	c.rootCancel()
	if c.unsubConn != nil {
		c.unsubConn()
	}
	return nil
}

func (c *Controller[T]) onConnectionChange(connected bool) {
	if connected {
		c.mu.Lock()
		if c.connectTimer != nil {
			c.connectTimer.Stop()
			c.connectTimer = nil
		}
		c.mu.Unlock()
		// Any state re-enters Fetching on connect: Waiting starts the
		// first load, Ready/Fetching refresh after the gap.
		c.startFetch()
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.torn {
		return
	}
	if c.state == StateReady {
		// Keep stale data visible, mark loading active again.
		c.state = StateFetching
		c.notifyLocked()
	}
}

// armConnectTimeout starts the Waiting-state deadline once.
func (c *Controller[T]) armConnectTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.torn || c.connectTimer != nil {
		return
	}
	window := timeoutText(c.connect)
	c.connectTimer = time.AfterFunc(c.connect, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.connectTimer = nil
		if c.torn || c.state != StateWaiting {
			return
		}
		c.state = StateError
		c.err = errors.WrapTransient(
			fmt.Errorf("%w: could not connect within %s", errors.ErrConnectionTimeout, window),
			"Controller", "fetch", "await connection")
		c.notifyLocked()
	})
}

// startFetch transitions to Fetching and runs the fetch with the retry
// budget, unless one is already in flight.
func (c *Controller[T]) startFetch() {
	c.mu.Lock()
	if c.torn || c.inFlight {
		c.mu.Unlock()
		return
	}
	c.inFlight = true
	c.state = StateFetching
	c.err = nil
	c.notifyLocked()
	c.mu.Unlock()

	go c.runFetch()
}

// runFetch drives one fetch sequence through the retry executor. A
// disconnect-classified failure is marked non-retryable so the budget
// only counts connected failures.
func (c *Controller[T]) runFetch() {
	data, err := retry.DoWithResult(c.rootCtx, c.backoff, func() (T, error) {
		d, fetchErr := c.fetch(c.rootCtx)
		if fetchErr != nil && (errors.IsDisconnect(fetchErr) || !c.source.IsConnected()) {
			return d, retry.NonRetryable(fetchErr)
		}
		return d, fetchErr
	})

	c.mu.Lock()
	if c.torn {
		c.mu.Unlock()
		return
	}

	if err == nil {
		c.data = data
		c.hasData = true
		c.inFlight = false
		c.state = StateReady
		c.err = nil
		c.notifyLocked()
		c.mu.Unlock()
		return
	}

	if c.rootCtx.Err() != nil {
		c.inFlight = false
		c.mu.Unlock()
		return
	}

	if retry.IsNonRetryable(err) {
		// A mid-fetch disconnect is not a failure the consumer can act
		// on; the sequence stays pending for the reconnect event. A
		// reconnect that already happened while this fetch was in flight
		// was absorbed by the in-flight guard, so restart here instead of
		// waiting for an event that will never come.
		c.inFlight = false
		c.state = StateFetching
		reconnected := c.source.IsConnected()
		c.mu.Unlock()
		if reconnected {
			c.startFetch()
		}
		return
	}

	cause := errors.Unwrap(err)
	if cause == nil {
		cause = err
	}
	c.inFlight = false
	c.state = StateError
	c.err = fmt.Errorf("fetch failed after %d attempts: %w", c.backoff.MaxAttempts, cause)
	c.notifyLocked()
	c.mu.Unlock()
}

// timeoutText renders whole seconds as "15 seconds" and everything else
// in duration notation.
func timeoutText(d time.Duration) string {
	if d >= time.Second && d%time.Second == 0 {
		return fmt.Sprintf("%d seconds", int(d/time.Second))
	}
	return d.String()
}

func (c *Controller[T]) snapshotLocked() Snapshot[T] {
	return Snapshot[T]{
		State:   c.state,
		Data:    c.data,
		Loading: c.state == StateWaiting || c.state == StateFetching,
		Err:     c.err,
	}
}

// notifyLocked fans the fresh snapshot out. Callers hold c.mu; listeners
// run on a separate goroutine so they may call back into the controller.
func (c *Controller[T]) notifyLocked() {
	snap := c.snapshotLocked()
	fns := make([]func(Snapshot[T]), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	if len(fns) == 0 {
		return
	}
	go func() {
		for _, fn := range fns {
			fn(snap)
		}
	}()
}
