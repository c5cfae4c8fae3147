// Package bus implements the request/response and event layer on top of
// a transport. Requests carry monotonically increasing correlation ids;
// responses resolve pending calls, events fan out to subscribers, and a
// transport drop rejects everything in flight.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RonHouben/wavecraft-sub004/errors"
	"github.com/RonHouben/wavecraft-sub004/metric"
	"github.com/RonHouben/wavecraft-sub004/protocol"
	"github.com/RonHouben/wavecraft-sub004/transport"
)

// DefaultRequestTimeout bounds a request when the caller's context has
// no earlier deadline.
const DefaultRequestTimeout = 5 * time.Second

// unroutableLogInterval rate-limits warnings about responses that match
// no pending request.
const unroutableLogInterval = 5 * time.Second

type pendingCall struct {
	method string
	done   chan callResult
}

type callResult struct {
	result json.RawMessage
	err    error
}

// Bus is the message bus bound to one transport. All methods are safe
// for concurrent use.
type Bus struct {
	transport transport.Transport
	logger    *slog.Logger
	metrics   *metric.BusMetrics
	timeout   time.Duration

	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]*pendingCall
	closed  bool

	listenerMu     sync.Mutex
	nextListenerID int
	listeners      map[string]map[int]func(json.RawMessage)

	lastUnroutable atomic.Int64

	unsubConn func()
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithRequestTimeout overrides the default per-request deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(b *Bus) { b.timeout = d }
}

// WithMetrics attaches prometheus metrics.
func WithMetrics(m *metric.BusMetrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// New creates a bus bound to the given transport. The bus takes over the
// transport's inbound handler; correlation ids are scoped to this bus,
// so a replacement transport gets a fresh bus and a fresh id sequence.
func New(t transport.Transport, opts ...Option) *Bus {
	b := &Bus{
		transport: t,
		logger:    slog.Default().With("component", "bus"),
		timeout:   DefaultRequestTimeout,
		pending:   make(map[uint64]*pendingCall),
		listeners: make(map[string]map[int]func(json.RawMessage)),
	}
	for _, opt := range opts {
		opt(b)
	}

	t.OnMessage(b.dispatch)
	b.unsubConn = t.OnConnectionChange(func(connected bool) {
		if !connected {
			b.rejectAllPending(errors.ErrDisconnected)
		}
	})
	return b
}

// Transport exposes the underlying transport for connectivity checks.
func (b *Bus) Transport() transport.Transport { return b.transport }

// Invoke sends a request and blocks until the response, the context
// deadline, or the default timeout. When the transport is down it fails
// immediately instead of queueing. Application-level failures are
// returned as *protocol.ErrorObject, retrievable with errors.As.
func (b *Bus) Invoke(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !b.transport.IsConnected() {
		b.countRequest(method, "rejected")
		return nil, errors.WrapTransient(errors.ErrNotConnected, "Bus", "Invoke", method)
	}

	req, err := protocol.NewRequest(b.nextID.Add(1), method, params)
	if err != nil {
		b.countRequest(method, "invalid")
		return nil, errors.WrapInvalid(err, "Bus", "Invoke", "encode request params")
	}
	data, err := protocol.Encode(req)
	if err != nil {
		b.countRequest(method, "invalid")
		return nil, errors.WrapInvalid(err, "Bus", "Invoke", "encode request")
	}

	call := &pendingCall{method: method, done: make(chan callResult, 1)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.countRequest(method, "rejected")
		return nil, errors.WrapInvalid(errors.ErrTornDown, "Bus", "Invoke", method)
	}
	b.pending[req.ID] = call
	b.mu.Unlock()
	if b.metrics != nil {
		b.metrics.PendingRequests.Inc()
	}

	start := time.Now()
	if sendErr := b.transport.Send(data); sendErr != nil {
		b.removePending(req.ID)
		b.countRequest(method, "send_failed")
		return nil, sendErr
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	select {
	case res := <-call.done:
		b.observeDuration(start)
		if res.err != nil {
			b.countRequest(method, "error")
			return nil, res.err
		}
		b.countRequest(method, "ok")
		return res.result, nil
	case <-ctx.Done():
		b.removePending(req.ID)
		b.observeDuration(start)
		if b.metrics != nil {
			b.metrics.RequestTimeouts.Inc()
		}
		b.countRequest(method, "timeout")
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: %s after %v", errors.ErrRequestTimeout, method, time.Since(start).Round(time.Millisecond)),
			"Bus", "Invoke", method)
	}
}

// On subscribes to an event by name. The returned unsubscribe function
// is idempotent. A panicking listener is logged and does not disturb the
// other listeners.
func (b *Bus) On(event string, fn func(data json.RawMessage)) func() {
	b.listenerMu.Lock()
	id := b.nextListenerID
	b.nextListenerID++
	if b.listeners[event] == nil {
		b.listeners[event] = make(map[int]func(json.RawMessage))
	}
	b.listeners[event][id] = fn
	b.listenerMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.listenerMu.Lock()
			if m := b.listeners[event]; m != nil {
				delete(m, id)
				if len(m) == 0 {
					delete(b.listeners, event)
				}
			}
			b.listenerMu.Unlock()
		})
	}
}

// Close rejects all pending requests and detaches from the transport.
// The transport itself is left to its owner.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if b.unsubConn != nil {
		b.unsubConn()
	}
	b.rejectAllPending(errors.ErrTornDown)
	return nil
}

// dispatch routes one inbound message by its classified kind.
func (b *Bus) dispatch(data []byte) {
	msg, err := protocol.Classify(data)
	if err != nil {
		b.logger.Warn("discarding malformed message", "error", err)
		return
	}

	switch msg.Kind {
	case protocol.KindResponse:
		b.resolve(msg.Response)
	case protocol.KindEvent:
		b.emit(msg.Event)
	case protocol.KindRequest:
		// The bus is a caller, not a server; inbound requests are noise.
		b.logger.Warn("ignoring inbound request", "method", msg.Request.Method)
	}
}

func (b *Bus) resolve(resp protocol.Response) {
	b.mu.Lock()
	call, ok := b.pending[resp.ID]
	if ok {
		delete(b.pending, resp.ID)
	}
	b.mu.Unlock()

	if !ok {
		b.logUnroutable(resp.ID)
		return
	}
	if b.metrics != nil {
		b.metrics.PendingRequests.Dec()
	}

	if resp.Error != nil {
		call.done <- callResult{err: resp.Error}
		return
	}
	call.done <- callResult{result: resp.Result}
}

func (b *Bus) emit(ev protocol.Event) {
	b.listenerMu.Lock()
	fns := make([]func(json.RawMessage), 0, len(b.listeners[ev.Event]))
	for _, fn := range b.listeners[ev.Event] {
		fns = append(fns, fn)
	}
	b.listenerMu.Unlock()

	if b.metrics != nil && len(fns) > 0 {
		b.metrics.EventsDispatched.WithLabelValues(ev.Event).Add(float64(len(fns)))
	}

	for _, fn := range fns {
		b.safeInvokeListener(ev.Event, fn, ev.Data)
	}
}

func (b *Bus) safeInvokeListener(event string, fn func(json.RawMessage), data json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panicked", "event", event, "panic", r)
		}
	}()
	fn(data)
}

// rejectAllPending fails every in-flight request with the given sentinel.
func (b *Bus) rejectAllPending(sentinel error) {
	b.mu.Lock()
	calls := make(map[uint64]*pendingCall, len(b.pending))
	for id, call := range b.pending {
		calls[id] = call
	}
	b.pending = make(map[uint64]*pendingCall)
	b.mu.Unlock()

	for _, call := range calls {
		if b.metrics != nil {
			b.metrics.PendingRequests.Dec()
		}
		call.done <- callResult{err: errors.WrapTransient(sentinel, "Bus", "Invoke", call.method)}
	}
	if len(calls) > 0 {
		b.logger.Info("rejected pending requests", "count", len(calls), "reason", sentinel)
	}
}

func (b *Bus) removePending(id uint64) {
	b.mu.Lock()
	_, ok := b.pending[id]
	delete(b.pending, id)
	b.mu.Unlock()
	if ok && b.metrics != nil {
		b.metrics.PendingRequests.Dec()
	}
}

// logUnroutable warns about late responses at most once per interval;
// they are expected after timeouts and disconnect rejections.
func (b *Bus) logUnroutable(id uint64) {
	now := time.Now().UnixNano()
	last := b.lastUnroutable.Load()
	if now-last < int64(unroutableLogInterval) {
		return
	}
	if b.lastUnroutable.CompareAndSwap(last, now) {
		b.logger.Warn("response matches no pending request", "id", id)
	}
}

func (b *Bus) countRequest(method, outcome string) {
	if b.metrics != nil {
		b.metrics.RequestsTotal.WithLabelValues(method, outcome).Inc()
	}
}

func (b *Bus) observeDuration(start time.Time) {
	if b.metrics != nil {
		b.metrics.RequestDuration.Observe(time.Since(start).Seconds())
	}
}
