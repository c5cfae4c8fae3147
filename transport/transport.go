// Package transport provides the channel abstraction between the engine
// and its control surfaces. Two concrete forms exist: an Embedded pair
// dispatching synchronously in-process, and a Networked WebSocket client
// that reconnects with capped exponential backoff.
package transport

import (
	"context"
	"sync"
)

// Kind identifies the concrete transport form behind a connection.
type Kind int

const (
	// KindNone means no transport is attached.
	KindNone Kind = iota
	// KindEmbedded is the synchronous in-process channel.
	KindEmbedded
	// KindNetworked is the reconnecting WebSocket channel.
	KindNetworked
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindEmbedded:
		return "embedded"
	case KindNetworked:
		return "networked"
	default:
		return "none"
	}
}

// Status describes the connection state surfaced to consumers.
type Status struct {
	Connected bool `json:"connected"`
	Kind      Kind `json:"transportKind"`
}

// StatusOf snapshots a transport's connection state for logs and status
// indicators. Note that reading IsConnected arms the lazy connect on an
// idle networked transport.
func StatusOf(t Transport) Status {
	return Status{Connected: t.IsConnected(), Kind: t.Kind()}
}

// Transport is the channel contract the message bus builds on.
//
// IsConnected is a read with one intended side effect: on a transport
// that has never attempted a connection it arms the first (lazy)
// connect. Consumers gate all activity on connectivity, so the
// connectivity check must be the thing that initiates it, or nothing
// ever would.
type Transport interface {
	// Connect opens the channel. For the embedded form this is a no-op;
	// for the networked form it starts the dial/reconnect loop. A fresh
	// Connect is required after reconnection attempts are exhausted.
	Connect(ctx context.Context) error

	// Send transmits one message. Fails with errors.ErrNotConnected when
	// the channel is down.
	Send(data []byte) error

	// IsConnected reports channel readiness and arms lazy connection.
	IsConnected() bool

	// OnMessage sets the single inbound handler. The message bus owns it.
	OnMessage(fn func(data []byte))

	// OnConnectionChange registers a listener fired exactly once per
	// connected/disconnected transition. Returns an idempotent
	// unsubscribe function.
	OnConnectionChange(fn func(connected bool)) func()

	// Kind reports the concrete transport form.
	Kind() Kind

	// Close tears the channel down. Further sends fail.
	Close() error
}

// ConnectionSource is the read-only subset of Transport that the fetch
// state machine and status indicators consume.
type ConnectionSource interface {
	IsConnected() bool
	OnConnectionChange(fn func(connected bool)) func()
}

// connNotifier fans out connection-change events to listeners, firing
// exactly once per transition. All transports embed one.
type connNotifier struct {
	mu        sync.Mutex
	connected bool
	nextID    int
	listeners map[int]func(bool)
}

func newConnNotifier(initial bool) *connNotifier {
	return &connNotifier{
		connected: initial,
		listeners: make(map[int]func(bool)),
	}
}

func (n *connNotifier) subscribe(fn func(bool)) func() {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.listeners[id] = fn
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.listeners, id)
			n.mu.Unlock()
		})
	}
}

// set transitions the state and notifies listeners only when the state
// actually changed. Listeners run outside the lock so they may call back
// into the transport.
func (n *connNotifier) set(connected bool) {
	n.mu.Lock()
	if n.connected == connected {
		n.mu.Unlock()
		return
	}
	n.connected = connected
	fns := make([]func(bool), 0, len(n.listeners))
	for _, fn := range n.listeners {
		fns = append(fns, fn)
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn(connected)
	}
}

func (n *connNotifier) get() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connected
}
