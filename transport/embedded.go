package transport

import (
	"context"
	"sync"

	"github.com/RonHouben/wavecraft-sub004/errors"
)

// Embedded is the in-process transport used when the control surface and
// the engine share a process. Connect is a no-op, IsConnected is always
// true, and Send dispatches synchronously to the peer's message handler
// on the caller's goroutine.
type Embedded struct {
	mu      sync.RWMutex
	peer    *Embedded
	handler func([]byte)
	closed  bool

	notifier *connNotifier
}

var _ Transport = (*Embedded)(nil)

// NewEmbeddedPair returns two linked transport ends. Messages sent on
// one end are delivered to the other end's OnMessage handler.
func NewEmbeddedPair() (*Embedded, *Embedded) {
	a := &Embedded{notifier: newConnNotifier(true)}
	b := &Embedded{notifier: newConnNotifier(true)}
	a.peer = b
	b.peer = a
	return a, b
}

// Connect is a no-op; the embedded channel is always available.
func (e *Embedded) Connect(_ context.Context) error { return nil }

// IsConnected always reports true until Close.
func (e *Embedded) IsConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return !e.closed
}

// Send dispatches synchronously to the peer's handler.
func (e *Embedded) Send(data []byte) error {
	e.mu.RLock()
	closed := e.closed
	peer := e.peer
	e.mu.RUnlock()

	if closed {
		return errors.WrapTransient(errors.ErrNotConnected, "Embedded", "Send", "transport closed")
	}

	peer.mu.RLock()
	handler := peer.handler
	peer.mu.RUnlock()

	if handler == nil {
		// Peer not listening yet; the embedded channel drops rather than
		// buffers, matching a control surface that has not mounted.
		return nil
	}
	handler(data)
	return nil
}

// OnMessage sets the inbound handler for this end.
func (e *Embedded) OnMessage(fn func([]byte)) {
	e.mu.Lock()
	e.handler = fn
	e.mu.Unlock()
}

// OnConnectionChange registers a listener. The embedded channel only
// transitions once, on Close.
func (e *Embedded) OnConnectionChange(fn func(bool)) func() {
	return e.notifier.subscribe(fn)
}

// Kind reports KindEmbedded.
func (e *Embedded) Kind() Kind { return KindEmbedded }

// Close tears down this end. The peer keeps its handler but sends to a
// closed end fail.
func (e *Embedded) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.notifier.set(false)
	return nil
}
