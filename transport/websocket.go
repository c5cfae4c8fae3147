package transport

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/RonHouben/wavecraft-sub004/errors"
	"github.com/RonHouben/wavecraft-sub004/metric"
	"github.com/RonHouben/wavecraft-sub004/pkg/retry"
)

// Networked is the reconnecting WebSocket transport used when the
// control surface runs in a separate process. On dial failure or a
// mid-session drop it schedules reconnection with exponential backoff;
// after the attempt cap it gives up until an explicit Connect call.
type Networked struct {
	url              string
	logger           *slog.Logger
	backoff          retry.Config
	handshakeTimeout time.Duration
	metrics          *metric.TransportMetrics

	mu         sync.Mutex
	conn       *websocket.Conn
	handler    func([]byte)
	loopActive bool
	armed      bool
	closed     bool

	// Serializes concurrent writers on one websocket connection.
	writeMu sync.Mutex

	notifier *connNotifier
	closeCh  chan struct{}
	wg       sync.WaitGroup
}

var _ Transport = (*Networked)(nil)

// NetworkedOption configures a Networked transport.
type NetworkedOption func(*Networked)

// WithLogger sets the logger used for reconnect diagnostics.
func WithLogger(logger *slog.Logger) NetworkedOption {
	return func(t *Networked) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithBackoff overrides the reconnect backoff schedule.
func WithBackoff(cfg retry.Config) NetworkedOption {
	return func(t *Networked) { t.backoff = cfg }
}

// WithHandshakeTimeout overrides the websocket handshake timeout.
func WithHandshakeTimeout(d time.Duration) NetworkedOption {
	return func(t *Networked) { t.handshakeTimeout = d }
}

// WithTransportMetrics attaches prometheus metrics.
func WithTransportMetrics(m *metric.TransportMetrics) NetworkedOption {
	return func(t *Networked) { t.metrics = m }
}

// NewNetworked creates a WebSocket transport for the given ws:// URL.
// No connection is attempted until Connect or the first IsConnected.
func NewNetworked(url string, opts ...NetworkedOption) *Networked {
	t := &Networked{
		url:              url,
		logger:           slog.Default().With("component", "transport"),
		backoff:          retry.Reconnect(),
		handshakeTimeout: 10 * time.Second,
		notifier:         newConnNotifier(false),
		closeCh:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Connect starts the dial/reconnect loop if it is not already running.
// The loop exits when the attempt cap is reached or the transport is
// closed; a fresh Connect restarts it with a reset attempt budget.
func (t *Networked) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Networked", "Connect", "transport closed")
	}
	if t.loopActive {
		t.mu.Unlock()
		return nil
	}
	t.loopActive = true
	t.armed = true
	t.mu.Unlock()

	t.wg.Add(1)
	go t.connectLoop(ctx)
	return nil
}

// IsConnected reports socket readiness. The first call on an idle
// transport arms the lazy connection; see the Transport interface docs
// for why the connectivity check is the connect trigger.
func (t *Networked) IsConnected() bool {
	t.mu.Lock()
	arm := !t.armed && !t.closed && !t.loopActive
	t.mu.Unlock()

	if arm {
		_ = t.Connect(context.Background())
	}
	return t.notifier.get()
}

// Send transmits one text message over the open socket.
func (t *Networked) Send(data []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return errors.WrapTransient(errors.ErrNotConnected, "Networked", "Send", "send message")
	}

	t.writeMu.Lock()
	err := conn.WriteMessage(websocket.TextMessage, data)
	t.writeMu.Unlock()

	if err != nil {
		return errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrSendFailed, err),
			"Networked", "Send", "write message")
	}
	if t.metrics != nil {
		t.metrics.MessagesSent.Inc()
	}
	return nil
}

// OnMessage sets the single inbound handler.
func (t *Networked) OnMessage(fn func([]byte)) {
	t.mu.Lock()
	t.handler = fn
	t.mu.Unlock()
}

// OnConnectionChange registers a transition listener.
func (t *Networked) OnConnectionChange(fn func(bool)) func() {
	return t.notifier.subscribe(fn)
}

// Kind reports KindNetworked.
func (t *Networked) Kind() Kind { return KindNetworked }

// Close shuts the transport down permanently.
func (t *Networked) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()

	close(t.closeCh)
	if conn != nil {
		_ = conn.Close()
	}
	t.wg.Wait()
	t.notifier.set(false)
	return nil
}

// connectLoop dials, reads until disconnect, and reconnects with capped
// exponential backoff. One instance runs at a time.
func (t *Networked) connectLoop(ctx context.Context) {
	defer t.wg.Done()

	dialer := &websocket.Dialer{HandshakeTimeout: t.handshakeTimeout}
	attempts := 0

	for {
		if t.isClosed() || ctx.Err() != nil {
			t.setLoopInactive()
			return
		}

		conn, resp, err := dialer.DialContext(ctx, t.url, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			attempts++
			if t.metrics != nil {
				t.metrics.ReconnectAttempts.Inc()
			}
			if attempts >= t.backoff.MaxAttempts {
				t.logger.Warn("connection attempts exhausted; call Connect to retry",
					"url", t.url, "attempts", attempts)
				t.setLoopInactive()
				return
			}
			t.logger.Debug("dial failed, backing off",
				"url", t.url, "attempt", attempts, "error", err)
			if !t.sleep(ctx, t.reconnectDelay(attempts-1)) {
				t.setLoopInactive()
				return
			}
			continue
		}

		attempts = 0
		t.mu.Lock()
		t.conn = conn
		t.mu.Unlock()
		if t.metrics != nil {
			t.metrics.Connected.Set(1)
		}
		t.notifier.set(true)

		t.readLoop(conn)

		t.mu.Lock()
		t.conn = nil
		closed := t.closed
		t.mu.Unlock()
		if t.metrics != nil {
			t.metrics.Connected.Set(0)
		}
		t.notifier.set(false)

		if closed {
			t.setLoopInactive()
			return
		}
		// Mid-session drop: fall through and redial with a fresh budget.
	}
}

// readLoop delivers inbound messages until the connection errors.
func (t *Networked) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return
		}
		if t.metrics != nil {
			t.metrics.MessagesReceived.Inc()
		}

		t.mu.Lock()
		handler := t.handler
		t.mu.Unlock()
		if handler != nil {
			handler(data)
		}
	}
}

// reconnectDelay computes the backoff before the given retry, with up to
// 25% jitter when configured.
func (t *Networked) reconnectDelay(retryIdx int) time.Duration {
	delay := t.backoff.Delay(retryIdx)
	if t.backoff.AddJitter && delay > 0 {
		delay += time.Duration(rand.Int63n(int64(delay / 4)))
	}
	return delay
}

// sleep waits for d, returning false when the context is cancelled or
// the transport is closed.
func (t *Networked) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.closeCh:
		return false
	case <-timer.C:
		return true
	}
}

func (t *Networked) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Networked) setLoopInactive() {
	t.mu.Lock()
	t.loopActive = false
	t.mu.Unlock()
}
