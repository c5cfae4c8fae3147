package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/RonHouben/wavecraft-sub004/errors"
	"github.com/RonHouben/wavecraft-sub004/metric"
)

const (
	serverWriteTimeout = 10 * time.Second
	serverReadTimeout  = 60 * time.Second
	serverPingInterval = 30 * time.Second
)

// session is one accepted control-surface connection.
type session struct {
	id   string
	conn *websocket.Conn

	// Serializes writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex
}

func (s *session) write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(serverWriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Server accepts WebSocket connections from networked control surfaces
// and hands inbound messages to a single handler keyed by session id.
// It is the engine-side counterpart of the Networked client.
type Server struct {
	addr    string
	path    string
	logger  *slog.Logger
	metrics *metric.TransportMetrics

	upgrader websocket.Upgrader
	handler  func(sessionID string, data []byte)
	onJoin   func(sessionID string)
	onLeave  func(sessionID string)

	mu       sync.RWMutex
	sessions map[string]*session
	started  bool

	httpServer   *http.Server
	listener     net.Listener
	stopCh       chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithServerPath overrides the websocket endpoint path (default /ws).
func WithServerPath(path string) ServerOption {
	return func(s *Server) { s.path = path }
}

// WithServerMetrics attaches prometheus metrics.
func WithServerMetrics(m *metric.TransportMetrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithSessionHooks registers callbacks fired when a control surface
// connects or disconnects.
func WithSessionHooks(onJoin, onLeave func(sessionID string)) ServerOption {
	return func(s *Server) {
		s.onJoin = onJoin
		s.onLeave = onLeave
	}
}

// NewServer creates a websocket server bound to addr.
func NewServer(addr string, opts ...ServerOption) *Server {
	s := &Server{
		addr:   addr,
		path:   "/ws",
		logger: slog.Default().With("component", "transport-server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Control surfaces connect from arbitrary local origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*session),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnMessage sets the inbound handler. Must be called before Start.
func (s *Server) OnMessage(fn func(sessionID string, data []byte)) {
	s.mu.Lock()
	s.handler = fn
	s.mu.Unlock()
}

// Start binds the listener and begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Server", "Start", "start websocket server")
	}
	s.started = true
	s.mu.Unlock()

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.WrapFatal(err, "Server", "Start", fmt.Sprintf("listen on %s", s.addr))
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleUpgrade)

	s.mu.Lock()
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if serveErr := s.httpServer.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			s.logger.Error("websocket server stopped", "error", serveErr)
		}
	}()

	s.logger.Info("websocket server listening", "addr", listener.Addr().String(), "path", s.path)
	return nil
}

// Addr returns the bound address, valid after Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// SendTo writes one message to a single session.
func (s *Server) SendTo(sessionID string, data []byte) error {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()

	if !ok {
		return errors.WrapTransient(
			fmt.Errorf("%w: session %s", errors.ErrNotConnected, sessionID),
			"Server", "SendTo", "locate session")
	}
	if err := sess.write(data); err != nil {
		return errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrSendFailed, err),
			"Server", "SendTo", "write message")
	}
	if s.metrics != nil {
		s.metrics.MessagesSent.Inc()
	}
	return nil
}

// Broadcast writes one message to every live session. Write failures are
// logged and the session is dropped; the broadcast continues.
func (s *Server) Broadcast(data []byte) {
	s.mu.RLock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	for _, sess := range sessions {
		if err := sess.write(data); err != nil {
			s.logger.Warn("broadcast write failed, dropping session",
				"session", sess.id, "error", err)
			s.dropSession(sess)
			continue
		}
		if s.metrics != nil {
			s.metrics.MessagesSent.Inc()
		}
	}
}

// Stop closes all sessions and shuts the listener down.
func (s *Server) Stop(timeout time.Duration) error {
	var err error
	s.shutdownOnce.Do(func() {
		close(s.stopCh)
		s.mu.Lock()
		server := s.httpServer
		sessions := make([]*session, 0, len(s.sessions))
		for _, sess := range s.sessions {
			sessions = append(sessions, sess)
		}
		s.mu.Unlock()

		for _, sess := range sessions {
			_ = sess.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second))
			_ = sess.conn.Close()
		}

		if server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			err = server.Shutdown(ctx)
		}
		s.wg.Wait()
	})
	return err
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	sess := &session{id: uuid.New().String(), conn: conn}

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.Connected.Set(float64(s.SessionCount()))
	}
	s.logger.Info("control surface connected", "session", sess.id, "remote", r.RemoteAddr)
	if s.onJoin != nil {
		s.onJoin(sess.id)
	}

	s.wg.Add(2)
	go s.pingLoop(sess)
	go s.readLoop(sess)
}

// readLoop reads until the session drops, refreshing the read deadline on
// every message and pong.
func (s *Server) readLoop(sess *session) {
	defer s.wg.Done()
	defer s.dropSession(sess)

	_ = sess.conn.SetReadDeadline(time.Now().Add(serverReadTimeout))
	sess.conn.SetPongHandler(func(string) error {
		return sess.conn.SetReadDeadline(time.Now().Add(serverReadTimeout))
	})

	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = sess.conn.SetReadDeadline(time.Now().Add(serverReadTimeout))
		if s.metrics != nil {
			s.metrics.MessagesReceived.Inc()
		}

		s.mu.RLock()
		handler := s.handler
		s.mu.RUnlock()
		if handler != nil {
			handler(sess.id, data)
		}
	}
}

// pingLoop keeps the session alive; exiting when a ping fails lets the
// read deadline tear the connection down. Stop ends it immediately so
// shutdown never waits out a ping interval.
func (s *Server) pingLoop(sess *session) {
	defer s.wg.Done()

	ticker := time.NewTicker(serverPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			sess.writeMu.Lock()
			err := sess.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(serverWriteTimeout))
			sess.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) dropSession(sess *session) {
	s.mu.Lock()
	_, present := s.sessions[sess.id]
	delete(s.sessions, sess.id)
	s.mu.Unlock()

	_ = sess.conn.Close()
	if !present {
		return
	}
	if s.metrics != nil {
		s.metrics.Connected.Set(float64(s.SessionCount()))
	}
	s.logger.Info("control surface disconnected", "session", sess.id)
	if s.onLeave != nil {
		s.onLeave(sess.id)
	}
}
