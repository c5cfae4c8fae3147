package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/RonHouben/wavecraft-sub004/errors"
	"github.com/RonHouben/wavecraft-sub004/meter"
	"github.com/RonHouben/wavecraft-sub004/metric"
	"github.com/RonHouben/wavecraft-sub004/param"
	"github.com/RonHouben/wavecraft-sub004/protocol"
	"github.com/RonHouben/wavecraft-sub004/transport"
)

// DefaultRelayInterval pushes meterFrame events at ~60 Hz.
const DefaultRelayInterval = 16 * time.Millisecond

// Server dispatches wire requests against a Registry and broadcasts
// parameterChanged and meterFrame events. It serves an embedded peer
// and a networked listener simultaneously; both see the same registry.
type Server struct {
	registry      *Registry
	logger        *slog.Logger
	relayInterval time.Duration
	meterMetrics  *metric.MeterMetrics

	mu       sync.RWMutex
	embedded *transport.Embedded
	wsServer *transport.Server

	unsubChange func()
	poller      *meter.Poller
	meterRing   *meter.Ring
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

// WithRelayInterval overrides the meterFrame broadcast cadence.
func WithRelayInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.relayInterval = d
		}
	}
}

// WithMeterMetrics attaches prometheus metrics to the meter relay.
func WithMeterMetrics(m *metric.MeterMetrics) ServerOption {
	return func(s *Server) { s.meterMetrics = m }
}

// NewServer creates a dispatcher over the given registry.
func NewServer(registry *Registry, opts ...ServerOption) *Server {
	s := &Server{
		registry:      registry,
		logger:        slog.Default().With("component", "engine"),
		relayInterval: DefaultRelayInterval,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.unsubChange = registry.OnChange(func(ev param.ChangeEvent) {
		s.broadcastEvent("parameterChanged", ev)
	})
	return s
}

// AttachEmbedded serves an in-process control surface through one end of
// an embedded pair.
func (s *Server) AttachEmbedded(end *transport.Embedded) {
	s.mu.Lock()
	s.embedded = end
	s.mu.Unlock()

	end.OnMessage(func(data []byte) {
		if resp, ok := s.handle(data); ok {
			if err := end.Send(resp); err != nil {
				s.logger.Warn("embedded response dropped", "error", err)
			}
		}
	})
}

// AttachServer serves networked control surfaces through a websocket
// listener. Responses go back to the originating session only; events
// broadcast to every session.
func (s *Server) AttachServer(srv *transport.Server) {
	s.mu.Lock()
	s.wsServer = srv
	s.mu.Unlock()

	srv.OnMessage(func(sessionID string, data []byte) {
		if resp, ok := s.handle(data); ok {
			if err := srv.SendTo(sessionID, resp); err != nil {
				s.logger.Warn("response dropped", "session", sessionID, "error", err)
			}
		}
	})
}

// RelayMeters starts forwarding drained frames as meterFrame events at
// the relay interval until the context is cancelled or Close is called.
func (s *Server) RelayMeters(ctx context.Context, ring *meter.Ring) {
	s.mu.Lock()
	if s.poller != nil {
		s.mu.Unlock()
		return
	}
	p := meter.NewPoller(ring, func(frames []meter.Frame) {
		// Relay only the newest frame per tick; a meter UI wants the
		// current level, not the backlog.
		s.broadcastEvent("meterFrame", frames[len(frames)-1])
	}, meter.WithPollInterval(s.relayInterval),
		meter.WithPollerLogger(s.logger),
		meter.WithPollerMetrics(s.meterMetrics))
	s.poller = p
	s.meterRing = ring
	s.mu.Unlock()

	p.Start(ctx)
}

// Close stops the meter relay and detaches from the registry.
func (s *Server) Close() error {
	s.mu.Lock()
	p := s.poller
	s.poller = nil
	s.mu.Unlock()

	if p != nil {
		p.Stop()
	}
	if s.unsubChange != nil {
		s.unsubChange()
	}
	return nil
}

// handle processes one inbound payload. The second return is false when
// nothing should be sent back (events, malformed junk without an id).
func (s *Server) handle(data []byte) ([]byte, bool) {
	msg, err := protocol.Classify(data)
	if err != nil {
		s.logger.Warn("discarding malformed message", "error", err)
		return nil, false
	}
	if msg.Kind == protocol.KindEvent {
		s.handleEvent(msg.Event)
		return nil, false
	}
	if msg.Kind != protocol.KindRequest {
		// The engine answers requests; a stray response from a client is
		// protocol noise.
		s.logger.Warn("ignoring non-request message", "kind", msg.Kind.String())
		return nil, false
	}

	resp := s.dispatch(msg.Request)
	out, err := protocol.Encode(resp)
	if err != nil {
		s.logger.Error("response encoding failed", "method", msg.Request.Method, "error", err)
		return nil, false
	}
	return out, true
}

// handleEvent absorbs inbound events. A meterFrame from the capture
// process lands in the engine's ring; the relay rebroadcasts it to
// every control surface. Everything else is dropped.
func (s *Server) handleEvent(ev protocol.Event) {
	if ev.Event != "meterFrame" {
		s.logger.Warn("ignoring unknown inbound event", "event", ev.Event)
		return
	}

	s.mu.RLock()
	ring := s.meterRing
	s.mu.RUnlock()
	if ring == nil {
		return
	}

	var f meter.Frame
	if err := json.Unmarshal(ev.Data, &f); err != nil {
		s.logger.Warn("discarding malformed meterFrame event", "error", err)
		return
	}
	ring.Push(f)
}

type setParams struct {
	ID    string   `json:"id"`
	Value *float64 `json:"value"`
}

type idParams struct {
	ID string `json:"id"`
}

type successResult struct {
	Success bool `json:"success"`
}

func (s *Server) dispatch(req protocol.Request) protocol.Response {
	switch req.Method {
	case "ping":
		return s.result(req.ID, successResult{Success: true})

	case "getParameter":
		var p idParams
		if err := json.Unmarshal(req.Params, &p); err != nil || p.ID == "" {
			return protocol.NewError(req.ID, protocol.CodeInvalidParams, "getParameter requires a string id")
		}
		info, err := s.registry.Get(p.ID)
		if err != nil {
			return protocol.NewError(req.ID, protocol.CodeParameterNotFound,
				fmt.Sprintf("Parameter not found: %s", p.ID))
		}
		return s.result(req.ID, info)

	case "setParameter":
		var p setParams
		if err := json.Unmarshal(req.Params, &p); err != nil || p.ID == "" || p.Value == nil {
			return protocol.NewError(req.ID, protocol.CodeInvalidParams, "setParameter requires id and value")
		}
		if _, err := s.registry.Set(p.ID, *p.Value); err != nil {
			switch {
			case errors.Is(err, errors.ErrParameterNotFound):
				return protocol.NewError(req.ID, protocol.CodeParameterNotFound,
					fmt.Sprintf("Parameter not found: %s", p.ID))
			case errors.Is(err, errors.ErrValueOutOfRange):
				return protocol.NewError(req.ID, protocol.CodeValueOutOfRange,
					fmt.Sprintf("Value out of range for parameter: %s", p.ID))
			default:
				return protocol.NewError(req.ID, protocol.CodeInternalError, err.Error())
			}
		}
		return s.result(req.ID, successResult{Success: true})

	case "getAllParameters":
		return s.result(req.ID, s.registry.List())

	default:
		return protocol.NewError(req.ID, protocol.CodeMethodNotFound,
			fmt.Sprintf("unknown method: %s", req.Method))
	}
}

func (s *Server) result(id uint64, v any) protocol.Response {
	resp, err := protocol.NewResult(id, v)
	if err != nil {
		s.logger.Error("result encoding failed", "error", err)
		return protocol.NewError(id, protocol.CodeInternalError, "internal error")
	}
	return resp
}

// broadcastEvent fans one event out to the embedded peer and every
// networked session.
func (s *Server) broadcastEvent(name string, data any) {
	ev, err := protocol.NewEvent(name, data)
	if err != nil {
		s.logger.Error("event encoding failed", "event", name, "error", err)
		return
	}
	out, err := protocol.Encode(ev)
	if err != nil {
		s.logger.Error("event encoding failed", "event", name, "error", err)
		return
	}

	s.mu.RLock()
	embedded := s.embedded
	wsServer := s.wsServer
	s.mu.RUnlock()

	if embedded != nil {
		if sendErr := embedded.Send(out); sendErr != nil {
			s.logger.Debug("embedded event dropped", "event", name, "error", sendErr)
		}
	}
	if wsServer != nil {
		wsServer.Broadcast(out)
	}
}
