// Package param is the typed parameter façade over the message bus.
// Untyped wire payloads stop here; consumers above this package only see
// Info values and Go booleans. Boolean parameters travel as 0.0/1.0 on
// the wire and are translated in this layer exclusively.
package param

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/RonHouben/wavecraft-sub004/bus"
	"github.com/RonHouben/wavecraft-sub004/errors"
)

// Type distinguishes continuous from toggle parameters.
type Type string

const (
	// TypeFloat is a continuous parameter within [Min, Max].
	TypeFloat Type = "float"
	// TypeBool is a toggle carried as 0.0/1.0 on the wire.
	TypeBool Type = "bool"
)

// Info is the authoritative description of one parameter. Value always
// lies within [Min, Max]; the engine side enforces that on every write.
type Info struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Type    Type    `json:"type"`
	Value   float64 `json:"value"`
	Default float64 `json:"default"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Unit    string  `json:"unit,omitempty"`
}

// Bool reads a toggle parameter's value as a Go boolean.
func (i Info) Bool() bool { return i.Value >= 0.5 }

// ChangeEvent is one parameterChanged notification.
type ChangeEvent struct {
	ID    string  `json:"id"`
	Value float64 `json:"value"`
}

type idParams struct {
	ID string `json:"id"`
}

type setParams struct {
	ID    string  `json:"id"`
	Value float64 `json:"value"`
}

// Service exposes typed parameter operations on one shared bus. Multiple
// consumers share one Service; concurrent getAllParameters calls are
// coalesced into a single wire request.
type Service struct {
	bus    *bus.Bus
	logger *slog.Logger

	group singleflight.Group

	mu     sync.RWMutex
	cache  []Info
	cached bool

	unsubChanged func()
	unsubConn    func()

	listenerMu sync.Mutex
	nextID     int
	listeners  map[int]func(ChangeEvent)
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService creates the parameter façade over a bus.
func NewService(b *bus.Bus, opts ...Option) *Service {
	s := &Service{
		bus:       b,
		logger:    slog.Default().With("component", "param"),
		listeners: make(map[int]func(ChangeEvent)),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.unsubChanged = b.On("parameterChanged", s.onChanged)
	s.unsubConn = b.Transport().OnConnectionChange(func(connected bool) {
		if connected {
			// Changes broadcast during the gap were missed; the cache
			// must not answer the reconnection refetch.
			s.InvalidateCache()
		}
	})
	return s
}

// GetParameter fetches the authoritative description of one parameter.
func (s *Service) GetParameter(ctx context.Context, id string) (Info, error) {
	raw, err := s.bus.Invoke(ctx, "getParameter", idParams{ID: id})
	if err != nil {
		return Info{}, err
	}
	var info Info
	if err := json.Unmarshal(raw, &info); err != nil {
		return Info{}, errors.WrapInvalid(err, "Service", "GetParameter", "decode parameter info")
	}
	return info, nil
}

// SetParameter writes a value, then reads the authoritative value back
// so the returned Info reflects host-side clamping and remapping rather
// than the raw requested value.
func (s *Service) SetParameter(ctx context.Context, id string, value float64) (Info, error) {
	if _, err := s.bus.Invoke(ctx, "setParameter", setParams{ID: id, Value: value}); err != nil {
		return Info{}, err
	}
	return s.GetParameter(ctx, id)
}

// SetBool writes a toggle parameter, translating the boolean at this
// layer only.
func (s *Service) SetBool(ctx context.Context, id string, on bool) (Info, error) {
	value := 0.0
	if on {
		value = 1.0
	}
	return s.SetParameter(ctx, id, value)
}

// GetAllParameters returns every parameter. Results are cached and kept
// current by parameterChanged notifications; concurrent callers across
// consumers are deduplicated into one wire request.
func (s *Service) GetAllParameters(ctx context.Context) ([]Info, error) {
	s.mu.RLock()
	if s.cached {
		cached := make([]Info, len(s.cache))
		copy(cached, s.cache)
		s.mu.RUnlock()
		return cached, nil
	}
	s.mu.RUnlock()

	result, err, _ := s.group.Do("getAllParameters", func() (any, error) {
		raw, invokeErr := s.bus.Invoke(ctx, "getAllParameters", nil)
		if invokeErr != nil {
			return nil, invokeErr
		}
		var infos []Info
		if decodeErr := json.Unmarshal(raw, &infos); decodeErr != nil {
			return nil, errors.WrapInvalid(decodeErr, "Service", "GetAllParameters", "decode parameter list")
		}

		s.mu.Lock()
		s.cache = infos
		s.cached = true
		s.mu.Unlock()
		return infos, nil
	})
	if err != nil {
		return nil, err
	}

	infos := result.([]Info)
	out := make([]Info, len(infos))
	copy(out, infos)
	return out, nil
}

// InvalidateCache drops the parameter cache; the next GetAllParameters
// refetches. The service calls it on every reconnect, when cached
// values may be stale.
func (s *Service) InvalidateCache() {
	s.mu.Lock()
	s.cache = nil
	s.cached = false
	s.mu.Unlock()
}

// Ping measures request/response round-trip latency.
func (s *Service) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := s.bus.Invoke(ctx, "ping", nil); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// OnParameterChanged subscribes to change notifications. The returned
// unsubscribe function is idempotent.
func (s *Service) OnParameterChanged(fn func(ChangeEvent)) func() {
	s.listenerMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.listenerMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenerMu.Lock()
			delete(s.listeners, id)
			s.listenerMu.Unlock()
		})
	}
}

// Close detaches from the bus. The bus itself is left to its owner.
func (s *Service) Close() error {
	if s.unsubChanged != nil {
		s.unsubChanged()
	}
	if s.unsubConn != nil {
		s.unsubConn()
	}
	return nil
}

// onChanged keeps the cache current and fans the event out to typed
// listeners.
func (s *Service) onChanged(data json.RawMessage) {
	var ev ChangeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		s.logger.Warn("discarding malformed parameterChanged event", "error", err)
		return
	}

	s.mu.Lock()
	for i := range s.cache {
		if s.cache[i].ID == ev.ID {
			s.cache[i].Value = ev.Value
			break
		}
	}
	s.mu.Unlock()

	s.listenerMu.Lock()
	fns := make([]func(ChangeEvent), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenerMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
