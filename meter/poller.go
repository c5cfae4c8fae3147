package meter

import (
	"context"
	"log/slog"
	"time"

	"github.com/RonHouben/wavecraft-sub004/metric"
)

// DefaultPollInterval drains at about 30 Hz, comfortably inside the
// 20-60 Hz consumer band.
const DefaultPollInterval = 33 * time.Millisecond

// Poller drains a ring on a normal goroutine and hands batches of frames
// to a sink. This is the non-real-time end of the pipeline; prometheus
// counters live here, never in the producer.
type Poller struct {
	ring     *Ring
	sink     func([]Frame)
	interval time.Duration
	logger   *slog.Logger
	metrics  *metric.MeterMetrics

	buf          []Frame
	lastProduced uint64
	lastSkipped  uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithPollInterval overrides the drain cadence.
func WithPollInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithPollerLogger sets the logger.
func WithPollerLogger(logger *slog.Logger) PollerOption {
	return func(p *Poller) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithPollerMetrics attaches prometheus metrics.
func WithPollerMetrics(m *metric.MeterMetrics) PollerOption {
	return func(p *Poller) { p.metrics = m }
}

// NewPoller creates a poller draining ring into sink.
func NewPoller(ring *Ring, sink func([]Frame), opts ...PollerOption) *Poller {
	p := &Poller{
		ring:     ring,
		sink:     sink,
		interval: DefaultPollInterval,
		logger:   slog.Default().With("component", "meter"),
		buf:      make([]Frame, ring.Capacity()),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start begins the drain loop. Stop or context cancellation ends it.
func (p *Poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				p.drainOnce()
				return
			case <-ticker.C:
				p.drainOnce()
			}
		}
	}()
}

// Stop ends the drain loop after a final drain.
func (p *Poller) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
}

func (p *Poller) drainOnce() {
	n := p.ring.Drain(p.buf)
	if n == 0 {
		return
	}
	if p.metrics != nil {
		stats := p.ring.Stats()
		p.metrics.FramesDrained.Add(float64(n))
		if stats.Produced > p.lastProduced {
			p.metrics.FramesProduced.Add(float64(stats.Produced - p.lastProduced))
			p.lastProduced = stats.Produced
		}
		if stats.Skipped > p.lastSkipped {
			p.metrics.FramesSkipped.Add(float64(stats.Skipped - p.lastSkipped))
			p.lastSkipped = stats.Skipped
		}
	}
	p.sink(p.buf[:n])
}
