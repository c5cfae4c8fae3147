package main

import (
	"context"
	"math"
	"time"
)

// Source produces stereo audio blocks at the capture cadence. The test
// signal source stands in for a real capture driver; the analyzer and
// transport path are identical either way.
type Source interface {
	// Run delivers blocks to emit until the context is cancelled. The
	// slices are reused between calls; emit must not retain them.
	Run(ctx context.Context, emit func(left, right []float32)) error
}

// sineSource generates a stereo sine with a slow amplitude sweep, useful
// for watching meters move without a sound card.
type sineSource struct {
	sampleRate int
	blockSize  int
	freq       float64
}

func newSineSource(sampleRate, blockSize int, freq float64) *sineSource {
	return &sineSource{sampleRate: sampleRate, blockSize: blockSize, freq: freq}
}

func (s *sineSource) Run(ctx context.Context, emit func(left, right []float32)) error {
	left := make([]float32, s.blockSize)
	right := make([]float32, s.blockSize)

	blockPeriod := time.Duration(float64(s.blockSize) / float64(s.sampleRate) * float64(time.Second))
	ticker := time.NewTicker(blockPeriod)
	defer ticker.Stop()

	phase := 0.0
	step := 2 * math.Pi * s.freq / float64(s.sampleRate)
	var elapsed float64

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		// Amplitude sweeps 0..1 over 4 seconds.
		amp := 0.5 * (1 + math.Sin(2*math.Pi*elapsed/4))
		for i := 0; i < s.blockSize; i++ {
			sample := float32(amp * math.Sin(phase))
			left[i] = sample
			right[i] = sample * 0.8
			phase += step
		}
		if phase > 2*math.Pi {
			phase -= 2 * math.Pi
		}
		elapsed += float64(s.blockSize) / float64(s.sampleRate)

		emit(left, right)
	}
}
