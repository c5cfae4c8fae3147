package meter

import (
	"math"
	"time"
)

// Analyzer computes per-channel peak and RMS levels over audio blocks
// and pushes one Frame per block into a ring. Analyze runs inside the
// audio callback: no allocation, no locks, no I/O.
type Analyzer struct {
	ring  *Ring
	clock func() uint64
}

// NewAnalyzer creates an analyzer feeding the given ring.
func NewAnalyzer(ring *Ring) *Analyzer {
	return &Analyzer{ring: ring, clock: monotonicMicros}
}

// Analyze processes one stereo block and pushes a frame. Short or
// mismatched blocks are measured over the overlapping length; empty
// blocks produce a silence frame.
func (a *Analyzer) Analyze(left, right []float32) {
	a.ring.Push(Frame{
		Timestamp: a.clock(),
		LeftPeak:  peakDB(left),
		LeftRMS:   rmsDB(left),
		RightPeak: peakDB(right),
		RightRMS:  rmsDB(right),
	})
}

// peakDB returns the block's peak magnitude in dB, floored at FloorDB.
func peakDB(samples []float32) float32 {
	var peak float32
	for _, s := range samples {
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	return magnitudeToDB(peak)
}

// rmsDB returns the block's root-mean-square level in dB.
func rmsDB(samples []float32) float32 {
	if len(samples) == 0 {
		return FloorDB
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return magnitudeToDB(float32(math.Sqrt(sum / float64(len(samples)))))
}

// magnitudeToDB converts linear magnitude to dB full scale with the
// silence floor applied.
func magnitudeToDB(mag float32) float32 {
	if mag <= 0 {
		return FloorDB
	}
	db := float32(20 * math.Log10(float64(mag)))
	if db < FloorDB {
		return FloorDB
	}
	return db
}

var processStart = time.Now()

// monotonicMicros is a monotonic microsecond clock anchored at process
// start. time.Since reads the monotonic clock and does not allocate.
func monotonicMicros() uint64 {
	return uint64(time.Since(processStart).Microseconds())
}
