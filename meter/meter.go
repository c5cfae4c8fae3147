// Package meter implements the real-time metering pipeline: an
// allocation-free analyzer run inside the audio callback, a lock-free
// single-producer/single-consumer ring carrying frames out of the
// real-time context, and a poller draining them on a normal goroutine.
package meter

// Frame is one timestamped sample of peak and RMS levels per channel.
// Levels are in dB full scale, floored at FloorDB; Timestamp is a
// monotonic microsecond clock.
type Frame struct {
	Timestamp uint64  `json:"timestamp"`
	LeftPeak  float32 `json:"leftPeak"`
	LeftRMS   float32 `json:"leftRms"`
	RightPeak float32 `json:"rightPeak"`
	RightRMS  float32 `json:"rightRms"`
}

// FloorDB is the silence floor. Zero magnitude maps here instead of
// negative infinity so frames stay finite on the wire.
const FloorDB float32 = -100.0

// DefaultRingCapacity holds about four seconds of frames at 60 Hz
// production, enough that a consumer running 3x slow between polls never
// outruns the ring.
const DefaultRingCapacity = 256
