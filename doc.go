// Package wavecraft is the communication backbone between a real-time
// audio-processing engine and its non-real-time control surfaces (a dev
// UI, a diagnostic client, or a headless test harness).
//
// # Architecture
//
// The system is layered, leaves first:
//
//   - transport: channel abstraction with two concrete forms: an
//     always-connected in-process pair used when the control surface
//     shares the engine's process, and a reconnecting WebSocket channel
//     used across process boundaries (e.g. a browser-based dev UI).
//   - bus: request/response/event correlation on top of one Transport,
//     with per-request deadlines and rate-limited disconnect logging.
//   - param: typed parameter facade (get/set/list/ping + change stream)
//     with write-then-read-back so callers never diverge from host-side
//     clamping.
//   - fetch: connection-aware fetch state machine that governs when
//     stateful consumers (re)acquire remote state across first-connect
//     races, reconnects, retries and teardown.
//   - meter: real-time-safe single-producer/single-consumer metering
//     pipeline moving peak/RMS frames off the audio callback without
//     allocating, locking, or blocking.
//   - engine: the engine-side dispatcher binding the parameter registry
//     and the meter relay to one or more transports.
//   - bridge: coordination of an optional external audio-capture
//     process that feeds the same pipeline from live hardware input.
//
// Signal-processing algorithms, the plugin-host shim, and UI rendering
// are external collaborators consumed through interfaces only.
//
// # Execution contexts
//
// Three contexts never share suspension points: the hard-real-time audio
// callback (meter producer; forbidden from allocation, locks, syscalls),
// the control-surface async context (bus, fetch), and the timer-driven
// reconnect/retry scheduler (transport).
package wavecraft
