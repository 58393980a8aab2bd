// ABOUTME: Package outqueue smooths agent output into the operator's chat room.
// ABOUTME: Splits oversized messages and rate-limits sends over a rolling window.

// Package outqueue buffers outbound chat messages per agent.
//
// Agents can emit text much faster than a homeserver will accept it, and in
// chunks far larger than a single event allows. The queue splits oversized
// messages on line boundaries, sends in FIFO order under a rolling per-second
// rate limit, and re-enqueues at the front on transient send failures so
// ordering is never violated.
package outqueue
