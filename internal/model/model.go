// Package model holds the data types shared across the detection and
// enforcement pipeline: the per-source tracking record and the event
// kinds the detector and expirer emit.
package model

import "time"

// SourceState is one tracked record per source address. Addr is the
// key; every other field is mutated only while the source map's write
// lock is held.
type SourceState struct {
	Addr        uint32 // IPv4 address, network byte order
	WindowStart time.Time
	SynCount    uint32
	LastSeen    time.Time
	Blocked     bool
	BlockExpiry time.Time
}

// EventKind names the events the detector and expirer emit.
type EventKind string

const (
	EventBlocked    EventKind = "BLOCKED"
	EventSuspicious EventKind = "SUSPICIOUS"
	EventUnblocked  EventKind = "UNBLOCKED"
)

// Event is a single pipeline event, suitable for structured logging or
// forwarding to an external consumer.
type Event struct {
	Kind      EventKind
	Addr      uint32
	SynCount  uint32
	HalfOpen  uint32
	Threshold uint32
	At        time.Time
}
