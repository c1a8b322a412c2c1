package dispatch

import "sync/atomic"

// Stats contains dispatcher counters.
type Stats struct {
	Received      atomic.Uint64
	Dropped       atomic.Uint64
	Registrations atomic.Uint64
	Provisioned   atomic.Uint64
	Anchored      atomic.Uint64
	AnchorErrors  atomic.Uint64
	Forwarded     atomic.Uint64
	Panics        atomic.Uint64
}

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	Received      uint64 `json:"received"`
	Dropped       uint64 `json:"dropped"`
	Registrations uint64 `json:"registrations"`
	Provisioned   uint64 `json:"provisioned"`
	Anchored      uint64 `json:"anchored"`
	AnchorErrors  uint64 `json:"anchor_errors"`
	Forwarded     uint64 `json:"forwarded"`
	Panics        uint64 `json:"panics"`
}

// Snapshot copies the current counter values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Received:      s.Received.Load(),
		Dropped:       s.Dropped.Load(),
		Registrations: s.Registrations.Load(),
		Provisioned:   s.Provisioned.Load(),
		Anchored:      s.Anchored.Load(),
		AnchorErrors:  s.AnchorErrors.Load(),
		Forwarded:     s.Forwarded.Load(),
		Panics:        s.Panics.Load(),
	}
}
