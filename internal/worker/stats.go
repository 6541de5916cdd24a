package worker

import (
	"sync/atomic"

	"swap-engine/internal/queue"
)

// Stats counts job outcomes for the status endpoint.
type Stats struct {
	started   atomic.Int64
	acked     atomic.Int64
	retried   atomic.Int64
	discarded atomic.Int64
}

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	Started   int64 `json:"started"`
	Acked     int64 `json:"acked"`
	Retried   int64 `json:"retried"`
	Discarded int64 `json:"discarded"`
}

func (s *Stats) record(res queue.Result) {
	switch {
	case res.IsAck():
		s.acked.Add(1)
	case res.IsRetry():
		s.retried.Add(1)
	default:
		s.discarded.Add(1)
	}
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Started:   s.started.Load(),
		Acked:     s.acked.Load(),
		Retried:   s.retried.Load(),
		Discarded: s.discarded.Load(),
	}
}
