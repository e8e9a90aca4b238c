package bridge

import (
	"sync/atomic"
	"time"
)

// Stats holds process-lifetime counters for the bridge. Counters are
// atomic so the HTTP surface can read them while the pipeline runs.
type Stats struct {
	created           atomic.Int64
	updated           atomic.Int64
	deleted           atomic.Int64
	ignoredTombstones atomic.Int64
	parseErrors       atomic.Int64
	writeErrors       atomic.Int64
	lastEventAtMs     atomic.Int64
}

// StatsSnapshot is a point-in-time, read-only view of the counters.
type StatsSnapshot struct {
	Created           int64     `json:"created"`
	Updated           int64     `json:"updated"`
	Deleted           int64     `json:"deleted"`
	IgnoredTombstones int64     `json:"ignored_tombstones"`
	ParseErrors       int64     `json:"parse_errors"`
	WriteErrors       int64     `json:"write_errors"`
	LastEventAt       time.Time `json:"last_event_at"`
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		Created:           s.created.Load(),
		Updated:           s.updated.Load(),
		Deleted:           s.deleted.Load(),
		IgnoredTombstones: s.ignoredTombstones.Load(),
		ParseErrors:       s.parseErrors.Load(),
		WriteErrors:       s.writeErrors.Load(),
	}
	if ms := s.lastEventAtMs.Load(); ms > 0 {
		snap.LastEventAt = time.UnixMilli(ms)
	}
	return snap
}

func (s *Stats) markEvent() {
	s.lastEventAtMs.Store(time.Now().UnixMilli())
}
