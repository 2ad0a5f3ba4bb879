package token

import "sync/atomic"

// Stats counts GetOrCreate outcomes since the store was opened.
type Stats struct {
	Created int64 `json:"created"`
	Reused  int64 `json:"reused"`
}

type counters struct {
	created atomic.Int64
	reused  atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{Created: c.created.Load(), Reused: c.reused.Load()}
}

// StatsReporter is implemented by every Store in this package.
type StatsReporter interface {
	Stats() Stats
}
