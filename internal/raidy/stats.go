package raidy

import "sync/atomic"

// Stats is the named counter surface from spec.md §4.6, grounded on the
// original source's raidy_stats kstat table (counter names kept
// verbatim). The host's kstat facility itself is out of scope; this is
// the Go-local equivalent, exposed via Snapshot.
type Stats struct {
	writes                       atomic.Int64
	partialStripeWrites          atomic.Int64
	fullStripeWrites             atomic.Int64
	activemapUpdatesOnWriteStart atomic.Int64
	activemapUpdatesOnWriteDone  atomic.Int64
}

// Snapshot returns every counter's current value keyed by its
// spec.md-given name.
func (s *Stats) Snapshot() map[string]int64 {
	return map[string]int64{
		"writes":                           s.writes.Load(),
		"partial_stripe_writes":            s.partialStripeWrites.Load(),
		"full_stripe_writes":               s.fullStripeWrites.Load(),
		"activemap_updates_on_write_start": s.activemapUpdatesOnWriteStart.Load(),
		"activemap_updates_on_write_done":  s.activemapUpdatesOnWriteDone.Load(),
	}
}

// statsRegistry models the "process-wide named-stat object with an
// init_refcount so multiple vdevs share one registration" design note
// (spec.md §9): the first Vdev.Open creates it, the last Close tears it
// down.
type statsRegistry struct {
	refcount atomic.Int32
	stats    *Stats
}

var globalStats = &statsRegistry{}

func acquireStats() *Stats {
	if globalStats.refcount.Add(1) == 1 {
		globalStats.stats = &Stats{}
	}
	return globalStats.stats
}

func releaseStats() {
	if globalStats.refcount.Add(-1) == 0 {
		globalStats.stats = nil
	}
}
