package tiercache

import "sync/atomic"

// TierStats is the per-tier slice of a Stats snapshot. Hits/Misses/Errors
// are counted by the coordinator; size figures come from the tier itself and
// stay zero where the backend cannot report them cheaply.
type TierStats struct {
	Name           string
	Hits           uint64
	Misses         uint64
	Errors         uint64
	Healthy        bool
	Entries        int64
	BytesUsed      int64
	BudgetBytes    int64
	MemoryUsagePct float64
	Evictions      uint64
}

// Stats is an aggregate snapshot across all configured tiers.
type Stats struct {
	Hits    uint64
	Misses  uint64
	HitRate float64

	// CompressionRatio is storedBytes/originalBytes over all writes that
	// were actually compressed; 0 when nothing has been compressed yet.
	CompressionRatio float64

	Tiers []TierStats
}

// tierCounters tracks per-tier outcomes observed by the coordinator.
type tierCounters struct {
	hits   atomic.Uint64
	misses atomic.Uint64
	errors atomic.Uint64
}
