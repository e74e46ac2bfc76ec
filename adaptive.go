package tiercache

import (
	"context"
	"time"

	"github.com/unkn0wn-root/tiercache/freq"
)

const (
	maxAccessBoost     = 2.0
	accessBoostDivisor = 50.0
)

// ttlPolicy computes an entry's effective TTL once, at write time:
//
//	effectiveTTL = baseTTL * typeMultiplier(dataType) * accessMultiplier(key)
//
// The access multiplier grows with the key's historical hit count, capped at
// maxAccessBoost so a permanently hot key cannot grow its lifetime without
// bound. The TTL stays fixed after the write; re-reads do not slide it.
type ttlPolicy struct {
	base        time.Duration
	multipliers map[string]float64
	tracker     freq.Tracker
}

func newTTLPolicy(base time.Duration, overrides map[string]float64, tracker freq.Tracker) *ttlPolicy {
	m := DefaultTypeMultipliers()
	for k, v := range overrides {
		m[k] = v
	}
	return &ttlPolicy{base: base, multipliers: m, tracker: tracker}
}

func (p *ttlPolicy) effective(ctx context.Context, storageKey, dataType string) time.Duration {
	tm := 1.0
	if v, ok := p.multipliers[dataType]; ok {
		tm = v
	}
	n, err := p.tracker.Count(ctx, storageKey)
	if err != nil {
		n = 0 // tracker trouble must not block writes
	}
	boost := 1 + float64(n)/accessBoostDivisor
	if boost > maxAccessBoost {
		boost = maxAccessBoost
	}
	return time.Duration(float64(p.base) * tm * boost)
}
