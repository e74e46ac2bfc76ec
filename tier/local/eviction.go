package local

import "time"

// Eviction is score-based rather than pure LRU. Each candidate gets
//
//	score = (accessCount * observedHitRatio) / (chargedSize * ageFactor)
//
// where ageFactor = 1 + secondsSinceAccess/3600. The lowest score goes
// first, which keeps small frequently hit entries alive at the expense of
// large stale ones, even when the large entry was touched more recently in
// wall-clock terms. Ties break on insertion order, oldest first.

func evictionScore(e *entry, hitRatio float64, now time.Time) float64 {
	age := now.Sub(e.lastAccess).Seconds()
	if age < 0 {
		age = 0
	}
	ageFactor := 1 + age/3600
	return (float64(e.accessCount) * hitRatio) / (float64(e.size) * ageFactor)
}

// evictLocked removes entries one at a time, recomputing the aggregate size
// after each removal, until bytes <= target. Caller holds mu.
func (s *Store) evictLocked(target int64, now time.Time) {
	ratio := 1.0
	if total := s.hits + s.misses; total > 0 {
		ratio = float64(s.hits) / float64(total)
	}

	for s.bytes > target && len(s.m) > 0 {
		var (
			victimKey string
			victim    *entry
			best      float64
		)
		for k, e := range s.m {
			sc := evictionScore(e, ratio, now)
			if victim == nil || sc < best || (sc == best && e.seq < victim.seq) {
				victimKey, victim, best = k, e, sc
			}
		}
		s.removeLocked(victimKey, victim)
		s.evictions++
		if s.onEvict != nil {
			s.onEvict(victimKey, victim.size)
		}
	}
}
