package tiercache

// Hooks are lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking; the coordinator calls them
// on hot paths. Wrap expensive sinks with hooks/async.
type Hooks interface {
	// A tier operation failed and the coordinator degraded around it.
	TierError(tierName, op, key string, err error)

	// A corrupt or undecodable entry was deleted on read.
	// reason is one of "corrupt", "checksum", "decode".
	SelfHeal(tierName, key, reason string)

	// A set succeeded on fewer tiers than configured.
	WriteDegraded(key string, accepted, total int)

	// A tier's circuit breaker changed state (e.g. "closed" -> "open").
	BreakerStateChange(tierName, from, to string)
}

// NopHooks is the default no-op.
type NopHooks struct{}

func (NopHooks) TierError(string, string, string, error)   {}
func (NopHooks) SelfHeal(string, string, string)           {}
func (NopHooks) WriteDegraded(string, int, int)            {}
func (NopHooks) BreakerStateChange(string, string, string) {}
