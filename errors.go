package tiercache

import "fmt"

// SerializationError reports an encode/decode failure. On the read path the
// coordinator treats it as a miss; on the write path the Set fails without
// touching any tier.
type SerializationError struct {
	Key string
	Op  string // "set" or "get"
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("tiercache: %s %q: serialization failed: %v", e.Op, e.Key, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// TierUnavailableError reports that a tier could not serve an operation
// within its deadline, or that its circuit breaker is open. The coordinator
// proceeds with the remaining tiers; callers only see this error when every
// tier failed.
type TierUnavailableError struct {
	Tier string
	Op   string
	Err  error
}

func (e *TierUnavailableError) Error() string {
	return fmt.Sprintf("tiercache: tier %s unavailable during %s: %v", e.Tier, e.Op, e.Err)
}

func (e *TierUnavailableError) Unwrap() error { return e.Err }

// IntegrityError reports a checksum mismatch on a value read from a shared
// tier. The corrupt entry is deleted from that tier and the read treated as
// a miss; the error itself only surfaces through hooks and logs.
type IntegrityError struct {
	Tier string
	Key  string
	Err  error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("tiercache: integrity failure on %s for %q: %v", e.Tier, e.Key, e.Err)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// ConfigurationError reports invalid Options. It is the only error class
// allowed to abort startup; it is never produced at runtime.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("tiercache: invalid configuration: %s: %s", e.Field, e.Reason)
}
