package tiercache

import "time"

const (
	defaultTTL                  = 5 * time.Minute
	defaultCompressionThreshold = 1024
	defaultRemoteTimeout        = 2 * time.Second
	defaultBreakerThreshold     = 5
	defaultBreakerCooldown      = 30 * time.Second
	defaultFreqSweep            = 10 * time.Minute
	defaultFreqRetention        = 24 * time.Hour
)

// DefaultTypeMultipliers is the built-in dataType -> TTL multiplier table.
// Options.TypeMultipliers entries override these; unknown types use 1.0.
func DefaultTypeMultipliers() map[string]float64 {
	return map[string]float64{
		"product":   1.5,
		"inventory": 0.5,
		"customer":  2.0,
		"order":     1.0,
		"analytics": 3.0,
		"settings":  0.3,
	}
}

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
