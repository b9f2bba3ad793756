package resilience

import "time"

// Config tunes one Executor. Non-positive fields take the ProviderConfig
// value when the executor is built.
type Config struct {
	RetryMaxAttempts    int
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration
	RetryMultiplier     float64

	BreakerEnabled          bool
	BreakerMinRequests      uint32
	BreakerFailureRatio     float64
	BreakerOpenTimeout      time.Duration
	BreakerHalfOpenMaxCalls uint32
}

// ProviderConfig guards model provider calls. A turn rides out a short
// provider restart before its deadline; a provider that keeps failing is cut
// off for half a minute so queued turns fail fast.
func ProviderConfig() Config {
	return Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: 100 * time.Millisecond,
		RetryMaxBackoff:     400 * time.Millisecond,
		RetryMultiplier:     2,

		BreakerEnabled:          true,
		BreakerMinRequests:      10,
		BreakerFailureRatio:     0.5,
		BreakerOpenTimeout:      30 * time.Second,
		BreakerHalfOpenMaxCalls: 2,
	}
}

// EventBusConfig guards resolution publishes. A lost event is repaired by
// the next scope Load, so it gives up sooner and trips on fewer samples.
func EventBusConfig() Config {
	return Config{
		RetryMaxAttempts:    2,
		RetryInitialBackoff: 100 * time.Millisecond,
		RetryMaxBackoff:     200 * time.Millisecond,
		RetryMultiplier:     2,

		BreakerEnabled:          true,
		BreakerMinRequests:      5,
		BreakerFailureRatio:     0.5,
		BreakerOpenTimeout:      15 * time.Second,
		BreakerHalfOpenMaxCalls: 1,
	}
}

// Merge returns c with every positive field of o applied on top.
// BreakerEnabled is left as c has it.
func (c Config) Merge(o Config) Config {
	c.RetryMaxAttempts = positiveOr(o.RetryMaxAttempts, c.RetryMaxAttempts)
	c.RetryInitialBackoff = positiveOr(o.RetryInitialBackoff, c.RetryInitialBackoff)
	c.RetryMaxBackoff = positiveOr(o.RetryMaxBackoff, c.RetryMaxBackoff)
	c.RetryMultiplier = positiveOr(o.RetryMultiplier, c.RetryMultiplier)
	c.BreakerMinRequests = positiveOr(o.BreakerMinRequests, c.BreakerMinRequests)
	c.BreakerFailureRatio = positiveOr(o.BreakerFailureRatio, c.BreakerFailureRatio)
	c.BreakerOpenTimeout = positiveOr(o.BreakerOpenTimeout, c.BreakerOpenTimeout)
	c.BreakerHalfOpenMaxCalls = positiveOr(o.BreakerHalfOpenMaxCalls, c.BreakerHalfOpenMaxCalls)
	return c
}

func (c Config) normalize() Config {
	out := ProviderConfig().Merge(c)
	out.BreakerEnabled = c.BreakerEnabled
	out.RetryMaxBackoff = max(out.RetryMaxBackoff, out.RetryInitialBackoff)
	if out.RetryMultiplier < 1 {
		out.RetryMultiplier = 1
	}
	if out.BreakerFailureRatio > 1 {
		out.BreakerFailureRatio = 1
	}
	return out
}

func positiveOr[T int | uint32 | float64 | time.Duration](v, fallback T) T {
	if v > 0 {
		return v
	}
	return fallback
}
