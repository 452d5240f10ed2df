package resilience

import "time"

// RetryPolicy is the bounded exponential backoff applied to one operation.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

type Config struct {
	RetryMaxAttempts    int
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration
	RetryMultiplier     float64
	// RetryOverrides replace the default retry policy per operation name.
	RetryOverrides map[string]RetryPolicy

	BreakerEnabled          bool
	BreakerMinRequests      uint32
	BreakerFailureRatio     float64
	BreakerOpenTimeout      time.Duration
	BreakerHalfOpenMaxCalls uint32

	// OnStateChange is called with breaker state names, e.g. to export them as metrics.
	OnStateChange func(operation, from, to string)
}

func DefaultConfig() Config {
	return Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: 100 * time.Millisecond,
		RetryMaxBackoff:     400 * time.Millisecond,
		RetryMultiplier:     2.0,
		RetryOverrides: map[string]RetryPolicy{
			// Model servers shed load with 429/503 for seconds, not milliseconds.
			OpOllamaGenerate: {MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: 5 * time.Second, Multiplier: 2.5},
		},

		BreakerEnabled:          true,
		BreakerMinRequests:      10,
		BreakerFailureRatio:     0.5,
		BreakerOpenTimeout:      30 * time.Second,
		BreakerHalfOpenMaxCalls: 2,
	}
}

func (c Config) retryFor(operation string) RetryPolicy {
	policy := RetryPolicy{
		MaxAttempts:    c.RetryMaxAttempts,
		InitialBackoff: c.RetryInitialBackoff,
		MaxBackoff:     c.RetryMaxBackoff,
		Multiplier:     c.RetryMultiplier,
	}
	if override, ok := c.RetryOverrides[operation]; ok {
		policy = override.withDefaults(policy)
	}
	return policy
}

// next grows wait by the multiplier, capped at MaxBackoff.
func (p RetryPolicy) next(wait time.Duration) time.Duration {
	return min(time.Duration(float64(wait)*p.Multiplier), p.MaxBackoff)
}

func (p RetryPolicy) withDefaults(def RetryPolicy) RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = def.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = def.MaxBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	if p.Multiplier < 1.0 {
		p.Multiplier = def.Multiplier
	}
	return p
}

func (c Config) normalize() Config {
	out := c
	def := DefaultConfig()

	retry := RetryPolicy{
		MaxAttempts:    out.RetryMaxAttempts,
		InitialBackoff: out.RetryInitialBackoff,
		MaxBackoff:     out.RetryMaxBackoff,
		Multiplier:     out.RetryMultiplier,
	}.withDefaults(def.retryFor(""))
	out.RetryMaxAttempts = retry.MaxAttempts
	out.RetryInitialBackoff = retry.InitialBackoff
	out.RetryMaxBackoff = retry.MaxBackoff
	out.RetryMultiplier = retry.Multiplier

	if out.BreakerMinRequests == 0 {
		out.BreakerMinRequests = def.BreakerMinRequests
	}
	if out.BreakerFailureRatio <= 0 || out.BreakerFailureRatio > 1 {
		out.BreakerFailureRatio = def.BreakerFailureRatio
	}
	if out.BreakerOpenTimeout <= 0 {
		out.BreakerOpenTimeout = def.BreakerOpenTimeout
	}
	if out.BreakerHalfOpenMaxCalls == 0 {
		out.BreakerHalfOpenMaxCalls = def.BreakerHalfOpenMaxCalls
	}

	return out
}
