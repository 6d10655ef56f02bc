package retry

import (
	"math"
	"time"

	"salesync/internal/syncerr"
)

// Strategy selects how the delay between attempts grows.
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
	StrategyCustom      Strategy = "custom"
)

// DefaultRateLimitFloor is the minimum wait after a rate-limited attempt.
const DefaultRateLimitFloor = 5 * time.Second

// Config defines backoff parameters for one retried operation.
// MaxRetries is the total number of attempts, not the number of re-tries.
type Config struct {
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	Strategy       Strategy
	CustomDelays   []time.Duration
	Jitter         bool
	Timeout        time.Duration
	Retryable      []syncerr.Reason
	RateLimitFloor time.Duration
}

// DefaultConfig is a general-purpose exponential backoff.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2,
		Strategy:   StrategyExponential,
		Jitter:     true,
		Retryable: []syncerr.Reason{
			syncerr.ReasonNetwork,
			syncerr.ReasonTimeout,
			syncerr.ReasonRateLimit,
			syncerr.ReasonServer,
		},
	}
}

// SyncConfig is the preset used for queue submissions to the remote endpoint.
func SyncConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxRetries = 4
	cfg.BaseDelay = time.Second
	cfg.Timeout = 30 * time.Second
	return cfg
}

// NetworkConfig retries aggressively and also treats auth failures as
// transient, for endpoints where tokens refresh out of band.
func NetworkConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxRetries = 5
	cfg.BaseDelay = 500 * time.Millisecond
	cfg.Multiplier = 2.5
	cfg.Retryable = append(cfg.Retryable, syncerr.ReasonAuth)
	return cfg
}

// CriticalConfig retries once with a predictable delay. Used for operations
// where a duplicate submission is worse than a failure.
func CriticalConfig() Config {
	return Config{
		MaxRetries: 2,
		BaseDelay:  2 * time.Second,
		MaxDelay:   10 * time.Second,
		Multiplier: 1,
		Strategy:   StrategyLinear,
		Jitter:     false,
		Retryable: []syncerr.Reason{
			syncerr.ReasonNetwork,
			syncerr.ReasonTimeout,
		},
	}
}

// IsRetryable reports whether the reason allows another attempt.
func (c Config) IsRetryable(reason syncerr.Reason) bool {
	for _, r := range c.Retryable {
		if r == reason {
			return true
		}
	}
	return false
}

// BaseDelayFor returns the delay before attempt n+1 after the n-th attempt
// failed (1-based), clamped to MaxDelay. Jitter and the rate-limit floor are
// applied by the executor.
func (c Config) BaseDelayFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := c.BaseDelay
	if base <= 0 {
		base = time.Second
	}

	var d time.Duration
	switch c.Strategy {
	case StrategyFixed:
		d = base
	case StrategyLinear:
		d = base * time.Duration(attempt)
	case StrategyCustom:
		if len(c.CustomDelays) == 0 {
			d = base
		} else if attempt-1 < len(c.CustomDelays) {
			d = c.CustomDelays[attempt-1]
		} else {
			d = c.CustomDelays[len(c.CustomDelays)-1]
		}
	default:
		mult := c.Multiplier
		if mult <= 0 {
			mult = 2
		}
		d = time.Duration(float64(base) * math.Pow(mult, float64(attempt-1)))
	}

	if c.MaxDelay > 0 && d > c.MaxDelay {
		d = c.MaxDelay
	}
	if d <= 0 {
		d = time.Second
	}
	return d
}

// rateLimitFloor resolves the configured floor: zero means the default,
// negative disables it.
func (c Config) rateLimitFloor() time.Duration {
	if c.RateLimitFloor == 0 {
		return DefaultRateLimitFloor
	}
	if c.RateLimitFloor < 0 {
		return 0
	}
	return c.RateLimitFloor
}
