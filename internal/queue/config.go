package queue

import "time"

// RetryPolicy controls how many times a retryable failure is retried and
// how the backoff delay grows between attempts.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// CooldownDurations controls how long each signal's "until" deadline is
// pushed out when its corresponding error kind is classified.
type CooldownDurations struct {
	AuthRequired time.Duration
	Challenge    time.Duration
	RateLimited  time.Duration
	Degraded     time.Duration
}

// Config is the queue manager's tunable behavior. Apply defaults and
// floors with DefaultConfig/Config.normalize rather than constructing a
// zero Config directly.
type Config struct {
	MaxInFlight   int
	MaxQueueDepth int
	Retry         RetryPolicy
	Cooldown      CooldownDurations
}

// Cooldown floors from the spec: each cooldown is at least one second
// regardless of what the caller configures.
const (
	minCooldown = time.Second
	minMaxDelay = 100 * time.Millisecond
)

// DefaultConfig returns the documented defaults from the configuration
// surface (§6): max_in_flight=1, max_queue_depth=120, retry max_attempts=2
// with a 1.5s base / 45s cap, and the four cooldown durations.
func DefaultConfig() Config {
	return Config{
		MaxInFlight:   1,
		MaxQueueDepth: 120,
		Retry: RetryPolicy{
			MaxAttempts: 2,
			BaseDelay:   1500 * time.Millisecond,
			MaxDelay:    45 * time.Second,
		},
		Cooldown: CooldownDurations{
			AuthRequired: 300 * time.Second,
			Challenge:    90 * time.Second,
			RateLimited:  45 * time.Second,
			Degraded:     15 * time.Second,
		},
	}
}

// normalize applies the minimums enumerated in the spec: max_in_flight>=1,
// max_queue_depth>=1, retry max_attempts>=1, retry_base_ms>=0,
// retry_max_delay_ms>=100, and each cooldown floor >=1s.
func (c Config) normalize() Config {
	if c.MaxInFlight < 1 {
		c.MaxInFlight = 1
	}
	if c.MaxQueueDepth < 1 {
		c.MaxQueueDepth = 1
	}
	if c.Retry.MaxAttempts < 1 {
		c.Retry.MaxAttempts = 1
	}
	if c.Retry.BaseDelay < 0 {
		c.Retry.BaseDelay = 0
	}
	if c.Retry.MaxDelay < minMaxDelay {
		c.Retry.MaxDelay = minMaxDelay
	}
	if c.Cooldown.AuthRequired < minCooldown {
		c.Cooldown.AuthRequired = minCooldown
	}
	if c.Cooldown.Challenge < minCooldown {
		c.Cooldown.Challenge = minCooldown
	}
	if c.Cooldown.RateLimited < minCooldown {
		c.Cooldown.RateLimited = minCooldown
	}
	if c.Cooldown.Degraded < minCooldown {
		c.Cooldown.Degraded = minCooldown
	}
	return c
}
