package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResolve_Precedence(t *testing.T) {
	now := time.UnixMilli(1_000_000)

	t.Run("auth required wins over everything", func(t *testing.T) {
		signals := Signals{
			AuthRequiredUntil: now.UnixMilli() + 10_000,
			ChallengeUntil:    now.UnixMilli() + 10_000,
			RateLimitedUntil:  now.UnixMilli() + 10_000,
			DegradedUntil:     now.UnixMilli() + 10_000,
		}
		res := Resolve(now, false, signals, 3, 0.1)
		assert.Equal(t, StateAuthRequired, res.State)
		assert.Contains(t, res.Reasons, ReasonAuthRequiredSignal)
	})

	t.Run("challenge beats rate limited and degraded", func(t *testing.T) {
		signals := Signals{ChallengeUntil: now.UnixMilli() + 5000, RateLimitedUntil: now.UnixMilli() + 5000}
		res := Resolve(now, true, signals, 0, 0)
		assert.Equal(t, StateChallenge, res.State)
	})

	t.Run("rate limited beats degraded", func(t *testing.T) {
		signals := Signals{RateLimitedUntil: now.UnixMilli() + 5000, DegradedUntil: now.UnixMilli() + 5000}
		res := Resolve(now, false, signals, 0, 0)
		assert.Equal(t, StateRateLimited, res.State)
	})

	t.Run("degraded from bad connectivity alone", func(t *testing.T) {
		res := Resolve(now, false, Signals{}, 0, 0)
		assert.Equal(t, StateDegraded, res.State)
		assert.Contains(t, res.Reasons, ReasonConnectivityCheckFailed)
	})

	t.Run("degraded from cooldown alone", func(t *testing.T) {
		signals := Signals{DegradedUntil: now.UnixMilli() + 1000}
		res := Resolve(now, true, signals, 0, 0)
		assert.Equal(t, StateDegraded, res.State)
		assert.Contains(t, res.Reasons, ReasonDegradedCooldown)
	})

	t.Run("ready when nothing is active", func(t *testing.T) {
		res := Resolve(now, true, Signals{}, 2, 0.05)
		assert.Equal(t, StateReady, res.State)
		assert.Empty(t, res.Reasons)
		assert.Equal(t, 2, res.QueueDepth)
	})

	t.Run("expired deadlines do not count", func(t *testing.T) {
		signals := Signals{AuthRequiredUntil: now.UnixMilli() - 1}
		res := Resolve(now, true, signals, 0, 0)
		assert.Equal(t, StateReady, res.State)
	})
}

func TestSignals_Gate(t *testing.T) {
	s := Signals{AuthRequiredUntil: 5, ChallengeUntil: 20, RateLimitedUntil: 3, DegradedUntil: 15}
	assert.EqualValues(t, 20, s.Gate())
}

func TestResolve_LiteralScenario(t *testing.T) {
	// Scenario 5 from the testable properties: auth_required_until in the
	// future with bad connectivity still resolves to auth_required.
	now := time.UnixMilli(0)
	signals := Signals{AuthRequiredUntil: 10_000}
	res := Resolve(now, false, signals, 0, 0)
	assert.Equal(t, StateAuthRequired, res.State)
}
