package retry

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestDelayStaysWithinBoundsAndGrows checks the two invariants Policy.Delay
// promises regardless of which retry attempt and multiplier it's fed:
// the result never exceeds MaxDelay plus jitter headroom, and without
// jitter the sequence never decreases as attempts climb.
func TestDelayStaysWithinBoundsAndGrows(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("Delay never exceeds MaxDelay by more than the jitter headroom", prop.ForAll(
		func(attempt int, multiplier float64, maxDelayMs int64) bool {
			policy := Policy{
				InitialDelay: 100 * time.Millisecond,
				Multiplier:   multiplier,
				MaxDelay:     time.Duration(maxDelayMs) * time.Millisecond,
				Jitter:       0.1,
			}
			d := policy.Delay(attempt)
			ceiling := float64(policy.MaxDelay) * 1.1
			return d >= 0 && float64(d) <= ceiling
		},
		gen.IntRange(1, 20),
		gen.Float64Range(1.0, 4.0),
		gen.Int64Range(100, 60000),
	))

	properties.Property("Delay without jitter is non-decreasing in attempt", prop.ForAll(
		func(attempt int, multiplier float64) bool {
			policy := Policy{
				InitialDelay: 50 * time.Millisecond,
				Multiplier:   multiplier,
				MaxDelay:     time.Hour,
			}
			return policy.Delay(attempt+1) >= policy.Delay(attempt)
		},
		gen.IntRange(1, 20),
		gen.Float64Range(1.0, 4.0),
	))

	properties.TestingRun(t)
}
