package ratelimiter

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestWindowAdmissionBound drives the limiter with arbitrary arrival
// patterns and checks the admission invariant: in every sliding 60-second
// window the number of successful admissions never exceeds the cap.
// Arrivals that would block are skipped rather than waited out, so the
// property exercises the window bookkeeping deterministically.
func TestWindowAdmissionBound(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("at most R admissions in any trailing 60s window", prop.ForAll(
		func(rpm int, gaps []int) bool {
			clock := &manualClock{t: time.Unix(1_700_000_000, 0)}
			l := New("svc", rpm)
			l.minInterval = 0
			l.now = clock.Now

			var admitted []time.Time
			for _, gap := range gaps {
				clock.advance(time.Duration(gap) * time.Second)
				if l.Stats().RemainingRequests == 0 {
					continue
				}
				if err := l.Acquire(context.Background()); err != nil {
					return false
				}
				admitted = append(admitted, clock.Now())
			}

			for i := range admitted {
				count := 1
				for j := i + 1; j < len(admitted); j++ {
					if admitted[j].Sub(admitted[i]) < 60*time.Second {
						count++
					}
				}
				if count > rpm {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 10),
		gen.SliceOf(gen.IntRange(0, 90)),
	))

	properties.TestingRun(t)
}

// TestMinIntervalSpacing checks the derived min_interval rule: two
// consecutive admissions are never closer than 60s divided by the cap.
func TestMinIntervalSpacing(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("consecutive admissions respect min_interval", prop.ForAll(
		func(rpm int, gapsMs []int) bool {
			clock := &manualClock{t: time.Unix(1_700_000_000, 0)}
			l := New("svc", rpm)
			l.now = clock.Now

			var admitted []time.Time
			for _, gapMs := range gapsMs {
				clock.advance(time.Duration(gapMs) * time.Millisecond)
				stats := l.Stats()
				if stats.RemainingRequests == 0 {
					continue
				}
				if stats.HasLastRequest && clock.Now().Sub(stats.LastRequestTime) < l.minInterval {
					continue
				}
				if err := l.Acquire(context.Background()); err != nil {
					return false
				}
				admitted = append(admitted, clock.Now())
			}

			for i := 1; i < len(admitted); i++ {
				if admitted[i].Sub(admitted[i-1]) < l.minInterval {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 6),
		gen.SliceOf(gen.IntRange(0, 120_000)),
	))

	properties.TestingRun(t)
}
