package push

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryDelay_ExponentialPhase(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	// Expected bases for attempts 1..9: doubling from 1s, capped at 256s.
	bases := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, 64 * time.Second, 128 * time.Second,
		256 * time.Second,
	}

	for attempt := 1; attempt <= 9; attempt++ {
		base := bases[attempt-1]
		for i := 0; i < 100; i++ {
			delay := retryDelay(attempt, rng)
			assert.GreaterOrEqual(t, delay, time.Duration(float64(base)*0.75),
				"attempt %d", attempt)
			assert.LessOrEqual(t, delay, time.Duration(float64(base)*1.25),
				"attempt %d", attempt)
		}
	}
}

func TestRetryDelay_MonotonicInExpectation(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	mean := func(attempt int) time.Duration {
		var total time.Duration
		const samples = 500
		for i := 0; i < samples; i++ {
			total += retryDelay(attempt, rng)
		}
		return total / samples
	}

	prev := mean(1)
	for attempt := 2; attempt <= 9; attempt++ {
		cur := mean(attempt)
		assert.Greater(t, cur, prev, "attempt %d", attempt)
		prev = cur
	}
}

func TestRetryDelay_FlatPhase(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for _, attempt := range []int{10, 11, 50} {
		for i := 0; i < 200; i++ {
			delay := retryDelay(attempt, rng)
			// Base in [300,600), jitter in [0.75,1.25).
			assert.GreaterOrEqual(t, delay, time.Duration(float64(300*time.Second)*0.75),
				"attempt %d", attempt)
			assert.Less(t, delay, time.Duration(float64(600*time.Second)*1.25),
				"attempt %d", attempt)
		}
	}
}
