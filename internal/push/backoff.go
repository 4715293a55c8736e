package push

import (
	"math/rand"
	"time"
)

const (
	retryBaseDelay = 1 * time.Second
	retryCapDelay  = 256 * time.Second

	// From this attempt onward the exponential schedule is abandoned for a
	// flat random delay, so a long-dead broker is probed slowly forever.
	retryFlatAttempt  = 10
	retryFlatFloorSec = 300
	retryFlatRangeSec = 300
)

// retryDelay computes the reconnect delay for a 1-based attempt number.
// Attempts 1..9 double from 1s and cap at 256s; attempts >= 10 draw a flat
// random base from [300s,600s). Every base gets ±25% jitter so a fleet that
// lost the same broker does not retry in lock step.
func retryDelay(attempt int, rng *rand.Rand) time.Duration {
	var base time.Duration
	if attempt >= retryFlatAttempt {
		base = time.Duration((retryFlatFloorSec + rng.Float64()*retryFlatRangeSec) * float64(time.Second))
	} else {
		base = retryBaseDelay << (attempt - 1)
		if base > retryCapDelay {
			base = retryCapDelay
		}
	}

	jitter := 0.75 + rng.Float64()*0.5
	return time.Duration(float64(base) * jitter)
}
