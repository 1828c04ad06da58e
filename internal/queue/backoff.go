package queue

import (
	"math"
	"math/rand"
	"time"
)

const (
	backoffBase = 60 * time.Second
	backoffCap  = time.Hour
)

// Backoff computes the delay before retry number attempt (1-indexed:
// attempt=1 is the delay before the second try). Exponential with a
// 1h cap and +/-20% jitter so a burst of failures doesn't retry in
// lockstep.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	multiple := math.Pow(2, float64(attempt-1))
	delay := time.Duration(float64(backoffBase) * multiple)

	if delay > backoffCap {
		delay = backoffCap
	}

	jitter := (rand.Float64()*0.4 - 0.2) // -0.2..+0.2
	delay = time.Duration(float64(delay) * (1 + jitter))

	if delay < 0 {
		delay = 0
	}

	return delay
}
