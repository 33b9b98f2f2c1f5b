package realtime

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes reconnection delays. With Multiplier 1 and no jitter every
// attempt waits Initial.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     bool
}

// DefaultBackoff is a fixed 5s delay.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    5 * time.Second,
		Max:        60 * time.Second,
		Multiplier: 1.0,
	}
}

// Delay returns the wait before attempt n (1-based). It never exceeds Max.
func (b Backoff) Delay(attempt int, rng *rand.Rand) time.Duration {
	if b.Initial <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if b.Multiplier < 1.0 {
		b.Multiplier = 1.0
	}

	delay := float64(b.Initial) * math.Pow(b.Multiplier, float64(attempt-1))
	if b.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay *= f
	}
	// Max bounds the jittered value too.
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	return time.Duration(delay)
}
