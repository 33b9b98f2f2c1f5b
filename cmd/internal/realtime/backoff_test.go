package realtime

import (
	"math/rand"
	"testing"
	"time"
)

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		b       Backoff
		attempt int
		want    time.Duration
	}{
		{name: "fixed first", b: DefaultBackoff(), attempt: 1, want: 5 * time.Second},
		{name: "fixed tenth", b: DefaultBackoff(), attempt: 10, want: 5 * time.Second},
		{name: "exponential", b: Backoff{Initial: time.Second, Multiplier: 2, Max: time.Minute}, attempt: 4, want: 8 * time.Second},
		{name: "capped", b: Backoff{Initial: time.Second, Multiplier: 2, Max: 10 * time.Second}, attempt: 8, want: 10 * time.Second},
		{name: "multiplier below one", b: Backoff{Initial: time.Second, Multiplier: 0.5}, attempt: 3, want: time.Second},
		{name: "zero initial", b: Backoff{}, attempt: 2, want: 0},
		{name: "attempt zero", b: DefaultBackoff(), attempt: 0, want: 5 * time.Second},
	}

	for _, tc := range tests {
		if got := tc.b.Delay(tc.attempt, nil); got != tc.want {
			t.Fatalf("%s: Delay(%d)=%s, want %s", tc.name, tc.attempt, got, tc.want)
		}
	}
}

func TestBackoffDelay_JitterBounds(t *testing.T) {
	t.Parallel()

	b := Backoff{Initial: time.Second, Multiplier: 1, Jitter: true}
	rng := rand.New(rand.NewSource(1))
	for range 100 {
		d := b.Delay(1, rng)
		if d < 500*time.Millisecond || d > 1500*time.Millisecond {
			t.Fatalf("jittered delay %s out of bounds", d)
		}
	}
}

func TestBackoffDelay_JitterNeverExceedsMax(t *testing.T) {
	t.Parallel()

	b := Backoff{Initial: time.Second, Multiplier: 2, Max: 10 * time.Second, Jitter: true}
	rng := rand.New(rand.NewSource(7))
	above := 0
	for attempt := 1; attempt <= 20; attempt++ {
		for range 50 {
			d := b.Delay(attempt, rng)
			if d > b.Max {
				t.Fatalf("attempt %d: delay %s exceeds max %s", attempt, d, b.Max)
			}
			if d == b.Max {
				above++
			}
		}
	}
	if above == 0 {
		t.Fatalf("expected capped delays at high attempts")
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()

	if StateReconnecting.String() != "reconnecting" || State(99).String() != "unknown" {
		t.Fatalf("unexpected state names")
	}
}
