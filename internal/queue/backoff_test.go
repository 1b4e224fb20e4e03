package queue

import (
	"testing"
	"time"
)

func TestBackoffSchedule(t *testing.T) {
	// No jitter so the schedule is exact.
	p := BackoffPolicy{Base: 30 * time.Second, Cap: 2 * time.Hour, Factor: 4}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 30 * time.Second},
		{2, 2 * time.Minute},
		{3, 8 * time.Minute},
		{4, 32 * time.Minute},
		{5, 2 * time.Hour},  // 128m capped
		{10, 2 * time.Hour}, // stays at cap
	}

	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	p := BackoffPolicy{Base: 30 * time.Second, Cap: 2 * time.Hour, Factor: 4, Jitter: 0.1}

	for attempt := 1; attempt <= 5; attempt++ {
		base := (BackoffPolicy{Base: p.Base, Cap: p.Cap, Factor: p.Factor}).Delay(attempt)
		lo := time.Duration(float64(base) * 0.9)
		hi := time.Duration(float64(base) * 1.1)

		for i := 0; i < 100; i++ {
			d := p.Delay(attempt)
			if d < lo || d > hi {
				t.Fatalf("Delay(%d) = %s outside jitter bounds [%s, %s]", attempt, d, lo, hi)
			}
		}
	}
}

func TestBackoffMonotonicWithoutJitter(t *testing.T) {
	p := BackoffPolicy{Base: 30 * time.Second, Cap: 2 * time.Hour, Factor: 4}

	prev := time.Duration(0)
	for attempt := 1; attempt <= 8; attempt++ {
		d := p.Delay(attempt)
		if d < prev {
			t.Fatalf("Delay(%d) = %s decreased from %s", attempt, d, prev)
		}
		prev = d
	}
}

func TestBackoffClampsBadAttempt(t *testing.T) {
	p := BackoffPolicy{Base: 30 * time.Second, Cap: 2 * time.Hour, Factor: 4}

	if got := p.Delay(0); got != 30*time.Second {
		t.Errorf("Delay(0) = %s, want 30s", got)
	}
	if got := p.Delay(-3); got != 30*time.Second {
		t.Errorf("Delay(-3) = %s, want 30s", got)
	}
}
