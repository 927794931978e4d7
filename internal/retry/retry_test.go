package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDelayNonDecreasingAndCapped(t *testing.T) {
	p := Policy{Base: 2 * time.Second, Multiplier: 2, Cap: 5 * time.Minute, Jitter: 0.25}
	prev := time.Duration(0)
	for attempt := 1; attempt <= 12; attempt++ {
		d := p.Delay(attempt)
		if d < prev {
			t.Fatalf("delay decreased at attempt %d: %v < %v", attempt, d, prev)
		}
		if d > p.Cap {
			t.Fatalf("delay %v exceeds cap %v at attempt %d", d, p.Cap, attempt)
		}
		prev = d
	}
	if prev != p.Cap {
		t.Fatalf("expected late attempts to saturate at cap, got %v", prev)
	}
}

func TestDelayJitterBounds(t *testing.T) {
	p := Policy{Base: 2 * time.Second, Multiplier: 2, Jitter: 0.25}
	for i := 0; i < 200; i++ {
		d := p.Delay(1)
		lo := time.Duration(float64(p.Base) * 0.75)
		hi := time.Duration(float64(p.Base) * 1.25)
		if d < lo || d > hi {
			t.Fatalf("jittered delay %v outside [%v, %v]", d, lo, hi)
		}
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	perm := errors.New("bad request")
	calls := 0
	p := Policy{
		MaxAttempts: 5,
		Base:        time.Millisecond,
		Multiplier:  2,
		Retryable:   func(err error) bool { return !errors.Is(err, perm) },
	}
	err := p.Do(context.Background(), func() error {
		calls++
		return perm
	})
	if !errors.Is(err, perm) {
		t.Fatalf("expected permanent error back, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDoRetriesThenSucceeds(t *testing.T) {
	calls := 0
	p := Policy{MaxAttempts: 4, Base: time.Millisecond, Multiplier: 2}
	err := p.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}
