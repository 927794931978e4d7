package retry

import (
	"context"
	"math/rand"
	"time"
)

/*
Policy is the one retry/backoff definition shared by every call site:
the job store uses Delay to schedule re-runs of failed jobs, and the
external clients use Do for in-process retries. Delays grow as
Base·Multiplier^(attempt-1), get ±Jitter applied, and are clamped to Cap.

With Multiplier 2 and Jitter 0.25 the jittered delays are still
non-decreasing across attempts: 2·(1-0.25) > 1+0.25.
*/
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Multiplier  float64
	Cap         time.Duration
	Jitter      float64
	Retryable   func(error) bool
}

// Default returns the policy the pipeline ships with; callers override
// fields from config.
func Default() Policy {
	return Policy{
		MaxAttempts: 5,
		Base:        2 * time.Second,
		Multiplier:  2,
		Cap:         5 * time.Minute,
		Jitter:      0.25,
	}
}

// Delay computes the backoff before retry number attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.Base
	if base <= 0 {
		base = time.Second
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}
	d := float64(base)
	for i := 1; i < attempt; i++ {
		d *= mult
		if p.Cap > 0 && d > float64(p.Cap)*(1+p.Jitter) {
			break
		}
	}
	if p.Jitter > 0 {
		// uniform in [1-jitter, 1+jitter]
		d *= 1 - p.Jitter + rand.Float64()*2*p.Jitter
	}
	out := time.Duration(d)
	if p.Cap > 0 && out > p.Cap {
		out = p.Cap
	}
	return out
}

/*
Do runs fn up to MaxAttempts times, sleeping Delay between attempts.
It stops early when the error is not retryable per the policy predicate
(nil predicate retries everything) or when ctx ends. The last error is
returned unchanged so callers can classify it.
*/
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err = fn(); err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Delay(attempt)):
		}
	}
	return err
}
