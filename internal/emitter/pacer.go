package emitter

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Pacer suspends the stream between two chunks. Wait must return promptly
// with a non-nil error once ctx is done.
type Pacer interface {
	Wait(ctx context.Context) error
}

// PacerFunc adapts a function to the Pacer interface
type PacerFunc func(ctx context.Context) error

// Wait calls f(ctx)
func (f PacerFunc) Wait(ctx context.Context) error { return f(ctx) }

// FixedPacer waits the same interval between every pair of chunks
type FixedPacer struct {
	Interval time.Duration
}

// Wait implements Pacer
func (p FixedPacer) Wait(ctx context.Context) error {
	if p.Interval <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(p.Interval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// NoPacer never waits
type NoPacer struct{}

// Wait implements Pacer
func (NoPacer) Wait(ctx context.Context) error { return ctx.Err() }

// RatePacer spaces chunks with a token bucket, so a slow sink does not
// accumulate extra delay on top of its own latency.
type RatePacer struct {
	limiter *rate.Limiter
}

// NewRatePacer allows one chunk per interval with the given burst.
func NewRatePacer(interval time.Duration, burst int) *RatePacer {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	limiter := rate.NewLimiter(limit, burst)
	// The first chunk is sent without pacing, it spends one token
	limiter.Allow()
	return &RatePacer{limiter: limiter}
}

// Wait implements Pacer
func (p *RatePacer) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}
