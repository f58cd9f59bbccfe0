package client

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Backoff computes reconnect delays: exponential growth with jitter, capped.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64 // fraction of the delay, 0-1

	mu      sync.Mutex
	attempt int
}

// NewBackoff returns a backoff starting at 500ms and capped at 15s.
func NewBackoff() *Backoff {
	return &Backoff{
		Initial:    500 * time.Millisecond,
		Max:        15 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.2,
	}
}

// Next returns the delay for the current attempt and advances the counter.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := float64(b.Initial) * math.Pow(b.Multiplier, float64(b.attempt))
	if delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	if b.Jitter > 0 {
		delay += (rand.Float64()*2 - 1) * delay * b.Jitter
	}
	if delay < 0 {
		delay = float64(b.Initial)
	}

	b.attempt++
	return time.Duration(delay)
}

// Wait sleeps for the next delay or until ctx is done.
func (b *Backoff) Wait(ctx context.Context) error {
	timer := time.NewTimer(b.Next())
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Reset starts the sequence over after a successful connection.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt = 0
}

// Attempt returns how many delays have been handed out since the last reset.
func (b *Backoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}
