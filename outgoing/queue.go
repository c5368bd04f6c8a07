// Package outgoing serializes the processing of outgoing protocol requests.
// State machines in the trust core queue work that turns into HTTP calls;
// those calls must run one pass at a time, with a pass requested mid-flight
// coalesced into exactly one follow-up pass.
package outgoing

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Runner executes a processing function serially. Kick requests a pass; if
// one is already running, a single pending pass is recorded and executed
// after the current one completes. Extra Kicks during that window collapse
// into the same pending pass, so work is never dropped and never runs
// concurrently.
type Runner struct {
	process func(ctx context.Context) error

	mu      sync.Mutex
	running bool
	pending bool
}

// NewRunner creates a runner around a processing pass.
func NewRunner(process func(ctx context.Context) error) *Runner {
	return &Runner{process: process}
}

// Kick requests a processing pass. It returns immediately; the pass runs on
// its own goroutine. Errors from the pass are logged, not returned — the
// queue's contract is eventual processing, and transient failures are
// retried on the next Kick.
func (r *Runner) Kick(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.pending = true
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	go r.loop(ctx)
}

func (r *Runner) loop(ctx context.Context) {
	for {
		if err := r.process(ctx); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Runner.loop",
				"error":    err.Error(),
			}).Warn("Outgoing request pass failed")
		}

		r.mu.Lock()
		if !r.pending || ctx.Err() != nil {
			r.running = false
			r.mu.Unlock()
			return
		}
		r.pending = false
		r.mu.Unlock()
	}
}

// Busy reports whether a pass is currently running.
func (r *Runner) Busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Backoff implements capped exponential backoff with jitter for retrying
// transient network failures.
type Backoff struct {
	// Base is the first delay (default 1s).
	Base time.Duration
	// Max caps the delay (default 30s).
	Max time.Duration
	// attempt counts consecutive failures.
	attempt int
}

// Next returns the delay before the next retry and advances the attempt
// counter. Jitter of up to half the computed delay is added.
func (b *Backoff) Next() time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	max := b.Max
	if max <= 0 {
		max = 30 * time.Second
	}

	delay := base << uint(b.attempt)
	if delay > max || delay <= 0 {
		delay = max
	}
	b.attempt++

	jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
	return delay + jitter
}

// Reset clears the attempt counter after a success.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Retry runs fn until it succeeds, the attempt budget is exhausted, or the
// context is cancelled. The final error is returned on failure.
func Retry(ctx context.Context, attempts int, b *Backoff, fn func(ctx context.Context) error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			b.Reset()
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(b.Next()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
