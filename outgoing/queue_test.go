package outgoing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunnerSerializesPasses(t *testing.T) {
	var concurrent, maxConcurrent int32
	var passes int32
	release := make(chan struct{})

	r := NewRunner(func(context.Context) error {
		cur := atomic.AddInt32(&concurrent, 1)
		for {
			prev := atomic.LoadInt32(&maxConcurrent)
			if cur <= prev || atomic.CompareAndSwapInt32(&maxConcurrent, prev, cur) {
				break
			}
		}
		<-release
		atomic.AddInt32(&passes, 1)
		atomic.AddInt32(&concurrent, -1)
		return nil
	})

	ctx := context.Background()
	r.Kick(ctx)
	// Wait for the first pass to start, then pile on extra kicks.
	time.Sleep(20 * time.Millisecond)
	r.Kick(ctx)
	r.Kick(ctx)
	r.Kick(ctx)

	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for r.Busy() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if got := atomic.LoadInt32(&maxConcurrent); got != 1 {
		t.Errorf("passes ran concurrently: max concurrency %d", got)
	}
	// Three kicks during a running pass must coalesce into exactly one
	// follow-up pass.
	if got := atomic.LoadInt32(&passes); got != 2 {
		t.Errorf("expected 2 passes (1 active + 1 coalesced), got %d", got)
	}
}

func TestRunnerKickAfterIdleRunsAgain(t *testing.T) {
	var passes int32
	var wg sync.WaitGroup

	r := NewRunner(func(context.Context) error {
		atomic.AddInt32(&passes, 1)
		wg.Done()
		return nil
	})

	ctx := context.Background()
	wg.Add(1)
	r.Kick(ctx)
	wg.Wait()

	wg.Add(1)
	r.Kick(ctx)
	wg.Wait()

	if got := atomic.LoadInt32(&passes); got != 2 {
		t.Errorf("expected 2 passes, got %d", got)
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := &Backoff{Base: 10 * time.Millisecond, Max: 80 * time.Millisecond}

	var last time.Duration
	for i := 0; i < 6; i++ {
		d := b.Next()
		if d <= 0 {
			t.Fatalf("non-positive delay: %v", d)
		}
		// Delay (minus jitter headroom) never exceeds Max * 1.5.
		if d > 80*time.Millisecond+40*time.Millisecond {
			t.Errorf("delay %v exceeds cap with jitter", d)
		}
		last = d
	}
	_ = last

	b.Reset()
	if d := b.Next(); d > 15*time.Millisecond {
		t.Errorf("Reset did not restart the schedule: first delay %v", d)
	}
}

func TestRetryStopsOnSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 5, &Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond},
		func(context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	wantErr := errors.New("still down")
	calls := 0
	err := Retry(context.Background(), 3, &Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond},
		func(context.Context) error {
			calls++
			return wantErr
		})
	if !errors.Is(err, wantErr) {
		t.Errorf("expected final error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}
