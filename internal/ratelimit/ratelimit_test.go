package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeClock advances virtual time on Sleep and records total slept time.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.slept += d
	return nil
}

func TestAcquire_SpacesCallsOfOneClass(t *testing.T) {
	clock := newFakeClock()
	l := New(map[string]time.Duration{"qwen": 5 * time.Second}, clock)

	const k = 4
	var starts []time.Time
	for i := 0; i < k; i++ {
		if err := l.Acquire(context.Background(), "qwen"); err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		starts = append(starts, clock.Now())
	}

	if want := (k - 1) * 5 * time.Second; clock.slept != want {
		t.Errorf("total wait = %s, want %s", clock.slept, want)
	}
	for i := 1; i < k; i++ {
		if gap := starts[i].Sub(starts[i-1]); gap < 5*time.Second {
			t.Errorf("gap %d = %s, want >= 5s", i, gap)
		}
	}
}

func TestAcquire_NoWaitAfterIntervalElapsed(t *testing.T) {
	clock := newFakeClock()
	l := New(nil, clock)

	l.Acquire(context.Background(), "openai")
	clock.mu.Lock()
	clock.now = clock.now.Add(2 * time.Second)
	clock.mu.Unlock()
	l.Acquire(context.Background(), "openai")

	if clock.slept != 0 {
		t.Errorf("slept %s, want 0", clock.slept)
	}
}

func TestAcquire_ClassesIndependent(t *testing.T) {
	clock := newFakeClock()
	l := New(nil, clock)

	l.Acquire(context.Background(), "qwen")
	l.Acquire(context.Background(), "gemini")
	l.Acquire(context.Background(), "claude")

	if clock.slept != 0 {
		t.Errorf("first call of each class should not wait, slept %s", clock.slept)
	}
}

func TestAcquire_SlowClassDoesNotBlockOther(t *testing.T) {
	// Real clock: one class has a long interval, the other none.
	l := New(map[string]time.Duration{"slow": time.Hour, "fast": 0}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := l.Acquire(ctx, "slow"); err != nil {
		t.Fatal(err)
	}
	blocked := make(chan error, 1)
	go func() { blocked <- l.Acquire(ctx, "slow") }()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 3; i++ {
			l.Acquire(context.Background(), "fast")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fast class blocked behind slow class")
	}

	cancel()
	if err := <-blocked; err != context.Canceled {
		t.Errorf("waiting acquire returned %v, want context.Canceled", err)
	}
}

func TestAcquire_UnknownClassUsesDefault(t *testing.T) {
	l := New(nil, newFakeClock())
	if got := l.Interval("mystery"); got != DefaultIntervals[DefaultClass] {
		t.Errorf("Interval(mystery) = %s, want %s", got, DefaultIntervals[DefaultClass])
	}
}

func TestAcquire_CancelledContext(t *testing.T) {
	l := New(nil, newFakeClock())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Acquire(ctx, "qwen"); err != context.Canceled {
		t.Errorf("Acquire = %v, want context.Canceled", err)
	}
}
