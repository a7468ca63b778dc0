// Package ratelimit spaces out calls that share an upstream quota.
//
// Providers are grouped into classes (e.g. "qwen", "openai"). Each class has
// a minimum interval between the start of consecutive calls. Classes have
// independent gates: a caller waiting on one class never blocks another.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultClass is used for any class without a configured interval.
const DefaultClass = "default"

// DefaultIntervals holds the per-class minimum spacing.
var DefaultIntervals = map[string]time.Duration{
	"qwen":       5 * time.Second,
	"openai":     1 * time.Second,
	"claude":     1500 * time.Millisecond,
	"gemini":     1 * time.Second,
	"moondream":  1 * time.Second,
	DefaultClass: 5 * time.Second,
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
	// Sleep waits for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RealClock is the wall clock.
var RealClock Clock = realClock{}

type gate struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
}

// Limiter holds one gate per class. The zero value is not usable; call New.
type Limiter struct {
	mu        sync.Mutex
	gates     map[string]*gate
	intervals map[string]time.Duration
	clock     Clock
}

// New builds a Limiter. Intervals override DefaultIntervals per class; a nil
// clock means RealClock.
func New(intervals map[string]time.Duration, clock Clock) *Limiter {
	merged := make(map[string]time.Duration, len(DefaultIntervals)+len(intervals))
	for k, v := range DefaultIntervals {
		merged[k] = v
	}
	for k, v := range intervals {
		merged[k] = v
	}
	if clock == nil {
		clock = RealClock
	}
	return &Limiter{
		gates:     make(map[string]*gate),
		intervals: merged,
		clock:     clock,
	}
}

// Interval returns the spacing applied to class.
func (l *Limiter) Interval(class string) time.Duration {
	if d, ok := l.intervals[class]; ok {
		return d
	}
	return l.intervals[DefaultClass]
}

func (l *Limiter) gateFor(class string) *gate {
	l.mu.Lock()
	defer l.mu.Unlock()
	g, ok := l.gates[class]
	if !ok {
		g = &gate{interval: l.Interval(class)}
		l.gates[class] = g
	}
	return g
}

// Acquire blocks until a call of class may start, then records the start.
// Check, wait, and stamp happen under the class lock, so concurrent callers
// of one class are serialized at least one interval apart. Returns ctx.Err()
// if the context ends while waiting; the slot is not consumed in that case.
func (l *Limiter) Acquire(ctx context.Context, class string) error {
	g := l.gateFor(class)

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	if !g.last.IsZero() {
		wait := g.interval - l.clock.Now().Sub(g.last)
		if wait > 0 {
			log.Debug().
				Str("class", class).
				Dur("wait", wait).
				Msg("Rate limit wait")
			if err := l.clock.Sleep(ctx, wait); err != nil {
				return err
			}
		}
	}
	g.last = l.clock.Now()
	return nil
}
