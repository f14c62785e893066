// Package pacing provides randomized, cancelable waits shared by every
// component that has to give the page time to react.
package pacing

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Pacer draws jittered durations and sleeps on them. Safe for concurrent use.
type Pacer struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a Pacer seeded from the clock.
func New() *Pacer {
	return NewSeeded(time.Now().UnixNano())
}

// NewSeeded creates a deterministic Pacer for tests.
func NewSeeded(seed int64) *Pacer {
	return &Pacer{rng: rand.New(rand.NewSource(seed))}
}

// Between returns a uniformly random duration in [lo, hi]. hi < lo yields lo.
func (p *Pacer) Between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return lo + time.Duration(p.rng.Int63n(int64(hi-lo)+1))
}

// Pause sleeps for a random duration in [lo, hi].
func (p *Pacer) Pause(ctx context.Context, lo, hi time.Duration) error {
	return Sleep(ctx, p.Between(lo, hi))
}

// Sleep waits for d or until ctx is done. Non-positive durations only check ctx.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
