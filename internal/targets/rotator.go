package targets

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/sweep-cli/internal/store"
)

// ErrNoMoreTargets is returned once the index has moved past the last target.
// The list never wraps around.
var ErrNoMoreTargets = errors.New("no more targets")

// Target is one page and its position in the list.
type Target struct {
	URL     string
	Ordinal int
}

// Rotator advances the shared target list persisted in a store. Concurrent
// advances from different sessions are last-writer-wins.
type Rotator struct {
	store  store.Store
	mu     sync.Mutex
	logger *zap.Logger
}

// NewRotator creates a Rotator over s.
func NewRotator(s store.Store, logger *zap.Logger) *Rotator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Rotator{store: s, logger: logger.Named("rotator")}
}

// Replace installs a new list and rewinds the index.
func (r *Rotator) Replace(ctx context.Context, list []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tl := &store.TargetList{Targets: append([]string(nil), list...), Index: 0}
	if err := r.store.SaveTargets(ctx, tl); err != nil {
		return fmt.Errorf("failed to save target list: %w", err)
	}
	r.logger.Info("Target list replaced.", zap.Int("count", len(list)))
	return nil
}

// Append adds targets not already in the list and returns how many were added.
func (r *Rotator) Append(ctx context.Context, list ...string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tl, err := r.store.LoadTargets(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load target list: %w", err)
	}
	seen := make(map[string]struct{}, len(tl.Targets))
	for _, t := range tl.Targets {
		seen[t] = struct{}{}
	}
	added := 0
	for _, t := range list {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		tl.Targets = append(tl.Targets, t)
		added++
	}
	if added == 0 {
		return 0, nil
	}
	if err := r.store.SaveTargets(ctx, tl); err != nil {
		return 0, fmt.Errorf("failed to save target list: %w", err)
	}
	return added, nil
}

// Current returns the target at the shared index.
func (r *Rotator) Current(ctx context.Context) (Target, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tl, err := r.store.LoadTargets(ctx)
	if err != nil {
		return Target{}, fmt.Errorf("failed to load target list: %w", err)
	}
	u, ok := tl.Current()
	if !ok {
		return Target{}, ErrNoMoreTargets
	}
	return Target{URL: u, Ordinal: tl.Index}, nil
}

// Advance moves the shared index forward by one and returns the new current
// target, or ErrNoMoreTargets when the list is exhausted. The index stops one
// past the end so targets appended later are picked up in order.
func (r *Rotator) Advance(ctx context.Context) (Target, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tl, err := r.store.LoadTargets(ctx)
	if err != nil {
		return Target{}, fmt.Errorf("failed to load target list: %w", err)
	}
	if tl.Index < len(tl.Targets) {
		tl.Index++
	}
	tl.UpdatedAt = time.Now()
	if err := r.store.SaveTargets(ctx, tl); err != nil {
		return Target{}, fmt.Errorf("failed to save target list: %w", err)
	}
	u, ok := tl.Current()
	if !ok {
		r.logger.Info("Target list exhausted.", zap.Int("count", len(tl.Targets)))
		return Target{}, ErrNoMoreTargets
	}
	r.logger.Info("Advanced to next target.", zap.Int("ordinal", tl.Index), zap.String("target", u))
	return Target{URL: u, Ordinal: tl.Index}, nil
}

// Snapshot returns the list as stored.
func (r *Rotator) Snapshot(ctx context.Context) (*store.TargetList, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.LoadTargets(ctx)
}
