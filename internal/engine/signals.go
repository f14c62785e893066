package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/sweep-cli/internal/observability"
	"github.com/xkilldash9x/sweep-cli/internal/targets"
)

// Signals is the outbound side of the engine: the collaborator that owns the
// target list and is told when a session hits its action limit.
type Signals interface {
	// CurrentTarget returns the target a session should work when it starts
	// without one. targets.ErrNoMoreTargets means there is no list to follow.
	CurrentTarget(ctx context.Context, sessionID string) (targets.Target, error)
	// AdvanceTarget moves the shared list forward and returns the next target,
	// or targets.ErrNoMoreTargets.
	AdvanceTarget(ctx context.Context, sessionID string) (targets.Target, error)
	// LimitReached is emitted once when the action count crosses the configured cap.
	LimitReached(ctx context.Context, sessionID string, count int)
}

// TargetList is the part of targets.Rotator the engine needs.
type TargetList interface {
	Current(ctx context.Context) (targets.Target, error)
	Advance(ctx context.Context) (targets.Target, error)
}

// RotatorSignals implements Signals over a shared target list. A nil list
// means the session works whatever page it is on and has nowhere to rotate to.
type RotatorSignals struct {
	list   TargetList
	logger *zap.Logger
}

var _ Signals = (*RotatorSignals)(nil)

// NewSignals creates the default Signals.
func NewSignals(list TargetList, logger *zap.Logger) *RotatorSignals {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RotatorSignals{list: list, logger: logger.Named("signals")}
}

func (s *RotatorSignals) CurrentTarget(ctx context.Context, sessionID string) (targets.Target, error) {
	if s.list == nil {
		return targets.Target{}, targets.ErrNoMoreTargets
	}
	return s.list.Current(ctx)
}

func (s *RotatorSignals) AdvanceTarget(ctx context.Context, sessionID string) (targets.Target, error) {
	if s.list == nil {
		return targets.Target{}, targets.ErrNoMoreTargets
	}
	observability.ForSession(s.logger, sessionID).Info("Advancing to next target.")
	return s.list.Advance(ctx)
}

func (s *RotatorSignals) LimitReached(ctx context.Context, sessionID string, count int) {
	observability.ForSession(s.logger, sessionID).Warn("Action limit reached.", zap.Int("action_count", count))
}
