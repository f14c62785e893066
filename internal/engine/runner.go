package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/sweep-cli/internal/discovery"
	"github.com/xkilldash9x/sweep-cli/internal/interact"
	"github.com/xkilldash9x/sweep-cli/internal/matcher"
	"github.com/xkilldash9x/sweep-cli/internal/observability"
	"github.com/xkilldash9x/sweep-cli/internal/pacing"
	"github.com/xkilldash9x/sweep-cli/internal/page"
	"github.com/xkilldash9x/sweep-cli/internal/recovery"
	"github.com/xkilldash9x/sweep-cli/internal/store"
)

const saveTimeout = 5 * time.Second

// OutcomeKind says how a page load ended.
type OutcomeKind int

const (
	// OutcomeStopped is a local stop. The user-started flag is left as it was.
	OutcomeStopped OutcomeKind = iota
	// OutcomeReload asks the controller to reload the page.
	OutcomeReload
	// OutcomeRotate abandons the current target as failed.
	OutcomeRotate
	// OutcomeCompleted leaves a target that has nothing left to act on.
	OutcomeCompleted
	// OutcomePermanentStop ended the session; the user-started flag is cleared.
	OutcomePermanentStop
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeStopped:
		return "stopped"
	case OutcomeReload:
		return "reload"
	case OutcomeRotate:
		return "rotate"
	case OutcomeCompleted:
		return "completed"
	case OutcomePermanentStop:
		return "permanent_stop"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome is the result of one page load.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
}

// Runner executes the action loop against one page. Each RunPageLoad starts
// with fresh in-memory state; only the store.Record carries over.
type Runner struct {
	sessionID string
	page      page.Page
	store     store.Store
	signals   Signals
	opts      Options
	pacer     *pacing.Pacer
	logger    *zap.Logger

	matcher  *matcher.Matcher
	executor *interact.Executor
	driver   *discovery.Driver

	now func() time.Time

	// position mirrors the ladder position for status reports.
	position atomic.Int64
}

// NewRunner wires the matcher, executor and scroll driver over p.
func NewRunner(sessionID string, p page.Page, s store.Store, signals Signals, opts Options, pacer *pacing.Pacer, logger *zap.Logger) (*Runner, error) {
	if p == nil {
		return nil, errors.New("page cannot be nil")
	}
	if s == nil {
		return nil, errors.New("store cannot be nil")
	}
	if signals == nil {
		return nil, errors.New("signals cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if opts.Pattern.IsZero() {
		return nil, errors.New("an action pattern is required")
	}
	if err := store.ValidateID(sessionID); err != nil {
		return nil, err
	}
	if pacer == nil {
		pacer = pacing.New()
	}

	r := &Runner{
		sessionID: sessionID,
		page:      p,
		store:     s,
		signals:   signals,
		opts:      opts,
		pacer:     pacer,
		logger:    observability.ForSession(logger, sessionID).With(zap.String("component", "runner")),
		now:       time.Now,
	}
	r.matcher = matcher.New(p, matcher.Options{Pattern: opts.Pattern, Selector: opts.Selector}, r.logger)
	r.executor = interact.New(p, opts.Interaction, pacer, r.logger)
	r.driver = discovery.New(p, r.matcher.Scan, opts.Discovery, r.logger)
	return r, nil
}

// LadderPosition is the recovery ladder position of the page load in progress.
func (r *Runner) LadderPosition() int { return int(r.position.Load()) }

// loadState is the in-memory state of one page load.
type loadState struct {
	rec        *store.Record
	ladder     *recovery.Ladder
	lastAction time.Time
}

// RunPageLoad runs the loop until the page needs a reload, the target is left,
// or the loop stops. Canceling ctx is the stop command.
func (r *Runner) RunPageLoad(ctx context.Context) Outcome {
	rec, err := r.store.Load(ctx, r.sessionID)
	if err != nil {
		r.logger.Error("Failed to load session record.", zap.Error(err))
		return Outcome{Kind: OutcomeStopped, Reason: "session record unavailable"}
	}

	if rec.ClickFailures > 0 || rec.StuckElement > 0 {
		rec.BeginPageLoad()
		r.save(ctx, rec)
	}

	st := &loadState{
		rec:        rec,
		ladder:     recovery.NewLadder(r.opts.Policy),
		lastAction: r.now(),
	}
	r.position.Store(0)
	defer r.position.Store(0)

	logger := observability.ForTarget(r.logger, rec.Target, rec.Ordinal)
	logger.Info("Page load started.", zap.Int("action_count", rec.ActionCount))

	stopKeepAlive := startKeepAlive(ctx, r.page, r.opts.KeepAlive, r.pacer, logger)
	defer stopKeepAlive()

	out := r.loop(ctx, st, logger)
	logger.Info("Page load finished.",
		zap.Stringer("outcome", out.Kind),
		zap.String("reason", out.Reason),
		zap.Int("action_count", rec.ActionCount),
	)
	return out
}

func (r *Runner) loop(ctx context.Context, st *loadState, logger *zap.Logger) Outcome {
	for iter := 1; ; iter++ {
		if ctx.Err() != nil {
			return Outcome{Kind: OutcomeStopped, Reason: "stop requested"}
		}
		if r.opts.MaxIterations > 0 && iter > r.opts.MaxIterations {
			logger.Warn("Iteration ceiling reached.", zap.Int("max_iterations", r.opts.MaxIterations))
			return Outcome{Kind: OutcomeStopped, Reason: "iteration ceiling reached"}
		}

		if r.matcher.Present(ctx, r.opts.ExitPattern) {
			d := st.ladder.Complete(st.rec, "exit marker present")
			r.publish(st)
			r.save(ctx, st.rec)
			return Outcome{Kind: OutcomeCompleted, Reason: d.Reason}
		}

		if handles := r.matcher.Scan(ctx); len(handles) > 0 {
			if out, done := r.act(ctx, st, handles[0], logger); done {
				return out
			}
			continue
		}
		if ctx.Err() != nil {
			continue
		}

		if found := r.driver.Discover(ctx); found.Found {
			logger.Debug("Discovery surfaced candidates.", zap.Stringer("phase", found.Phase), zap.Int("step", found.Step))
			r.candidateAppeared(ctx, st)
			continue
		}
		if ctx.Err() != nil {
			continue
		}

		if r.idleRecheckDue(st) {
			if r.idleRecheck(ctx, logger) {
				r.candidateAppeared(ctx, st)
				continue
			}
			if ctx.Err() != nil {
				continue
			}
		}

		d := st.ladder.Escalate(st.rec, recovery.CauseEmpty)
		if out, done := r.apply(ctx, st, d, logger); done {
			return out
		}
	}
}

// act interacts with exactly one candidate. done is true when the page load must end.
func (r *Runner) act(ctx context.Context, st *loadState, h page.Handle, logger *zap.Logger) (Outcome, bool) {
	// A candidate showing up ends an empty episode.
	if st.ladder.Cause() == recovery.CauseEmpty {
		r.candidateAppeared(ctx, st)
	}

	prev := st.rec.ActionCount
	res := r.executor.Interact(ctx, h, r.opts.Pattern)
	if ctx.Err() != nil {
		// An interrupted interaction is not a failure.
		return Outcome{Kind: OutcomeStopped, Reason: "stop requested"}, true
	}
	now := r.now()
	interact.ApplyResult(st.rec, res, now)

	if res.Succeeded {
		st.ladder.Reset(st.rec)
		st.lastAction = now
		r.publish(st)
		r.save(ctx, st.rec)
		logger.Info("Action performed.",
			zap.Int("action_count", st.rec.ActionCount),
			zap.Stringer("technique", res.Technique),
			zap.Int("attempts", res.Attempts),
		)

		if recovery.LimitCrossed(prev, st.rec.ActionCount, r.opts.ActionLimit) {
			r.signals.LimitReached(ctx, r.sessionID, st.rec.ActionCount)
			st.rec.UserStarted = false
			r.save(ctx, st.rec)
			return Outcome{Kind: OutcomePermanentStop, Reason: fmt.Sprintf("action limit of %d reached", r.opts.ActionLimit)}, true
		}
		if recovery.ProactiveReloadDue(prev, st.rec.ActionCount, r.opts.ProactiveReloadEvery) {
			return Outcome{Kind: OutcomeReload, Reason: fmt.Sprintf("proactive reload after %d actions", st.rec.ActionCount)}, true
		}
		if err := r.pacer.Pause(ctx, r.opts.ActionDelayMin, r.opts.ActionDelayMax); err != nil {
			return Outcome{Kind: OutcomeStopped, Reason: "stop requested"}, true
		}
		return Outcome{}, false
	}

	r.save(ctx, st.rec)
	logger.Debug("Interaction failed.",
		zap.Int("click_failures", st.rec.ClickFailures),
		zap.Int("stuck_element", st.rec.StuckElement),
	)
	if st.rec.ClickFailures < r.opts.ClickFailureThreshold {
		return Outcome{}, false
	}
	d := st.ladder.Escalate(st.rec, recovery.CauseClickBlocked)
	return r.apply(ctx, st, d, logger)
}

// apply carries out a ladder decision. done is true when the page load must end.
func (r *Runner) apply(ctx context.Context, st *loadState, d recovery.Decision, logger *zap.Logger) (Outcome, bool) {
	r.publish(st)
	r.save(ctx, st.rec)
	logger.Info("Recovery ladder escalated.",
		zap.Stringer("tier", d.Tier),
		zap.Int("attempt", d.Attempt),
		zap.String("reason", d.Reason),
		zap.Stringer("cause", st.ladder.Cause()),
	)

	switch d.Tier {
	case recovery.TierRetry:
		if err := r.pacer.Pause(ctx, r.opts.RetryPauseMin, r.opts.RetryPauseMax); err != nil {
			return Outcome{Kind: OutcomeStopped, Reason: "stop requested"}, true
		}
		return Outcome{}, false
	case recovery.TierSoft:
		found := r.driver.Perturb(ctx, 1)
		if found.Found && st.ladder.Cause() == recovery.CauseEmpty {
			r.candidateAppeared(ctx, st)
		}
		return Outcome{}, false
	case recovery.TierReload:
		return Outcome{Kind: OutcomeReload, Reason: d.Reason}, true
	case recovery.TierRotate:
		return Outcome{Kind: OutcomeRotate, Reason: d.Reason}, true
	case recovery.TierStop:
		if d.Permanent {
			return Outcome{Kind: OutcomePermanentStop, Reason: d.Reason}, true
		}
		return Outcome{Kind: OutcomeStopped, Reason: d.Reason}, true
	default:
		return Outcome{}, false
	}
}

// candidateAppeared resets the ladder after scrolling or waiting surfaced something.
func (r *Runner) candidateAppeared(ctx context.Context, st *loadState) {
	if st.ladder.Position() == 0 && st.rec.EmptyDiscoveries == 0 {
		return
	}
	st.ladder.Reset(st.rec)
	r.publish(st)
	r.save(ctx, st.rec)
}

// idleRecheckDue reports whether the next empty escalation would go past
// Retry on a page that has been idle for too long.
func (r *Runner) idleRecheckDue(st *loadState) bool {
	if r.opts.IdleTimeout <= 0 || r.opts.IdleRechecks <= 0 {
		return false
	}
	if st.ladder.Cause() != recovery.CauseEmpty || st.ladder.Position() < r.opts.Policy.RetryBound {
		return false
	}
	return r.now().Sub(st.lastAction) >= r.opts.IdleTimeout
}

// idleRecheck rescans a few times, spaced apart, before the ladder gives up on the page.
func (r *Runner) idleRecheck(ctx context.Context, logger *zap.Logger) bool {
	for i := 1; i <= r.opts.IdleRechecks; i++ {
		if err := r.pacer.Pause(ctx, r.opts.IdleRecheckMin, r.opts.IdleRecheckMax); err != nil {
			return false
		}
		if len(r.matcher.Scan(ctx)) > 0 {
			logger.Debug("Idle re-check found candidates.", zap.Int("recheck", i))
			return true
		}
	}
	return false
}

func (r *Runner) publish(st *loadState) {
	r.position.Store(int64(st.ladder.Position()))
}

func (r *Runner) save(ctx context.Context, rec *store.Record) {
	saveRecord(ctx, r.store, rec, r.now(), r.logger)
}

// saveRecord persists rec even when ctx was canceled by a stop. Failures are
// logged; the loop keeps going on its in-memory copy.
func saveRecord(ctx context.Context, s store.Store, rec *store.Record, at time.Time, logger *zap.Logger) {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	rec.UpdatedAt = at
	if err := s.Save(saveCtx, rec); err != nil {
		logger.Error("Failed to persist session record.", zap.Error(err))
	}
}
