package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/sweep-cli/internal/observability"
	"github.com/xkilldash9x/sweep-cli/internal/pacing"
	"github.com/xkilldash9x/sweep-cli/internal/page"
	"github.com/xkilldash9x/sweep-cli/internal/recovery"
	"github.com/xkilldash9x/sweep-cli/internal/store"
	"github.com/xkilldash9x/sweep-cli/internal/targets"
)

var (
	// ErrAlreadyRunning is returned by Start while a loop is active for the session.
	ErrAlreadyRunning = errors.New("session loop is already running")
	// ErrNotServing is returned by Start before Serve was called.
	ErrNotServing = errors.New("controller is not serving")
)

// Status is a point-in-time view of a session.
type Status struct {
	SessionID      string    `json:"session_id"`
	Running        bool      `json:"running"`
	UserStarted    bool      `json:"user_started"`
	ActionCount    int       `json:"action_count"`
	Target         string    `json:"target"`
	Ordinal        int       `json:"ordinal"`
	LadderPosition int       `json:"ladder_position"`
	LastActionAt   time.Time `json:"last_action_at"`
}

// Controller owns one page context: it starts and stops the loop on command,
// and carries the session across reloads and target rotations.
type Controller struct {
	sessionID string
	page      page.Page
	store     store.Store
	signals   Signals
	runner    *Runner
	opts      Options
	logger    *zap.Logger

	// stateLock protects everything below.
	stateLock   sync.Mutex
	serveCtx    context.Context
	isRunning   bool
	cycleCancel context.CancelFunc
	cycleDone   chan struct{}
	wake        chan context.Context
}

// NewController creates a controller for the session bound to p.
func NewController(sessionID string, p page.Page, s store.Store, signals Signals, opts Options, pacer *pacing.Pacer, logger *zap.Logger) (*Controller, error) {
	runner, err := NewRunner(sessionID, p, s, signals, opts, pacer, logger)
	if err != nil {
		return nil, err
	}
	return &Controller{
		sessionID: sessionID,
		page:      p,
		store:     s,
		signals:   signals,
		runner:    runner,
		opts:      opts,
		logger:    observability.ForSession(logger, sessionID).With(zap.String("component", "controller")),
		wake:      make(chan context.Context, 1),
	}, nil
}

// SessionID is the stable identifier of the controlled page context.
func (c *Controller) SessionID() string { return c.sessionID }

// Serve processes start requests until ctx ends. A session whose durable
// user-started flag is set resumes immediately.
func (c *Controller) Serve(ctx context.Context) error {
	c.stateLock.Lock()
	if c.serveCtx != nil {
		c.stateLock.Unlock()
		return errors.New("controller is already serving")
	}
	c.serveCtx = ctx
	c.stateLock.Unlock()

	defer func() {
		c.stateLock.Lock()
		c.serveCtx = nil
		c.stateLock.Unlock()
	}()

	rec, err := c.store.Load(ctx, c.sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session record: %w", err)
	}
	if rec.UserStarted {
		c.logger.Info("Resuming session started earlier.", zap.String(observability.FieldTarget, rec.Target))
		if err := c.Start(ctx, false); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			// A start accepted just before shutdown never got to run.
			select {
			case <-c.wake:
				c.finishCycle()
			default:
			}
			c.cleanup()
			return nil
		case cycleCtx := <-c.wake:
			c.runCycle(cycleCtx)
			c.finishCycle()
		}
	}
}

// Start begins or resumes the loop. persist records that the user started the
// session so reloads resume it, and clears the failure counters of a previous run.
func (c *Controller) Start(ctx context.Context, persist bool) error {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()

	if c.serveCtx == nil {
		return ErrNotServing
	}
	if c.isRunning {
		return ErrAlreadyRunning
	}

	if persist {
		rec, err := c.store.Load(ctx, c.sessionID)
		if err != nil {
			return fmt.Errorf("failed to load session record: %w", err)
		}
		rec.UserStarted = true
		rec.ResetFailures()
		rec.UpdatedAt = time.Now()
		if err := c.store.Save(ctx, rec); err != nil {
			return fmt.Errorf("failed to persist start: %w", err)
		}
	}

	cycleCtx, cancel := context.WithCancel(c.serveCtx)
	c.isRunning = true
	c.cycleCancel = cancel
	c.cycleDone = make(chan struct{})
	c.wake <- cycleCtx

	c.logger.Info("Session started.", zap.Bool("persisted", persist))
	return nil
}

// Stop halts the loop and waits for it to exit. clearUserStarted also keeps
// later reloads from resuming the session.
func (c *Controller) Stop(ctx context.Context, clearUserStarted bool) error {
	c.stateLock.Lock()
	running, cancel, done := c.isRunning, c.cycleCancel, c.cycleDone
	c.stateLock.Unlock()

	if running {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for the loop to stop: %w", ctx.Err())
		}
	}

	if clearUserStarted {
		rec, err := c.store.Load(ctx, c.sessionID)
		if err != nil {
			return fmt.Errorf("failed to load session record: %w", err)
		}
		if rec.UserStarted {
			rec.UserStarted = false
			rec.UpdatedAt = time.Now()
			if err := c.store.Save(ctx, rec); err != nil {
				return fmt.Errorf("failed to persist stop: %w", err)
			}
		}
	}
	c.logger.Info("Session stopped.", zap.Bool("was_running", running), zap.Bool("cleared", clearUserStarted))
	return nil
}

// Status reports the running flag with the durable counters.
func (c *Controller) Status(ctx context.Context) (Status, error) {
	rec, err := c.store.Load(ctx, c.sessionID)
	if err != nil {
		return Status{}, fmt.Errorf("failed to load session record: %w", err)
	}
	c.stateLock.Lock()
	running := c.isRunning
	c.stateLock.Unlock()

	return Status{
		SessionID:      c.sessionID,
		Running:        running,
		UserStarted:    rec.UserStarted,
		ActionCount:    rec.ActionCount,
		Target:         rec.Target,
		Ordinal:        rec.Ordinal,
		LadderPosition: c.runner.LadderPosition(),
		LastActionAt:   rec.LastActionAt,
	}, nil
}

func (c *Controller) finishCycle() {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	if c.cycleCancel != nil {
		c.cycleCancel()
	}
	c.isRunning = false
	c.cycleCancel = nil
	if c.cycleDone != nil {
		close(c.cycleDone)
		c.cycleDone = nil
	}
}

// runCycle runs page loads back to back until one ends in a stop, or a reload
// or rotation lands on a session the user never started.
func (c *Controller) runCycle(ctx context.Context) {
	if err := c.ensureTarget(ctx); err != nil {
		if ctx.Err() == nil {
			c.logger.Error("Could not open the session's target.", zap.Error(err))
		}
		return
	}

	for ctx.Err() == nil {
		out := c.runner.RunPageLoad(ctx)

		switch out.Kind {
		case OutcomeStopped, OutcomePermanentStop:
			return
		case OutcomeReload:
			if err := c.page.Reload(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				// The next page load escalates again if the page is still broken.
				c.logger.Warn("Reload failed.", zap.Error(err))
			}
		case OutcomeRotate, OutcomeCompleted:
			if !c.rotate(ctx) {
				return
			}
		}

		if !c.resumable(ctx) {
			return
		}
	}
}

// resumable reports whether the next page load may start on its own.
func (c *Controller) resumable(ctx context.Context) bool {
	rec, err := c.store.Load(ctx, c.sessionID)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Error("Failed to load session record.", zap.Error(err))
		}
		return false
	}
	if !rec.UserStarted {
		c.logger.Info("Session was not started by the user; staying idle after page change.")
		return false
	}
	return true
}

// rotate moves the session to the next target. It returns false when there is none.
func (c *Controller) rotate(ctx context.Context) bool {
	rec, err := c.store.Load(ctx, c.sessionID)
	if err != nil {
		c.logger.Error("Failed to load session record.", zap.Error(err))
		return false
	}

	next, err := c.signals.AdvanceTarget(ctx, c.sessionID)
	if errors.Is(err, targets.ErrNoMoreTargets) {
		d := recovery.Exhausted(rec)
		c.save(ctx, rec)
		c.logger.Info("Session stopped permanently.", zap.String("reason", d.Reason))
		return false
	}
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Error("Failed to advance target.", zap.Error(err))
		}
		return false
	}

	rec.EnterTarget(next.URL, next.Ordinal, rec.FailedTargets)
	c.save(ctx, rec)
	if err := c.page.Navigate(ctx, next.URL); err != nil {
		if ctx.Err() != nil {
			return false
		}
		c.logger.Warn("Navigation to next target failed.", zap.String(observability.FieldTarget, next.URL), zap.Error(err))
	}
	observability.ForTarget(c.logger, next.URL, next.Ordinal).Info("Moved to next target.")
	return true
}

// ensureTarget puts the page on the session's target before the first page load.
func (c *Controller) ensureTarget(ctx context.Context) error {
	rec, err := c.store.Load(ctx, c.sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session record: %w", err)
	}

	current, err := c.page.URL(ctx)
	if err != nil {
		return err
	}

	if rec.Target != "" {
		if isBlank(current) {
			return c.page.Navigate(ctx, rec.Target)
		}
		return nil
	}

	t, err := c.signals.CurrentTarget(ctx, c.sessionID)
	switch {
	case errors.Is(err, targets.ErrNoMoreTargets):
		// No list: work the page the tab is already on.
		rec.Target = current
		c.save(ctx, rec)
		return nil
	case err != nil:
		return fmt.Errorf("failed to resolve current target: %w", err)
	}

	rec.EnterTarget(t.URL, t.Ordinal, rec.FailedTargets)
	c.save(ctx, rec)
	return c.page.Navigate(ctx, t.URL)
}

func isBlank(u string) bool {
	return u == "" || u == "about:blank"
}

func (c *Controller) save(ctx context.Context, rec *store.Record) {
	saveRecord(ctx, c.store, rec, time.Now(), c.logger)
}

// cleanup deletes the session record on shutdown when configured to.
func (c *Controller) cleanup() {
	if !c.opts.ClearOnExit {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := c.store.Delete(ctx, c.sessionID); err != nil && !errors.Is(err, store.ErrNotFound) {
		c.logger.Warn("Failed to clear session record.", zap.Error(err))
		return
	}
	c.logger.Info("Session record cleared.")
}
