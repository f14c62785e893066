// Package interact triggers an element's action with escalating input
// techniques and verifies the outcome by observing the element afterwards.
package interact

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/sweep-cli/internal/config"
	"github.com/xkilldash9x/sweep-cli/internal/matcher"
	"github.com/xkilldash9x/sweep-cli/internal/pacing"
	"github.com/xkilldash9x/sweep-cli/internal/page"
	"github.com/xkilldash9x/sweep-cli/internal/store"
)

// Options tunes the executor.
type Options struct {
	// Attempts per element. Techniques cycle when Attempts exceeds their count.
	Attempts  int
	SettleMin time.Duration
	SettleMax time.Duration
	// RatePerMinute caps dispatches across all attempts; zero disables the limiter.
	RatePerMinute float64
	Burst         int
}

// OptionsFromConfig maps the interaction section of the engine config.
func OptionsFromConfig(cfg config.InteractionConfig) Options {
	return Options{
		Attempts:      cfg.Attempts,
		SettleMin:     cfg.SettleMin,
		SettleMax:     cfg.SettleMax,
		RatePerMinute: cfg.RatePerMinute,
		Burst:         cfg.Burst,
	}
}

// Result is the outcome of one Interact call.
type Result struct {
	Succeeded bool
	Attempts  int
	// Technique is the technique of the last attempt made.
	Technique page.Technique
	Verdict   page.Verdict
	// Verified is true when at least one verification completed.
	Verified bool
}

// Executor runs the technique ladder against one element at a time.
type Executor struct {
	page    page.Page
	opts    Options
	limiter *rate.Limiter
	pacer   *pacing.Pacer
	logger  *zap.Logger
}

// New creates an Executor. A nil pacer uses a clock-seeded one.
func New(p page.Page, opts Options, pacer *pacing.Pacer, logger *zap.Logger) *Executor {
	if opts.Attempts <= 0 {
		opts.Attempts = len(page.Techniques)
	}
	if pacer == nil {
		pacer = pacing.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{page: p, opts: opts, pacer: pacer, logger: logger.Named("interact")}
	if opts.RatePerMinute > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(opts.RatePerMinute/60), burst)
	}
	return e
}

// Interact attempts h's action. The element is marked processed only after
// verification reports success. Internal failures count as failed attempts;
// the only early exit is context cancellation.
func (e *Executor) Interact(ctx context.Context, h page.Handle, pattern matcher.Pattern) Result {
	var res Result
	for i := 0; i < e.opts.Attempts; i++ {
		t := page.Techniques[i%len(page.Techniques)]
		res.Attempts = i + 1
		res.Technique = t

		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return res
			}
		}

		if err := e.page.Dispatch(ctx, h, t); err != nil {
			if ctx.Err() != nil {
				return res
			}
			// A failed dispatch can still have fired the action; verification decides.
			e.logger.Debug("Dispatch failed.", zap.Stringer("technique", t), zap.Error(err))
		}

		if err := e.pacer.Pause(ctx, e.opts.SettleMin, e.opts.SettleMax); err != nil {
			return res
		}

		verdict, err := e.page.Verify(ctx, h, pattern.Source())
		if err != nil {
			if ctx.Err() != nil {
				return res
			}
			e.logger.Debug("Verification failed; counting attempt as unsuccessful.", zap.Stringer("technique", t), zap.Error(err))
			continue
		}
		res.Verdict = verdict
		res.Verified = true
		if verdict.Succeeded() {
			res.Succeeded = true
			if err := e.page.MarkProcessed(ctx, h); err != nil {
				// Detached elements cannot carry the marker and never need it.
				e.logger.Debug("Could not mark element processed.", zap.Error(err))
			}
			e.logger.Debug("Interaction verified.",
				zap.Stringer("technique", t),
				zap.Int("attempt", res.Attempts),
				zap.Bool("detached", verdict.Detached),
				zap.Bool("hidden", verdict.Hidden),
				zap.Bool("mismatch", verdict.Mismatch),
			)
			return res
		}
	}
	e.logger.Debug("Element did not respond to any technique.", zap.Int("attempts", res.Attempts))
	return res
}

// ApplyResult folds an interaction outcome into the durable counters.
// Success counts an action and clears every consecutive-failure counter.
// Failure increments the click-failure counter, and the stuck-element counter
// when the element was observed unchanged.
func ApplyResult(rec *store.Record, res Result, at time.Time) {
	if res.Succeeded {
		rec.RecordAction(at)
		return
	}
	rec.ClickFailures++
	if res.Verified {
		rec.StuckElement++
	}
}
