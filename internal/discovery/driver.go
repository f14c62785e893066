// Package discovery scrolls a page to provoke lazy-loaded content when no
// candidates are visible.
package discovery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/sweep-cli/internal/config"
	"github.com/xkilldash9x/sweep-cli/internal/pacing"
	"github.com/xkilldash9x/sweep-cli/internal/page"
)

// Phase identifies which discovery pass produced an outcome.
type Phase int

const (
	PhaseNone Phase = iota
	// PhaseFine scrolls to equal fractions of the initial scroll range.
	PhaseFine
	// PhaseCoarse scrolls one viewport at a time.
	PhaseCoarse
	// PhasePerturb is the soft-recovery down-then-up nudge.
	PhasePerturb
)

func (p Phase) String() string {
	switch p {
	case PhaseNone:
		return "none"
	case PhaseFine:
		return "fine"
	case PhaseCoarse:
		return "coarse"
	case PhasePerturb:
		return "perturb"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// ScanFunc returns the current candidates.
type ScanFunc func(ctx context.Context) []page.Handle

// Options tunes the driver.
type Options struct {
	FineSteps   int
	CoarseSteps int
	SettleDelay time.Duration
	// SoftDistance and SoftWait shape one perturbation.
	SoftDistance float64
	SoftWait     time.Duration
}

// OptionsFromConfig maps the discovery and soft-recovery settings.
func OptionsFromConfig(d config.DiscoveryConfig, r config.RecoveryConfig) Options {
	return Options{
		FineSteps:    d.FineSteps,
		CoarseSteps:  d.CoarseSteps,
		SettleDelay:  d.SettleDelay,
		SoftDistance: float64(r.SoftDistance),
		SoftWait:     r.SoftWait,
	}
}

// Outcome reports whether candidates appeared, and where.
type Outcome struct {
	Found bool
	Phase Phase
	// Step is 1-based within Phase.
	Step int
}

// Driver performs discovery and soft-recovery scrolling.
type Driver struct {
	page   page.Page
	scan   ScanFunc
	opts   Options
	logger *zap.Logger
}

// New creates a Driver.
func New(p page.Page, scan ScanFunc, opts Options, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{page: p, scan: scan, opts: opts, logger: logger.Named("discovery")}
}

// Discover scrolls downward in two phases, rescanning after every step, and
// returns as soon as a scan yields a candidate. It never scrolls up.
func (d *Driver) Discover(ctx context.Context) Outcome {
	start, err := d.page.ScrollState(ctx)
	if err != nil {
		d.logger.Debug("Could not read scroll state.", zap.Error(err))
		return Outcome{}
	}

	// Phase A: fractions of the range as it was when discovery began.
	top := start.Top
	for i := 1; i <= d.opts.FineSteps; i++ {
		target := start.MaxTop() * float64(i) / float64(d.opts.FineSteps)
		if target <= top {
			continue
		}
		if err := d.page.ScrollTo(ctx, target); err != nil {
			d.logger.Debug("Fine scroll failed.", zap.Int("step", i), zap.Error(err))
			continue
		}
		top = target
		if found, stop := d.settleAndScan(ctx); stop {
			return Outcome{}
		} else if found {
			return Outcome{Found: true, Phase: PhaseFine, Step: i}
		}
	}

	// Phase B: viewport-sized steps until the bottom stops moving.
	for i := 1; i <= d.opts.CoarseSteps; i++ {
		before, err := d.page.ScrollState(ctx)
		if err != nil {
			d.logger.Debug("Could not read scroll state.", zap.Error(err))
			return Outcome{}
		}
		step := before.Viewport
		if step <= 0 {
			step = 800
		}
		if err := d.page.ScrollBy(ctx, step); err != nil {
			d.logger.Debug("Coarse scroll failed.", zap.Int("step", i), zap.Error(err))
			continue
		}
		found, stop := d.settleAndScan(ctx)
		if stop {
			return Outcome{}
		}
		if found {
			return Outcome{Found: true, Phase: PhaseCoarse, Step: i}
		}
		after, err := d.page.ScrollState(ctx)
		if err == nil && after.Top <= before.Top && after.AtBottom() {
			d.logger.Debug("Reached the bottom of the page.", zap.Int("step", i))
			break
		}
	}
	return Outcome{}
}

// Perturb performs up to n down-then-up nudges, rescanning after each, and
// reports whether candidates appeared. Net scroll position is preserved.
func (d *Driver) Perturb(ctx context.Context, n int) Outcome {
	for i := 1; i <= n; i++ {
		if err := d.page.ScrollBy(ctx, d.opts.SoftDistance); err != nil {
			d.logger.Debug("Perturbation failed.", zap.Error(err))
		}
		if pacing.Sleep(ctx, d.opts.SoftWait) != nil {
			return Outcome{}
		}
		if err := d.page.ScrollBy(ctx, -d.opts.SoftDistance); err != nil {
			d.logger.Debug("Perturbation failed.", zap.Error(err))
		}
		found, stop := d.settleAndScan(ctx)
		if stop {
			return Outcome{}
		}
		if found {
			return Outcome{Found: true, Phase: PhasePerturb, Step: i}
		}
	}
	return Outcome{}
}

// settleAndScan waits for the page to react and rescans. stop is true when ctx ended.
func (d *Driver) settleAndScan(ctx context.Context) (found, stop bool) {
	if pacing.Sleep(ctx, d.opts.SettleDelay) != nil {
		return false, true
	}
	return len(d.scan(ctx)) > 0, false
}
