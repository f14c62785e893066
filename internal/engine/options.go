// Package engine runs the action loop for one page context and manages its
// lifecycle across reloads and target rotations.
package engine

import (
	"fmt"
	"time"

	"github.com/xkilldash9x/sweep-cli/internal/config"
	"github.com/xkilldash9x/sweep-cli/internal/discovery"
	"github.com/xkilldash9x/sweep-cli/internal/interact"
	"github.com/xkilldash9x/sweep-cli/internal/matcher"
	"github.com/xkilldash9x/sweep-cli/internal/recovery"
)

// Options is the compiled engine configuration shared by Runner and Controller.
type Options struct {
	Pattern     matcher.Pattern
	ExitPattern matcher.Pattern
	Selector    string

	MaxIterations        int
	ProactiveReloadEvery int
	ActionLimit          int
	IdleTimeout          time.Duration
	ActionDelayMin       time.Duration
	ActionDelayMax       time.Duration

	ClickFailureThreshold int
	RetryPauseMin         time.Duration
	RetryPauseMax         time.Duration
	IdleRechecks          int
	IdleRecheckMin        time.Duration
	IdleRecheckMax        time.Duration

	KeepAlive   KeepAliveOptions
	Interaction interact.Options
	Discovery   discovery.Options
	Policy      recovery.Policy

	// ClearOnExit deletes the session record when Serve returns.
	ClearOnExit bool
}

// OptionsFromConfig compiles the patterns and maps the engine section.
func OptionsFromConfig(cfg config.EngineConfig) (Options, error) {
	pattern, err := matcher.Compile(cfg.Patterns)
	if err != nil {
		return Options{}, fmt.Errorf("invalid engine.patterns: %w", err)
	}
	var exit matcher.Pattern
	if len(cfg.ExitPatterns) > 0 {
		if exit, err = matcher.Compile(cfg.ExitPatterns); err != nil {
			return Options{}, fmt.Errorf("invalid engine.exit_patterns: %w", err)
		}
	}

	r := cfg.Recovery
	return Options{
		Pattern:               pattern,
		ExitPattern:           exit,
		Selector:              cfg.Selector,
		MaxIterations:         cfg.MaxIterations,
		ProactiveReloadEvery:  cfg.ProactiveReloadEvery,
		ActionLimit:           cfg.ActionLimit,
		IdleTimeout:           cfg.IdleTimeout,
		ActionDelayMin:        cfg.ActionDelayMin,
		ActionDelayMax:        cfg.ActionDelayMax,
		ClickFailureThreshold: r.ClickFailureThreshold,
		RetryPauseMin:         r.RetryPauseMin,
		RetryPauseMax:         r.RetryPauseMax,
		IdleRechecks:          r.IdleRechecks,
		IdleRecheckMin:        r.IdleRecheckMin,
		IdleRecheckMax:        r.IdleRecheckMax,
		KeepAlive: KeepAliveOptions{
			Enabled:     cfg.KeepAlive.Enabled,
			IntervalMin: cfg.KeepAlive.IntervalMin,
			IntervalMax: cfg.KeepAlive.IntervalMax,
		},
		Interaction: interact.OptionsFromConfig(cfg.Interaction),
		Discovery:   discovery.OptionsFromConfig(cfg.Discovery, r),
		Policy:      recovery.PolicyFromConfig(r),
	}, nil
}
