package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/sweep-cli/internal/browser"
	"github.com/xkilldash9x/sweep-cli/internal/config"
	"github.com/xkilldash9x/sweep-cli/internal/control"
	"github.com/xkilldash9x/sweep-cli/internal/engine"
	"github.com/xkilldash9x/sweep-cli/internal/observability"
	"github.com/xkilldash9x/sweep-cli/internal/pacing"
	"github.com/xkilldash9x/sweep-cli/internal/page"
	"github.com/xkilldash9x/sweep-cli/internal/store"
	"github.com/xkilldash9x/sweep-cli/internal/targets"
)

const shutdownTimeout = 15 * time.Second

// tabOpener is the part of the browser manager the run command needs.
type tabOpener interface {
	OpenTab(ctx context.Context) (page.Page, error)
	Shutdown(ctx context.Context) error
}

// browserOpener adapts *browser.Manager to tabOpener.
type browserOpener struct{ m *browser.Manager }

func (b browserOpener) OpenTab(ctx context.Context) (page.Page, error) { return b.m.OpenTab(ctx) }
func (b browserOpener) Shutdown(ctx context.Context) error            { return b.m.Shutdown(ctx) }

// launchBrowser is replaced in tests.
var launchBrowser = func(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (tabOpener, error) {
	m, err := browser.NewManager(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return browserOpener{m: m}, nil
}

func newRunCmd(v *viper.Viper) *cobra.Command {
	var start bool

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Opens the browser and serves sessions until interrupted",
		Long: `Run launches the browser, opens one tab per session and serves start, stop
and status commands on the control socket. Sessions that were started before
a restart resume on their own.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			return runSweep(cmd.Context(), cfg, start, observability.GetLogger())
		},
	}

	runCmd.Flags().Int("tabs", 1, "Number of tabs, each an independent session. (Overrides config/env)")
	runCmd.Flags().Bool("headless", false, "Run the browser without a window. (Overrides config/env)")
	runCmd.Flags().String("targets", "", "File or URL listing the pages to work through. (Overrides config/env)")
	runCmd.Flags().Bool("follow", false, "Pick up targets appended to the target file while running. (Overrides config/env)")
	runCmd.Flags().String("store", "", "Session store driver: memory, file or postgres. (Overrides config/env)")
	runCmd.Flags().BoolVar(&start, "start", false, "Start every session immediately instead of waiting for 'sweep start'.")

	// Bound here so the values are visible when the root command builds the config.
	for key, flag := range map[string]string{
		"browser.tabs":     "tabs",
		"browser.headless": "headless",
		"targets.source":   "targets",
		"targets.follow":   "follow",
		"store.driver":     "store",
	} {
		_ = v.BindPFlag(key, runCmd.Flags().Lookup(flag))
	}
	return runCmd
}

// runSweep wires the store, browser, controllers and control daemon together
// and blocks until ctx is done or one of them fails.
func runSweep(ctx context.Context, cfg config.Interface, start bool, logger *zap.Logger) error {
	opts, err := engine.OptionsFromConfig(cfg.Engine())
	if err != nil {
		return err
	}
	opts.ClearOnExit = cfg.Store().ClearOnExit

	st, err := store.Open(ctx, cfg.Store(), logger)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer func() { _ = st.Close() }()

	rot := targets.NewRotator(st, logger)
	if err := loadTargets(ctx, cfg.Targets(), rot, logger); err != nil {
		return err
	}

	tabs := cfg.Browser().Tabs
	ids := make([]string, tabs)
	for i := range ids {
		ids[i] = fmt.Sprintf("tab-%d", i)
	}
	if start {
		if err := markStarted(ctx, st, ids); err != nil {
			return err
		}
	}

	b, err := launchBrowser(ctx, cfg.Browser(), logger)
	if err != nil {
		return fmt.Errorf("failed to launch browser: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := b.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error during browser shutdown", zap.Error(err))
		}
	}()

	signals := engine.NewSignals(rot, logger)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	// abort stops the sessions already serving before a setup error is returned.
	abort := func(err error) error {
		cancel()
		_ = g.Wait()
		return err
	}

	sessions := make([]control.Session, 0, tabs)
	for _, id := range ids {
		tab, err := b.OpenTab(ctx)
		if err != nil {
			return abort(fmt.Errorf("failed to open tab for %s: %w", id, err))
		}
		c, err := engine.NewController(id, tab, st, signals, opts, pacing.New(), logger)
		if err != nil {
			return abort(err)
		}
		sessions = append(sessions, c)
		g.Go(func() error { return c.Serve(gctx) })
	}

	if cfg.Control().Enabled {
		d, err := control.NewDaemon(cfg.Control().Socket, sessions, logger)
		if err != nil {
			return abort(err)
		}
		g.Go(func() error { return d.Serve(gctx) })
	}

	if tc := cfg.Targets(); tc.Follow && tc.Source != "" && !targets.IsRemote(tc.Source) {
		g.Go(func() error {
			return targets.Follow(gctx, tc.Source, rot, targets.FollowOptions{}, logger)
		})
	}

	logger.Info("Sweep is running.", zap.Int("tabs", tabs), zap.Bool("control", cfg.Control().Enabled))
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Sweep stopped.")
	return nil
}

// loadTargets replaces the shared list with the configured source, if any.
func loadTargets(ctx context.Context, tc config.TargetsConfig, rot *targets.Rotator, logger *zap.Logger) error {
	if tc.Source == "" {
		return nil
	}
	format, err := targets.ParseFormat(tc.Format)
	if err != nil {
		return err
	}
	list, err := targets.NewLoader(tc.FetchTimeout, nil, logger).Load(ctx, tc.Source, format)
	if err != nil {
		return fmt.Errorf("failed to load targets: %w", err)
	}
	return rot.Replace(ctx, list)
}

// markStarted sets the user-started flag so each controller resumes as soon as it serves.
func markStarted(ctx context.Context, st store.Store, ids []string) error {
	for _, id := range ids {
		rec, err := st.Load(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to load session %s: %w", id, err)
		}
		rec.UserStarted = true
		rec.ResetFailures()
		rec.UpdatedAt = time.Now()
		if err := st.Save(ctx, rec); err != nil {
			return fmt.Errorf("failed to save session %s: %w", id, err)
		}
	}
	return nil
}
