// Package browser implements the page driver on top of Chrome through the
// DevTools protocol.
package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/emulation"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sweep-cli/internal/config"
)

// Manager owns the browser process and the tabs opened in it.
type Manager struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	mu   sync.Mutex
	tabs []*Tab
}

// chromeFlags translates the configuration into command line switches.
// Background throttling is disabled so timers in unfocused tabs keep firing.
func chromeFlags(cfg config.BrowserConfig) map[string]interface{} {
	flags := map[string]interface{}{
		"no-sandbox":                             true,
		"no-first-run":                           true,
		"no-default-browser-check":               true,
		"disable-dev-shm-usage":                  true,
		"disable-background-timer-throttling":    true,
		"disable-backgrounding-occluded-windows": true,
		"disable-renderer-backgrounding":         true,
		"enable-automation":                      true,
	}
	if cfg.Headless {
		flags["headless"] = true
		flags["hide-scrollbars"] = true
		flags["mute-audio"] = true
	}
	for _, arg := range cfg.Args {
		arg = strings.TrimLeft(strings.TrimSpace(arg), "-")
		if arg == "" {
			continue
		}
		if key, value, found := strings.Cut(arg, "="); found {
			flags[key] = value
		} else {
			flags[arg] = true
		}
	}
	return flags
}

// AllocatorOptions builds the chromedp allocator options for cfg.
func AllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	var opts []chromedp.ExecAllocatorOption
	for key, value := range chromeFlags(cfg) {
		opts = append(opts, chromedp.Flag(key, value))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.UserDataDir))
	}
	if cfg.ViewportWidth > 0 && cfg.ViewportHeight > 0 {
		opts = append(opts, chromedp.WindowSize(cfg.ViewportWidth, cfg.ViewportHeight))
	}
	return opts
}

// NewManager launches the browser.
func NewManager(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Manager, error) {
	logger = logger.Named("browser")
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, AllocatorOptions(cfg)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(logger.Sugar().Debugf),
		chromedp.WithErrorf(logger.Sugar().Warnf),
	)

	// The first Run starts the browser process.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}
	logger.Info("Browser started.", zap.Bool("headless", cfg.Headless))

	return &Manager{
		cfg:           cfg,
		logger:        logger,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}, nil
}

// OpenTab opens a new tab with the viewport, focus emulation and in-page
// helper configured.
func (m *Manager) OpenTab(ctx context.Context) (*Tab, error) {
	tabCtx, cancel := chromedp.NewContext(m.browserCtx)

	setupCtx, setupCancel := CombineContext(tabCtx, ctx)
	defer setupCancel()
	if err := chromedp.Run(setupCtx, m.setupActions()...); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to set up tab: %w", err)
	}

	var targetID string
	if c := chromedp.FromContext(tabCtx); c != nil && c.Target != nil {
		targetID = string(c.Target.TargetID)
	}

	tab := newTab(tabCtx, cancel, targetID, TabOptions{
		NavigationTimeout: m.cfg.NavigationTimeout,
		PostLoadWait:      m.cfg.PostLoadWait,
	}, m.logger)
	tab.SetPointer(float64(m.cfg.ViewportWidth)/2, float64(m.cfg.ViewportHeight)/2)

	m.mu.Lock()
	m.tabs = append(m.tabs, tab)
	m.mu.Unlock()

	m.logger.Info("Tab opened.", zap.String("target_id", targetID))
	return tab, nil
}

func (m *Manager) setupActions() []chromedp.Action {
	var actions []chromedp.Action
	if m.cfg.ViewportWidth > 0 && m.cfg.ViewportHeight > 0 {
		actions = append(actions, emulation.SetDeviceMetricsOverride(int64(m.cfg.ViewportWidth), int64(m.cfg.ViewportHeight), 1, false))
	}
	if m.cfg.FocusEmulation {
		// Pages treat every tab as focused, so inactive tabs keep rendering.
		actions = append(actions, emulation.SetFocusEmulationEnabled(true))
	}
	actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
		if _, err := cdppage.AddScriptToEvaluateOnNewDocument(helperScript).Do(ctx); err != nil {
			return fmt.Errorf("failed to install page helper: %w", err)
		}
		return nil
	}))
	return actions
}

// Shutdown closes every tab and the browser.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	tabs := m.tabs
	m.tabs = nil
	m.mu.Unlock()

	for _, t := range tabs {
		_ = t.Close()
	}

	done := make(chan struct{})
	go func() {
		m.browserCancel()
		m.allocCancel()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("Browser shut down.")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser shutdown interrupted: %w", ctx.Err())
	}
}
