// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	Engine() EngineConfig
	Store() StoreConfig
	Targets() TargetsConfig
	Control() ControlConfig

	// Browser Setters
	SetBrowserHeadless(bool)
	SetBrowserTabs(int)

	// Targets Setters
	SetTargetsSource(string)
	SetTargetsFollow(bool)

	// Store Setters
	SetStoreDriver(string)
}

// Config holds the entire application configuration.
// Sections are exported so viper can unmarshal into them; callers should prefer the getters.
type Config struct {
	LoggerCfg  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	BrowserCfg BrowserConfig `mapstructure:"browser" yaml:"browser"`
	EngineCfg  EngineConfig  `mapstructure:"engine" yaml:"engine"`
	StoreCfg   StoreConfig   `mapstructure:"store" yaml:"store"`
	TargetsCfg TargetsConfig `mapstructure:"targets" yaml:"targets"`
	ControlCfg ControlConfig `mapstructure:"control" yaml:"control"`
}

var _ Interface = (*Config)(nil)

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig   { return c.LoggerCfg }
func (c *Config) Browser() BrowserConfig { return c.BrowserCfg }
func (c *Config) Engine() EngineConfig   { return c.EngineCfg }
func (c *Config) Store() StoreConfig     { return c.StoreCfg }
func (c *Config) Targets() TargetsConfig { return c.TargetsCfg }
func (c *Config) Control() ControlConfig { return c.ControlCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetBrowserHeadless(b bool)   { c.BrowserCfg.Headless = b }
func (c *Config) SetBrowserTabs(n int)        { c.BrowserCfg.Tabs = n }
func (c *Config) SetTargetsSource(s string)   { c.TargetsCfg.Source = s }
func (c *Config) SetTargetsFollow(b bool)     { c.TargetsCfg.Follow = b }
func (c *Config) SetStoreDriver(d string)     { c.StoreCfg.Driver = d }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig holds settings for the Chrome instance driven over CDP.
type BrowserConfig struct {
	Headless    bool     `mapstructure:"headless" yaml:"headless"`
	ExecPath    string   `mapstructure:"exec_path" yaml:"exec_path"`
	UserDataDir string   `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	Args        []string `mapstructure:"args" yaml:"args"`
	// Tabs is the number of independent page contexts driven at once.
	Tabs              int           `mapstructure:"tabs" yaml:"tabs"`
	ViewportWidth     int           `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight    int           `mapstructure:"viewport_height" yaml:"viewport_height"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	PostLoadWait      time.Duration `mapstructure:"post_load_wait" yaml:"post_load_wait"`
	// FocusEmulation keeps background tabs from being throttled by the renderer.
	FocusEmulation bool `mapstructure:"focus_emulation" yaml:"focus_emulation"`
}

// EngineConfig configures the action loop and everything it drives.
type EngineConfig struct {
	// Patterns are the case-insensitive alternatives an element's text must contain.
	Patterns []string `mapstructure:"patterns" yaml:"patterns"`
	// ExitPatterns mark a target as having nothing left to act on.
	ExitPatterns []string `mapstructure:"exit_patterns" yaml:"exit_patterns"`
	// Selector picks the interactive element kinds considered during a scan.
	Selector string `mapstructure:"selector" yaml:"selector"`

	MaxIterations        int           `mapstructure:"max_iterations" yaml:"max_iterations"`
	ProactiveReloadEvery int           `mapstructure:"proactive_reload_every" yaml:"proactive_reload_every"`
	ActionLimit          int           `mapstructure:"action_limit" yaml:"action_limit"`
	IdleTimeout          time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ActionDelayMin       time.Duration `mapstructure:"action_delay_min" yaml:"action_delay_min"`
	ActionDelayMax       time.Duration `mapstructure:"action_delay_max" yaml:"action_delay_max"`

	Interaction InteractionConfig `mapstructure:"interaction" yaml:"interaction"`
	Discovery   DiscoveryConfig   `mapstructure:"discovery" yaml:"discovery"`
	Recovery    RecoveryConfig    `mapstructure:"recovery" yaml:"recovery"`
	KeepAlive   KeepAliveConfig   `mapstructure:"keepalive" yaml:"keepalive"`
}

// InteractionConfig tunes the interaction strategy executor.
type InteractionConfig struct {
	Attempts  int           `mapstructure:"attempts" yaml:"attempts"`
	SettleMin time.Duration `mapstructure:"settle_min" yaml:"settle_min"`
	SettleMax time.Duration `mapstructure:"settle_max" yaml:"settle_max"`
	// RatePerMinute caps dispatched interactions; zero disables the limiter.
	RatePerMinute float64 `mapstructure:"rate_per_minute" yaml:"rate_per_minute"`
	Burst         int     `mapstructure:"burst" yaml:"burst"`
}

// DiscoveryConfig tunes the two-phase scroll driver.
type DiscoveryConfig struct {
	FineSteps   int           `mapstructure:"fine_steps" yaml:"fine_steps"`
	CoarseSteps int           `mapstructure:"coarse_steps" yaml:"coarse_steps"`
	SettleDelay time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
}

// RecoveryConfig holds the recovery ladder's bounds and thresholds.
type RecoveryConfig struct {
	RetryBound            int           `mapstructure:"retry_bound" yaml:"retry_bound"`
	RetryPauseMin         time.Duration `mapstructure:"retry_pause_min" yaml:"retry_pause_min"`
	RetryPauseMax         time.Duration `mapstructure:"retry_pause_max" yaml:"retry_pause_max"`
	SoftBound             int           `mapstructure:"soft_bound" yaml:"soft_bound"`
	SoftDistance          int           `mapstructure:"soft_distance" yaml:"soft_distance"`
	SoftWait              time.Duration `mapstructure:"soft_wait" yaml:"soft_wait"`
	ClickFailureThreshold int           `mapstructure:"click_failure_threshold" yaml:"click_failure_threshold"`
	ReloadCap             int           `mapstructure:"reload_cap" yaml:"reload_cap"`
	ClickEpisodeCap       int           `mapstructure:"click_episode_cap" yaml:"click_episode_cap"`
	EmptyAfterReloadCap   int           `mapstructure:"empty_after_reload_cap" yaml:"empty_after_reload_cap"`
	FailedTargetCap       int           `mapstructure:"failed_target_cap" yaml:"failed_target_cap"`
	IdleRechecks          int           `mapstructure:"idle_rechecks" yaml:"idle_rechecks"`
	IdleRecheckMin        time.Duration `mapstructure:"idle_recheck_min" yaml:"idle_recheck_min"`
	IdleRecheckMax        time.Duration `mapstructure:"idle_recheck_max" yaml:"idle_recheck_max"`
}

// KeepAliveConfig controls the heartbeat that keeps an unattended tab active.
type KeepAliveConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	IntervalMin time.Duration `mapstructure:"interval_min" yaml:"interval_min"`
	IntervalMax time.Duration `mapstructure:"interval_max" yaml:"interval_max"`
}

// StoreConfig selects where durable session counters live.
type StoreConfig struct {
	// Driver is one of "memory", "file" or "postgres".
	Driver      string `mapstructure:"driver" yaml:"driver"`
	Dir         string `mapstructure:"dir" yaml:"dir"`
	DatabaseURL string `mapstructure:"database_url" yaml:"-"`
	ClearOnExit bool   `mapstructure:"clear_on_exit" yaml:"clear_on_exit"`
}

// TargetsConfig describes where the ordered target list comes from.
type TargetsConfig struct {
	Source       string        `mapstructure:"source" yaml:"source"`
	Format       string        `mapstructure:"format" yaml:"format"`
	Follow       bool          `mapstructure:"follow" yaml:"follow"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout" yaml:"fetch_timeout"`
}

// ControlConfig configures the local command socket.
type ControlConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Socket  string `mapstructure:"socket" yaml:"socket"`
}

// NewDefaultConfig builds a configuration populated only with defaults.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "sweep")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Browser --
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.tabs", 1)
	v.SetDefault("browser.viewport_width", 1280)
	v.SetDefault("browser.viewport_height", 900)
	v.SetDefault("browser.navigation_timeout", "60s")
	v.SetDefault("browser.post_load_wait", "2s")
	v.SetDefault("browser.focus_emulation", true)

	// -- Engine --
	v.SetDefault("engine.patterns", []string{"decline", "reject", "remove", "отклон", "отказать", "удалить"})
	v.SetDefault("engine.exit_patterns", []string{})
	v.SetDefault("engine.selector", `[role="button"], button, a`)
	v.SetDefault("engine.max_iterations", 500)
	v.SetDefault("engine.proactive_reload_every", 100)
	v.SetDefault("engine.action_limit", 0)
	v.SetDefault("engine.idle_timeout", "90s")
	v.SetDefault("engine.action_delay_min", "3s")
	v.SetDefault("engine.action_delay_max", "4s")

	v.SetDefault("engine.interaction.attempts", 3)
	v.SetDefault("engine.interaction.settle_min", "300ms")
	v.SetDefault("engine.interaction.settle_max", "800ms")
	v.SetDefault("engine.interaction.rate_per_minute", 30.0)
	v.SetDefault("engine.interaction.burst", 1)

	v.SetDefault("engine.discovery.fine_steps", 8)
	v.SetDefault("engine.discovery.coarse_steps", 10)
	v.SetDefault("engine.discovery.settle_delay", "1500ms")

	v.SetDefault("engine.recovery.retry_bound", 1)
	v.SetDefault("engine.recovery.retry_pause_min", "2s")
	v.SetDefault("engine.recovery.retry_pause_max", "3s")
	v.SetDefault("engine.recovery.soft_bound", 2)
	v.SetDefault("engine.recovery.soft_distance", 400)
	v.SetDefault("engine.recovery.soft_wait", "1s")
	v.SetDefault("engine.recovery.click_failure_threshold", 5)
	v.SetDefault("engine.recovery.reload_cap", 3)
	v.SetDefault("engine.recovery.click_episode_cap", 2)
	v.SetDefault("engine.recovery.empty_after_reload_cap", 3)
	v.SetDefault("engine.recovery.failed_target_cap", 2)
	v.SetDefault("engine.recovery.idle_rechecks", 3)
	v.SetDefault("engine.recovery.idle_recheck_min", "2s")
	v.SetDefault("engine.recovery.idle_recheck_max", "3s")

	v.SetDefault("engine.keepalive.enabled", true)
	v.SetDefault("engine.keepalive.interval_min", "3s")
	v.SetDefault("engine.keepalive.interval_max", "4s")

	// -- Store --
	v.SetDefault("store.driver", "file")
	v.SetDefault("store.dir", "~/.sweep/sessions")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.clear_on_exit", false)

	// -- Targets --
	v.SetDefault("targets.source", "")
	v.SetDefault("targets.format", "auto")
	v.SetDefault("targets.follow", false)
	v.SetDefault("targets.fetch_timeout", "30s")

	// -- Control --
	v.SetDefault("control.enabled", true)
	v.SetDefault("control.socket", "~/.sweep/sweep.sock")
}

// NewConfigFromViper unmarshals, expands and validates the configuration held by v.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// The DSN usually carries a password, keep it out of config files.
	_ = v.BindEnv("store.database_url", "SWEEP_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.ExpandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// ExpandPaths resolves a leading "~" in every filesystem path of the configuration.
func (c *Config) ExpandPaths() error {
	paths := []*string{
		&c.LoggerCfg.LogFile,
		&c.BrowserCfg.UserDataDir,
		&c.BrowserCfg.ExecPath,
		&c.StoreCfg.Dir,
		&c.ControlCfg.Socket,
	}
	// Remote sources are URLs, leave them alone.
	if !isRemote(c.TargetsCfg.Source) {
		paths = append(paths, &c.TargetsCfg.Source)
	}
	for _, p := range paths {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("could not expand path '%s': %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

func isRemote(source string) bool {
	lower := strings.ToLower(source)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.BrowserCfg.Tabs <= 0 {
		return fmt.Errorf("browser.tabs must be a positive integer")
	}
	if err := c.EngineCfg.Validate(); err != nil {
		return fmt.Errorf("engine configuration invalid: %w", err)
	}
	if err := c.StoreCfg.Validate(); err != nil {
		return fmt.Errorf("store configuration invalid: %w", err)
	}
	switch c.TargetsCfg.Format {
	case "", "auto", "lines", "html", "sitemap":
	default:
		return fmt.Errorf("targets.format must be one of auto, lines, html, sitemap")
	}
	if c.ControlCfg.Enabled && c.ControlCfg.Socket == "" {
		return fmt.Errorf("control.socket is required when control is enabled")
	}
	return nil
}

// Validate checks the engine configuration.
func (e *EngineConfig) Validate() error {
	if len(e.Patterns) == 0 {
		return fmt.Errorf("patterns must contain at least one alternative")
	}
	if strings.TrimSpace(e.Selector) == "" {
		return fmt.Errorf("selector must not be empty")
	}
	if e.MaxIterations <= 0 {
		return fmt.Errorf("max_iterations must be a positive integer")
	}
	if e.ActionLimit < 0 || e.ProactiveReloadEvery < 0 {
		return fmt.Errorf("action_limit and proactive_reload_every must not be negative")
	}
	if e.ActionDelayMax < e.ActionDelayMin {
		return fmt.Errorf("action_delay_max must be >= action_delay_min")
	}
	if e.Interaction.Attempts <= 0 {
		return fmt.Errorf("interaction.attempts must be a positive integer")
	}
	if e.Interaction.SettleMax < e.Interaction.SettleMin {
		return fmt.Errorf("interaction.settle_max must be >= interaction.settle_min")
	}
	if e.Discovery.FineSteps <= 0 || e.Discovery.CoarseSteps < 0 {
		return fmt.Errorf("discovery.fine_steps must be positive and discovery.coarse_steps non-negative")
	}
	r := e.Recovery
	if r.ClickFailureThreshold <= 0 || r.ReloadCap < 0 || r.FailedTargetCap <= 0 {
		return fmt.Errorf("recovery thresholds must be positive (click_failure_threshold, failed_target_cap) and reload_cap non-negative")
	}
	if r.RetryBound < 0 || r.SoftBound < 0 {
		return fmt.Errorf("recovery.retry_bound and recovery.soft_bound must not be negative")
	}
	if e.KeepAlive.Enabled && e.KeepAlive.IntervalMin <= 0 {
		return fmt.Errorf("keepalive.interval_min must be positive when keepalive is enabled")
	}
	return nil
}

// Validate checks the store configuration.
func (s *StoreConfig) Validate() error {
	switch s.Driver {
	case "memory":
	case "file":
		if s.Dir == "" {
			return fmt.Errorf("store.dir is required for the file driver")
		}
	case "postgres":
		if s.DatabaseURL == "" {
			return fmt.Errorf("store.database_url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store.driver '%s'", s.Driver)
	}
	return nil
}
