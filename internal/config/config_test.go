// File: internal/config/config_test.go
package config

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	// Verify a few key defaults to ensure the mechanism works.
	assert.Equal(t, "info", cfg.Logger().Level)
	assert.Equal(t, 1, cfg.Browser().Tabs)
	assert.Equal(t, 500, cfg.Engine().MaxIterations)
	assert.Equal(t, 100, cfg.Engine().ProactiveReloadEvery)
	assert.Equal(t, 3, cfg.Engine().Interaction.Attempts)
	assert.Equal(t, 5, cfg.Engine().Recovery.ClickFailureThreshold)
	assert.Equal(t, 2, cfg.Engine().Recovery.SoftBound)
	assert.Equal(t, 3, cfg.Engine().Recovery.ReloadCap)
	assert.Equal(t, 1500*time.Millisecond, cfg.Engine().Discovery.SettleDelay)
	assert.Contains(t, cfg.Engine().Patterns, "decline")
	assert.Equal(t, "file", cfg.Store().Driver)
	assert.True(t, cfg.Control().Enabled)
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	t.Run("Core Validation", func(t *testing.T) {
		cfg := NewDefaultConfig()
		require.NoError(t, cfg.Validate(), "defaults should be valid")

		noTabs := *cfg
		noTabs.BrowserCfg.Tabs = 0
		err := noTabs.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "browser.tabs must be a positive integer")

		badFormat := *cfg
		badFormat.TargetsCfg.Format = "csv"
		err = badFormat.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "targets.format")

		noSocket := *cfg
		noSocket.ControlCfg.Socket = ""
		err = noSocket.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "control.socket is required")
	})

	t.Run("Engine Validation", func(t *testing.T) {
		valid := NewDefaultConfig().Engine()
		assert.NoError(t, valid.Validate())

		noPatterns := valid
		noPatterns.Patterns = nil
		err := noPatterns.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "patterns must contain at least one alternative")

		badDelay := valid
		badDelay.ActionDelayMin = 5 * time.Second
		badDelay.ActionDelayMax = time.Second
		err = badDelay.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "action_delay_max")

		noAttempts := valid
		noAttempts.Interaction.Attempts = 0
		err = noAttempts.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "interaction.attempts")

		badThreshold := valid
		badThreshold.Recovery.ClickFailureThreshold = 0
		assert.Error(t, badThreshold.Validate())
	})

	t.Run("Store Validation", func(t *testing.T) {
		assert.NoError(t, (&StoreConfig{Driver: "memory"}).Validate())
		assert.NoError(t, (&StoreConfig{Driver: "file", Dir: "/tmp/x"}).Validate())

		err := (&StoreConfig{Driver: "postgres"}).Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "store.database_url is required")

		err = (&StoreConfig{Driver: "redis"}).Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "unknown store.driver")
	})
}

// -- Factory Function Tests --

func TestNewConfigFromViper(t *testing.T) {
	t.Run("Successful Load from YAML", func(t *testing.T) {
		yamlBytes := []byte(`
engine:
  patterns: ["ignore", "dismiss"]
  exit_patterns: ["no pending requests"]
  recovery:
    reload_cap: 5
browser:
  tabs: 2
store:
  driver: memory
`)
		v := viper.New()
		SetDefaults(v)
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlBytes)))

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)

		assert.Equal(t, []string{"ignore", "dismiss"}, cfg.Engine().Patterns)
		assert.Equal(t, []string{"no pending requests"}, cfg.Engine().ExitPatterns)
		assert.Equal(t, 5, cfg.Engine().Recovery.ReloadCap)
		assert.Equal(t, 2, cfg.Browser().Tabs)
		// Check a default value was also loaded
		assert.Equal(t, 2, cfg.Engine().Recovery.SoftBound)
	})

	t.Run("Validation Failure", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("engine.max_iterations", 0)

		cfg, err := NewConfigFromViper(v)
		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "invalid configuration")
		assert.Contains(t, err.Error(), "max_iterations must be a positive integer")
	})

	t.Run("Environment Variable Binding", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("store.driver", "postgres")

		testDSN := "postgres://envvar/sweep"
		t.Setenv("SWEEP_DATABASE_URL", testDSN)

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, testDSN, cfg.Store().DatabaseURL)
	})

	t.Run("Home Directory Expansion", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("store.dir", "~/sweep-state")
		v.Set("targets.source", "https://example.com/~user/list.txt")

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)

		home, err := homedir.Dir()
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(home, "sweep-state"), cfg.Store().Dir)
		assert.Equal(t, "https://example.com/~user/list.txt", cfg.Targets().Source, "remote sources must not be expanded")
	})
}

func TestSetters(t *testing.T) {
	cfg := NewDefaultConfig()
	var iface Interface = cfg

	iface.SetBrowserHeadless(true)
	iface.SetBrowserTabs(3)
	iface.SetTargetsSource("targets.txt")
	iface.SetTargetsFollow(true)
	iface.SetStoreDriver("memory")

	assert.True(t, cfg.Browser().Headless)
	assert.Equal(t, 3, cfg.Browser().Tabs)
	assert.Equal(t, "targets.txt", cfg.Targets().Source)
	assert.True(t, cfg.Targets().Follow)
	assert.Equal(t, "memory", cfg.Store().Driver)
}
