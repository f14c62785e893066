package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sweep-cli/internal/config"
	"github.com/xkilldash9x/sweep-cli/internal/observability"
)

type contextKey string

// configKey stores the validated configuration in the command context.
const configKey contextKey = "config"

var cfgFile string

// NewRootCommand builds a fresh command tree. Tests and main each get their own
// instance so flags never leak between executions.
func NewRootCommand() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:          "sweep",
		Short:        "Sweep approves or declines every matching request on an infinitely scrolling page.",
		Version:      Version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			config.SetDefaults(v)
			if err := initializeConfig(cmd, v); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				// Fall back to a console logger so the failure is still reported.
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "sweep"})
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			observability.InitializeLogger(cfg.Logger())
			observability.GetLogger().Debug("Starting sweep", zap.String("version", Version))

			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	cmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	cmd.AddCommand(newRunCmd(v))
	cmd.AddCommand(newStartCmd())
	cmd.AddCommand(newStopCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newTargetsCmd())
	cmd.AddCommand(newSessionCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// Execute runs the command tree with ctx and logs any failure.
func Execute(ctx context.Context) error {
	err := NewRootCommand().ExecuteContext(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		if logger := observability.GetLogger(); logger != nil {
			logger.Error("Command execution failed", zap.Error(err))
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
	}
	observability.Sync()
	return err
}

// initializeConfig reads the config file and environment into v.
func initializeConfig(cmd *cobra.Command, v *viper.Viper) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("SWEEP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

// getConfigFromContext returns the configuration stored by the root command.
func getConfigFromContext(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration is not available")
	}
	return cfg, nil
}
