package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sweep-cli/internal/config"
	"github.com/xkilldash9x/sweep-cli/internal/observability"
	"github.com/xkilldash9x/sweep-cli/internal/store"
	"github.com/xkilldash9x/sweep-cli/internal/targets"
)

// withStore opens the configured store for the duration of fn.
func withStore(ctx context.Context, cfg *config.Config, fn func(store.Store) error) error {
	st, err := store.Open(ctx, cfg.Store(), observability.GetLogger())
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer func() { _ = st.Close() }()
	return fn(st)
}

func newTargetsCmd() *cobra.Command {
	targetsCmd := &cobra.Command{
		Use:   "targets",
		Short: "Manages the ordered list of pages sessions work through",
	}
	targetsCmd.AddCommand(newTargetsLoadCmd(), newTargetsAddCmd(), newTargetsListCmd())
	return targetsCmd
}

func newTargetsLoadCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "load [source]",
		Short: "Replaces the list with the targets found in a file or URL",
		Long: `Load reads a plain list (one URL per line), an HTML page (every link) or a
sitemap, and replaces the stored list with it. Without an argument the
configured targets.source is used.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			if len(args) == 1 {
				cfg.SetTargetsSource(args[0])
			}
			tc := cfg.Targets()
			if cmd.Flags().Changed("format") {
				tc.Format = format
			}
			logger := observability.GetLogger()
			return withStore(cmd.Context(), cfg, func(st store.Store) error {
				rot := targets.NewRotator(st, logger)
				if err := loadTargets(cmd.Context(), tc, rot, logger); err != nil {
					return err
				}
				list, err := rot.Snapshot(cmd.Context())
				if err != nil {
					return err
				}
				cmd.Printf("Loaded %d targets.\n", len(list.Targets))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", "auto", "Document format: auto, lines, html or sitemap.")
	return cmd
}

func newTargetsAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <url>...",
		Short: "Appends targets to the end of the list",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			var list []string
			for _, raw := range args {
				u, ok := targets.Normalize(raw, nil)
				if !ok {
					return fmt.Errorf("not an http(s) URL: %q", raw)
				}
				list = append(list, u)
			}
			return withStore(cmd.Context(), cfg, func(st store.Store) error {
				added, err := targets.NewRotator(st, observability.GetLogger()).Append(cmd.Context(), list...)
				if err != nil {
					return err
				}
				observability.GetLogger().Debug("Targets appended.", zap.Int("added", added))
				cmd.Printf("Added %d targets.\n", added)
				return nil
			})
		},
	}
}

func newTargetsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Prints the list and marks the current target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			return withStore(cmd.Context(), cfg, func(st store.Store) error {
				list, err := targets.NewRotator(st, observability.GetLogger()).Snapshot(cmd.Context())
				if err != nil {
					return err
				}
				if len(list.Targets) == 0 {
					cmd.Println("No targets.")
					return nil
				}
				for i, t := range list.Targets {
					marker := " "
					if i == list.Index {
						marker = ">"
					}
					cmd.Printf("%s %3d  %s\n", marker, i, t)
				}
				if list.Index >= len(list.Targets) {
					cmd.Println("List exhausted.")
				}
				return nil
			})
		},
	}
}
