package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/sweep-cli/internal/store"
)

func newSessionCmd() *cobra.Command {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Inspects or clears durable session counters",
	}
	sessionCmd.AddCommand(newSessionListCmd(), newSessionClearCmd())
	return sessionCmd
}

func newSessionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Lists stored sessions and their counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			return withStore(cmd.Context(), cfg, func(st store.Store) error {
				recs, err := st.List(cmd.Context())
				if err != nil {
					return err
				}
				if len(recs) == 0 {
					cmd.Println("No sessions.")
					return nil
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "SESSION\tSTARTED\tACTIONS\tCLICK FAIL\tEMPTY\tRELOADS\tFAILED TARGETS\tUPDATED")
				for _, r := range recs {
					updated := "-"
					if !r.UpdatedAt.IsZero() {
						updated = r.UpdatedAt.Local().Format(time.DateTime)
					}
					fmt.Fprintf(tw, "%s\t%t\t%d\t%d\t%d\t%d\t%d\t%s\n",
						r.SessionID, r.UserStarted, r.ActionCount, r.ClickFailures,
						r.EmptyDiscoveries, r.ReloadAttempts, r.FailedTargets, updated)
				}
				return tw.Flush()
			})
		},
	}
}

func newSessionClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear <session>",
		Short: "Deletes a session's counters",
		Long: `Clear deletes the durable counters of a session whose tab has gone away.
Clearing a session that is still running only resets it: the loop writes a
fresh record on its next save.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			id := args[0]
			if err := store.ValidateID(id); err != nil {
				return err
			}
			return withStore(cmd.Context(), cfg, func(st store.Store) error {
				err := st.Delete(cmd.Context(), id)
				if errors.Is(err, store.ErrNotFound) {
					cmd.Printf("Session %s has no stored counters.\n", id)
					return nil
				}
				if err != nil {
					return err
				}
				cmd.Printf("Cleared session %s.\n", id)
				return nil
			})
		},
	}
}
