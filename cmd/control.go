package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/sweep-cli/internal/control"
	"github.com/xkilldash9x/sweep-cli/internal/engine"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// controlCall sends one command through a client for the configured socket.
type controlCall func(ctx context.Context, c *control.Client, session string) ([]engine.Status, error)

func newControlCmd(use, short string, call func(clear bool) controlCall) *cobra.Command {
	var (
		clear  bool
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   use + " [session]",
		Short: short,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			var session string
			if len(args) == 1 {
				session = args[0]
			}
			statuses, err := call(clear)(cmd.Context(), control.NewClient(cfg.Control().Socket), session)
			if len(statuses) > 0 {
				if perr := printStatuses(cmd.OutOrStdout(), statuses, asJSON); perr != nil && err == nil {
					err = perr
				}
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print statuses as JSON.")
	if use == control.CommandStop {
		cmd.Flags().BoolVar(&clear, "clear", false, "Also forget that the session was started, so it does not resume after a restart.")
	}
	return cmd
}

func newStartCmd() *cobra.Command {
	return newControlCmd(control.CommandStart, "Starts a session, or every session, in the running process",
		func(bool) controlCall {
			return func(ctx context.Context, c *control.Client, s string) ([]engine.Status, error) { return c.Start(ctx, s) }
		})
}

func newStopCmd() *cobra.Command {
	return newControlCmd(control.CommandStop, "Stops a session, or every session, in the running process",
		func(clear bool) controlCall {
			return func(ctx context.Context, c *control.Client, s string) ([]engine.Status, error) {
				return c.Stop(ctx, s, clear)
			}
		})
}

func newStatusCmd() *cobra.Command {
	return newControlCmd(control.CommandStatus, "Shows whether sessions are running and what they have done",
		func(bool) controlCall {
			return func(ctx context.Context, c *control.Client, s string) ([]engine.Status, error) { return c.Status(ctx, s) }
		})
}

func printStatuses(w io.Writer, statuses []engine.Status, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(statuses)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tRUNNING\tSTARTED\tACTIONS\tLADDER\tLAST ACTION\tTARGET")
	for _, st := range statuses {
		last := "-"
		if !st.LastActionAt.IsZero() {
			last = st.LastActionAt.Local().Format(time.DateTime)
		}
		target := st.Target
		if target == "" {
			target = "-"
		} else {
			target = fmt.Sprintf("#%d %s", st.Ordinal, target)
		}
		fmt.Fprintf(tw, "%s\t%t\t%t\t%d\t%d\t%s\t%s\n",
			st.SessionID, st.Running, st.UserStarted, st.ActionCount, st.LadderPosition, last, target)
	}
	return tw.Flush()
}
