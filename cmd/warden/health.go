package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/warden/internal/health"
)

func newHealthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Inspect or reset the CLI circuit breaker",
	}
	cmd.AddCommand(newHealthStatusCmd(), newHealthResetCmd())
	return cmd
}

func newHealthStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the CLI health record",
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := openOrchestrator()
			if err != nil {
				return err
			}
			defer func() { _ = o.Close() }()

			snap, err := o.Monitor().Snapshot()
			if err != nil {
				return err
			}
			printHealth(cmd.OutOrStdout(), snap)
			return nil
		},
	}
}

func newHealthResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Force the CLI back to HEALTHY",
		Long: `Reset the circuit breaker to HEALTHY and clear the failure counter. This
is the only way out of AUTH_FAILED once the credential has been fixed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := openOrchestrator()
			if err != nil {
				return err
			}
			defer func() { _ = o.Close() }()

			if err := o.ResetHealth(context.Background(), cliActor); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "CLI health reset to HEALTHY")
			return nil
		},
	}
}

func printHealth(w io.Writer, s health.Snapshot) {
	usable := "usable"
	if !s.State.Usable() {
		usable = "not usable"
	}
	fmt.Fprintf(w, "CLI health: %s (%s)\n", s.State, usable)
	fmt.Fprintf(w, "  consecutive failures: %d\n", s.ConsecutiveFailures)
	if s.LastFailureAt != nil {
		fmt.Fprintf(w, "  last failure:         %s ago (%s)\n",
			time.Since(*s.LastFailureAt).Round(time.Second), s.LastFailureKind)
	}
	if s.LastError != "" {
		fmt.Fprintf(w, "  last error:           %s\n", truncate(s.LastError, 100))
	}
	if s.DailyResetAt != nil {
		fmt.Fprintf(w, "  daily reset at:       %s\n", s.DailyResetAt.Local().Format(time.RFC1123))
	}
	if s.LastResetAt != nil {
		fmt.Fprintf(w, "  last reset:           %s\n", s.LastResetAt.Local().Format(time.RFC1123))
	}
}
