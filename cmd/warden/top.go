package main

import (
	"context"

	"github.com/spf13/cobra"
)

func newTopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "top",
		Short: "Show CLI health, task counts and recent blocks",
		Long: `Open the terminal monitor against the database without starting the
scheduler. It refreshes every two seconds, so it can watch a separate
'warden serve' process.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := openOrchestrator()
			if err != nil {
				return err
			}
			defer func() { _ = o.Close() }()

			return runDashboard(context.Background(), o)
		},
	}
}
