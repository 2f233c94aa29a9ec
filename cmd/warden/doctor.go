package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/warden/internal/config"
	"github.com/alekspetrov/warden/internal/health"
)

func newDoctorCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check dependencies and configuration",
		Long: `Run preflight checks on the CLI tool, credentials, storage and optional
features. Shows what is working, what is missing and how to fix it.

Examples:
  warden doctor
  warden doctor --verbose`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				cfg = config.DefaultConfig()
			}

			report := health.RunChecks(cfg)
			out := cmd.OutOrStdout()

			fmt.Fprintln(out)
			fmt.Fprintln(out, "Warden Health Check")
			fmt.Fprintln(out, "===================")
			fmt.Fprintln(out)

			fmt.Fprintln(out, "Dependencies:")
			for _, d := range report.Dependencies {
				fmt.Fprintf(out, "  %s %-16s %s\n", d.Status.ColorSymbol(), d.Name, d.Message)
				if verbose && d.Fix != "" && d.Status != health.CheckOK {
					fmt.Fprintf(out, "                     → %s\n", d.Fix)
				}
			}
			fmt.Fprintln(out)

			fmt.Fprintln(out, "Features:")
			for _, f := range report.Features {
				note := ""
				if f.Note != "" {
					note = " (" + f.Note + ")"
				}
				fmt.Fprintf(out, "  %s %-16s%s\n", f.Status.ColorSymbol(), f.Name, note)
			}
			fmt.Fprintln(out)

			if report.HasErrors() {
				return fmt.Errorf("preflight checks failed")
			}
			fmt.Fprintln(out, "Ready.")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show fixes for failing checks")
	return cmd
}
