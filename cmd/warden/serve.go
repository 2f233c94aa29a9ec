package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/alekspetrov/warden/internal/dashboard"
	"github.com/alekspetrov/warden/internal/logging"
	"github.com/alekspetrov/warden/internal/orchestrator"
)

func newServeCmd() *cobra.Command {
	var (
		withDashboard bool
		port          int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the gateway",
		Long: `Run warden in the foreground: the dispatch, poll, resume and routine
jobs plus the HTTP gateway serving approval links, the operator API and the
event websocket.

Examples:
  warden serve
  warden serve --port 9000
  warden serve --dashboard`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Gateway.Port = port
			}
			if err := logging.Init(cfg.Logging); err != nil {
				return fmt.Errorf("failed to initialise logging: %w", err)
			}

			o, err := newOrchestrator(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if err := o.Start(ctx); err != nil {
				_ = o.Close()
				return fmt.Errorf("failed to start: %w", err)
			}

			if withDashboard {
				err := runDashboard(ctx, o)
				_ = o.Stop()
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "warden listening on %s (Ctrl+C to stop)\n", cfg.Gateway.Addr())

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			<-sigCh

			fmt.Fprintln(cmd.OutOrStdout(), "\nShutting down...")
			return o.Stop()
		},
	}

	cmd.Flags().BoolVar(&withDashboard, "dashboard", false, "Show the terminal monitor while serving")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Override gateway.port")
	return cmd
}

// runDashboard shows the terminal monitor until the operator quits.
func runDashboard(ctx context.Context, o *orchestrator.Orchestrator) error {
	logging.Suppress()

	model := dashboard.NewModel(version, dashboard.StoreSource{Store: o.Store(), Monitor: o.Monitor()})
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := program.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("dashboard error: %w", err)
	}
	return nil
}
