package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/warden/internal/config"
	"github.com/alekspetrov/warden/internal/logging"
	"github.com/alekspetrov/warden/internal/orchestrator"
)

var (
	version = "0.1.0"
	cfgFile string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "warden",
		Short: "Approval-gated task orchestrator for AI coding agents",
		Long: `Warden queues tasks for AI coding agents, gates critical work behind
signed approval links, and runs each task through a configurable pipeline of
remote-model and local-CLI blocks while tracking the CLI's health.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.warden/config.yaml)")

	rootCmd.AddCommand(
		newServeCmd(),
		newTopCmd(),
		newTaskCmd(),
		newDecisionCmd(),
		newHealthCmd(),
		newPipelineCmd(),
		newAgentCmd(),
		newDoctorCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "warden %s\n", version)
		},
	}
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultConfigPath()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openOrchestrator loads the config and opens the orchestrator without
// starting its background work. One-shot commands log warnings to stderr
// so their own output stays clean.
func openOrchestrator() (*orchestrator.Orchestrator, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := logging.Init(commandLogging(cfg.Logging)); err != nil {
		return nil, fmt.Errorf("failed to initialise logging: %w", err)
	}
	return newOrchestrator(cfg)
}

func newOrchestrator(cfg *config.Config) (*orchestrator.Orchestrator, error) {
	o, err := orchestrator.New(cfg)
	if errors.Is(err, config.ErrMissingPepper) {
		return nil, fmt.Errorf("%w (run 'warden config init' first)", err)
	}
	return o, err
}

func commandLogging(base *logging.Config) *logging.Config {
	cfg := logging.DefaultConfig()
	if base != nil {
		c := *base
		cfg = &c
	}
	if cfg.Level != "debug" {
		cfg.Level = "warn"
	}
	if cfg.Output == "" || cfg.Output == "stdout" {
		cfg.Output = "stderr"
	}
	return cfg
}
