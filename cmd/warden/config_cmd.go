package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/alekspetrov/warden/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage warden configuration",
		Long: `Create, view and validate the warden configuration file.

Configuration File Location:
  Default: ~/.warden/config.yaml
  Override with --config flag`,
	}

	cmd.AddCommand(
		newConfigInitCmd(),
		newConfigShowCmd(),
		newConfigValidateCmd(),
		newConfigPathCmd(),
	)
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var (
		force         bool
		approverEmail string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config with fresh secrets",
		Long: `Write the default configuration with a random approval pepper and
operator token. An existing file is kept unless --force is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
			}

			cfg := config.DefaultConfig()
			pepper, err := randomSecret(32)
			if err != nil {
				return err
			}
			token, err := randomSecret(24)
			if err != nil {
				return err
			}
			cfg.Approval.Pepper = pepper
			cfg.Approval.ApproverEmail = approverEmail
			cfg.Gateway.OperatorToken = token

			if err := config.Save(cfg, path); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Wrote %s\n", path)
			fmt.Fprintf(out, "  operator token: %s\n", token)
			fmt.Fprintln(out, "Set remote.api_key and notify.smtp before running 'warden serve'.")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config")
	cmd.Flags().StringVar(&approverEmail, "approver", "", "Email address that receives approval links")
	return cmd
}

func randomSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			masked, err := maskSecrets(cfg)
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(masked)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

// maskSecrets returns a copy of cfg with credentials replaced.
func maskSecrets(cfg *config.Config) (*config.Config, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	var c config.Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to copy config: %w", err)
	}

	mask := func(s *string) {
		if *s != "" {
			*s = "********"
		}
	}
	if c.Approval != nil {
		mask(&c.Approval.Pepper)
	}
	if c.Gateway != nil {
		mask(&c.Gateway.OperatorToken)
	}
	if c.Remote != nil {
		mask(&c.Remote.APIKey)
	}
	if c.Jobs != nil {
		mask(&c.Jobs.Token)
	}
	if c.Notify != nil && c.Notify.SMTP != nil {
		mask(&c.Notify.SMTP.Password)
	}
	return &c, nil
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			if _, err := os.Stat(path); os.IsNotExist(err) {
				return fmt.Errorf("config file does not exist: %s", path)
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", path)
			return nil
		},
	}
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show the config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), configPath())
		},
	}
}
