package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/warden/internal/pipelines"
	"github.com/alekspetrov/warden/internal/store"
)

func newPipelineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "List, validate and sync pipelines",
	}
	cmd.AddCommand(newPipelineListCmd(), newPipelineValidateCmd(), newPipelineSyncCmd())
	return cmd
}

func newPipelineListCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pipelines and their blocks",
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := openOrchestrator()
			if err != nil {
				return err
			}
			defer func() { _ = o.Close() }()

			list, err := o.Store().ListPipelines()
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), list)
			}
			printPipelines(cmd.OutOrStdout(), list)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func printPipelines(w io.Writer, list []*store.Pipeline) {
	for i, p := range list {
		if i > 0 {
			fmt.Fprintln(w)
		}
		marker := ""
		if p.Active {
			marker = " (active)"
		}
		fmt.Fprintf(w, "%d %s%s\n", p.ID, p.Name, marker)

		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		for j, b := range p.Blocks {
			_, _ = fmt.Fprintf(tw, "  %d\t%s\t%s\t%s\t%s\n", j, b.Type, dash(b.Config.Executor), dash(b.Config.Model), blockNotes(b))
		}
		_ = tw.Flush()
	}
}

func blockNotes(b store.Block) string {
	var note string
	if b.Config.MaxRetries > 0 {
		note += fmt.Sprintf("max_retries=%d ", b.Config.MaxRetries)
	}
	if b.Config.OnLimit != "" {
		note += "on_limit=" + b.Config.OnLimit + " "
	}
	if b.Config.PassAction != "" {
		note += b.Config.PassAction + " "
	}
	return note
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func newPipelineValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a pipeline definition file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := pipelineFile(args)
			if err != nil {
				return err
			}
			f, err := pipelines.Load(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d pipeline(s) OK\n", path, len(f.Pipelines))
			return nil
		},
	}
}

func newPipelineSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [file]",
		Short: "Load pipeline definitions into the database",
		Long: `Upsert every pipeline in the definition file and bind named agents.
'warden serve' does this on start and, with pipelines.watch, on every change.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := pipelineFile(args)
			if err != nil {
				return err
			}
			f, err := pipelines.Load(path)
			if err != nil {
				return err
			}

			o, err := openOrchestrator()
			if err != nil {
				return err
			}
			defer func() { _ = o.Close() }()

			if err := pipelines.Sync(o.Store(), f); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Synced %d pipeline(s) from %s\n", len(f.Pipelines), path)
			return nil
		},
	}
}

func pipelineFile(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	if cfg.Pipelines == nil || cfg.Pipelines.File == "" {
		return "", fmt.Errorf("no pipeline file given and pipelines.file is not set")
	}
	return cfg.Pipelines.File, nil
}
