package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/warden/internal/store"
)

func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage agents",
	}
	cmd.AddCommand(newAgentAddCmd(), newAgentListCmd())
	return cmd
}

func newAgentAddCmd() *cobra.Command {
	var role, runtime, model string

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Register an agent and write its default prompt documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := openOrchestrator()
			if err != nil {
				return err
			}
			defer func() { _ = o.Close() }()

			if runtime != store.RuntimePipeline && runtime != store.RuntimeJob {
				return fmt.Errorf("unknown runtime %q", runtime)
			}
			a := &store.Agent{Name: args[0], Role: role, Runtime: runtime, Model: model}
			if err := o.CreateAgent(context.Background(), a); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created agent %d: %s\n", a.ID, a.Name)
			fmt.Fprintf(cmd.OutOrStdout(), "  prompts: %s\n", o.Prompts().AgentDir(a.Name))
			return nil
		},
	}

	cmd.Flags().StringVar(&role, "role", "developer", "Agent role (developer, reviewer, ...)")
	cmd.Flags().StringVar(&runtime, "runtime", store.RuntimePipeline, "Runtime: pipeline or job")
	cmd.Flags().StringVar(&model, "model", "", "Model override for the agent")
	return cmd
}

func newAgentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := openOrchestrator()
			if err != nil {
				return err
			}
			defer func() { _ = o.Close() }()

			agents, err := o.Store().ListAgents()
			if err != nil {
				return err
			}
			if len(agents) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No agents.")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tNAME\tROLE\tRUNTIME\tMODEL\tPIPELINE")
			for _, a := range agents {
				pipeline := "default"
				if a.PipelineID != 0 {
					pipeline = fmt.Sprint(a.PipelineID)
				}
				_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", a.ID, a.Name, dash(a.Role), dash(a.Runtime), dash(a.Model), pipeline)
			}
			return tw.Flush()
		},
	}
}
