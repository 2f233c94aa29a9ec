package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/warden/internal/store"
	"github.com/alekspetrov/warden/internal/task"
)

// cliActor is recorded in the audit log for changes made from the command line.
const cliActor = "operator:cli"

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Create, inspect and move tasks",
	}

	cmd.AddCommand(
		newTaskCreateCmd(),
		newTaskListCmd(),
		newTaskShowCmd(),
		newTaskMoveCmd(),
		newTaskResumeCmd(),
		newTaskLogsCmd(),
	)
	return cmd
}

func newTaskCreateCmd() *cobra.Command {
	var (
		description      string
		agentName        string
		critical         bool
		requiresApproval bool
		every            string
		cronExpr         string
	)

	cmd := &cobra.Command{
		Use:   "create <title>",
		Short: "Create a task",
		Long: `Create a task in pending. Critical tasks, and tasks whose title or
description matches a critical keyword, wait for a signed approval link.

Examples:
  warden task create "Update README badges"
  warden task create "Rotate login secrets" --description "..." --agent backend
  warden task create "Nightly dependency audit" --cron "0 3 * * *"
  warden task create "Check flaky tests" --every 6h`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if every != "" && cronExpr != "" {
				return fmt.Errorf("--every and --cron are mutually exclusive")
			}

			o, err := openOrchestrator()
			if err != nil {
				return err
			}
			defer func() { _ = o.Close() }()

			d := task.Draft{
				Title:            args[0],
				Description:      description,
				Critical:         critical,
				RequiresApproval: requiresApproval,
			}
			switch {
			case every != "":
				d.ScheduleType, d.ScheduleExpr = "interval", every
			case cronExpr != "":
				d.ScheduleType, d.ScheduleExpr = "cron", cronExpr
			}
			if agentName != "" {
				agent, err := o.Store().GetAgentByName(agentName)
				if err != nil {
					return fmt.Errorf("agent %q: %w", agentName, err)
				}
				d.AgentID = agent.ID
			}

			t, err := o.CreateTask(context.Background(), d, cliActor)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Created task %d: %s\n", t.ID, t.Title)
			if t.RequiresApproval {
				fmt.Fprintln(out, "  approval required: a decision link has been sent")
			}
			if t.NextRunAt != nil {
				fmt.Fprintf(out, "  next run: %s\n", t.NextRunAt.Local().Format(time.RFC1123))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&description, "description", "d", "", "Task description")
	cmd.Flags().StringVarP(&agentName, "agent", "a", "", "Assign to the named agent")
	cmd.Flags().BoolVar(&critical, "critical", false, "Mark the task critical")
	cmd.Flags().BoolVar(&requiresApproval, "requires-approval", false, "Require an approval decision")
	cmd.Flags().StringVar(&every, "every", "", "Recur at a fixed interval (e.g. 6h)")
	cmd.Flags().StringVar(&cronExpr, "cron", "", "Recur on a cron expression")
	return cmd
}

func newTaskListCmd() *cobra.Command {
	var (
		statuses []string
		limit    int
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := store.TaskFilter{Limit: limit}
			for _, s := range statuses {
				for _, part := range strings.Split(s, ",") {
					st, err := task.ParseStatus(strings.TrimSpace(part))
					if err != nil {
						return err
					}
					filter.Statuses = append(filter.Statuses, st)
				}
			}

			o, err := openOrchestrator()
			if err != nil {
				return err
			}
			defer func() { _ = o.Close() }()

			tasks, err := o.Store().ListTasks(filter)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), tasks)
			}
			printTasks(cmd.OutOrStdout(), tasks)
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "Filter by status (repeatable or comma-separated)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum tasks to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func printTasks(w io.Writer, tasks []*store.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "No tasks.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tSTATUS\tFLAGS\tTITLE\tUPDATED")
	for _, t := range tasks {
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			t.ID, t.Status, taskFlags(t), truncate(t.Title, 48), t.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	_ = tw.Flush()
}

// taskFlags abbreviates the approval and schedule markers of a task.
func taskFlags(t *store.Task) string {
	var flags []string
	if t.IsCritical {
		flags = append(flags, "critical")
	} else if t.RequiresApproval {
		flags = append(flags, "gated")
	}
	if t.IsScheduled() {
		flags = append(flags, t.ScheduleType)
	}
	if len(flags) == 0 {
		return "-"
	}
	return strings.Join(flags, ",")
}

func newTaskShowCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			o, err := openOrchestrator()
			if err != nil {
				return err
			}
			defer func() { _ = o.Close() }()

			t, err := o.Store().GetTask(id)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), t)
			}
			printTask(cmd.OutOrStdout(), t)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func printTask(w io.Writer, t *store.Task) {
	fmt.Fprintf(w, "Task %d: %s\n", t.ID, t.Title)
	fmt.Fprintf(w, "  Status:     %s\n", t.Status)
	fmt.Fprintf(w, "  Flags:      %s\n", taskFlags(t))
	if t.AgentID != 0 {
		fmt.Fprintf(w, "  Agent:      %d\n", t.AgentID)
	}
	if t.IsScheduled() {
		fmt.Fprintf(w, "  Schedule:   %s %s\n", t.ScheduleType, t.ScheduleExpr)
		if t.NextRunAt != nil {
			fmt.Fprintf(w, "  Next run:   %s\n", t.NextRunAt.Local().Format(time.RFC1123))
		}
	}
	if t.ResumeBlockIndex != nil {
		fmt.Fprintf(w, "  Resume at:  block %d\n", *t.ResumeBlockIndex)
	}
	if t.RetryCount > 0 {
		fmt.Fprintf(w, "  Retries:    %d\n", t.RetryCount)
	}
	if t.RemoteJobID != "" {
		fmt.Fprintf(w, "  Remote job: %s\n", t.RemoteJobID)
	}
	if t.LastError != "" {
		fmt.Fprintf(w, "  Last error: %s (%s)\n", truncate(t.LastError, 120), t.LastFailureKind)
	}
	if t.Description != "" {
		fmt.Fprintf(w, "\n%s\n", t.Description)
	}
	if t.ReviewSummary != "" {
		fmt.Fprintf(w, "\nReview:\n%s\n", t.ReviewSummary)
	}
	if t.LastResult != "" {
		fmt.Fprintf(w, "\nResult:\n%s\n", t.LastResult)
	}
}

func newTaskMoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "move <id> <status>",
		Short: "Move a task to another status",
		Long: `Move a task the way an operator would drag it on a board. Moving a
gated task out of pending requires dashboard approvals to be enabled;
otherwise use the approval link.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			to, err := task.ParseStatus(args[1])
			if err != nil {
				return err
			}

			o, err := openOrchestrator()
			if err != nil {
				return err
			}
			defer func() { _ = o.Close() }()

			t, err := o.MoveTask(context.Background(), id, to, cliActor)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Task %d is now %s\n", t.ID, t.Status)
			return nil
		},
	}
}

func newTaskResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <id>",
		Short: "Resume a paused task from its saved block",
		Long: `Resume a task paused by a CLI limit. The run starts at the saved block
regardless of CLI health and runs in this process until the pipeline pauses
again or finishes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			o, err := openOrchestrator()
			if err != nil {
				return err
			}
			defer func() { _ = o.Close() }()

			if err := o.ResumeTask(context.Background(), id); err != nil {
				return err
			}
			o.Scheduler().Wait()

			t, err := o.Store().GetTask(id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Task %d is now %s\n", t.ID, t.Status)
			return nil
		},
	}
}

func newTaskLogsCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "logs <id>",
		Short: "Show the execution log of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			o, err := openOrchestrator()
			if err != nil {
				return err
			}
			defer func() { _ = o.Close() }()

			entries, err := o.Store().ListExecutionLog(id)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), entries)
			}
			printExecutionLog(cmd.OutOrStdout(), entries)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func printExecutionLog(w io.Writer, entries []*store.ExecutionLogEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No blocks have run.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "STARTED\tBLOCK\tBACKEND\tMODEL\tRESULT\tTOOK")
	for _, e := range entries {
		result := "ok"
		switch {
		case e.Verdict != "":
			result = e.Verdict
		case !e.Success:
			result = "failed"
			if e.FailureKind != "" {
				result += " (" + e.FailureKind + ")"
			}
		}
		_, _ = fmt.Fprintf(tw, "%s\t%d %s\t%s\t%s\t%s\t%.1fs\n",
			e.StartedAt.Local().Format("01-02 15:04:05"), e.BlockIndex, e.BlockType,
			e.Backend, e.Model, result, e.DurationSeconds)
	}
	_ = tw.Flush()
}

func parseTaskID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(s, "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid task id %q", s)
	}
	return id, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
