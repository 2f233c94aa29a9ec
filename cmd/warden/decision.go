package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/warden/internal/approval"
	"github.com/alekspetrov/warden/internal/store"
)

func newDecisionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decision",
		Short: "Request and resolve approval decisions",
	}

	cmd.AddCommand(
		newDecisionRequestCmd(),
		newDecisionResolveCmd(true),
		newDecisionResolveCmd(false),
		newDecisionStatusCmd(),
	)
	return cmd
}

func newDecisionRequestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "request <task-id>",
		Short: "Issue a fresh approval link for a pending task",
		Long: `Issue a new decision for a pending task and notify the approver. Any
earlier pending decision for the task is expired.`,
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

			issued, err := o.RequestApproval(context.Background(), id, cliActor)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Decision %s for task %d\n", issued.Decision.ID, id)
			fmt.Fprintf(out, "  expires: %s\n", issued.Decision.ExpiresAt.Local().Format(time.RFC1123))
			for _, l := range o.Approval().Links(issued.Decision.ID, issued.Token) {
				fmt.Fprintf(out, "  %-8s %s\n", l.Label+":", l.URL)
			}
			return nil
		},
	}
}

func newDecisionResolveCmd(approve bool) *cobra.Command {
	var (
		id      string
		token   string
		comment string
	)

	use, short := "approve", "Approve a decision with its token"
	if !approve {
		use, short = "reject", "Reject a decision with its token"
	}

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := openOrchestrator()
			if err != nil {
				return err
			}
			defer func() { _ = o.Close() }()

			ctx := context.Background()
			if _, err := o.Approval().Verify(ctx, id, token); err != nil {
				return err
			}
			d, err := o.Approval().Apply(ctx, id, approve, approval.Decider{By: cliActor, Comment: comment})
			if err != nil {
				return err
			}
			printDecision(cmd.OutOrStdout(), d)
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Decision ID")
	cmd.Flags().StringVar(&token, "token", "", "Decision token from the link")
	cmd.Flags().StringVar(&comment, "comment", "", "Note stored with the decision")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func newDecisionStatusCmd() *cobra.Command {
	var id, token string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a decision without resolving it",
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := openOrchestrator()
			if err != nil {
				return err
			}
			defer func() { _ = o.Close() }()

			d, err := o.Approval().Status(context.Background(), id, token)
			if err != nil {
				return err
			}
			printDecision(cmd.OutOrStdout(), d)
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Decision ID")
	cmd.Flags().StringVar(&token, "token", "", "Decision token from the link")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func printDecision(w io.Writer, d *store.Decision) {
	fmt.Fprintf(w, "Decision %s: %s\n", d.ID, d.Status)
	fmt.Fprintf(w, "  %s %s/%s\n", d.Action, d.EntityType, d.EntityID)
	fmt.Fprintf(w, "  requested by %s, expires %s\n", d.Requester, d.ExpiresAt.Local().Format(time.RFC1123))
	if d.DecidedAt != nil {
		fmt.Fprintf(w, "  decided by %s at %s\n", d.DecidedBy, d.DecidedAt.Local().Format(time.RFC1123))
	}
}
