package main

import (
	"fmt"
	"strconv"

	"posvault/internal/model"

	"github.com/spf13/cobra"
)

// workflow command
var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Inspect and control workflows",
}

var workflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent workflows",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd, "ListWorkflows")
		if err != nil {
			return err
		}
		defer a.Close()

		wfs, err := a.Workflows(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(wfs) == 0 {
			fmt.Println("No workflows.")
			return nil
		}
		for _, wf := range wfs {
			printWorkflow(wf)
		}
		return nil
	},
}

var workflowShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show a workflow and its steps",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseWorkflowID(args[0])
		if err != nil {
			return err
		}

		a, err := newApp(cmd, "ShowWorkflow")
		if err != nil {
			return err
		}
		defer a.Close()

		d, err := a.Workflow(cmd.Context(), id)
		if err != nil {
			return err
		}
		printWorkflow(d.Workflow)
		if d.Phase != "" {
			fmt.Printf("  phase: %s\n", d.Phase)
		}
		if d.Workflow.Error != "" {
			fmt.Printf("  error: %s\n", d.Workflow.Error)
		}
		for _, s := range d.Steps {
			fmt.Printf("  %2d  %-20s  %-11s  retries:%d", s.Sequence, s.StepType, s.Status, s.RetryCount)
			if s.Error != "" {
				fmt.Printf("  %s", s.Error)
			}
			fmt.Println()
		}
		return nil
	},
}

var workflowResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume workflows an interrupted run left unfinished",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "ResumeWorkflows")
		if err != nil {
			return err
		}
		defer a.Close()

		wfs, err := a.ResumeWorkflows(cmd.Context())
		if err != nil {
			return err
		}
		if len(wfs) == 0 {
			fmt.Println("Nothing to resume.")
			return nil
		}
		for _, wf := range wfs {
			printWorkflow(wf)
		}
		return nil
	},
}

var workflowCancelCmd = &cobra.Command{
	Use:   "cancel ID",
	Short: "Cancel a workflow before its next step",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseWorkflowID(args[0])
		if err != nil {
			return err
		}

		a, err := newApp(cmd, "CancelWorkflow", args[0])
		if err != nil {
			return err
		}
		defer a.Close()

		wf, err := a.CancelWorkflow(cmd.Context(), id)
		if err != nil {
			return err
		}
		printWorkflow(wf)
		return nil
	},
}

// outbox command
var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Manage artifacts waiting for delivery",
}

var outboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued artifacts",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "ListOutbox")
		if err != nil {
			return err
		}
		defer a.Close()

		items, err := a.Outbox()
		if err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Println("Outbox is empty.")
			return nil
		}
		for _, it := range items {
			fmt.Printf("%s  %d bytes  queued %s  attempts:%d  %s\n",
				it.Name, it.Size, it.QueuedAt.Local().Format(timeLayout), it.Attempts, it.LastErr)
		}
		return nil
	},
}

var outboxFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Deliver queued artifacts to the vaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "FlushOutbox")
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.FlushOutbox(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Delivered %d artifact(s), %d remaining.\n", res.Delivered, res.Remaining)
		return nil
	},
}

var outboxRemoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "List artifacts this host has in the vaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "ListRemote")
		if err != nil {
			return err
		}
		defer a.Close()

		names, err := a.RemoteArtifacts(cmd.Context())
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	},
}

func parseWorkflowID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid workflow id %q", s)
	}
	return id, nil
}

func printWorkflow(wf *model.Workflow) {
	fmt.Printf("#%d  %-9s  %-11s  %s  retries:%d/%d  %s\n",
		wf.ID,
		wf.Type,
		wf.Status,
		wf.CreatedAt.Local().Format(timeLayout),
		wf.RetryCount,
		wf.MaxRetries,
		wf.Name,
	)
}

func init() {
	workflowCmd.AddCommand(workflowListCmd)
	workflowListCmd.Flags().IntP("limit", "n", 20, "Maximum number of workflows to show")
	workflowCmd.AddCommand(workflowShowCmd)
	workflowCmd.AddCommand(workflowResumeCmd)
	workflowCmd.AddCommand(workflowCancelCmd)
	rootCmd.AddCommand(workflowCmd)

	outboxCmd.AddCommand(outboxListCmd)
	outboxCmd.AddCommand(outboxFlushCmd)
	outboxCmd.AddCommand(outboxRemoteCmd)
	rootCmd.AddCommand(outboxCmd)
}
