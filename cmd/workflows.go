package cmd

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

var workflowsStatus string

var workflowsCmd = &cobra.Command{
	Use:   "workflows",
	Short: "Inspect and control workflows",
}

var workflowsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workflows",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/workflows"
		if workflowsStatus != "" {
			path += "?status=" + url.QueryEscape(workflowsStatus)
		}
		var out any
		if err := newAPIClient().get(path, &out); err != nil {
			return err
		}
		return printJSON(out)
	},
}

var workflowsGetCmd = &cobra.Command{
	Use:   "get <workflow-id>",
	Short: "Show one workflow's full state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out any
		if err := newAPIClient().get("/workflows/"+url.PathEscape(args[0]), &out); err != nil {
			return err
		}
		return printJSON(out)
	},
}

var workflowsCancelCmd = &cobra.Command{
	Use:   "cancel <workflow-id> [reason]",
	Short: "Cancel a workflow",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason := "cancelled via CLI"
		if len(args) == 2 {
			reason = args[1]
		}
		body := map[string]string{"reason": reason}
		if err := newAPIClient().post("/workflows/"+url.PathEscape(args[0])+"/cancel", body, nil); err != nil {
			return err
		}
		fmt.Println("cancelled")
		return nil
	},
}

var workflowsAuditCmd = &cobra.Command{
	Use:   "audit <workflow-id>",
	Short: "Show a workflow's audit trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out any
		if err := newAPIClient().get("/workflows/"+url.PathEscape(args[0])+"/audit", &out); err != nil {
			return err
		}
		return printJSON(out)
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <workflow-id> <approve|reject|request_revision>",
	Short: "Submit an approval decision",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		approver, _ := cmd.Flags().GetString("approver")
		comment, _ := cmd.Flags().GetString("comment")
		body := map[string]string{
			"decision": args[1],
			"approver": approver,
			"comment":  comment,
		}
		if err := newAPIClient().post("/workflows/"+url.PathEscape(args[0])+"/approvals", body, nil); err != nil {
			return err
		}
		fmt.Println("decision recorded")
		return nil
	},
}

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List registered agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		var out any
		if err := newAPIClient().get("/agents", &out); err != nil {
			return err
		}
		return printJSON(out)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show fabric counters, latency quantiles, and queue gauges",
	RunE: func(cmd *cobra.Command, args []string) error {
		var out any
		if err := newAPIClient().get("/stats", &out); err != nil {
			return err
		}
		return printJSON(out)
	},
}

func init() {
	workflowsListCmd.Flags().StringVar(&workflowsStatus, "status", "", "filter by status")
	approveCmd.Flags().String("approver", "cli", "approver identity")
	approveCmd.Flags().String("comment", "", "decision comment")

	workflowsCmd.AddCommand(workflowsListCmd, workflowsGetCmd, workflowsCancelCmd, workflowsAuditCmd)
	rootCmd.AddCommand(workflowsCmd, approveCmd, agentsCmd, statsCmd)
}
