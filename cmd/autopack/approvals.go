package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/danshapiro/autopack/internal/autoerr"
	"github.com/danshapiro/autopack/internal/controlplane"
	"github.com/danshapiro/autopack/internal/store"
)

var (
	decideApprove bool
	decideDeny    bool
	decideActor   string
	decideNote    string
)

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "Inspect and decide pending approval tickets",
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List approvals still waiting on a decision",
	RunE:  runApprovalsList,
}

var approvalsDecideCmd = &cobra.Command{
	Use:   "decide <approval-id>",
	Short: "Record an approve or deny decision through the control plane",
	Long: `Posts a decision to the control plane's inbox. The process holding the
ticket picks it up on its next poll, so deciding from another terminal
unblocks a waiting run.`,
	Args: cobra.ExactArgs(1),
	RunE: runApprovalsDecide,
}

func init() {
	approvalsDecideCmd.Flags().BoolVar(&decideApprove, "approve", false, "Approve the ticket")
	approvalsDecideCmd.Flags().BoolVar(&decideDeny, "deny", false, "Deny the ticket")
	approvalsDecideCmd.Flags().StringVar(&decideActor, "actor", "", "Who is deciding")
	approvalsDecideCmd.Flags().StringVar(&decideNote, "note", "", "Context for the audit trail")
	approvalsDecideCmd.MarkFlagsMutuallyExclusive("approve", "deny")
	approvalsDecideCmd.MarkFlagsOneRequired("approve", "deny")
	_ = approvalsDecideCmd.MarkFlagRequired("actor")

	approvalsCmd.AddCommand(approvalsListCmd)
	approvalsCmd.AddCommand(approvalsDecideCmd)
}

func runApprovalsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := store.Open(enginePath(cfg, cfg.Storage.DatabasePath))
	if err != nil {
		return autoerr.Wrap(autoerr.KindConfig, "cli.approvals", err)
	}
	defer func() { _ = st.Close() }()

	pending, err := st.PendingApprovals(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("pending=%d\n", len(pending))
	for _, p := range pending {
		line := fmt.Sprintf("approval_id=%s phase=%s opened=%s",
			p.ApprovalID, p.PhaseID, p.At.UTC().Format(time.RFC3339))
		if p.Detail != "" {
			line += fmt.Sprintf(" detail=%q", p.Detail)
		}
		fmt.Println(line)
	}
	return nil
}

func runApprovalsDecide(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.ControlPlane.BaseURL == "" {
		return autoerr.New(autoerr.KindConfig, "cli.approvals",
			"control_plane.base_url is required to decide approvals")
	}
	client, err := controlplane.New(cfg.ControlPlane.BaseURL,
		controlplane.WithCallTimeout(time.Duration(cfg.ControlPlane.TimeoutMS)*time.Millisecond),
		controlplane.WithLogger(logger),
	)
	if err != nil {
		return autoerr.Wrap(autoerr.KindConfig, "cli.approvals", err)
	}

	status := "APPROVED"
	if decideDeny {
		status = "DENIED"
	}
	decision := controlplane.ApprovalDecision{Status: status, Actor: decideActor, Note: decideNote}
	if err := client.DecideApproval(cmd.Context(), args[0], decision); err != nil {
		return err
	}
	fmt.Printf("approval_id=%s status=%s actor=%s\n", args[0], status, decideActor)
	return nil
}
