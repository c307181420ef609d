package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/danshapiro/autopack/internal/artifacts"
	"github.com/danshapiro/autopack/internal/autoerr"
	"github.com/danshapiro/autopack/internal/workspace"
)

var verifyCmd = &cobra.Command{
	Use:   "verify-workspace",
	Short: "Check workspace and artifact tree structure",
	Long: `Validates the workspace (git repo, lease freshness) and the artifact
tree (runs/<family>/<run_id>/<kind>) against the layout contract. Any
violation is printed and the command exits with status 4.`,
	RunE: runVerify,
}

func runVerify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	layout, err := artifacts.NewLayout(enginePath(cfg, cfg.Storage.ArtifactsRoot))
	if err != nil {
		return autoerr.Wrap(autoerr.KindConfig, "cli.verify", err)
	}
	checker, err := workspace.NewChecker(cfg.Workspace.Root, layout)
	if err != nil {
		return autoerr.Wrap(autoerr.KindConfig, "cli.verify", err)
	}

	rep, err := checker.Verify(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("workspace=%s\n", rep.WorkspaceRoot)
	fmt.Printf("artifacts=%s\n", rep.ArtifactsRoot)
	fmt.Printf("runs_checked=%d\n", rep.RunsChecked)
	fmt.Printf("violations=%d\n", len(rep.Violations))
	for _, v := range rep.Violations {
		line := fmt.Sprintf("violation rule=%s path=%s", v.Rule, v.Path)
		if v.Detail != "" {
			line += " detail=" + fmt.Sprintf("%q", v.Detail)
		}
		fmt.Println(line)
	}
	if !rep.Clean() {
		return fmt.Errorf("%w: %d found", errStructure, len(rep.Violations))
	}
	return nil
}
