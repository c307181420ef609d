package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/danshapiro/autopack/internal/autoerr"
	"github.com/danshapiro/autopack/internal/pendmoves"
	"github.com/danshapiro/autopack/internal/tidy"
)

var (
	tidyExecute bool
	tidyDryRun  bool
)

var tidyCmd = &cobra.Command{
	Use:   "tidy",
	Short: "Consolidate loose root artifacts into SOT and archive buckets",
	Long: `Classifies loose files and directories at the workspace root and moves
them into the SOT and archive trees, recording every move in a content-hash
ledger. Repeated passes add nothing twice. Without --execute the plan is
printed and nothing moves.`,
	RunE: runTidy,
}

func init() {
	tidyCmd.Flags().BoolVar(&tidyExecute, "execute", false, "Perform the planned moves")
	tidyCmd.Flags().BoolVar(&tidyDryRun, "dry-run", false, "Plan only (default)")
	tidyCmd.MarkFlagsMutuallyExclusive("execute", "dry-run")
}

func runTidy(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pol, err := loadPolicies(cfg)
	if err != nil {
		return err
	}
	queue, err := pendmoves.Open(enginePath(cfg, cfg.PendingMoves.QueuePath),
		pendmoves.WithMaxRetries(cfg.PendingMoves.MaxRetries),
		pendmoves.WithMaxAge(time.Duration(cfg.PendingMoves.MaxAgeDays)*24*time.Hour),
		pendmoves.WithLogger(logger),
	)
	if err != nil {
		return autoerr.Wrap(autoerr.KindConfig, "cli.tidy", err)
	}

	dryRun := !tidyExecute
	ctx := cmd.Context()

	if !dryRun {
		stats, err := queue.Drain(ctx, nil)
		if err != nil {
			return err
		}
		if stats.Due > 0 {
			fmt.Printf("queue_due=%d queue_succeeded=%d queue_failed=%d queue_abandoned=%d\n",
				stats.Due, stats.Succeeded, stats.Failed, stats.Abandoned)
		}
	}

	cons, err := tidy.New(cfg.Workspace.Root, pol.GetProtectionPolicy(),
		tidy.WithSOTRoot(cfg.Tidy.SOTRoot),
		tidy.WithArchiveRoot(cfg.Tidy.ArchiveRoot),
		tidy.WithActiveDB(filepath.Base(cfg.Storage.DatabasePath)),
		tidy.WithMoveQueue(queue),
		tidy.WithLogger(logger),
	)
	if err != nil {
		return autoerr.Wrap(autoerr.KindConfig, "cli.tidy", err)
	}

	plan, report, err := cons.Run(ctx, dryRun)
	if err != nil {
		return err
	}
	fmt.Printf("planned=%d skipped=%d\n", len(plan.Moves), len(plan.Skips))
	for _, mv := range plan.Moves {
		fmt.Printf("move kind=%s class=%s src=%s dest=%s\n", mv.Kind, mv.Class, mv.Src, mv.Dest)
	}
	if report != nil {
		fmt.Printf("moved=%d dropped=%d queued=%d ledger_adds=%d failed=%d\n",
			report.Moved, report.Dropped, report.Queued, report.LedgerAdds, len(report.Failed))
		for _, f := range report.Failed {
			fmt.Printf("failed %s\n", f)
		}
	}
	return nil
}
