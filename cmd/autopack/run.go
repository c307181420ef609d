package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/danshapiro/autopack/internal/autoerr"
	"github.com/danshapiro/autopack/internal/config"
	"github.com/danshapiro/autopack/internal/controlplane"
	"github.com/danshapiro/autopack/internal/executor"
	"github.com/danshapiro/autopack/internal/policy"
	"github.com/danshapiro/autopack/internal/store"
	"github.com/danshapiro/autopack/internal/supervisor"
)

var runPlanPath string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a plan's phases to a terminal run state",
	Long: `Seeds a new run from the plan file and drives it until the run reaches a
terminal state. Phases needing approval park until a decision arrives;
creating the kill switch file (.autopack/KILL under the workspace) aborts
the run between phases.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runPlanPath, "plan", "", "Plan file declaring the run's phases (required)")
	_ = runCmd.MarkFlagRequired("plan")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	plan, err := config.LoadPlan(runPlanPath)
	if err != nil {
		return autoerr.Wrap(autoerr.KindConfig, "cli.plan", err)
	}

	eng, err := openEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	run, err := seedRun(ctx, eng, cfg, plan)
	if err != nil {
		return err
	}
	logger.Info("run seeded",
		zap.String("run_id", run.RunID),
		zap.String("family", run.Family),
		zap.Int("phases", len(plan.Phases)))

	var sup *supervisor.Supervisor
	exec, err := eng.executorFor(run, func() {
		if sup != nil {
			sup.Heartbeat()
		}
	})
	if err != nil {
		return err
	}

	stallTimeout := time.Duration(0)
	if cfg.Execution.StallTimeoutMS != nil {
		stallTimeout = time.Duration(*cfg.Execution.StallTimeoutMS) * time.Millisecond
	}
	sup, err = supervisor.New(
		supervisor.Deps{
			Store:     eng.store,
			Executor:  exec,
			Approvals: eng.approvals,
			Layout:    eng.layout,
			Control:   healthChecker(eng.control),
			Logger:    logger,
		},
		supervisor.Config{
			RunID:        run.RunID,
			Family:       run.Family,
			KillSwitch:   filepath.Join(cfg.Workspace.Root, ".autopack", "KILL"),
			StallTimeout: stallTimeout,
			Callbacks:    runCallbacks(eng),
		},
	)
	if err != nil {
		return err
	}

	res, runErr := sup.Run(ctx)

	fmt.Printf("run_id=%s\n", res.RunID)
	fmt.Printf("state=%s\n", res.State)
	fmt.Printf("phases=%d\n", res.Phases)
	fmt.Printf("completed=%d\n", res.Completed)
	fmt.Printf("failed=%d\n", res.Failed)
	fmt.Printf("blocked=%d\n", res.Blocked)
	if res.Incident != "" {
		fmt.Printf("incident=%s\n", res.Incident)
	}

	switch {
	case runErr != nil:
		return runErr
	case res.QuotaBlocked:
		return autoerr.New(autoerr.KindQuotaBlocked, "cli.run", "run %s has quota-blocked phases", res.RunID)
	case res.State != store.RunDoneSuccess:
		return autoerr.New(autoerr.KindInternal, "cli.run", "run %s finished %s", res.RunID, res.State)
	}
	return nil
}

// seedRun persists the plan as a QUEUED run. Phase ids come from the plan
// when present so re-seeding a repaired plan keeps stable ids.
func seedRun(ctx context.Context, eng *engine, cfg *config.File, plan *config.Plan) (*store.Run, error) {
	run := &store.Run{
		RunID:       ulid.Make().String(),
		ProjectID:   cfg.ProjectID,
		Family:      plan.Family,
		TokenBudget: plan.TokenBudget,
	}
	if err := eng.store.CreateRun(ctx, run); err != nil {
		return nil, autoerr.Wrap(autoerr.KindInternal, "cli.seed", err)
	}
	for i, ph := range plan.Phases {
		id := ph.ID
		if id == "" {
			id = ulid.Make().String()
		}
		maxAttempts := ph.MaxAttempts
		if maxAttempts == 0 {
			maxAttempts = cfg.Execution.MaxAttemptsPerPhase
		}
		complexity, err := policy.ParseComplexity(ph.Complexity)
		if err != nil {
			return nil, autoerr.Wrap(autoerr.KindConfig, "cli.seed", err)
		}
		p := &store.Phase{
			PhaseID:      id,
			RunID:        run.RunID,
			PhaseIndex:   i,
			Goal:         ph.Goal,
			Category:     policy.ParseCategory(ph.Category),
			Complexity:   complexity,
			Deliverables: ph.Deliverables,
			Scope: store.Scope{
				AllowedPaths:    ph.AllowedPaths,
				ReadonlyContext: ph.ReadonlyContext,
				ProtectedPaths:  ph.ProtectedPaths,
			},
			MaxAttempts: maxAttempts,
		}
		if err := eng.store.CreatePhase(ctx, p); err != nil {
			return nil, autoerr.Wrap(autoerr.KindInternal, "cli.seed", err)
		}
	}
	return eng.store.GetRun(ctx, run.RunID)
}

// runCallbacks mirrors run progress to the control plane and surfaces
// approval tickets on stdout. All posts are best-effort: the local store is
// authoritative and a dead control plane must not stop the run.
func runCallbacks(eng *engine) supervisor.Callbacks {
	mirror := func(u controlplane.StatusUpdate) {
		if eng.control == nil {
			return
		}
		if err := eng.control.UpdateStatus(context.Background(), u); err != nil {
			logger.Debug("status mirror failed", zap.Error(err))
		}
	}
	return supervisor.Callbacks{
		OnPhaseStart: func(phase *store.Phase) {
			mirror(controlplane.StatusUpdate{
				RunID:   phase.RunID,
				PhaseID: phase.PhaseID,
				State:   string(store.PhaseExecuting),
				Detail:  phase.Goal,
			})
		},
		OnPhaseDone: func(phase *store.Phase, res *executor.PhaseResult) {
			mirror(controlplane.StatusUpdate{
				RunID:   phase.RunID,
				PhaseID: phase.PhaseID,
				State:   string(phase.State),
				Detail:  phase.LastFailureReason,
			})
		},
		OnApprovalRequested: func(phaseID, approvalID string) {
			fmt.Printf("approval_pending=%s phase=%s\n", approvalID, phaseID)
			if eng.control == nil {
				return
			}
			tk, err := eng.approvals.Poll(context.Background(), approvalID)
			if err != nil {
				logger.Warn("approval lookup failed", zap.String("approval_id", approvalID), zap.Error(err))
				return
			}
			err = eng.control.OpenApproval(context.Background(), controlplane.ApprovalOpen{
				ApprovalID:       tk.ApprovalID,
				RunID:            tk.Request.RunID,
				PhaseID:          tk.Request.PhaseID,
				RiskLevel:        tk.Request.RiskLevel,
				DecisionCategory: tk.Request.DecisionCategory,
				Reason:           tk.Request.Reason,
			})
			if err != nil {
				logger.Warn("approval announce failed", zap.String("approval_id", approvalID), zap.Error(err))
			}
		},
		OnRunFinished: func(run *store.Run) {
			mirror(controlplane.StatusUpdate{
				RunID: run.RunID,
				State: string(run.State),
			})
		},
	}
}

// healthChecker narrows the optional client to the supervisor's interface
// without turning a nil *Client into a non-nil interface value.
func healthChecker(c *controlplane.Client) supervisor.HealthChecker {
	if c == nil {
		return nil
	}
	return c
}
