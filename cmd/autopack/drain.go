package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/danshapiro/autopack/internal/drain"
	"github.com/danshapiro/autopack/internal/store"
)

var (
	drainBatchSize          int
	drainPhaseTimeout       int
	drainMaxTotalMinutes    int
	drainMaxTimeoutsPerRun  int
	drainMaxAttemptsPerPh   int
	drainMaxFingerprintReps int
	drainMaxZeroYield       int
	drainResume             bool
)

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Replay FAILED phases in priority order under session budgets",
	Long: `Selects FAILED phases across all runs and replays them until the batch
budget, the time budget, or a stop rule ends the session. Session state is
durable; an interrupted batch continues with --resume. Explicit flags win
over the config file.`,
	RunE: runDrain,
}

func init() {
	drainCmd.Flags().IntVar(&drainBatchSize, "batch-size", 0, "Phase executions per session")
	drainCmd.Flags().IntVar(&drainPhaseTimeout, "phase-timeout", 0, "Per-phase wall clock limit in seconds")
	drainCmd.Flags().IntVar(&drainMaxTotalMinutes, "max-total-minutes", 0, "Session active-time budget in minutes")
	drainCmd.Flags().IntVar(&drainMaxTimeoutsPerRun, "max-timeouts-per-run", 0, "Timeouts before a run is stopped for the session")
	drainCmd.Flags().IntVar(&drainMaxAttemptsPerPh, "max-attempts-per-phase", 0, "Drain attempts per phase per session")
	drainCmd.Flags().IntVar(&drainMaxFingerprintReps, "max-fingerprint-repeats", 0, "Identical failure fingerprints before that fingerprint is stopped")
	drainCmd.Flags().IntVar(&drainMaxZeroYield, "max-consecutive-zero-yield", 0, "Zero-yield executions before the session stops")
	drainCmd.Flags().BoolVar(&drainResume, "resume", false, "Continue the most recent unfinished session")
}

func runDrain(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	f := cmd.Flags()
	if f.Changed("batch-size") {
		cfg.Drain.BatchSize = drainBatchSize
	}
	if f.Changed("phase-timeout") {
		cfg.Drain.PhaseTimeoutSeconds = drainPhaseTimeout
	}
	if f.Changed("max-total-minutes") {
		cfg.Drain.MaxTotalMinutes = drainMaxTotalMinutes
	}
	if f.Changed("max-timeouts-per-run") {
		cfg.Drain.MaxTimeoutsPerRun = drainMaxTimeoutsPerRun
	}
	if f.Changed("max-attempts-per-phase") {
		cfg.Drain.MaxAttemptsPerPhase = drainMaxAttemptsPerPh
	}
	if f.Changed("max-fingerprint-repeats") {
		cfg.Drain.MaxFingerprintRepeats = drainMaxFingerprintReps
	}
	if f.Changed("max-consecutive-zero-yield") {
		cfg.Drain.MaxConsecutiveZeroYield = drainMaxZeroYield
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
		logger.Info("shutdown signal received, session stays resumable")
		cancel()
	}()

	ctrl, err := drain.New(
		drain.Deps{
			Store: eng.store,
			Runners: func(ctx context.Context, run *store.Run) (drain.PhaseRunner, error) {
				return eng.executorFor(run, nil)
			},
			Telemetry: eng.telemetry,
			Logger:    logger,
		},
		drain.Config{
			BatchSize: cfg.Drain.BatchSize,
			Limits: drain.Limits{
				PhaseTimeoutSeconds:     cfg.Drain.PhaseTimeoutSeconds,
				MaxTotalMinutes:         cfg.Drain.MaxTotalMinutes,
				MaxTimeoutsPerRun:       cfg.Drain.MaxTimeoutsPerRun,
				MaxAttemptsPerPhase:     cfg.Drain.MaxAttemptsPerPhase,
				MaxFingerprintRepeats:   cfg.Drain.MaxFingerprintRepeats,
				MaxConsecutiveZeroYield: cfg.Drain.MaxConsecutiveZeroYield,
			},
			ParallelRuns: cfg.Drain.ParallelRuns,
			SessionsDir:  enginePath(cfg, cfg.Drain.SessionsDir),
		},
	)
	if err != nil {
		return err
	}

	var session *drain.Session
	var drainErr error
	if drainResume {
		session, drainErr = ctrl.Resume(ctx)
	} else {
		session, drainErr = ctrl.Drain(ctx)
	}
	if session != nil {
		printSession(session)
	}
	if drainErr != nil {
		logger.Warn("drain session did not finish cleanly", zap.Error(drainErr))
	}
	return drainErr
}

func printSession(s *drain.Session) {
	completed := 0
	for _, r := range s.Results {
		if r.FinalState == string(store.PhaseComplete) {
			completed++
		}
	}
	fmt.Printf("session_id=%s\n", s.SessionID)
	fmt.Printf("results=%d\n", len(s.Results))
	fmt.Printf("completed=%d\n", completed)
	fmt.Printf("batch_size=%d\n", s.BatchSize)
	fmt.Printf("active_s=%.1f\n", s.ActiveSeconds)
	if s.StopReason != "" {
		fmt.Printf("stop_reason=%s\n", s.StopReason)
	}
	if len(s.StoppedRuns) > 0 {
		fmt.Printf("stopped_runs=%s\n", strings.Join(s.StoppedRuns, ","))
	}
	if len(s.StoppedFingerprints) > 0 {
		fmt.Printf("stopped_fingerprints=%s\n", strings.Join(s.StoppedFingerprints, ","))
	}
}
