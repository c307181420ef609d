package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/danshapiro/autopack/internal/apply"
	"github.com/danshapiro/autopack/internal/approval"
	"github.com/danshapiro/autopack/internal/artifacts"
	"github.com/danshapiro/autopack/internal/autoerr"
	"github.com/danshapiro/autopack/internal/baseline"
	"github.com/danshapiro/autopack/internal/config"
	"github.com/danshapiro/autopack/internal/controlplane"
	"github.com/danshapiro/autopack/internal/executor"
	"github.com/danshapiro/autopack/internal/finalizer"
	"github.com/danshapiro/autopack/internal/governance"
	"github.com/danshapiro/autopack/internal/llm"
	"github.com/danshapiro/autopack/internal/memory"
	"github.com/danshapiro/autopack/internal/pendmoves"
	"github.com/danshapiro/autopack/internal/policy"
	"github.com/danshapiro/autopack/internal/router"
	"github.com/danshapiro/autopack/internal/store"
	"github.com/danshapiro/autopack/internal/telemetry"
)

// engine is the wiring shared by the commands that execute phases. Everything
// here is process-wide; the pieces bound to one run (applier family, test
// baseline, finalizer, executor) are built per run in executorFor.
type engine struct {
	cfg       *config.File
	store     *store.Store
	layout    *artifacts.Layout
	policies  *policy.Store
	telemetry *telemetry.Sink
	approvals *approval.Gateway
	control   *controlplane.Client // nil when control_plane.base_url is unset
	moves     *pendmoves.Queue
	probe     *router.MemoryProbe
	router    *router.Router
	scorer    *governance.Scorer
	builder   *llm.Builder
	auditor   *llm.Auditor
	retriever memory.Retriever
}

func openEngine(cfg *config.File) (*engine, error) {
	st, err := store.Open(enginePath(cfg, cfg.Storage.DatabasePath))
	if err != nil {
		return nil, autoerr.Wrap(autoerr.KindConfig, "cli.store", err)
	}
	e := &engine{cfg: cfg, store: st}

	if e.layout, err = artifacts.NewLayout(enginePath(cfg, cfg.Storage.ArtifactsRoot)); err != nil {
		st.Close()
		return nil, autoerr.Wrap(autoerr.KindConfig, "cli.artifacts", err)
	}
	if e.policies, err = loadPolicies(cfg); err != nil {
		st.Close()
		return nil, err
	}
	e.telemetry = telemetry.NewSink(st, e.layout, *cfg.Telemetry.Enabled, logger)

	if cfg.ControlPlane.BaseURL != "" {
		e.control, err = controlplane.New(cfg.ControlPlane.BaseURL,
			controlplane.WithCallTimeout(time.Duration(cfg.ControlPlane.TimeoutMS)*time.Millisecond),
			controlplane.WithLogger(logger))
		if err != nil {
			st.Close()
			return nil, autoerr.Wrap(autoerr.KindConfig, "cli.controlplane", err)
		}
	}

	gwOpts := []approval.Option{
		approval.WithTimeout(time.Duration(cfg.Approvals.WaitTimeoutMS) * time.Millisecond),
		approval.WithAudit(st),
		approval.WithAutoDecider(approval.AutoDecider{Enabled: cfg.Approvals.AutoApprove}),
		approval.WithLogger(logger),
	}
	if e.control != nil {
		gwOpts = append(gwOpts, approval.WithRemote(e.control))
	}
	e.approvals = approval.NewGateway(gwOpts...)

	e.moves, err = pendmoves.Open(enginePath(cfg, cfg.PendingMoves.QueuePath),
		pendmoves.WithMaxRetries(cfg.PendingMoves.MaxRetries),
		pendmoves.WithMaxAge(time.Duration(cfg.PendingMoves.MaxAgeDays)*24*time.Hour),
		pendmoves.WithLogger(logger))
	if err != nil {
		st.Close()
		return nil, autoerr.Wrap(autoerr.KindConfig, "cli.pendmoves", err)
	}

	e.probe = router.NewMemoryProbe()
	if e.router, err = router.New(e.policies, router.WithProbe(e.probe), router.WithLogger(logger)); err != nil {
		st.Close()
		return nil, autoerr.Wrap(autoerr.KindConfig, "cli.router", err)
	}
	e.scorer = governance.NewScorer(e.policies, governance.WithLogger(logger))

	if cfg.LLM.GatewayURL == "" {
		st.Close()
		return nil, autoerr.New(autoerr.KindConfig, "cli.llm", "llm.gateway_url is required to execute phases")
	}
	gateway, err := llm.NewGatewayClient(cfg.LLM.GatewayURL, time.Duration(cfg.LLM.TimeoutMS)*time.Millisecond)
	if err != nil {
		st.Close()
		return nil, autoerr.Wrap(autoerr.KindConfig, "cli.llm", err)
	}
	client := llm.NewRetryingClient(gateway, logger)
	e.builder = llm.NewBuilder(client)
	e.auditor = llm.NewAuditor(client)

	e.retriever = memory.FromConfig(cfg, logger)
	return e, nil
}

func (e *engine) Close() {
	if err := e.store.Close(); err != nil {
		logger.Warn("store close failed", zap.Error(err))
	}
}

// executorFor builds the per-run execution stack. The test baseline and the
// finalizer wrapping it are fresh per run so one run's T0 failures never leak
// into another's gates.
func (e *engine) executorFor(run *store.Run, heartbeat func()) (*executor.Executor, error) {
	applier, err := apply.New(e.cfg.Workspace.Root, e.policies,
		apply.WithLayout(e.layout, run.Family),
		apply.WithMoveQueue(e.moves),
		apply.WithLogger(logger))
	if err != nil {
		return nil, autoerr.Wrap(autoerr.KindConfig, "cli.apply", err)
	}
	tests, err := baseline.NewCommandRunner(e.cfg.Workspace.Root, e.cfg.Tests.Command,
		time.Duration(e.cfg.Tests.TimeoutMS)*time.Millisecond)
	if err != nil {
		return nil, autoerr.Wrap(autoerr.KindConfig, "cli.tests", err)
	}
	tracker := baseline.NewTracker(tests, baseline.WithLogger(logger))

	deps := executor.Deps{
		Store:     e.store,
		Policies:  e.policies,
		Router:    e.router,
		Probe:     e.probe,
		Scorer:    e.scorer,
		Approvals: e.approvals,
		Applier:   applier,
		Tracker:   tracker,
		Tests:     tests,
		Builder:   e.builder,
		Auditor:   e.auditor,
		Finalizer: finalizer.New(tracker, finalizer.WithLogger(logger)),
		Telemetry: e.telemetry,
		Retriever: e.retriever,
		Layout:    e.layout,
		Logger:    logger,
	}
	if e.control != nil {
		deps.Control = resultsPoster{e.control}
	}
	cfg := executor.Config{
		ProjectID:         e.cfg.ProjectID,
		Family:            run.Family,
		WorkspaceRoot:     e.cfg.Workspace.Root,
		PhaseTimeout:      time.Duration(e.cfg.Execution.PhaseTimeoutSeconds) * time.Second,
		HintLimit:         e.cfg.Execution.LearningHintLimit,
		RetrievalMaxChars: e.cfg.Memory.SOTRetrievalMaxChars,
		CoverageRequired:  !*e.cfg.Quality.CoverageOptional,
	}
	var opts []executor.Option
	if heartbeat != nil {
		opts = append(opts, executor.WithHeartbeat(heartbeat))
	}
	return executor.New(deps, cfg, opts...)
}

// resultsPoster adapts the control-plane client to the executor's post
// interface, which carries the executor's own payload types.
type resultsPoster struct {
	cp *controlplane.Client
}

func (p resultsPoster) PostBuilderResult(ctx context.Context, r executor.BuilderResultPost) error {
	return p.cp.PostBuilderResult(ctx, controlplane.BuilderResult{
		RunID:      r.RunID,
		PhaseID:    r.PhaseID,
		AttemptID:  r.AttemptID,
		ProposalID: r.ProposalID,
		ModelID:    r.ModelID,
		Outcome:    "SUCCESS",
		TokensIn:   r.TokensIn,
		TokensOut:  r.TokensOut,
	})
}

func (p resultsPoster) PostAuditorResult(ctx context.Context, r executor.AuditorResultPost) error {
	verdict := "REJECTED"
	if r.Approved {
		verdict = "APPROVED"
	}
	return p.cp.PostAuditorResult(ctx, controlplane.AuditorResult{
		RunID:     r.RunID,
		PhaseID:   r.PhaseID,
		AttemptID: r.AttemptID,
		ModelID:   r.ModelID,
		Verdict:   verdict,
		Findings:  r.Findings,
	})
}
