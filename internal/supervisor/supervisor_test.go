package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/danshapiro/autopack/internal/approval"
	"github.com/danshapiro/autopack/internal/artifacts"
	"github.com/danshapiro/autopack/internal/autoerr"
	"github.com/danshapiro/autopack/internal/backoff"
	"github.com/danshapiro/autopack/internal/controlplane"
	"github.com/danshapiro/autopack/internal/executor"
	"github.com/danshapiro/autopack/internal/policy"
	"github.com/danshapiro/autopack/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type runnerStep func(ctx context.Context, p *store.Phase) (*executor.PhaseResult, error)

// scriptedRunner stands in for the executor: each step transitions the phase
// itself, the way the real executor would, then reports the result. Steps
// run on the supervisor goroutine, so require is safe inside them.
type scriptedRunner struct {
	mu    sync.Mutex
	steps []runnerStep
	calls []string
}

func (r *scriptedRunner) ExecutePhase(ctx context.Context, p *store.Phase) (*executor.PhaseResult, error) {
	r.mu.Lock()
	r.calls = append(r.calls, p.PhaseID)
	if len(r.steps) == 0 {
		r.mu.Unlock()
		return nil, autoerr.New(autoerr.KindConfig, "test.runner", "script exhausted at %s", p.PhaseID)
	}
	step := r.steps[0]
	r.steps = r.steps[1:]
	r.mu.Unlock()
	return step(ctx, p)
}

func (r *scriptedRunner) callIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.calls...)
}

type staticHealth struct {
	id  controlplane.Identity
	err error
}

func (h staticHealth) Health(context.Context) (controlplane.Identity, error) { return h.id, h.err }

type cbLog struct {
	starts    []string
	dones     []string
	approvals [][2]string
	finished  *store.Run
}

func (c *cbLog) callbacks() Callbacks {
	return Callbacks{
		OnPhaseStart: func(p *store.Phase) { c.starts = append(c.starts, p.PhaseID) },
		OnPhaseDone: func(p *store.Phase, res *executor.PhaseResult) {
			c.dones = append(c.dones, p.PhaseID+":"+string(res.State))
		},
		OnApprovalRequested: func(phaseID, approvalID string) {
			c.approvals = append(c.approvals, [2]string{phaseID, approvalID})
		},
		OnRunFinished: func(r *store.Run) { c.finished = r },
	}
}

type env struct {
	t      *testing.T
	st     *store.Store
	gw     *approval.Gateway
	layout *artifacts.Layout
	runner *scriptedRunner
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "autopack.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	layout, err := artifacts.NewLayout(filepath.Join(t.TempDir(), "artifacts"))
	require.NoError(t, err)

	return &env{
		t:      t,
		st:     st,
		gw:     approval.NewGateway(approval.WithAudit(st)),
		layout: layout,
		runner: &scriptedRunner{},
	}
}

func (e *env) newSupervisor(cfg Config, control HealthChecker, opts ...Option) *Supervisor {
	e.t.Helper()
	if cfg.Family == "" {
		cfg.Family = "payments"
	}
	opts = append([]Option{withPollConfig(backoff.Config{
		InitialDelay:  time.Millisecond,
		BackoffFactor: 1.2,
		MaxDelay:      5 * time.Millisecond,
	})}, opts...)
	sup, err := New(Deps{
		Store:     e.st,
		Executor:  e.runner,
		Approvals: e.gw,
		Layout:    e.layout,
		Control:   control,
	}, cfg, opts...)
	require.NoError(e.t, err)
	return sup
}

func (e *env) seedRun(runID string, budget int64, phases ...*store.Phase) {
	e.t.Helper()
	ctx := context.Background()
	require.NoError(e.t, e.st.CreateRun(ctx, &store.Run{
		RunID:       runID,
		ProjectID:   "proj-1",
		Family:      "payments",
		TokenBudget: budget,
	}))
	for _, p := range phases {
		require.NoError(e.t, e.st.CreatePhase(ctx, p))
	}
}

func phaseRow(runID, phaseID string, index int) *store.Phase {
	return &store.Phase{
		PhaseID:      phaseID,
		RunID:        runID,
		PhaseIndex:   index,
		Goal:         "wire the payments reconciliation job",
		Category:     policy.CategoryDocs,
		Complexity:   policy.ComplexityLow,
		Deliverables: []string{"docs/guide.md"},
		Scope:        store.Scope{AllowedPaths: []string{"docs/**"}},
		MaxAttempts:  5,
	}
}

func (e *env) completeStep() runnerStep {
	return func(ctx context.Context, p *store.Phase) (*executor.PhaseResult, error) {
		complete := store.PhaseComplete
		used := p.AttemptsUsed + 1
		fresh, err := e.st.UpdatePhase(ctx, p, store.PhaseUpdate{State: &complete, AttemptsUsed: &used})
		require.NoError(e.t, err)
		return &executor.PhaseResult{Phase: fresh, State: fresh.State}, nil
	}
}

func (e *env) failStep(reason string) runnerStep {
	return func(ctx context.Context, p *store.Phase) (*executor.PhaseResult, error) {
		failed := store.PhaseFailed
		used := p.MaxAttempts
		fresh, err := e.st.UpdatePhase(ctx, p, store.PhaseUpdate{
			State:             &failed,
			AttemptsUsed:      &used,
			LastFailureReason: &reason,
		})
		require.NoError(e.t, err)
		return &executor.PhaseResult{Phase: fresh, State: fresh.State}, nil
	}
}

func (e *env) readIncident(runID string) map[string]any {
	e.t.Helper()
	var rec map[string]any
	require.NoError(e.t, artifacts.ReadJSON(e.layout.ErrorFile("payments", runID, "run_incident"), &rec))
	return rec
}

func TestRunCompletesAllPhasesInOrder(t *testing.T) {
	e := newEnv(t)
	e.seedRun("run-1", 0,
		phaseRow("run-1", "ph-1", 1),
		phaseRow("run-1", "ph-2", 2),
		phaseRow("run-1", "ph-3", 3),
	)
	e.runner.steps = []runnerStep{e.completeStep(), e.completeStep(), e.completeStep()}

	cbs := &cbLog{}
	// A matching fingerprint must pass the storage identity guardrail.
	sup := e.newSupervisor(Config{RunID: "run-1", Callbacks: cbs.callbacks()},
		staticHealth{id: controlplane.Identity{Fingerprint: e.st.HealthFingerprint()}})

	res, err := sup.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, store.RunDoneSuccess, res.State)
	require.Equal(t, 3, res.Completed)
	require.Zero(t, res.Failed)
	require.Empty(t, res.Incident)

	require.Equal(t, []string{"ph-1", "ph-2", "ph-3"}, e.runner.callIDs())
	require.Equal(t, []string{"ph-1", "ph-2", "ph-3"}, cbs.starts)
	require.Equal(t, []string{"ph-1:COMPLETE", "ph-2:COMPLETE", "ph-3:COMPLETE"}, cbs.dones)
	require.NotNil(t, cbs.finished)
	require.Equal(t, store.RunDoneSuccess, cbs.finished.State)
	require.NotNil(t, cbs.finished.FinishedAt)

	run, err := e.st.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, store.RunDoneSuccess, run.State)
}

func TestFailedPhaseYieldsDoneFailed(t *testing.T) {
	e := newEnv(t)
	e.seedRun("run-2", 0,
		phaseRow("run-2", "ph-1", 1),
		phaseRow("run-2", "ph-2", 2),
	)
	e.runner.steps = []runnerStep{
		e.completeStep(),
		e.failStep("gate deliverables blocked: docs/guide.md missing"),
	}
	sup := e.newSupervisor(Config{RunID: "run-2"}, nil)

	res, err := sup.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, store.RunDoneFailed, res.State)
	require.Equal(t, 1, res.Completed)
	require.Equal(t, 1, res.Failed)
	require.Empty(t, res.Incident)
}

func TestReplanRequeueResetsAttempts(t *testing.T) {
	e := newEnv(t)
	e.seedRun("run-3", 0, phaseRow("run-3", "ph-1", 1))
	e.runner.steps = []runnerStep{
		func(ctx context.Context, p *store.Phase) (*executor.PhaseResult, error) {
			replan := store.PhaseReplanRequested
			used := 3
			fp := "ph-1|APPLY_FAIL|deadbeef"
			reason := "3 path(s) outside allowed scope"
			fresh, err := e.st.UpdatePhase(ctx, p, store.PhaseUpdate{
				State:             &replan,
				AttemptsUsed:      &used,
				LastFailureReason: &reason,
				LastFingerprint:   &fp,
			})
			require.NoError(t, err)
			return &executor.PhaseResult{Phase: fresh, State: fresh.State, Fingerprint: fp}, nil
		},
		func(ctx context.Context, p *store.Phase) (*executor.PhaseResult, error) {
			require.Equal(t, store.PhaseQueued, p.State)
			require.Zero(t, p.AttemptsUsed)
			require.Equal(t, "replanned after repeated identical failures", p.LastFailureReason)
			return e.completeStep()(ctx, p)
		},
	}
	sup := e.newSupervisor(Config{RunID: "run-3"}, nil)

	res, err := sup.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, store.RunDoneSuccess, res.State)
	require.Equal(t, []string{"ph-1", "ph-1"}, e.runner.callIDs())
}

func TestApprovalParkResumesAfterDecision(t *testing.T) {
	e := newEnv(t)
	phase := phaseRow("run-4", "ph-1", 1)
	phase.Category = policy.CategorySecurityAuth
	phase.Scope.AllowedPaths = []string{"src/auth/**"}
	e.seedRun("run-4", 0, phase)

	opened := make(chan string, 1)
	e.runner.steps = []runnerStep{
		func(ctx context.Context, p *store.Phase) (*executor.PhaseResult, error) {
			id, err := e.gw.Open(ctx, approval.Request{
				RunID:            p.RunID,
				PhaseID:          p.PhaseID,
				ProposalID:       "prop-1",
				Category:         p.Category,
				RiskLevel:        "CRITICAL",
				DecisionCategory: "RISKY",
				Reason:           "touches protected auth surface",
			})
			require.NoError(t, err)
			opened <- id
			parked := store.PhaseApprovalPending
			fresh, uerr := e.st.UpdatePhase(ctx, p, store.PhaseUpdate{State: &parked})
			require.NoError(t, uerr)
			return &executor.PhaseResult{Phase: fresh, State: fresh.State, ApprovalID: id}, nil
		},
		func(ctx context.Context, p *store.Phase) (*executor.PhaseResult, error) {
			require.Equal(t, store.PhaseApprovalPending, p.State)
			return e.completeStep()(ctx, p)
		},
	}

	var wg sync.WaitGroup
	var decideErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		id := <-opened
		time.Sleep(10 * time.Millisecond)
		decideErr = e.gw.Decide(context.Background(), id, approval.StatusApproved, "operator", "reviewed")
	}()

	cbs := &cbLog{}
	sup := e.newSupervisor(Config{RunID: "run-4", Callbacks: cbs.callbacks()}, nil)
	res, err := sup.Run(context.Background())
	wg.Wait()
	require.NoError(t, decideErr)
	require.NoError(t, err)
	require.Equal(t, store.RunDoneSuccess, res.State)
	require.Equal(t, []string{"ph-1", "ph-1"}, e.runner.callIDs())
	require.Len(t, cbs.approvals, 1)
	require.Equal(t, "ph-1", cbs.approvals[0][0])
}

func TestKillSwitchAbortsBetweenPhases(t *testing.T) {
	e := newEnv(t)
	e.seedRun("run-5", 0,
		phaseRow("run-5", "ph-1", 1),
		phaseRow("run-5", "ph-2", 2),
	)
	kill := filepath.Join(t.TempDir(), "KILL")
	e.runner.steps = []runnerStep{
		func(ctx context.Context, p *store.Phase) (*executor.PhaseResult, error) {
			res, err := e.completeStep()(ctx, p)
			require.NoError(t, os.WriteFile(kill, []byte("stop\n"), 0o644))
			return res, err
		},
	}
	sup := e.newSupervisor(Config{RunID: "run-5", KillSwitch: kill}, nil)

	res, err := sup.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, autoerr.KindCancelled, autoerr.KindOf(err))
	require.Equal(t, store.RunDoneAborted, res.State)
	require.Contains(t, res.Incident, "kill switch")
	require.Equal(t, []string{"ph-1"}, e.runner.callIDs())

	second, gerr := e.st.GetPhase(context.Background(), "ph-2")
	require.NoError(t, gerr)
	require.Equal(t, store.PhaseQueued, second.State)
	require.Equal(t, "CANCELLED", e.readIncident("run-5")["kind"])
}

func TestStallWatchdogAbortsStalledRun(t *testing.T) {
	e := newEnv(t)
	e.seedRun("run-6", 0, phaseRow("run-6", "ph-1", 1))
	e.runner.steps = []runnerStep{
		func(ctx context.Context, p *store.Phase) (*executor.PhaseResult, error) {
			<-ctx.Done()
			queued := store.PhaseQueued
			fresh, err := e.st.UpdatePhase(context.WithoutCancel(ctx), p, store.PhaseUpdate{State: &queued})
			require.NoError(t, err)
			return &executor.PhaseResult{Phase: fresh, State: fresh.State},
				autoerr.Wrap(autoerr.KindCancelled, "executor.execute", context.Cause(ctx))
		},
	}
	sup := e.newSupervisor(Config{
		RunID:        "run-6",
		StallTimeout: 60 * time.Millisecond,
		StallCheck:   5 * time.Millisecond,
	}, nil)

	res, err := sup.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, autoerr.KindCancelled, autoerr.KindOf(err))
	require.Equal(t, store.RunDoneAborted, res.State)
	require.Contains(t, res.Incident, "no progress")

	phase, gerr := e.st.GetPhase(context.Background(), "ph-1")
	require.NoError(t, gerr)
	require.Equal(t, store.PhaseQueued, phase.State)
}

func TestStorageIdentityMismatchFailsRun(t *testing.T) {
	e := newEnv(t)
	e.seedRun("run-7", 0, phaseRow("run-7", "ph-1", 1))
	sup := e.newSupervisor(Config{RunID: "run-7"},
		staticHealth{id: controlplane.Identity{Fingerprint: "sqlite3:/somewhere/else.db"}})

	res, err := sup.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, autoerr.KindStorageDrift, autoerr.KindOf(err))
	require.Equal(t, store.RunDoneFailed, res.State)
	require.Empty(t, e.runner.callIDs())
	require.Equal(t, "STORAGE_DRIFT", e.readIncident("run-7")["kind"])

	run, gerr := e.st.GetRun(context.Background(), "run-7")
	require.NoError(t, gerr)
	require.Equal(t, store.RunDoneFailed, run.State)
}

func TestTokenBudgetExhaustionStopsRun(t *testing.T) {
	e := newEnv(t)
	e.seedRun("run-8", 100, phaseRow("run-8", "ph-1", 1))
	require.NoError(t, e.st.AddRunTokens(context.Background(), "run-8", 150))
	sup := e.newSupervisor(Config{RunID: "run-8"}, nil)

	res, err := sup.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, autoerr.KindQuotaBlocked, autoerr.KindOf(err))
	require.True(t, res.QuotaBlocked)
	require.Equal(t, store.RunDoneFailed, res.State)
	require.Contains(t, res.Incident, "token budget exhausted")
	require.Empty(t, e.runner.callIDs())
}

func TestSecondWriterRefusedByRunLock(t *testing.T) {
	e := newEnv(t)
	e.seedRun("run-9", 0, phaseRow("run-9", "ph-1", 1))

	release, err := e.st.AcquireRunLock(context.Background(), "run-9", "rival@host/1")
	require.NoError(t, err)
	defer release()

	sup := e.newSupervisor(Config{RunID: "run-9"}, nil)
	_, err = sup.Run(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, store.ErrConflictingWriter)

	run, gerr := e.st.GetRun(context.Background(), "run-9")
	require.NoError(t, gerr)
	require.Equal(t, store.RunQueued, run.State)
}

func TestInterruptedExecutingPhaseIsReclaimed(t *testing.T) {
	e := newEnv(t)
	e.seedRun("run-10", 0, phaseRow("run-10", "ph-1", 1))

	ctx := context.Background()
	p, err := e.st.GetPhase(ctx, "ph-1")
	require.NoError(t, err)
	executing := store.PhaseExecuting
	_, err = e.st.UpdatePhase(ctx, p, store.PhaseUpdate{State: &executing})
	require.NoError(t, err)

	e.runner.steps = []runnerStep{
		func(ctx context.Context, p *store.Phase) (*executor.PhaseResult, error) {
			require.Equal(t, store.PhaseQueued, p.State)
			require.Equal(t, "reclaimed after interrupted run", p.LastFailureReason)
			return e.completeStep()(ctx, p)
		},
	}
	sup := e.newSupervisor(Config{RunID: "run-10"}, nil)

	res, err := sup.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, store.RunDoneSuccess, res.State)
}

func TestAlreadyFinishedRunReturnsSnapshot(t *testing.T) {
	e := newEnv(t)
	e.seedRun("run-11", 0, phaseRow("run-11", "ph-1", 1))
	require.NoError(t, e.st.UpdateRunState(context.Background(), "run-11", store.RunDoneAborted))

	sup := e.newSupervisor(Config{RunID: "run-11"}, nil)
	res, err := sup.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, store.RunDoneAborted, res.State)
	require.Empty(t, e.runner.callIDs())
}

func TestQuotaBlockedPhaseParksAndRunContinues(t *testing.T) {
	e := newEnv(t)
	security := phaseRow("run-12", "ph-1", 1)
	security.Category = policy.CategorySecurityAuth
	security.Scope.AllowedPaths = []string{"src/auth/**"}
	e.seedRun("run-12", 0, security, phaseRow("run-12", "ph-2", 2))

	e.runner.steps = []runnerStep{
		func(ctx context.Context, p *store.Phase) (*executor.PhaseResult, error) {
			blocked := store.PhaseBlocked
			reason := "router.select: QUOTA_BLOCKED: builder model frontier-build-1 exhausted"
			fresh, err := e.st.UpdatePhase(ctx, p, store.PhaseUpdate{State: &blocked, LastFailureReason: &reason})
			require.NoError(t, err)
			return &executor.PhaseResult{Phase: fresh, State: fresh.State},
				autoerr.New(autoerr.KindQuotaBlocked, "router.select", "builder model frontier-build-1 exhausted")
		},
		e.completeStep(),
	}
	sup := e.newSupervisor(Config{RunID: "run-12"}, nil)

	res, err := sup.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, store.RunDoneFailed, res.State)
	require.True(t, res.QuotaBlocked)
	require.Equal(t, 1, res.Completed)
	require.Equal(t, 1, res.Blocked)
	require.Equal(t, []string{"ph-1", "ph-2"}, e.runner.callIDs())
}

func TestNewValidatesDeps(t *testing.T) {
	e := newEnv(t)
	good := Deps{Store: e.st, Executor: e.runner, Approvals: e.gw, Layout: e.layout}

	_, err := New(good, Config{})
	require.ErrorContains(t, err, "run id")

	for name, mutate := range map[string]func(*Deps){
		"store":     func(d *Deps) { d.Store = nil },
		"executor":  func(d *Deps) { d.Executor = nil },
		"approvals": func(d *Deps) { d.Approvals = nil },
		"layout":    func(d *Deps) { d.Layout = nil },
	} {
		d := good
		mutate(&d)
		_, err := New(d, Config{RunID: "run-x"})
		require.Error(t, err, name)
	}
}
