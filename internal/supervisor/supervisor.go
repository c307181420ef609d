// Package supervisor owns one run's event loop. It is the single writer of
// the run row: it picks the lowest-index actionable phase, hands it to the
// executor, waits out approval parks, requeues replan requests, and decides
// the run's terminal state when no actionable phase remains.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/danshapiro/autopack/internal/approval"
	"github.com/danshapiro/autopack/internal/artifacts"
	"github.com/danshapiro/autopack/internal/autoerr"
	"github.com/danshapiro/autopack/internal/backoff"
	"github.com/danshapiro/autopack/internal/controlplane"
	"github.com/danshapiro/autopack/internal/executor"
	"github.com/danshapiro/autopack/internal/store"
)

// lockBeatEvery keeps the run lock heartbeat well inside the store's stale
// window so a live supervisor is never mistaken for an abandoned one.
const lockBeatEvery = 2 * time.Minute

// PhaseRunner is the slice of the executor the supervisor drives.
type PhaseRunner interface {
	ExecutePhase(ctx context.Context, phase *store.Phase) (*executor.PhaseResult, error)
}

// HealthChecker reports the control plane's storage identity. Optional; when
// wired, a fingerprint mismatch aborts the run before any phase executes.
type HealthChecker interface {
	Health(ctx context.Context) (controlplane.Identity, error)
}

// Callbacks is the surface the control plane observes. All callbacks run on
// the supervisor goroutine; OnPhaseStart fires each time a phase is handed
// to the executor, including approval resumes.
type Callbacks struct {
	OnPhaseStart        func(phase *store.Phase)
	OnPhaseDone         func(phase *store.Phase, res *executor.PhaseResult)
	OnApprovalRequested func(phaseID, approvalID string)
	OnRunFinished       func(run *store.Run)
}

type Deps struct {
	Store     *store.Store
	Executor  PhaseRunner
	Approvals *approval.Gateway
	Layout    *artifacts.Layout
	Control   HealthChecker // optional
	Logger    *zap.Logger
}

type Config struct {
	RunID  string
	Family string
	Owner  string // run lock owner; defaults to autopack@<host>/<pid>

	// KillSwitch is a file path checked between phases; its presence aborts
	// the run with DONE_ABORTED. Empty disables the check.
	KillSwitch string

	// StallTimeout aborts the run when no progress event lands within the
	// window. Zero disables the watchdog.
	StallTimeout time.Duration
	StallCheck   time.Duration

	Callbacks Callbacks
}

func (c *Config) applyDefaults() {
	if c.Owner == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "local"
		}
		c.Owner = fmt.Sprintf("autopack@%s/%d", host, os.Getpid())
	}
	if c.StallCheck <= 0 {
		c.StallCheck = 5 * time.Second
	}
}

// Result summarizes where the run ended up. Incident carries the abort cause
// when the run did not end by exhausting its phase list.
type Result struct {
	RunID        string
	State        store.RunState
	Phases       int
	Completed    int
	Failed       int
	Blocked      int
	QuotaBlocked bool
	Incident     string
}

// Supervisor drives exactly one run. Run may be called once.
type Supervisor struct {
	deps Deps
	cfg  Config
	log  *zap.Logger
	now  func() time.Time
	poll backoff.Config

	// notified dedupes OnApprovalRequested per ticket.
	notified map[string]bool

	progressMu     sync.Mutex
	lastProgressAt time.Time
}

type Option func(*Supervisor)

func withClock(now func() time.Time) Option { return func(s *Supervisor) { s.now = now } }

// withPollConfig overrides the approval polling ladder. Tests use it to keep
// waits in the microsecond range.
func withPollConfig(cfg backoff.Config) Option { return func(s *Supervisor) { s.poll = cfg } }

func New(deps Deps, cfg Config, opts ...Option) (*Supervisor, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("supervisor: store is required")
	case deps.Executor == nil:
		return nil, fmt.Errorf("supervisor: executor is required")
	case deps.Approvals == nil:
		return nil, fmt.Errorf("supervisor: approval gateway is required")
	case deps.Layout == nil:
		return nil, fmt.Errorf("supervisor: artifacts layout is required")
	}
	if cfg.RunID == "" {
		return nil, fmt.Errorf("supervisor: run id is required")
	}
	cfg.applyDefaults()
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	s := &Supervisor{
		deps:     deps,
		cfg:      cfg,
		log:      deps.Logger,
		now:      func() time.Time { return time.Now().UTC() },
		poll:     backoff.ApprovalPolling(),
		notified: map[string]bool{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Heartbeat bumps the stall watchdog clock. Wire it into the executor via
// executor.WithHeartbeat so in-flight provider and subprocess work counts as
// progress.
func (s *Supervisor) Heartbeat() { s.beat() }

// Run executes the run to a terminal state. The returned error is non-nil
// only when the run was aborted or hit a fatal fault; a run that merely has
// failed or blocked phases returns (Result{State: DONE_FAILED}, nil).
func (s *Supervisor) Run(ctx context.Context) (*Result, error) {
	res := &Result{RunID: s.cfg.RunID}

	release, err := s.deps.Store.AcquireRunLock(ctx, s.cfg.RunID, s.cfg.Owner)
	if err != nil {
		return res, fmt.Errorf("supervisor: acquire run lock: %w", err)
	}
	defer func() {
		if relErr := release(); relErr != nil {
			s.log.Warn("run lock release failed", zap.Error(relErr))
		}
	}()

	if err := s.checkStorageIdentity(ctx); err != nil {
		return s.finish(ctx, res, store.RunDoneFailed, err)
	}

	run, err := s.deps.Store.GetRun(ctx, s.cfg.RunID)
	if err != nil {
		return res, autoerr.Wrap(autoerr.KindConfig, "supervisor.load", err)
	}
	if run.State.Terminal() {
		s.log.Info("run already finished", zap.String("run_id", run.RunID), zap.String("state", string(run.State)))
		s.tally(ctx, res)
		res.State = run.State
		return res, nil
	}
	if err := s.deps.Store.UpdateRunState(ctx, s.cfg.RunID, store.RunExecuting); err != nil {
		return res, autoerr.Wrap(autoerr.KindInternal, "supervisor.start", err)
	}

	runCtx, cancelRun := context.WithCancelCause(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancelRun(nil)

	s.beat()
	if s.cfg.StallTimeout > 0 {
		wg.Add(1)
		go func() { defer wg.Done(); s.stallWatchdog(runCtx, cancelRun) }()
	}
	wg.Add(1)
	go func() { defer wg.Done(); s.lockHeartbeat(runCtx, cancelRun) }()

	s.progress(map[string]any{"event": "run_started", "run_id": s.cfg.RunID, "owner": s.cfg.Owner})

	if err := s.reclaimInterrupted(runCtx); err != nil {
		if cerr := runContextError(runCtx); cerr != nil {
			return s.abort(ctx, res, cerr)
		}
		return s.finish(ctx, res, store.RunDoneFailed, err)
	}

	return s.loop(ctx, runCtx, res)
}

func (s *Supervisor) loop(ctx, runCtx context.Context, res *Result) (*Result, error) {
	for {
		if cerr := runContextError(runCtx); cerr != nil {
			return s.abort(ctx, res, cerr)
		}
		if s.killRequested() {
			cause := autoerr.New(autoerr.KindCancelled, "supervisor.kill",
				"kill switch present at %s", s.cfg.KillSwitch)
			s.progress(map[string]any{"event": "kill_switch_honored", "path": s.cfg.KillSwitch})
			return s.finish(ctx, res, store.RunDoneAborted, cause)
		}
		s.deps.Approvals.SweepExpired(runCtx)
		if err := s.checkBudget(runCtx); err != nil {
			if cerr := runContextError(runCtx); cerr != nil {
				return s.abort(ctx, res, cerr)
			}
			res.QuotaBlocked = res.QuotaBlocked || autoerr.Is(err, autoerr.KindQuotaBlocked)
			return s.finish(ctx, res, store.RunDoneFailed, err)
		}

		phase, err := s.nextActionable(runCtx)
		if err != nil {
			if cerr := runContextError(runCtx); cerr != nil {
				return s.abort(ctx, res, cerr)
			}
			return s.finish(ctx, res, store.RunDoneFailed, autoerr.Wrap(autoerr.KindInternal, "supervisor.select", err))
		}
		if phase == nil {
			s.tally(runCtx, res)
			state := store.RunDoneSuccess
			if res.Completed != res.Phases {
				state = store.RunDoneFailed
			}
			return s.finish(ctx, res, state, nil)
		}

		if phase.State == store.PhaseApprovalPending {
			if waitErr := s.awaitDecision(runCtx, phase); waitErr != nil {
				return s.abort(ctx, res, waitErr)
			}
		}

		if cb := s.cfg.Callbacks.OnPhaseStart; cb != nil {
			cb(phase)
		}
		pres, execErr := s.deps.Executor.ExecutePhase(runCtx, phase)
		s.beat()
		if pres != nil && pres.Phase != nil {
			if cb := s.cfg.Callbacks.OnPhaseDone; cb != nil {
				cb(pres.Phase, pres)
			}
		}
		if execErr != nil {
			kind := autoerr.KindOf(execErr)
			switch {
			case kind == autoerr.KindCancelled:
				return s.abort(ctx, res, execErr)
			case kind.Fatal():
				return s.finish(ctx, res, store.RunDoneFailed, execErr)
			case kind == autoerr.KindQuotaBlocked:
				// The phase is parked BLOCKED; later phases may still be
				// routable, so the run keeps going.
				res.QuotaBlocked = true
			}
			continue
		}
		if pres != nil && pres.State == store.PhaseApprovalPending && pres.ApprovalID != "" {
			s.notifyApproval(phase.PhaseID, pres.ApprovalID)
		}
	}
}

// abort ends the run as DONE_ABORTED unless the cause says the run lock was
// lost, in which case no further state is written at all.
func (s *Supervisor) abort(ctx context.Context, res *Result, cause error) (*Result, error) {
	if errors.Is(cause, store.ErrConflictingWriter) {
		res.Incident = cause.Error()
		return res, cause
	}
	return s.finish(ctx, res, store.RunDoneAborted, cause)
}

// finish is the only place the run row goes terminal. It survives an already
// cancelled context so abort paths still persist their outcome.
func (s *Supervisor) finish(ctx context.Context, res *Result, state store.RunState, cause error) (*Result, error) {
	stop := context.WithoutCancel(ctx)
	s.tally(stop, res)
	if cause != nil {
		res.Incident = cause.Error()
		s.writeIncident(cause)
	}
	if err := s.deps.Store.UpdateRunState(stop, s.cfg.RunID, state); err != nil {
		s.log.Warn("run state update failed", zap.String("state", string(state)), zap.Error(err))
	}
	res.State = state
	run, err := s.deps.Store.GetRun(stop, s.cfg.RunID)
	if err == nil {
		res.State = run.State
		if cb := s.cfg.Callbacks.OnRunFinished; cb != nil {
			cb(run)
		}
	}
	s.progress(map[string]any{
		"event":     "run_finished",
		"state":     string(res.State),
		"completed": res.Completed,
		"failed":    res.Failed,
		"blocked":   res.Blocked,
		"incident":  res.Incident,
	})
	return res, cause
}

// checkStorageIdentity compares the control plane's database fingerprint
// with ours. A mismatch means two processes would write different stores.
func (s *Supervisor) checkStorageIdentity(ctx context.Context) error {
	if s.deps.Control == nil {
		return nil
	}
	id, err := s.deps.Control.Health(ctx)
	if err != nil {
		return autoerr.Wrap(autoerr.KindConfig, "supervisor.health", err)
	}
	if id.Fingerprint == "" || id.Fingerprint == s.deps.Store.HealthFingerprint() {
		return nil
	}
	return autoerr.New(autoerr.KindStorageDrift, "supervisor.health",
		"control plane writes store %s, this process writes %s", id.Fingerprint, s.deps.Store.HealthFingerprint())
}

// reclaimInterrupted requeues phases a dead supervisor left EXECUTING. We
// hold the run lock, so no live writer can still own them.
func (s *Supervisor) reclaimInterrupted(ctx context.Context) error {
	phases, err := s.deps.Store.RunPhases(ctx, s.cfg.RunID)
	if err != nil {
		return autoerr.Wrap(autoerr.KindInternal, "supervisor.reclaim", err)
	}
	for _, p := range phases {
		if p.State != store.PhaseExecuting {
			continue
		}
		queued := store.PhaseQueued
		reason := "reclaimed after interrupted run"
		if _, err := s.deps.Store.UpdatePhase(ctx, p, store.PhaseUpdate{State: &queued, LastFailureReason: &reason}); err != nil {
			return autoerr.Wrap(autoerr.KindInternal, "supervisor.reclaim", err)
		}
		s.progress(map[string]any{"event": "phase_reclaimed", "phase_id": p.PhaseID})
	}
	return nil
}

// nextActionable returns the lowest-index phase the loop can act on: QUEUED
// or APPROVAL_PENDING. REPLAN_REQUESTED phases are requeued with attempts
// reset first, so a requeued phase competes by index like any other.
func (s *Supervisor) nextActionable(ctx context.Context) (*store.Phase, error) {
	for {
		phases, err := s.deps.Store.RunPhases(ctx, s.cfg.RunID)
		if err != nil {
			return nil, err
		}
		replanned := false
		var pick *store.Phase
		for _, p := range phases {
			switch p.State {
			case store.PhaseReplanRequested:
				if err := s.requeueForReplan(ctx, p); err != nil {
					return nil, err
				}
				replanned = true
			case store.PhaseQueued, store.PhaseApprovalPending:
				if pick == nil {
					pick = p
				}
			}
		}
		if replanned {
			continue
		}
		return pick, nil
	}
}

func (s *Supervisor) requeueForReplan(ctx context.Context, p *store.Phase) error {
	queued := store.PhaseQueued
	zero := 0
	reason := "replanned after repeated identical failures"
	if _, err := s.deps.Store.UpdatePhase(ctx, p, store.PhaseUpdate{
		State:             &queued,
		AttemptsUsed:      &zero,
		LastFailureReason: &reason,
	}); err != nil {
		if errors.Is(err, store.ErrStalePhase) {
			return autoerr.New(autoerr.KindInternal, "supervisor.replan",
				"phase %s seq raced: another writer holds this run", p.PhaseID)
		}
		return err
	}
	s.log.Info("phase replanned",
		zap.String("phase_id", p.PhaseID),
		zap.String("fingerprint", p.LastFingerprint))
	s.progress(map[string]any{
		"event":       "phase_replanned",
		"phase_id":    p.PhaseID,
		"fingerprint": p.LastFingerprint,
	})
	return nil
}

// awaitDecision blocks until the phase's pending ticket goes terminal or
// vanishes. Polling counts as progress: a parked run is deliberately idle
// and the ticket's own expiry bounds the wait.
func (s *Supervisor) awaitDecision(ctx context.Context, phase *store.Phase) error {
	entered := false
	for attempt := 1; ; attempt++ {
		s.beat()
		s.deps.Approvals.SweepExpired(ctx)
		ticket, ok := s.pendingTicket(phase.PhaseID)
		if !ok {
			return nil
		}
		s.notifyApproval(phase.PhaseID, ticket.ApprovalID)
		if !entered {
			entered = true
			s.progress(map[string]any{
				"event":       "approval_wait",
				"phase_id":    phase.PhaseID,
				"approval_id": ticket.ApprovalID,
			})
		}
		d := backoff.DelayForAttempt(attempt, s.poll, ticket.ApprovalID)
		if err := backoff.Sleep(ctx, d); err != nil {
			return runContextError(ctx)
		}
	}
}

func (s *Supervisor) pendingTicket(phaseID string) (approval.Ticket, bool) {
	for _, t := range s.deps.Approvals.Pending() {
		if t.Request.PhaseID == phaseID {
			return t, true
		}
	}
	return approval.Ticket{}, false
}

func (s *Supervisor) notifyApproval(phaseID, approvalID string) {
	if s.notified[approvalID] {
		return
	}
	s.notified[approvalID] = true
	if cb := s.cfg.Callbacks.OnApprovalRequested; cb != nil {
		cb(phaseID, approvalID)
	}
}

func (s *Supervisor) checkBudget(ctx context.Context) error {
	run, err := s.deps.Store.GetRun(ctx, s.cfg.RunID)
	if err != nil {
		return autoerr.Wrap(autoerr.KindInternal, "supervisor.budget", err)
	}
	if run.TokenBudget > 0 && run.TokensUsed >= run.TokenBudget {
		return autoerr.New(autoerr.KindQuotaBlocked, "supervisor.budget",
			"token budget exhausted: used %d of %d", run.TokensUsed, run.TokenBudget)
	}
	return nil
}

func (s *Supervisor) killRequested() bool {
	if s.cfg.KillSwitch == "" {
		return false
	}
	_, err := os.Stat(s.cfg.KillSwitch)
	return err == nil
}

func (s *Supervisor) tally(ctx context.Context, res *Result) {
	phases, err := s.deps.Store.RunPhases(ctx, s.cfg.RunID)
	if err != nil {
		s.log.Warn("phase tally failed", zap.Error(err))
		return
	}
	res.Phases = len(phases)
	res.Completed, res.Failed, res.Blocked = 0, 0, 0
	for _, p := range phases {
		switch p.State {
		case store.PhaseComplete:
			res.Completed++
		case store.PhaseFailed:
			res.Failed++
		case store.PhaseBlocked:
			res.Blocked++
		}
	}
}

func (s *Supervisor) writeIncident(cause error) {
	rec := map[string]any{
		"run_id": s.cfg.RunID,
		"kind":   string(autoerr.KindOf(cause)),
		"error":  cause.Error(),
		"at":     s.now().Format(time.RFC3339Nano),
	}
	path := s.deps.Layout.ErrorFile(s.cfg.Family, s.cfg.RunID, "run_incident")
	if err := artifacts.WriteJSONAtomic(path, rec); err != nil {
		s.log.Warn("incident write failed", zap.Error(err))
	}
}

func (s *Supervisor) stallWatchdog(ctx context.Context, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(s.cfg.StallCheck)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle := s.now().Sub(s.lastProgress())
			if idle < s.cfg.StallTimeout {
				continue
			}
			s.progress(map[string]any{
				"event":            "stall_watchdog_timeout",
				"stall_timeout_ms": s.cfg.StallTimeout.Milliseconds(),
				"idle_ms":          idle.Milliseconds(),
			})
			cancel(autoerr.New(autoerr.KindCancelled, "supervisor.watchdog",
				"no progress for %s (limit %s)", idle.Round(time.Millisecond), s.cfg.StallTimeout))
			return
		}
	}
}

func (s *Supervisor) lockHeartbeat(ctx context.Context, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(lockBeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.deps.Store.HeartbeatRunLock(ctx, s.cfg.RunID, s.cfg.Owner); err != nil {
				cancel(fmt.Errorf("supervisor: run lock heartbeat: %w", err))
				return
			}
		}
	}
}

func (s *Supervisor) beat() {
	s.progressMu.Lock()
	s.lastProgressAt = s.now()
	s.progressMu.Unlock()
}

func (s *Supervisor) lastProgress() time.Time {
	s.progressMu.Lock()
	defer s.progressMu.Unlock()
	return s.lastProgressAt
}

// progress appends one NDJSON event to the run's progress log and counts as
// watchdog progress.
func (s *Supervisor) progress(event map[string]any) {
	s.beat()
	path := s.deps.Layout.ProgressLog(s.cfg.Family, s.cfg.RunID)
	if err := artifacts.AppendEvent(path, event); err != nil {
		s.log.Debug("progress append failed", zap.Error(err))
	}
}

// runContextError prefers the cancellation cause so abort incidents name the
// watchdog or kill reason instead of a bare context error.
func runContextError(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return ctx.Err()
}
