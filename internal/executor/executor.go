// Package executor runs one phase at a time through the full attempt
// pipeline: preflight, routing, Builder, governance, apply, audit, tests,
// finalize, retry decision. It owns every phase-record mutation while a
// phase executes, but it is always driven from the run's supervisor
// goroutine, so the single-writer-per-run rule holds.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/danshapiro/autopack/internal/apply"
	"github.com/danshapiro/autopack/internal/approval"
	"github.com/danshapiro/autopack/internal/artifacts"
	"github.com/danshapiro/autopack/internal/autoerr"
	"github.com/danshapiro/autopack/internal/baseline"
	"github.com/danshapiro/autopack/internal/finalizer"
	"github.com/danshapiro/autopack/internal/fingerprint"
	"github.com/danshapiro/autopack/internal/governance"
	"github.com/danshapiro/autopack/internal/llm"
	"github.com/danshapiro/autopack/internal/memory"
	"github.com/danshapiro/autopack/internal/patch"
	"github.com/danshapiro/autopack/internal/policy"
	"github.com/danshapiro/autopack/internal/router"
	"github.com/danshapiro/autopack/internal/store"
	"github.com/danshapiro/autopack/internal/telemetry"
)

// replanAfterIdenticalFailures is how many consecutive attempts may fail
// with the same fingerprint before the executor asks for a re-plan instead
// of burning the remaining budget on the same wall.
const replanAfterIdenticalFailures = 3

// deepRetrievalAtAttempt is the 0-based attempt index from which memory
// retrieval context is attached to Builder calls.
const deepRetrievalAtAttempt = 3

// structuredEditsScopeThreshold switches truncation recovery from a
// continuation call to the structured_edits format when the scope is wider
// than this many files.
const structuredEditsScopeThreshold = 30

// ControlPlane is the slice of the control-plane client the executor posts
// results to. All posts are best-effort.
type ControlPlane interface {
	PostBuilderResult(ctx context.Context, r BuilderResultPost) error
	PostAuditorResult(ctx context.Context, r AuditorResultPost) error
}

// BuilderResultPost mirrors the control plane's builder_result payload.
type BuilderResultPost struct {
	RunID      string `json:"run_id"`
	PhaseID    string `json:"phase_id"`
	AttemptID  string `json:"attempt_id"`
	ProposalID string `json:"proposal_id"`
	ModelID    string `json:"model_id"`
	TokensIn   int64  `json:"tokens_in"`
	TokensOut  int64  `json:"tokens_out"`
	Summary    string `json:"summary,omitempty"`
}

// AuditorResultPost mirrors the control plane's auditor_result payload.
type AuditorResultPost struct {
	RunID     string `json:"run_id"`
	PhaseID   string `json:"phase_id"`
	AttemptID string `json:"attempt_id"`
	ModelID   string `json:"model_id"`
	Approved  bool   `json:"approved"`
	Findings  int    `json:"findings"`
}

// Deps wires one run's executor. Everything is required unless noted.
type Deps struct {
	Store     *store.Store
	Policies  *policy.Store
	Router    *router.Router
	Probe     *router.MemoryProbe // optional; lets quota hits feed back into routing
	Scorer    *governance.Scorer
	Approvals *approval.Gateway
	Applier   *apply.Applier
	Tracker   *baseline.Tracker
	Tests     baseline.TestRunner
	Builder   *llm.Builder
	Auditor   *llm.Auditor
	Finalizer *finalizer.Finalizer
	Telemetry *telemetry.Sink
	Retriever memory.Retriever // optional; nil disables deep retrieval
	Control   ControlPlane     // optional
	Layout    *artifacts.Layout
	Logger    *zap.Logger
}

// Config is the per-run tuning the supervisor resolves from file + env.
type Config struct {
	ProjectID         string
	Family            string
	WorkspaceRoot     string
	PhaseTimeout      time.Duration
	HintLimit         int
	RetrievalMaxChars int
	CoverageRequired  bool

	// KeepFailedApplies leaves blocked attempts' changes in the workspace
	// instead of rolling back to the save point. Diagnostic use only.
	KeepFailedApplies bool
}

func (c *Config) applyDefaults() {
	if c.PhaseTimeout <= 0 {
		c.PhaseTimeout = 15 * time.Minute
	}
	if c.HintLimit <= 0 {
		c.HintLimit = 32
	}
	if c.RetrievalMaxChars <= 0 {
		c.RetrievalMaxChars = 4000
	}
}

// PhaseResult is what one ExecutePhase call left behind. Phase is the fresh
// snapshot after the final record update.
type PhaseResult struct {
	Phase       *store.Phase
	State       store.PhaseState
	ApprovalID  string
	Fingerprint string
	Verdict     *finalizer.Verdict

	// ReachedLLM and PreflightFailed feed the drain controller's yield
	// classification; they are advisory everywhere else.
	ReachedLLM      bool
	PreflightFailed bool
}

// Executor drives phases for exactly one run. Not safe for concurrent use:
// the supervisor (or the drain controller holding the run lock) serializes
// calls.
type Executor struct {
	deps Deps
	cfg  Config
	log  *zap.Logger
	now  func() time.Time

	hints     map[string][]llm.Hint
	replanned map[string]bool

	heartbeat func()
}

// Option tweaks executor construction.
type Option func(*Executor)

// WithHeartbeat registers a callback invoked on every progress event, for
// the supervisor's stall watchdog.
func WithHeartbeat(fn func()) Option { return func(e *Executor) { e.heartbeat = fn } }

func withClock(now func() time.Time) Option { return func(e *Executor) { e.now = now } }

// New validates the wiring and returns an executor for one run.
func New(deps Deps, cfg Config, opts ...Option) (*Executor, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("executor: store is required")
	case deps.Policies == nil:
		return nil, fmt.Errorf("executor: policy store is required")
	case deps.Router == nil:
		return nil, fmt.Errorf("executor: router is required")
	case deps.Scorer == nil:
		return nil, fmt.Errorf("executor: governance scorer is required")
	case deps.Approvals == nil:
		return nil, fmt.Errorf("executor: approval gateway is required")
	case deps.Applier == nil:
		return nil, fmt.Errorf("executor: applier is required")
	case deps.Tracker == nil:
		return nil, fmt.Errorf("executor: baseline tracker is required")
	case deps.Tests == nil:
		return nil, fmt.Errorf("executor: test runner is required")
	case deps.Builder == nil || deps.Auditor == nil:
		return nil, fmt.Errorf("executor: builder and auditor roles are required")
	case deps.Finalizer == nil:
		return nil, fmt.Errorf("executor: finalizer is required")
	case deps.Layout == nil:
		return nil, fmt.Errorf("executor: artifacts layout is required")
	}
	if strings.TrimSpace(cfg.WorkspaceRoot) == "" {
		return nil, fmt.Errorf("executor: workspace root is required")
	}
	cfg.applyDefaults()
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	e := &Executor{
		deps:      deps,
		cfg:       cfg,
		log:       deps.Logger,
		now:       func() time.Time { return time.Now().UTC() },
		hints:     map[string][]llm.Hint{},
		replanned: map[string]bool{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// ExecutePhase runs attempts until the phase parks, completes, fails, or
// the context is cancelled. The returned error is non-nil only for faults
// that must abort the whole run (config, storage drift, quota block on a
// best-first category, cancellation, internal store races).
func (e *Executor) ExecutePhase(ctx context.Context, phase *store.Phase) (*PhaseResult, error) {
	if phase == nil {
		return nil, autoerr.New(autoerr.KindConfig, "executor.execute", "nil phase")
	}
	res := &PhaseResult{Phase: phase}

	if err := e.preflight(phase); err != nil {
		res.PreflightFailed = true
		if phase.State.Terminal() {
			// Never rewrite a finished phase; the caller handed us the wrong row.
			return res, autoerr.Wrap(autoerr.KindConfig, "executor.preflight", err)
		}
		fresh, uerr := e.transition(ctx, phase, store.PhaseFailed, err.Error(), fingerprint.ForAttempt(phase.PhaseID, "preflight", err.Error()))
		if uerr != nil {
			return res, uerr
		}
		res.Phase, res.State, res.Fingerprint = fresh, fresh.State, fresh.LastFingerprint
		e.recordPhaseOutcome(ctx, fresh)
		return res, nil
	}

	if err := ctx.Err(); err != nil {
		return e.surrender(ctx, res, phase)
	}

	if phase.State == store.PhaseQueued || phase.State == store.PhaseApprovalPending || phase.State == store.PhaseReplanRequested {
		fresh, err := e.transition(ctx, phase, store.PhaseExecuting, "", "")
		if err != nil {
			return res, err
		}
		phase = fresh
		res.Phase = phase
	}

	lastFP := phase.LastFingerprint
	identical := 0
	if lastFP != "" {
		identical = 1
	}

	for {
		if err := ctx.Err(); err != nil {
			return e.surrender(ctx, res, phase)
		}

		ar := e.runAttempt(ctx, phase)
		if ar.reachedLLM {
			res.ReachedLLM = true
		}

		if ar.runErr != nil {
			// Run-fatal faults park the phase so a later session can
			// resume it, then surface to the supervisor.
			if autoerr.Is(ar.runErr, autoerr.KindCancelled) {
				return e.surrender(ctx, res, phase)
			}
			state := store.PhaseBlocked
			if autoerr.KindOf(ar.runErr).Fatal() {
				state = store.PhaseFailed
			}
			fresh, uerr := e.transition(ctx, phase, state, ar.runErr.Error(), fingerprint.ForAttempt(phase.PhaseID, "fault", ar.runErr.Error()))
			if uerr != nil {
				return res, uerr
			}
			res.Phase, res.State, res.Fingerprint = fresh, fresh.State, fresh.LastFingerprint
			e.recordPhaseOutcome(ctx, fresh)
			return res, ar.runErr
		}

		if ar.parked {
			fresh, err := e.transition(ctx, phase, store.PhaseApprovalPending, ar.reason, "")
			if err != nil {
				return res, err
			}
			res.Phase, res.State, res.ApprovalID = fresh, fresh.State, ar.approvalID
			return res, nil
		}

		if ar.outcome == store.OutcomeOK {
			fresh, err := e.complete(ctx, phase, ar)
			if err != nil {
				return res, err
			}
			res.Phase, res.State, res.Verdict = fresh, fresh.State, ar.verdict
			return res, nil
		}

		// Failed attempt: record, accumulate hints, decide retry.
		fp := fingerprint.ForAttempt(phase.PhaseID, string(ar.outcome), ar.reason)
		if fp == lastFP {
			identical++
		} else {
			lastFP, identical = fp, 1
		}
		e.addHints(phase.PhaseID, ar.hints...)
		res.Fingerprint = fp
		res.Verdict = ar.verdict

		used := phase.AttemptsUsed + 1
		next := store.PhaseExecuting
		reason := ar.reason
		switch {
		case used >= phase.MaxAttempts:
			next = store.PhaseFailed
		case identical >= replanAfterIdenticalFailures && !e.replanned[phase.PhaseID]:
			next = store.PhaseReplanRequested
			e.replanned[phase.PhaseID] = true
		case ar.outcome == store.OutcomeApprovalDenied:
			// A denial means the operator wants a different change;
			// surrender the slot so the supervisor re-queues with hints.
			next = store.PhaseQueued
		case ar.outcome == store.OutcomeApprovalTimeout:
			next = store.PhaseBlocked
		}

		fresh, err := e.recordFailedAttempt(ctx, phase, used, next, reason, fp)
		if err != nil {
			return res, err
		}
		phase = fresh
		res.Phase = phase
		res.State = phase.State

		if next != store.PhaseExecuting {
			e.recordPhaseOutcome(ctx, phase)
			return res, nil
		}
	}
}

// Hints exposes the accumulated learning hints for a phase, newest first.
// The drain controller logs them; tests assert on them.
func (e *Executor) Hints(phaseID string) []llm.Hint {
	out := make([]llm.Hint, len(e.hints[phaseID]))
	copy(out, e.hints[phaseID])
	return out
}

func (e *Executor) preflight(phase *store.Phase) error {
	if err := phase.Validate(); err != nil {
		return err
	}
	if phase.State.Terminal() {
		return fmt.Errorf("phase %s already %s", phase.PhaseID, phase.State)
	}
	if phase.AttemptsUsed >= phase.MaxAttempts {
		return fmt.Errorf("phase %s has no attempts left (%d/%d)", phase.PhaseID, phase.AttemptsUsed, phase.MaxAttempts)
	}
	return nil
}

// surrender is the cancellation path: the current step has already finished
// cleanly, the phase goes back to QUEUED without charging an attempt, and
// the supervisor records the run abort.
func (e *Executor) surrender(ctx context.Context, res *PhaseResult, phase *store.Phase) (*PhaseResult, error) {
	stop := context.WithoutCancel(ctx)
	fresh, err := e.transition(stop, phase, store.PhaseQueued, "run cancelled before completion", "")
	if err != nil {
		return res, err
	}
	res.Phase, res.State = fresh, fresh.State
	e.progress(fresh.RunID, map[string]any{
		"event":    "phase_surrendered",
		"phase_id": fresh.PhaseID,
	})
	return res, autoerr.Wrap(autoerr.KindCancelled, "executor.execute", context.Cause(ctx))
}

func (e *Executor) complete(ctx context.Context, phase *store.Phase, ar *attemptResult) (*store.Phase, error) {
	used := phase.AttemptsUsed + 1
	st := store.PhaseComplete
	empty := ""
	fresh, err := e.updatePhase(ctx, phase, store.PhaseUpdate{
		State:             &st,
		AttemptsUsed:      &used,
		LastFailureReason: &empty,
		LastFingerprint:   &empty,
	})
	if err != nil {
		return nil, err
	}
	delete(e.hints, phase.PhaseID)
	e.persistCompletion(phase, ar)
	e.recordPhaseOutcome(ctx, fresh)
	e.progress(phase.RunID, map[string]any{
		"event":     "phase_complete",
		"phase_id":  phase.PhaseID,
		"attempts":  used,
		"savepoint": ar.savePointID,
	})
	return fresh, nil
}

// persistCompletion makes the attempt's save point permanent and writes the
// phase summary + proof artifacts. All best-effort: the store row is the
// source of truth.
func (e *Executor) persistCompletion(phase *store.Phase, ar *attemptResult) {
	sha, err := e.deps.Applier.Commit(fmt.Sprintf("autopack(%s): phase %s complete", phase.RunID, phase.PhaseID))
	if err != nil {
		e.log.Warn("completion commit failed", zap.String("phase_id", phase.PhaseID), zap.Error(err))
	}
	rec := artifacts.CheckpointRecord{
		SavePointID: ar.savePointID,
		PhaseID:     phase.PhaseID,
		CommitSHA:   sha,
		CreatedAt:   e.now(),
		Permanent:   true,
	}
	if err := e.deps.Layout.WriteCheckpoint(e.cfg.Family, phase.RunID, rec); err != nil {
		e.log.Warn("checkpoint record write failed", zap.Error(err))
	}
	summary := map[string]any{
		"phase_id":     phase.PhaseID,
		"goal":         phase.Goal,
		"attempts":     phase.AttemptsUsed,
		"deliverables": phase.Deliverables,
		"save_point":   ar.savePointID,
		"commit":       sha,
		"completed_at": e.now().Format(time.RFC3339),
	}
	if err := artifacts.WriteJSONAtomic(e.deps.Layout.PhaseSummary(e.cfg.Family, phase.RunID, phase.PhaseID), summary); err != nil {
		e.log.Warn("phase summary write failed", zap.Error(err))
	}
	if ar.verdict != nil {
		if err := artifacts.WriteJSONAtomic(e.deps.Layout.ProofFile(e.cfg.Family, phase.RunID, phase.PhaseID), ar.verdict); err != nil {
			e.log.Warn("proof write failed", zap.Error(err))
		}
	}
}

func (e *Executor) recordFailedAttempt(ctx context.Context, phase *store.Phase, used int, next store.PhaseState, reason, fp string) (*store.Phase, error) {
	fresh, err := e.updatePhase(ctx, phase, store.PhaseUpdate{
		State:             &next,
		AttemptsUsed:      &used,
		LastFailureReason: &reason,
		LastFingerprint:   &fp,
	})
	if err != nil {
		return nil, err
	}
	e.progress(phase.RunID, map[string]any{
		"event":       "attempt_failed",
		"phase_id":    phase.PhaseID,
		"attempts":    used,
		"max":         phase.MaxAttempts,
		"state":       string(next),
		"reason":      reason,
		"fingerprint": fp,
	})
	return fresh, nil
}

func (e *Executor) transition(ctx context.Context, phase *store.Phase, state store.PhaseState, reason, fp string) (*store.Phase, error) {
	upd := store.PhaseUpdate{State: &state}
	if reason != "" || state == store.PhaseExecuting {
		upd.LastFailureReason = &reason
	}
	if fp != "" {
		upd.LastFingerprint = &fp
	}
	return e.updatePhase(ctx, phase, upd)
}

func (e *Executor) updatePhase(ctx context.Context, phase *store.Phase, upd store.PhaseUpdate) (*store.Phase, error) {
	fresh, err := e.deps.Store.UpdatePhase(ctx, phase, upd)
	if err == nil {
		*phase = *fresh
		return fresh, nil
	}
	if errors.Is(err, store.ErrStalePhase) {
		// Single-writer-per-run makes this unreachable unless a second
		// writer slipped past the run lock. Abort loudly.
		return nil, autoerr.New(autoerr.KindInternal, "executor.update_phase",
			"phase %s seq raced: another writer holds this run", phase.PhaseID)
	}
	return nil, err
}

func (e *Executor) recordPhaseOutcome(ctx context.Context, phase *store.Phase) {
	if e.deps.Telemetry == nil {
		return
	}
	e.deps.Telemetry.Record(ctx, telemetry.PhaseOutcome(
		phase.RunID, e.cfg.Family, phase.PhaseID,
		string(phase.State), phase.LastFailureReason, phase.AttemptsUsed))
}

// progress appends one NDJSON event to the run's progress log and bumps the
// supervisor's watchdog clock.
func (e *Executor) progress(runID string, event map[string]any) {
	if e.heartbeat != nil {
		e.heartbeat()
	}
	path := e.deps.Layout.ProgressLog(e.cfg.Family, runID)
	if err := artifacts.AppendEvent(path, event); err != nil {
		e.log.Debug("progress append failed", zap.Error(err))
	}
}

func (e *Executor) addHints(phaseID string, hints ...llm.Hint) {
	if len(hints) == 0 {
		return
	}
	merged := make([]llm.Hint, 0, len(hints)+len(e.hints[phaseID]))
	seen := map[llm.Hint]bool{}
	for _, h := range append(hints, e.hints[phaseID]...) {
		if seen[h] {
			continue
		}
		seen[h] = true
		merged = append(merged, h)
		if len(merged) >= e.cfg.HintLimit {
			break
		}
	}
	e.hints[phaseID] = merged
}

// workspaceLineCounter resolves current file sizes for governance deletion
// accounting.
func (e *Executor) workspaceLineCounter() patch.LineCounter {
	root := e.cfg.WorkspaceRoot
	return func(rel string) (int, bool) {
		b, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			return 0, false
		}
		n := 0
		for _, c := range b {
			if c == '\n' {
				n++
			}
		}
		if len(b) > 0 && b[len(b)-1] != '\n' {
			n++
		}
		return n, true
	}
}
