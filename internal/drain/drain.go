// Package drain replays FAILED phases in priority order under session-wide
// budgets. Every execution is recorded in a durable session file so an
// interrupted batch can resume, and repeated failure fingerprints shut off
// the phases producing them before they burn the rest of the budget.
package drain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/danshapiro/autopack/internal/autoerr"
	"github.com/danshapiro/autopack/internal/executor"
	"github.com/danshapiro/autopack/internal/fingerprint"
	"github.com/danshapiro/autopack/internal/store"
	"github.com/danshapiro/autopack/internal/telemetry"
)

// PhaseRunner executes one phase to its next settled state. Satisfied by
// *executor.Executor.
type PhaseRunner interface {
	ExecutePhase(ctx context.Context, phase *store.Phase) (*executor.PhaseResult, error)
}

// RunnerFactory builds the runner for a run the first time the session
// touches it. Runs need separate runners because an executor is bound to one
// run's workspace.
type RunnerFactory func(ctx context.Context, run *store.Run) (PhaseRunner, error)

// Deps is the controller's wiring.
type Deps struct {
	Store     *store.Store
	Runners   RunnerFactory
	Telemetry *telemetry.Sink // optional; yield reads DISABLED without it
	Logger    *zap.Logger
}

// Config tunes one drain session.
type Config struct {
	BatchSize    int
	Limits       Limits
	ParallelRuns int
	SessionsDir  string

	// Owner is the run-lock identity. Defaults to autopack-drain@host/pid.
	Owner string
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.Limits == (Limits{}) {
		c.Limits = DefaultLimits()
	}
	if c.ParallelRuns <= 0 {
		c.ParallelRuns = 1
	}
	if strings.TrimSpace(c.SessionsDir) == "" {
		c.SessionsDir = filepath.Join(".autopack", "batch_drain_sessions")
	}
	if strings.TrimSpace(c.Owner) == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "unknown"
		}
		c.Owner = fmt.Sprintf("autopack-drain@%s/%d", host, os.Getpid())
	}
}

// Controller drives one session at a time. Not safe for concurrent Drain or
// Resume calls on the same value.
type Controller struct {
	deps Deps
	cfg  Config
	log  *zap.Logger
	now  func() time.Time

	mu              sync.Mutex
	session         *Session
	lockBusy        map[string]bool
	runs            map[string]*store.Run
	runners         map[string]PhaseRunner
	activeBase      float64
	invocationStart time.Time
}

// Option tweaks controller construction.
type Option func(*Controller)

func withClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

// New validates the wiring and returns a controller.
func New(deps Deps, cfg Config, opts ...Option) (*Controller, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("drain: store is required")
	case deps.Runners == nil:
		return nil, fmt.Errorf("drain: runner factory is required")
	}
	cfg.applyDefaults()
	if err := cfg.Limits.validate(); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	c := &Controller{
		deps:    deps,
		cfg:     cfg,
		log:     deps.Logger,
		now:     func() time.Time { return time.Now().UTC() },
		runs:    map[string]*store.Run{},
		runners: map[string]PhaseRunner{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Drain starts a fresh session and runs it to a stop condition.
func (c *Controller) Drain(ctx context.Context) (*Session, error) {
	return c.run(ctx, NewSession(c.cfg.BatchSize, c.cfg.Limits))
}

// Resume continues the most recently started unfinished session, carrying
// over its counters, stopped sets, and remaining batch budget.
func (c *Controller) Resume(ctx context.Context) (*Session, error) {
	s, err := LatestOpenSession(c.cfg.SessionsDir)
	if err != nil {
		return nil, err
	}
	c.log.Info("resuming drain session",
		zap.String("session_id", s.SessionID),
		zap.Int("results_so_far", len(s.Results)))
	return c.run(ctx, s)
}

func (c *Controller) run(ctx context.Context, s *Session) (*Session, error) {
	c.mu.Lock()
	c.session = s
	c.lockBusy = map[string]bool{}
	c.activeBase = s.ActiveSeconds
	c.invocationStart = c.now()
	c.mu.Unlock()

	// The first write must succeed; without a session file there is nothing
	// to resume from.
	if err := s.Save(c.cfg.SessionsDir); err != nil {
		return s, autoerr.Wrap(autoerr.KindConfig, "drain.session", err)
	}
	c.log.Info("drain session open",
		zap.String("session_id", s.SessionID),
		zap.Int("batch_size", s.BatchSize),
		zap.Int("parallel_runs", c.cfg.ParallelRuns))

	for {
		if err := ctx.Err(); err != nil {
			// Leave the session open so --resume picks it up.
			c.persist()
			return s, autoerr.Wrap(autoerr.KindCancelled, "drain.session", cause(ctx))
		}
		if reason := c.stopReason(); reason != "" {
			return s, c.finish(reason, nil)
		}
		wave, err := c.selectWave(ctx)
		if err != nil {
			c.persist()
			return s, err
		}
		if len(wave) == 0 {
			return s, c.finish("no_candidates", nil)
		}
		if err := c.executeWave(ctx, wave); err != nil {
			if autoerr.Is(err, autoerr.KindQuotaBlocked) {
				return s, c.finish("quota_block", err)
			}
			c.persist()
			return s, err
		}
	}
}

// selectWave picks the next candidates: highest selection priority first,
// lower phase_index within a bucket, deprioritized runs last, at most one
// phase per run so within-run serialization holds.
func (c *Controller) selectWave(ctx context.Context) ([]*store.Phase, error) {
	failed, err := c.deps.Store.FailedPhases(ctx, store.FailedPhaseFilter{})
	if err != nil {
		return nil, fmt.Errorf("drain: list failed phases: %w", err)
	}

	type candidate struct {
		phase    *store.Phase
		priority int
		depri    bool
	}
	var cands []candidate
	c.mu.Lock()
	s := c.session
	remaining := s.BatchSize - len(s.Results)
	for _, p := range failed {
		if c.lockBusy[p.RunID] || s.runStopped(p.RunID) {
			continue
		}
		if s.PhaseAttempts[p.PhaseID] >= s.Limits.MaxAttemptsPerPhase {
			continue
		}
		if s.fingerprintStopped(prospectiveFingerprint(p)) {
			continue
		}
		cands = append(cands, candidate{
			phase:    p,
			priority: fingerprint.Classify(p.LastFailureReason).Priority(),
			depri:    s.deprioritized(p.RunID),
		})
	}
	c.mu.Unlock()

	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].depri != cands[j].depri {
			return !cands[i].depri
		}
		if cands[i].priority != cands[j].priority {
			return cands[i].priority < cands[j].priority
		}
		if cands[i].phase.PhaseIndex != cands[j].phase.PhaseIndex {
			return cands[i].phase.PhaseIndex < cands[j].phase.PhaseIndex
		}
		return cands[i].phase.RunID < cands[j].phase.RunID
	})

	width := c.cfg.ParallelRuns
	if width > remaining {
		width = remaining
	}
	var wave []*store.Phase
	inWave := map[string]bool{}
	for _, cd := range cands {
		if inWave[cd.phase.RunID] {
			continue
		}
		inWave[cd.phase.RunID] = true
		wave = append(wave, cd.phase)
		if len(wave) >= width {
			break
		}
	}
	return wave, nil
}

func (c *Controller) executeWave(ctx context.Context, wave []*store.Phase) error {
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(c.cfg.ParallelRuns)
	for _, cand := range wave {
		cand := cand
		eg.Go(func() error { return c.drainOne(egCtx, cand) })
	}
	return eg.Wait()
}

// drainOne executes one candidate under the run lock and records the result.
// A nil return keeps the session going; errors abort it.
func (c *Controller) drainOne(ctx context.Context, phase *store.Phase) error {
	runID := phase.RunID
	run, err := c.runRow(ctx, runID)
	if err != nil {
		return err
	}

	release, err := c.deps.Store.AcquireRunLock(ctx, runID, c.cfg.Owner)
	if err != nil {
		if errors.Is(err, store.ErrConflictingWriter) {
			c.mu.Lock()
			c.lockBusy[runID] = true
			c.mu.Unlock()
			c.log.Info("run lock held elsewhere, skipping run",
				zap.String("run_id", runID))
			return nil
		}
		return fmt.Errorf("drain: acquire run lock: %w", err)
	}
	defer func() {
		if rerr := release(); rerr != nil {
			c.log.Warn("run lock release failed", zap.String("run_id", runID), zap.Error(rerr))
		}
	}()

	queued, err := c.deps.Store.CountPhasesInState(ctx, runID, store.PhaseQueued)
	if err != nil {
		return fmt.Errorf("drain: count queued phases: %w", err)
	}
	if queued > 0 {
		// Never a second QUEUED phase per run. A stray one means another
		// writer owns this run's queue; stop the run for the session.
		c.mu.Lock()
		c.session.stopRun(runID)
		c.persistLocked()
		c.mu.Unlock()
		c.log.Warn("queued phase already present, run stopped for session",
			zap.String("run_id", runID), zap.Int("queued", queued))
		return nil
	}

	fresh, err := c.requeue(ctx, phase)
	if err != nil {
		return err
	}
	if fresh == nil {
		// Candidate changed state under us; nothing to drain.
		return nil
	}

	// Charge the session attempt before executing so a crash mid-execution
	// cannot replay the phase past its per-session budget on resume.
	c.mu.Lock()
	c.session.PhaseAttempts[phase.PhaseID]++
	sample := !c.session.sampled(runID)
	if sample {
		c.session.markSampled(runID)
	}
	c.persistLocked()
	c.mu.Unlock()

	runner, err := c.runnerFor(ctx, run)
	if err != nil {
		return autoerr.Wrap(autoerr.KindConfig, "drain.runner", err)
	}

	attemptStart := c.now()
	since := time.Now().UTC()
	pctx, cancel := context.WithTimeout(ctx, c.cfg.Limits.PhaseTimeout())
	pres, execErr := runner.ExecutePhase(pctx, fresh)
	timedOut := execErr != nil && errors.Is(pctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()
	dur := c.now().Sub(attemptStart)

	if execErr != nil && !timedOut && !autoerr.Is(execErr, autoerr.KindQuotaBlocked) {
		// Cancellation, fatal config/storage faults, and store races abort
		// the whole session; the open session file preserves resume state.
		return execErr
	}

	final := c.settleFinalState(ctx, phase.PhaseID, pres, timedOut)
	res := c.buildResult(ctx, run, phase.PhaseID, final, pres, sample, timedOut, since, dur)
	c.recordResult(res, timedOut)

	if c.deps.Telemetry != nil {
		c.deps.Telemetry.Record(ctx, telemetry.DrainResult(
			runID, run.Family, phase.PhaseID, res.Fingerprint, res.Yield))
	}
	c.log.Info("phase drained",
		zap.String("run_id", runID),
		zap.String("phase_id", phase.PhaseID),
		zap.String("final_state", res.FinalState),
		zap.String("yield", res.Yield),
		zap.Float64("yield_per_minute", res.TelemetryYieldPerMinute),
		zap.Bool("sample", sample),
		zap.Bool("timed_out", timedOut))

	if execErr != nil && autoerr.Is(execErr, autoerr.KindQuotaBlocked) {
		return execErr
	}
	return nil
}

// requeue puts a FAILED candidate back in the queue with exactly one attempt
// left. Returns nil when the candidate is no longer FAILED.
func (c *Controller) requeue(ctx context.Context, phase *store.Phase) (*store.Phase, error) {
	queuedState := store.PhaseQueued
	attempts := phase.MaxAttempts - 1
	upd := store.PhaseUpdate{State: &queuedState, AttemptsUsed: &attempts}

	fresh, err := c.deps.Store.UpdatePhase(ctx, phase, upd)
	if errors.Is(err, store.ErrStalePhase) {
		if fresh == nil || fresh.State != store.PhaseFailed {
			return nil, nil
		}
		attempts = fresh.MaxAttempts - 1
		fresh, err = c.deps.Store.UpdatePhase(ctx, fresh, upd)
	}
	if err != nil {
		return nil, fmt.Errorf("drain: requeue phase %s: %w", phase.PhaseID, err)
	}
	return fresh, nil
}

// settleFinalState reads the phase's post-execution state, converting a
// timeout surrender (phase back in QUEUED) into a FAILED row so the store
// never shows a queued phase nobody will pick up.
func (c *Controller) settleFinalState(ctx context.Context, phaseID string, pres *executor.PhaseResult, timedOut bool) *store.Phase {
	if !timedOut && pres != nil && pres.Phase != nil {
		return pres.Phase
	}
	stop := context.WithoutCancel(ctx)
	cur, err := c.deps.Store.GetPhase(stop, phaseID)
	if err != nil {
		c.log.Warn("post-drain phase read failed", zap.String("phase_id", phaseID), zap.Error(err))
		return nil
	}
	if !timedOut || (cur.State != store.PhaseQueued && cur.State != store.PhaseExecuting) {
		return cur
	}

	failedState := store.PhaseFailed
	reason := fmt.Sprintf("phase timeout after %s during drain", c.cfg.Limits.PhaseTimeout())
	fp := fingerprint.New(124, reason)
	upd := store.PhaseUpdate{State: &failedState, LastFailureReason: &reason, LastFingerprint: &fp}
	next, err := c.deps.Store.UpdatePhase(stop, cur, upd)
	if errors.Is(err, store.ErrStalePhase) && next != nil {
		next, err = c.deps.Store.UpdatePhase(stop, next, upd)
	}
	if err != nil {
		c.log.Warn("timeout settle failed", zap.String("phase_id", phaseID), zap.Error(err))
		return cur
	}
	return next
}

func (c *Controller) buildResult(ctx context.Context, run *store.Run, phaseID string, final *store.Phase, pres *executor.PhaseResult, sample, timedOut bool, since time.Time, dur time.Duration) Result {
	res := Result{
		RunID:      run.RunID,
		PhaseID:    phaseID,
		FinalState: string(store.PhaseFailed),
		DurationS:  dur.Seconds(),
		Sample:     sample,
		At:         time.Now().UTC(),
	}
	reason := ""
	if final != nil {
		res.FinalState = string(final.State)
		reason = final.LastFailureReason
	}
	if len(reason) > 200 {
		res.ErrorDigest = reason[:200]
	} else {
		res.ErrorDigest = reason
	}

	switch {
	case timedOut:
		res.SubprocessReturncode = 124
	case res.FinalState == string(store.PhaseFailed) || res.FinalState == string(store.PhaseBlocked):
		res.SubprocessReturncode = 1
	default:
		res.SubprocessReturncode = 0
	}
	if res.FinalState == string(store.PhaseFailed) || res.FinalState == string(store.PhaseBlocked) {
		res.Fingerprint = fingerprint.New(res.SubprocessReturncode, reason)
	}

	collected := 0
	if c.deps.Telemetry == nil || !c.deps.Telemetry.Enabled() {
		res.Yield = YieldDisabled
	} else {
		n, err := c.deps.Telemetry.CountSince(ctx, run.RunID, telemetry.KindTokenUsage, since)
		if err != nil {
			c.log.Warn("telemetry count failed", zap.String("run_id", run.RunID), zap.Error(err))
		}
		collected = n
		switch {
		case pres != nil && pres.PreflightFailed:
			res.Yield = YieldFailedPreflight
		case pres != nil && pres.ReachedLLM && collected > 0:
			res.Yield = YieldReachedLLM
		case pres != nil && pres.ReachedLLM:
			res.Yield = YieldLostInFlush
		default:
			res.Yield = YieldNoBoundary
		}
	}
	res.TelemetryEventsCollected = collected
	if minutes := dur.Minutes(); minutes > 0 {
		res.TelemetryYieldPerMinute = float64(collected) / minutes
	}
	return res
}

// recordResult folds one execution into the session: fingerprint counts,
// per-run timeout tallies, the zero-yield streak, sample triage, and the
// durable session file.
func (c *Controller) recordResult(res Result, timedOut bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.session
	s.Results = append(s.Results, res)

	if res.Fingerprint != "" {
		s.FingerprintCounts[res.Fingerprint]++
		if n := s.FingerprintCounts[res.Fingerprint]; n >= s.Limits.MaxFingerprintRepeats && !s.fingerprintStopped(res.Fingerprint) {
			s.stopFingerprint(res.Fingerprint)
			s.deprioritizeRun(res.RunID)
			c.log.Warn("fingerprint stopped",
				zap.String("fingerprint", res.Fingerprint),
				zap.Int("count", n),
				zap.String("run_id", res.RunID))
		}
	}
	if timedOut {
		s.TimeoutsPerRun[res.RunID]++
		if s.TimeoutsPerRun[res.RunID] >= s.Limits.MaxTimeoutsPerRun {
			s.stopRun(res.RunID)
			c.log.Warn("run stopped after repeated timeouts",
				zap.String("run_id", res.RunID),
				zap.Int("timeouts", s.TimeoutsPerRun[res.RunID]))
		}
	}

	// DISABLED yield measures nothing, so it neither feeds nor resets the
	// zero-yield streak.
	if res.Yield != YieldDisabled {
		if res.FinalState == string(store.PhaseComplete) || res.TelemetryEventsCollected > 0 {
			s.ZeroYieldStreak = 0
		} else {
			s.ZeroYieldStreak++
		}
	}

	if res.Sample {
		promising := res.FinalState == string(store.PhaseComplete) ||
			res.TelemetryEventsCollected > 0 || timedOut
		switch {
		case promising:
			s.markPromising(res.RunID)
		case res.Fingerprint != "" && s.FingerprintCounts[res.Fingerprint] >= 2 && res.TelemetryEventsCollected == 0:
			// The sample reproduced a failure this session has already
			// seen and bought nothing; park the run at the back.
			s.deprioritizeRun(res.RunID)
			c.log.Info("run deprioritized after unpromising sample",
				zap.String("run_id", res.RunID),
				zap.String("fingerprint", res.Fingerprint))
		}
	}
	c.persistLocked()
}

func (c *Controller) stopReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.session
	switch {
	case len(s.Results) >= s.BatchSize:
		return "batch_complete"
	case c.activeBase+c.now().Sub(c.invocationStart).Seconds() >= s.Limits.MaxTotal().Seconds():
		return "max_total_minutes"
	case s.ZeroYieldStreak >= s.Limits.MaxConsecutiveZeroYield:
		return "max_consecutive_zero_yield"
	}
	return ""
}

// finish marks the session done and writes the final summary. cause, when
// non-nil, is returned so the caller still sees the abort (quota blocks).
func (c *Controller) finish(reason string, cause error) error {
	c.mu.Lock()
	s := c.session
	now := time.Now().UTC()
	s.FinishedAt = &now
	s.StopReason = reason
	s.ActiveSeconds = c.activeBase + c.now().Sub(c.invocationStart).Seconds()
	saveErr := s.Save(c.cfg.SessionsDir)
	c.mu.Unlock()

	c.log.Info("drain session finished",
		zap.String("session_id", s.SessionID),
		zap.String("stop_reason", reason),
		zap.Int("results", len(s.Results)),
		zap.Int("stopped_runs", len(s.StoppedRuns)),
		zap.Int("stopped_fingerprints", len(s.StoppedFingerprints)),
		zap.Float64("active_s", s.ActiveSeconds))

	if cause != nil {
		if saveErr != nil {
			c.log.Error("session persist failed", zap.String("session_id", s.SessionID), zap.Error(saveErr))
		}
		return cause
	}
	if saveErr != nil {
		return fmt.Errorf("drain: persist session: %w", saveErr)
	}
	return nil
}

func (c *Controller) persist() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.persistLocked()
}

// persistLocked rewrites the session file; callers hold c.mu. Persistence is
// best effort mid-flight, the store rows stay authoritative for phase state.
func (c *Controller) persistLocked() {
	c.session.ActiveSeconds = c.activeBase + c.now().Sub(c.invocationStart).Seconds()
	if err := c.session.Save(c.cfg.SessionsDir); err != nil {
		c.log.Error("session persist failed",
			zap.String("session_id", c.session.SessionID), zap.Error(err))
	}
}

func (c *Controller) runRow(ctx context.Context, runID string) (*store.Run, error) {
	c.mu.Lock()
	if r, ok := c.runs[runID]; ok {
		c.mu.Unlock()
		return r, nil
	}
	c.mu.Unlock()
	r, err := c.deps.Store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("drain: load run %s: %w", runID, err)
	}
	c.mu.Lock()
	c.runs[runID] = r
	c.mu.Unlock()
	return r, nil
}

func (c *Controller) runnerFor(ctx context.Context, run *store.Run) (PhaseRunner, error) {
	c.mu.Lock()
	if r, ok := c.runners[run.RunID]; ok {
		c.mu.Unlock()
		return r, nil
	}
	c.mu.Unlock()
	r, err := c.deps.Runners(ctx, run)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.runners[run.RunID] = r
	c.mu.Unlock()
	return r, nil
}

// prospectiveFingerprint predicts what draining the candidate would produce,
// for skipping phases whose fingerprint is already stopped.
func prospectiveFingerprint(p *store.Phase) string {
	rc := 1
	if fingerprint.Classify(p.LastFailureReason) == fingerprint.ClassTimeout {
		rc = 124
	}
	return fingerprint.New(rc, p.LastFailureReason)
}

func cause(ctx context.Context) error {
	if err := context.Cause(ctx); err != nil {
		return err
	}
	return ctx.Err()
}
