package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/danshapiro/autopack/internal/policy"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "autopack.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testPhase(runID, phaseID string, index int) *Phase {
	return &Phase{
		PhaseID:    phaseID,
		RunID:      runID,
		PhaseIndex: index,
		Goal:       "add retry logic to the fetcher",
		Category:   policy.CategoryCoreBackendHigh,
		Complexity: policy.ComplexityMedium,
		Deliverables: []string{
			"internal/fetch/retry.go",
		},
		Scope: Scope{
			AllowedPaths:    []string{"internal/fetch/**"},
			ReadonlyContext: []string{"internal/config/**"},
			ProtectedPaths:  []string{".git/**"},
		},
		MaxAttempts: 5,
	}
}

func mustCreateRun(t *testing.T, s *Store, runID string) {
	t.Helper()
	err := s.CreateRun(context.Background(), &Run{
		RunID:     runID,
		ProjectID: "proj-1",
		Family:    "payments",
	})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
}

func TestRunRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreateRun(t, s, "run-1")

	r, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if r.State != RunQueued {
		t.Fatalf("state = %v, want %v", r.State, RunQueued)
	}
	if r.Family != "payments" {
		t.Fatalf("family = %q, want %q", r.Family, "payments")
	}
	if r.StartedAt != nil || r.FinishedAt != nil {
		t.Fatalf("new run should have nil started_at/finished_at")
	}

	if err := s.UpdateRunState(ctx, "run-1", RunExecuting); err != nil {
		t.Fatalf("UpdateRunState: %v", err)
	}
	r, err = s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if r.State != RunExecuting || r.StartedAt == nil {
		t.Fatalf("got state=%v started=%v, want EXECUTING with started_at set", r.State, r.StartedAt)
	}

	if err := s.UpdateRunState(ctx, "run-1", RunDoneSuccess); err != nil {
		t.Fatalf("UpdateRunState: %v", err)
	}
	r, _ = s.GetRun(ctx, "run-1")
	if r.FinishedAt == nil {
		t.Fatalf("terminal run should have finished_at set")
	}
}

func TestRunTerminalStateFrozen(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreateRun(t, s, "run-1")
	if err := s.UpdateRunState(ctx, "run-1", RunDoneAborted); err != nil {
		t.Fatalf("UpdateRunState: %v", err)
	}
	if err := s.UpdateRunState(ctx, "run-1", RunExecuting); err == nil {
		t.Fatalf("expected error transitioning out of DONE_ABORTED")
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetRun(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestAddRunTokens(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreateRun(t, s, "run-1")
	if err := s.AddRunTokens(ctx, "run-1", 1200); err != nil {
		t.Fatalf("AddRunTokens: %v", err)
	}
	if err := s.AddRunTokens(ctx, "run-1", 300); err != nil {
		t.Fatalf("AddRunTokens: %v", err)
	}
	r, _ := s.GetRun(ctx, "run-1")
	if r.TokensUsed != 1500 {
		t.Fatalf("tokens_used = %d, want 1500", r.TokensUsed)
	}
	if err := s.AddRunTokens(ctx, "run-1", -1); err == nil {
		t.Fatalf("expected error for negative token delta")
	}
}

func TestPhaseValidate(t *testing.T) {
	p := testPhase("run-1", "ph-1", 0)
	p.Scope.AllowedPaths = nil
	if err := p.Validate(); err == nil {
		t.Fatalf("expected error for empty allowed_paths")
	}

	p = testPhase("run-1", "ph-1", 0)
	p.Scope.ProtectedPaths = append(p.Scope.ProtectedPaths, "internal/fetch/**")
	if err := p.Validate(); err == nil {
		t.Fatalf("expected error for path both protected and allowed")
	}

	p = testPhase("run-1", "ph-1", 0)
	p.MaxAttempts = 0
	if err := p.Validate(); err == nil {
		t.Fatalf("expected error for max_attempts 0")
	}
}

func TestPhaseRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreateRun(t, s, "run-1")

	in := testPhase("run-1", "ph-1", 0)
	if err := s.CreatePhase(ctx, in); err != nil {
		t.Fatalf("CreatePhase: %v", err)
	}

	p, err := s.GetPhase(ctx, "ph-1")
	if err != nil {
		t.Fatalf("GetPhase: %v", err)
	}
	if p.State != PhaseQueued {
		t.Fatalf("state = %v, want QUEUED", p.State)
	}
	if p.Seq != 0 {
		t.Fatalf("seq = %d, want 0", p.Seq)
	}
	if len(p.Scope.AllowedPaths) != 1 || p.Scope.AllowedPaths[0] != "internal/fetch/**" {
		t.Fatalf("scope round trip mismatch: %+v", p.Scope)
	}
	if p.Category != policy.CategoryCoreBackendHigh {
		t.Fatalf("category = %v", p.Category)
	}
}

func TestNextQueuedPhaseOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreateRun(t, s, "run-1")
	for i, id := range []string{"ph-a", "ph-b", "ph-c"} {
		if err := s.CreatePhase(ctx, testPhase("run-1", id, i)); err != nil {
			t.Fatalf("CreatePhase %s: %v", id, err)
		}
	}

	p, err := s.NextQueuedPhase(ctx, "run-1")
	if err != nil {
		t.Fatalf("NextQueuedPhase: %v", err)
	}
	if p == nil || p.PhaseID != "ph-a" {
		t.Fatalf("got %+v, want ph-a", p)
	}

	st := PhaseComplete
	if _, err := s.UpdatePhase(ctx, p, PhaseUpdate{State: &st}); err != nil {
		t.Fatalf("UpdatePhase: %v", err)
	}
	p, err = s.NextQueuedPhase(ctx, "run-1")
	if err != nil {
		t.Fatalf("NextQueuedPhase: %v", err)
	}
	if p == nil || p.PhaseID != "ph-b" {
		t.Fatalf("got %+v, want ph-b", p)
	}
}

func TestNextQueuedPhaseEmpty(t *testing.T) {
	s := openTestStore(t)
	mustCreateRun(t, s, "run-1")
	p, err := s.NextQueuedPhase(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("NextQueuedPhase: %v", err)
	}
	if p != nil {
		t.Fatalf("got %+v, want nil", p)
	}
}

func TestUpdatePhaseCAS(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreateRun(t, s, "run-1")
	if err := s.CreatePhase(ctx, testPhase("run-1", "ph-1", 0)); err != nil {
		t.Fatalf("CreatePhase: %v", err)
	}

	p1, _ := s.GetPhase(ctx, "ph-1")
	p2, _ := s.GetPhase(ctx, "ph-1")

	st := PhaseExecuting
	attempts := 1
	updated, err := s.UpdatePhase(ctx, p1, PhaseUpdate{State: &st, AttemptsUsed: &attempts})
	if err != nil {
		t.Fatalf("first UpdatePhase: %v", err)
	}
	if updated.Seq != 1 || updated.State != PhaseExecuting || updated.AttemptsUsed != 1 {
		t.Fatalf("updated = %+v", updated)
	}

	// The second writer still holds seq 0 and must lose.
	st2 := PhaseFailed
	fresh, err := s.UpdatePhase(ctx, p2, PhaseUpdate{State: &st2})
	if !errors.Is(err, ErrStalePhase) {
		t.Fatalf("err = %v, want ErrStalePhase", err)
	}
	if fresh == nil || fresh.Seq != 1 || fresh.State != PhaseExecuting {
		t.Fatalf("stale update should return fresh snapshot, got %+v", fresh)
	}

	// Retrying from the fresh snapshot succeeds.
	reason := "builder returned malformed patch"
	if _, err := s.UpdatePhase(ctx, fresh, PhaseUpdate{State: &st2, LastFailureReason: &reason}); err != nil {
		t.Fatalf("retry UpdatePhase: %v", err)
	}
	final, _ := s.GetPhase(ctx, "ph-1")
	if final.State != PhaseFailed || final.LastFailureReason != reason || final.Seq != 2 {
		t.Fatalf("final = %+v", final)
	}
}

func TestFailedPhasesFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreateRun(t, s, "run-1")
	mustCreateRun(t, s, "run-2")

	mk := func(runID, phaseID string, idx int, cat policy.Category, fail bool) {
		p := testPhase(runID, phaseID, idx)
		p.Category = cat
		if err := s.CreatePhase(ctx, p); err != nil {
			t.Fatalf("CreatePhase %s: %v", phaseID, err)
		}
		if fail {
			got, _ := s.GetPhase(ctx, phaseID)
			st := PhaseFailed
			if _, err := s.UpdatePhase(ctx, got, PhaseUpdate{State: &st}); err != nil {
				t.Fatalf("UpdatePhase %s: %v", phaseID, err)
			}
		}
	}
	mk("run-1", "ph-1", 0, policy.CategoryCoreBackendHigh, true)
	mk("run-1", "ph-2", 1, policy.CategoryDocs, true)
	mk("run-2", "ph-3", 0, policy.CategoryCoreBackendHigh, true)
	mk("run-2", "ph-4", 1, policy.CategoryCoreBackendHigh, false)

	all, err := s.FailedPhases(ctx, FailedPhaseFilter{})
	if err != nil {
		t.Fatalf("FailedPhases: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}

	byRun, _ := s.FailedPhases(ctx, FailedPhaseFilter{RunID: "run-1"})
	if len(byRun) != 2 {
		t.Fatalf("run filter len = %d, want 2", len(byRun))
	}

	byCat, _ := s.FailedPhases(ctx, FailedPhaseFilter{Category: policy.CategoryDocs})
	if len(byCat) != 1 || byCat[0].PhaseID != "ph-2" {
		t.Fatalf("category filter = %+v", byCat)
	}

	limited, _ := s.FailedPhases(ctx, FailedPhaseFilter{Limit: 1})
	if len(limited) != 1 {
		t.Fatalf("limit filter len = %d, want 1", len(limited))
	}
}

func TestAttemptLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreateRun(t, s, "run-1")
	if err := s.CreatePhase(ctx, testPhase("run-1", "ph-1", 0)); err != nil {
		t.Fatalf("CreatePhase: %v", err)
	}

	a := &Attempt{
		AttemptID:    "att-1",
		PhaseID:      "ph-1",
		AttemptIndex: 1,
		Role:         policy.RoleBuilder,
		ModelID:      "frontier-build-1",
	}
	if err := s.InsertAttempt(ctx, a); err != nil {
		t.Fatalf("InsertAttempt: %v", err)
	}
	if err := s.FinishAttempt(ctx, "att-1", OutcomeBuilderFail, 9000, 2100, "FAILED|rc1|patch did not apply"); err != nil {
		t.Fatalf("FinishAttempt: %v", err)
	}

	got, err := s.PhaseAttempts(ctx, "ph-1")
	if err != nil {
		t.Fatalf("PhaseAttempts: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].Outcome != OutcomeBuilderFail || got[0].TokensIn != 9000 || got[0].FinishedAt == nil {
		t.Fatalf("attempt = %+v", got[0])
	}

	if err := s.FinishAttempt(ctx, "att-missing", OutcomeOK, 0, 0, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := s.FinishAttempt(ctx, "att-1", AttemptOutcome("NOT_A_THING"), 0, 0, ""); err == nil {
		t.Fatalf("expected error for invalid outcome")
	}
}

func TestRunLockConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	release, err := s.AcquireRunLock(ctx, "run-1", "supervisor-a")
	if err != nil {
		t.Fatalf("AcquireRunLock: %v", err)
	}

	_, err = s.AcquireRunLock(ctx, "run-1", "supervisor-b")
	if !errors.Is(err, ErrConflictingWriter) {
		t.Fatalf("err = %v, want ErrConflictingWriter", err)
	}

	// Same owner may re-enter.
	release2, err := s.AcquireRunLock(ctx, "run-1", "supervisor-a")
	if err != nil {
		t.Fatalf("re-acquire by same owner: %v", err)
	}
	_ = release2

	if err := release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := release(); err != nil {
		t.Fatalf("second release should be a no-op: %v", err)
	}

	if _, err := s.AcquireRunLock(ctx, "run-1", "supervisor-b"); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestRunLockHeartbeat(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.AcquireRunLock(ctx, "run-1", "supervisor-a"); err != nil {
		t.Fatalf("AcquireRunLock: %v", err)
	}
	if err := s.HeartbeatRunLock(ctx, "run-1", "supervisor-a"); err != nil {
		t.Fatalf("HeartbeatRunLock: %v", err)
	}
	if err := s.HeartbeatRunLock(ctx, "run-1", "supervisor-b"); !errors.Is(err, ErrConflictingWriter) {
		t.Fatalf("err = %v, want ErrConflictingWriter", err)
	}
}

func TestApprovalAuditTrail(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	events := []struct{ event, actor string }{
		{"OPENED", ""},
		{"POLLED", ""},
		{"APPROVED", "oncall@example.com"},
	}
	for _, ev := range events {
		if err := s.AppendApprovalAudit(ctx, "appr-1", "ph-1", ev.event, ev.actor, ""); err != nil {
			t.Fatalf("AppendApprovalAudit %s: %v", ev.event, err)
		}
	}

	trail, err := s.ApprovalAudit(ctx, "appr-1")
	if err != nil {
		t.Fatalf("ApprovalAudit: %v", err)
	}
	if len(trail) != 3 {
		t.Fatalf("len = %d, want 3", len(trail))
	}
	if trail[2].Event != "APPROVED" || trail[2].Actor != "oncall@example.com" {
		t.Fatalf("trail[2] = %+v", trail[2])
	}
	for _, ev := range trail {
		if ev.At.IsZero() || time.Since(ev.At) > time.Minute {
			t.Fatalf("ts not set correctly: %+v", ev)
		}
	}
}

func TestPendingApprovals(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// appr-1 decided, appr-2 still open (a POLLED note is not a decision),
	// appr-3 timed out.
	seed := []struct{ id, event string }{
		{"appr-1", "OPENED"},
		{"appr-1", "APPROVED"},
		{"appr-2", "OPENED"},
		{"appr-2", "POLLED"},
		{"appr-3", "OPENED"},
		{"appr-3", "TIMED_OUT"},
	}
	for _, ev := range seed {
		if err := s.AppendApprovalAudit(ctx, ev.id, "ph-"+ev.id, ev.event, "system", ""); err != nil {
			t.Fatalf("AppendApprovalAudit: %v", err)
		}
	}

	pending, err := s.PendingApprovals(ctx)
	if err != nil {
		t.Fatalf("PendingApprovals: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %+v, want exactly appr-2", pending)
	}
	if pending[0].ApprovalID != "appr-2" || pending[0].PhaseID != "ph-appr-2" {
		t.Fatalf("pending[0] = %+v", pending[0])
	}
}

func TestHealthFingerprint(t *testing.T) {
	dir := t.TempDir()
	s1, err := Open(filepath.Join(dir, "a.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s1.Close()
	s2, err := Open(filepath.Join(dir, "b.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s2.Close()

	if s1.HealthFingerprint() == "" {
		t.Fatalf("fingerprint should be non-empty")
	}
	if s1.HealthFingerprint() != s1.HealthFingerprint() {
		t.Fatalf("fingerprint should be stable")
	}
	if s1.HealthFingerprint() == s2.HealthFingerprint() {
		t.Fatalf("different databases must have different fingerprints")
	}
}
