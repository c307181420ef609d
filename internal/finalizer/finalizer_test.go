package finalizer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/danshapiro/autopack/internal/baseline"
	"github.com/danshapiro/autopack/internal/governance"
	"github.com/danshapiro/autopack/internal/patch"
	"github.com/danshapiro/autopack/internal/policy"
	"github.com/danshapiro/autopack/internal/store"
)

type retryRunner struct {
	failures []string
}

func (r *retryRunner) Run(_ context.Context, _ []string) (baseline.Report, error) {
	return baseline.Report{Failures: r.failures}, nil
}

func writeWS(t *testing.T, ws, rel, content string) {
	t.Helper()
	abs := filepath.Join(ws, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func finalizerPhase() *store.Phase {
	return &store.Phase{
		PhaseID:      "ph1",
		RunID:        "r1",
		Category:     policy.CategoryCoreBackendHigh,
		Complexity:   policy.ComplexityMedium,
		Deliverables: []string{"internal/auth/mfa.go", "internal/auth/mfa_test.go"},
		Scope:        store.Scope{AllowedPaths: []string{"internal/**"}},
		MaxAttempts:  5,
	}
}

func passingInput(t *testing.T) Input {
	ws := t.TempDir()
	writeWS(t, ws, "internal/auth/mfa.go", "package auth\n\nfunc Challenge() {}\n")
	writeWS(t, ws, "internal/auth/mfa_test.go", "package auth\n\nfunc TestChallenge(t *testing.T) {}\n")
	return Input{
		Phase:         finalizerPhase(),
		WorkspaceRoot: ws,
		Report:        baseline.Report{Total: 5},
		Risk:          governance.RiskAssessment{Level: governance.RiskLow},
		Proposal: &patch.Proposal{
			ProposalID: "prop1", AttemptID: "att1", Format: patch.FormatStructuredEdits,
			Operations:     []patch.Operation{{Op: patch.OpCreate, Path: "internal/auth/mfa.go", Content: "x"}},
			SymbolManifest: map[string][]string{"internal/auth/mfa.go": {"Challenge"}},
		},
	}
}

func TestAllGatesPassYieldsComplete(t *testing.T) {
	f := New(baseline.NewTracker(nil))
	v, err := f.Evaluate(context.Background(), passingInput(t))
	if err != nil {
		t.Fatal(err)
	}
	if !v.Complete {
		t.Fatalf("verdict = %s", v)
	}
}

func TestGate0BlocksOnNewFailures(t *testing.T) {
	runner := &retryRunner{failures: []string{"TestChallenge"}}
	tr := baseline.NewTracker(runner)
	tr.Capture(baseline.Report{Failures: []string{"TestLegacy"}})

	f := New(tr)
	in := passingInput(t)
	in.Report = baseline.Report{Failures: []string{"TestLegacy", "TestChallenge"}}
	v, err := f.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if v.Complete || v.Gate != GateCIDelta {
		t.Fatalf("verdict = %s", v)
	}
	if len(v.NewFailures) != 1 || v.NewFailures[0] != "TestChallenge" {
		t.Fatalf("new failures = %v", v.NewFailures)
	}
}

func TestGate0FlakyFailurePasses(t *testing.T) {
	// The retry reports no failures: the candidate was flaky.
	tr := baseline.NewTracker(&retryRunner{})
	tr.Capture(baseline.Report{})

	f := New(tr)
	in := passingInput(t)
	in.Report = baseline.Report{Failures: []string{"TestFlaky"}}
	v, err := f.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if !v.Complete {
		t.Fatalf("verdict = %s", v)
	}
}

func TestGate1BlocksUnapprovedHighRisk(t *testing.T) {
	f := New(baseline.NewTracker(nil))
	in := passingInput(t)
	in.Risk = governance.RiskAssessment{Level: governance.RiskHigh, RequiresApproval: true}
	v, err := f.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if v.Complete || v.Gate != GateQuality {
		t.Fatalf("verdict = %s", v)
	}

	in.Approved = true
	v, err = f.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if !v.Complete {
		t.Fatalf("approved high risk should pass, got %s", v)
	}
}

func TestGate1BlocksCoverageRegression(t *testing.T) {
	tr := baseline.NewTracker(nil)
	cov := 70.0
	tr.Capture(baseline.Report{Coverage: &cov})

	f := New(tr)
	in := passingInput(t)
	lower := 65.0
	in.Report.Coverage = &lower
	v, err := f.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if v.Complete || v.Gate != GateQuality {
		t.Fatalf("verdict = %s", v)
	}
	if v.CoverageDelta != -5.0 {
		t.Fatalf("coverage delta = %v", v.CoverageDelta)
	}
}

func TestMissingCoverageBaselineDoesNotBlock(t *testing.T) {
	f := New(baseline.NewTracker(nil))
	in := passingInput(t)
	cov := 12.0
	in.Report.Coverage = &cov
	v, err := f.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if !v.Complete {
		t.Fatalf("verdict = %s", v)
	}
	if v.CoverageDelta != 0 {
		t.Fatalf("coverage delta without baseline = %v", v.CoverageDelta)
	}
}

func TestGate2BlocksMissingAndEmptyDeliverables(t *testing.T) {
	f := New(baseline.NewTracker(nil))
	in := passingInput(t)
	writeWS(t, in.WorkspaceRoot, "internal/auth/mfa_test.go", "")
	v, err := f.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if v.Complete || v.Gate != GateDeliverables {
		t.Fatalf("verdict = %s", v)
	}
	if len(v.Reasons) != 1 {
		t.Fatalf("reasons = %v", v.Reasons)
	}
}

func TestGate2BlocksDeliverableOutsideScope(t *testing.T) {
	f := New(baseline.NewTracker(nil))
	in := passingInput(t)
	in.Phase.Deliverables = append(in.Phase.Deliverables, "build/out.bin")
	v, err := f.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if v.Complete || v.Gate != GateDeliverables {
		t.Fatalf("verdict = %s", v)
	}
}

func TestGate3BlocksLostSymbolAndEmptyTests(t *testing.T) {
	f := New(baseline.NewTracker(nil))
	in := passingInput(t)
	// Keep the file non-empty but drop the declared symbol and test cases.
	writeWS(t, in.WorkspaceRoot, "internal/auth/mfa.go", "package auth\n")
	writeWS(t, in.WorkspaceRoot, "internal/auth/mfa_test.go", "package auth\n")
	v, err := f.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if v.Complete || v.Gate != GateSymbols {
		t.Fatalf("verdict = %s", v)
	}
	if len(v.Reasons) != 2 {
		t.Fatalf("reasons = %v", v.Reasons)
	}
}

func TestGateOrderStopsAtFirst(t *testing.T) {
	// Both gate 0 and gate 2 would fail; only gate 0 may be reported.
	runner := &retryRunner{failures: []string{"TestBroken"}}
	tr := baseline.NewTracker(runner)
	tr.Capture(baseline.Report{})

	f := New(tr)
	in := passingInput(t)
	in.Report = baseline.Report{Failures: []string{"TestBroken"}}
	if err := os.Remove(filepath.Join(in.WorkspaceRoot, "internal/auth/mfa.go")); err != nil {
		t.Fatal(err)
	}
	v, err := f.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if v.Gate != GateCIDelta {
		t.Fatalf("gate = %s, want ci_delta first", v.Gate)
	}
}
