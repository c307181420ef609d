// Package finalizer decides whether a phase is actually done. It is the only
// component allowed to conclude COMPLETE; everything upstream can merely fail
// or ask for another attempt. Four gates run in a fixed order and evaluation
// stops at the first one that blocks.
package finalizer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/danshapiro/autopack/internal/apply"
	"github.com/danshapiro/autopack/internal/baseline"
	"github.com/danshapiro/autopack/internal/governance"
	"github.com/danshapiro/autopack/internal/patch"
	"github.com/danshapiro/autopack/internal/store"
)

// GateID names the gate that blocked a phase.
type GateID string

const (
	GateCIDelta      GateID = "ci_delta"
	GateQuality      GateID = "quality"
	GateDeliverables GateID = "deliverables"
	GateSymbols      GateID = "symbols"
)

// Input is everything the gates need to judge one attempt.
type Input struct {
	Phase         *store.Phase
	Proposal      *patch.Proposal
	WorkspaceRoot string
	Report        baseline.Report
	Risk          governance.RiskAssessment
	Approved      bool

	// CoverageRequired blocks when the test report carries no coverage
	// figure. Off by default: most target projects have no baseline yet.
	CoverageRequired bool
}

// Verdict is the finalizer's ruling.
type Verdict struct {
	Complete      bool     `json:"complete"`
	Gate          GateID   `json:"gate,omitempty"`
	Reasons       []string `json:"reasons,omitempty"`
	NewFailures   []string `json:"new_failures,omitempty"`
	CoverageDelta float64  `json:"coverage_delta"`
}

// Blocked is the non-complete half of the verdict, kept readable in logs.
func (v Verdict) Blocked() bool { return !v.Complete }

func (v Verdict) String() string {
	if v.Complete {
		return "COMPLETE"
	}
	return fmt.Sprintf("BLOCKED at %s: %s", v.Gate, strings.Join(v.Reasons, "; "))
}

// Finalizer evaluates phase completion against the run's test baseline.
type Finalizer struct {
	tracker *baseline.Tracker
	log     *zap.Logger
}

type Option func(*Finalizer)

func WithLogger(l *zap.Logger) Option { return func(f *Finalizer) { f.log = l } }

func New(tracker *baseline.Tracker, opts ...Option) *Finalizer {
	f := &Finalizer{tracker: tracker, log: zap.NewNop()}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Evaluate runs the gates. The returned error is reserved for infrastructure
// faults (cancellation); a failing gate is a Verdict, not an error.
func (f *Finalizer) Evaluate(ctx context.Context, in Input) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}

	v := Verdict{CoverageDelta: f.tracker.CoverageDelta(in.Report.Coverage)}

	newFailures, err := f.tracker.EvaluateWithRetry(ctx, in.Report)
	if err != nil {
		return Verdict{}, err
	}
	v.NewFailures = newFailures
	if len(newFailures) > 0 {
		v.Gate = GateCIDelta
		v.Reasons = []string{fmt.Sprintf("%d new test failure(s): %s", len(newFailures), strings.Join(newFailures, ", "))}
		f.logVerdict(in, v)
		return v, nil
	}

	if reasons := f.qualityGate(in, v.CoverageDelta); len(reasons) > 0 {
		v.Gate = GateQuality
		v.Reasons = reasons
		f.logVerdict(in, v)
		return v, nil
	}

	if reasons := f.deliverablesGate(in); len(reasons) > 0 {
		v.Gate = GateDeliverables
		v.Reasons = reasons
		f.logVerdict(in, v)
		return v, nil
	}

	if reasons := f.symbolsGate(in); len(reasons) > 0 {
		v.Gate = GateSymbols
		v.Reasons = reasons
		f.logVerdict(in, v)
		return v, nil
	}

	v.Complete = true
	f.logVerdict(in, v)
	return v, nil
}

func (f *Finalizer) qualityGate(in Input, coverageDelta float64) []string {
	var reasons []string
	if in.Risk.Level.AtLeast(governance.RiskCritical) && !in.Approved {
		reasons = append(reasons, fmt.Sprintf("risk %s requires an approval that was never granted", in.Risk.Level))
	} else if in.Risk.RequiresApproval && !in.Approved {
		reasons = append(reasons, "proposal required approval but none was granted")
	}
	if coverageDelta < 0 {
		reasons = append(reasons, fmt.Sprintf("coverage regressed by %.2f points", -coverageDelta))
	}
	if in.CoverageRequired && in.Report.Coverage == nil {
		reasons = append(reasons, "coverage figure missing from test report")
	}
	return reasons
}

func (f *Finalizer) deliverablesGate(in Input) []string {
	var reasons []string
	for _, rel := range f.deliverables(in) {
		cleaned, err := patch.CleanRelPath(rel)
		if err != nil {
			reasons = append(reasons, fmt.Sprintf("deliverable %q: %v", rel, err))
			continue
		}
		if !governance.InScope(cleaned, in.Phase.Scope.AllowedPaths) {
			reasons = append(reasons, fmt.Sprintf("deliverable %s is outside allowed_paths", cleaned))
			continue
		}
		info, err := os.Stat(filepath.Join(in.WorkspaceRoot, filepath.FromSlash(cleaned)))
		switch {
		case err != nil:
			reasons = append(reasons, fmt.Sprintf("deliverable %s does not exist", cleaned))
		case info.IsDir():
			reasons = append(reasons, fmt.Sprintf("deliverable %s is a directory", cleaned))
		case info.Size() == 0:
			reasons = append(reasons, fmt.Sprintf("deliverable %s is empty", cleaned))
		}
	}
	return reasons
}

func (f *Finalizer) symbolsGate(in Input) []string {
	var reasons []string
	if in.Proposal != nil {
		for rel, symbols := range in.Proposal.SymbolManifest {
			cleaned, err := patch.CleanRelPath(rel)
			if err != nil {
				continue
			}
			content, err := os.ReadFile(filepath.Join(in.WorkspaceRoot, filepath.FromSlash(cleaned)))
			if err != nil {
				reasons = append(reasons, fmt.Sprintf("symbol manifest file %s unreadable", cleaned))
				continue
			}
			for _, sym := range symbols {
				if !apply.SymbolPresent(cleaned, string(content), sym) {
					reasons = append(reasons, fmt.Sprintf("declared symbol %s missing from %s", sym, cleaned))
				}
			}
		}
	}
	for _, rel := range f.deliverables(in) {
		cleaned, err := patch.CleanRelPath(rel)
		if err != nil || !apply.IsTestFile(cleaned) {
			continue
		}
		content, err := os.ReadFile(filepath.Join(in.WorkspaceRoot, filepath.FromSlash(cleaned)))
		if err != nil {
			continue // the deliverables gate already reported absence
		}
		if apply.CountTestCases(cleaned, string(content)) == 0 {
			reasons = append(reasons, fmt.Sprintf("test deliverable %s contains no test cases", cleaned))
		}
	}
	sort.Strings(reasons)
	return reasons
}

// deliverables merges the phase's declared deliverables with what the
// proposal promised, deduped in stable order.
func (f *Finalizer) deliverables(in Input) []string {
	seen := map[string]bool{}
	var out []string
	add := func(rel string) {
		if rel == "" || seen[rel] {
			return
		}
		seen[rel] = true
		out = append(out, rel)
	}
	for _, d := range in.Phase.Deliverables {
		add(d)
	}
	if in.Proposal != nil {
		for _, d := range in.Proposal.DeclaredDeliverables {
			add(d)
		}
	}
	return out
}

func (f *Finalizer) logVerdict(in Input, v Verdict) {
	f.log.Info("finalizer verdict",
		zap.String("phase_id", in.Phase.PhaseID),
		zap.Bool("complete", v.Complete),
		zap.String("gate", string(v.Gate)),
		zap.Strings("reasons", v.Reasons))
}
