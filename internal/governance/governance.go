// Package governance scores Builder proposals against the phase scope and
// protection policy, and rules whether an apply may proceed without a human.
// Default-deny: anything the rules do not explicitly auto-approve requires
// approval, and out-of-scope writes are rejected with no approval path.
package governance

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/danshapiro/autopack/internal/patch"
	"github.com/danshapiro/autopack/internal/policy"
	"github.com/danshapiro/autopack/internal/store"
)

// RiskLevel orders proposals by blast radius.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

var riskRank = map[RiskLevel]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

func ParseRiskLevel(s string) (RiskLevel, error) {
	r := RiskLevel(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := riskRank[r]; ok {
		return r, nil
	}
	return "", fmt.Errorf("invalid risk level %q (want LOW|MEDIUM|HIGH|CRITICAL)", s)
}

// AtLeast reports whether r is at or above other.
func (r RiskLevel) AtLeast(other RiskLevel) bool {
	return riskRank[r] >= riskRank[other]
}

// raise bumps r to at least floor.
func (r RiskLevel) raise(floor RiskLevel) RiskLevel {
	if riskRank[floor] > riskRank[r] {
		return floor
	}
	return r
}

// Ruling is the governance verdict for one proposal.
type Ruling string

const (
	RulingAutoApprove     Ruling = "AUTO_APPROVE"
	RulingRequireApproval Ruling = "REQUIRE_APPROVAL"
	RulingReject          Ruling = "REJECT"
)

// DecisionCategory is advisory routing metadata for approval surfaces.
type DecisionCategory string

const (
	DecisionClearFix  DecisionCategory = "CLEAR_FIX"
	DecisionThreshold DecisionCategory = "THRESHOLD"
	DecisionRisky     DecisionCategory = "RISKY"
	DecisionAmbiguous DecisionCategory = "AMBIGUOUS"
)

// RiskAssessment is the scored view of one proposal.
type RiskAssessment struct {
	Level            RiskLevel        `json:"level"`
	RequiresApproval bool             `json:"requires_approval"`
	Signals          []string         `json:"signals"`
	ProtectedHits    []string         `json:"protected_hits,omitempty"`
	OutsideScope     []string         `json:"outside_scope,omitempty"`
	DecisionCategory DecisionCategory `json:"decision_category"`
	Stats            patch.Stats      `json:"-"`

	paths []string
}

// Reason joins the signals for audit rows and telemetry payloads.
func (a RiskAssessment) Reason() string {
	if len(a.Signals) == 0 {
		return "no risk signals"
	}
	return strings.Join(a.Signals, "; ")
}

// Scorer evaluates proposals. Stateless and safe for concurrent use.
type Scorer struct {
	policies *policy.Store
	log      *zap.Logger
}

type Option func(*Scorer)

func WithLogger(l *zap.Logger) Option { return func(s *Scorer) { s.log = l } }

func NewScorer(policies *policy.Store, opts ...Option) *Scorer {
	s := &Scorer{policies: policies, log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Assess scores the proposal against the phase scope. lineCount resolves
// current file sizes for whole-file deletions and may be nil.
func (s *Scorer) Assess(p *patch.Proposal, phase *store.Phase, lineCount patch.LineCounter) (RiskAssessment, Ruling) {
	knobs := s.policies.GetRiskKnobs()
	protection := s.policies.GetProtectionPolicy()
	a := RiskAssessment{Level: RiskLow, Stats: p.ComputeStats(lineCount)}

	for _, op := range p.Operations {
		rel, err := patch.CleanRelPath(op.Path)
		if err != nil {
			a.OutsideScope = append(a.OutsideScope, op.Path)
			a.Signals = append(a.Signals, fmt.Sprintf("malformed path %q", op.Path))
			continue
		}
		if !InScope(rel, phase.Scope.AllowedPaths) {
			a.OutsideScope = append(a.OutsideScope, rel)
			continue
		}
		a.paths = append(a.paths, rel)
		if _, hit := protection.WriteProtected(rel); hit || matchesAny(rel, phase.Scope.ProtectedPaths) {
			a.ProtectedHits = append(a.ProtectedHits, rel)
		}
	}
	sort.Strings(a.OutsideScope)
	sort.Strings(a.ProtectedHits)

	if len(a.OutsideScope) > 0 {
		a.Level = RiskCritical
		a.RequiresApproval = true
		a.Signals = append(a.Signals, fmt.Sprintf("%d path(s) outside allowed scope", len(a.OutsideScope)))
		a.DecisionCategory = DecisionRisky
		ruling := RulingReject
		s.logRuling(phase, a, ruling)
		return a, ruling
	}

	if len(a.ProtectedHits) > 0 {
		a.Level = RiskCritical
		a.RequiresApproval = true
		a.Signals = append(a.Signals, fmt.Sprintf("writes %d protected path(s): %s", len(a.ProtectedHits), strings.Join(a.ProtectedHits, ", ")))
	}

	for rel, dels := range a.Stats.PerFileDeletions {
		if dels > knobs.SingleFileDeletionLimit {
			a.Level = a.Level.raise(RiskHigh)
			a.Signals = append(a.Signals, fmt.Sprintf("deletes %d lines from %s (limit %d)", dels, rel, knobs.SingleFileDeletionLimit))
		}
	}
	if a.Stats.TotalDeletions > knobs.TotalDeletionLimit {
		a.Level = a.Level.raise(RiskHigh)
		a.Signals = append(a.Signals, fmt.Sprintf("deletes %d lines total (limit %d)", a.Stats.TotalDeletions, knobs.TotalDeletionLimit))
	}
	if len(a.Stats.TopLevelAreas) >= knobs.CrossModuleThreshold {
		a.Level = a.Level.raise(RiskMedium)
		a.Signals = append(a.Signals, fmt.Sprintf("touches %d top-level areas: %s", len(a.Stats.TopLevelAreas), strings.Join(a.Stats.TopLevelAreas, ", ")))
	}
	if phase.Category.BestFirstOnly() {
		a.Level = a.Level.raise(RiskHigh)
		a.Signals = append(a.Signals, fmt.Sprintf("category %s carries a HIGH floor", phase.Category))
	}

	ruling := s.rule(&a, knobs)
	s.logRuling(phase, a, ruling)
	return a, ruling
}

func (s *Scorer) rule(a *RiskAssessment, knobs policy.RiskKnobs) Ruling {
	if a.Level == RiskCritical || a.RequiresApproval {
		a.RequiresApproval = true
		a.DecisionCategory = DecisionRisky
		return RulingRequireApproval
	}

	neverHit := false
	for _, rel := range a.touchedPaths() {
		if matchesAny(rel, knobs.NeverAutoApprovePaths) {
			neverHit = true
			a.Signals = append(a.Signals, fmt.Sprintf("%s is never auto-approved", rel))
		}
	}

	switch a.Level {
	case RiskLow:
		if neverHit {
			// Low signals but a never-auto-approve hit: conflicting evidence.
			a.RequiresApproval = true
			a.DecisionCategory = DecisionAmbiguous
			return RulingRequireApproval
		}
		if s.autoApprovable(a, knobs) {
			a.DecisionCategory = DecisionClearFix
			return RulingAutoApprove
		}
		a.RequiresApproval = true
		a.DecisionCategory = DecisionThreshold
		return RulingRequireApproval
	case RiskMedium:
		a.RequiresApproval = true
		a.DecisionCategory = DecisionThreshold
		return RulingRequireApproval
	default:
		a.RequiresApproval = true
		a.DecisionCategory = DecisionRisky
		return RulingRequireApproval
	}
}

// autoApprovable applies the narrow allowlist: small diff, every path inside
// an auto-approve glob when any are configured.
func (s *Scorer) autoApprovable(a *RiskAssessment, knobs policy.RiskKnobs) bool {
	if a.Stats.TotalAdditions+a.Stats.TotalDeletions > knobs.AutoApproveMaxLines {
		a.Signals = append(a.Signals, fmt.Sprintf("diff of %d lines exceeds auto-approve limit %d",
			a.Stats.TotalAdditions+a.Stats.TotalDeletions, knobs.AutoApproveMaxLines))
		return false
	}
	if len(knobs.AutoApprovePaths) == 0 {
		return true
	}
	for _, rel := range a.touchedPaths() {
		if !matchesAny(rel, knobs.AutoApprovePaths) {
			a.Signals = append(a.Signals, fmt.Sprintf("%s is outside the auto-approve allowlist", rel))
			return false
		}
	}
	return true
}

func (a *RiskAssessment) touchedPaths() []string {
	paths := make([]string, 0, len(a.paths))
	seen := map[string]bool{}
	for _, rel := range a.paths {
		if !seen[rel] {
			paths = append(paths, rel)
			seen[rel] = true
		}
	}
	sort.Strings(paths)
	return paths
}

func (s *Scorer) logRuling(phase *store.Phase, a RiskAssessment, ruling Ruling) {
	s.log.Info("governance ruling",
		zap.String("phase_id", phase.PhaseID),
		zap.String("risk", string(a.Level)),
		zap.String("ruling", string(ruling)),
		zap.String("decision_category", string(a.DecisionCategory)),
		zap.String("reason", a.Reason()))
}

// InScope reports whether rel falls inside the allowed set. An entry matches
// as a doublestar glob, an exact path, or a directory prefix (so files
// created under an allowed directory are in scope).
func InScope(rel string, allowed []string) bool {
	for _, pat := range allowed {
		pat = strings.TrimSuffix(strings.ReplaceAll(strings.TrimSpace(pat), "\\", "/"), "/")
		if pat == "" {
			continue
		}
		if ok, err := doublestar.Match(pat, rel); err == nil && ok {
			return true
		}
		if rel == pat || strings.HasPrefix(rel, pat+"/") {
			return true
		}
	}
	return false
}

func matchesAny(rel string, patterns []string) bool {
	for _, pat := range patterns {
		pat = strings.TrimSpace(strings.ReplaceAll(pat, "\\", "/"))
		if pat == "" {
			continue
		}
		if ok, err := doublestar.Match(pat, rel); err == nil && ok {
			return true
		}
	}
	return false
}
