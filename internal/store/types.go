package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/danshapiro/autopack/internal/policy"
)

// RunState is the run lifecycle enum.
type RunState string

const (
	RunQueued      RunState = "QUEUED"
	RunExecuting   RunState = "EXECUTING"
	RunDoneSuccess RunState = "DONE_SUCCESS"
	RunDoneFailed  RunState = "DONE_FAILED"
	RunDoneAborted RunState = "DONE_ABORTED"
)

func ParseRunState(s string) (RunState, error) {
	st := RunState(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case RunQueued, RunExecuting, RunDoneSuccess, RunDoneFailed, RunDoneAborted:
		return st, nil
	default:
		return "", fmt.Errorf("invalid run state %q", s)
	}
}

// Terminal reports whether the run can no longer change state.
func (s RunState) Terminal() bool {
	switch s {
	case RunDoneSuccess, RunDoneFailed, RunDoneAborted:
		return true
	default:
		return false
	}
}

// PhaseState is the phase lifecycle enum.
type PhaseState string

const (
	PhaseQueued          PhaseState = "QUEUED"
	PhaseExecuting       PhaseState = "EXECUTING"
	PhaseApprovalPending PhaseState = "APPROVAL_PENDING"
	PhaseReplanRequested PhaseState = "REPLAN_REQUESTED"
	PhaseBlocked         PhaseState = "BLOCKED"
	PhaseComplete        PhaseState = "COMPLETE"
	PhaseFailed          PhaseState = "FAILED"
)

func ParsePhaseState(s string) (PhaseState, error) {
	st := PhaseState(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case PhaseQueued, PhaseExecuting, PhaseApprovalPending, PhaseReplanRequested, PhaseBlocked, PhaseComplete, PhaseFailed:
		return st, nil
	default:
		return "", fmt.Errorf("invalid phase state %q", s)
	}
}

func (s PhaseState) Terminal() bool {
	return s == PhaseComplete || s == PhaseFailed
}

// AttemptOutcome is the closed per-attempt result enum.
type AttemptOutcome string

const (
	OutcomeOK               AttemptOutcome = "OK"
	OutcomeBuilderFail      AttemptOutcome = "BUILDER_FAIL"
	OutcomeApplyFail        AttemptOutcome = "APPLY_FAIL"
	OutcomeTestRegression   AttemptOutcome = "TEST_REGRESSION"
	OutcomeDeliverablesFail AttemptOutcome = "DELIVERABLES_FAIL"
	OutcomeSymbolFail       AttemptOutcome = "SYMBOL_FAIL"
	OutcomeQualityBlock     AttemptOutcome = "QUALITY_BLOCK"
	OutcomeTruncated        AttemptOutcome = "TRUNCATED"
	OutcomeApprovalDenied   AttemptOutcome = "APPROVAL_DENIED"
	OutcomeApprovalTimeout  AttemptOutcome = "APPROVAL_TIMEOUT"
)

func ParseAttemptOutcome(s string) (AttemptOutcome, error) {
	o := AttemptOutcome(strings.ToUpper(strings.TrimSpace(s)))
	switch o {
	case OutcomeOK, OutcomeBuilderFail, OutcomeApplyFail, OutcomeTestRegression,
		OutcomeDeliverablesFail, OutcomeSymbolFail, OutcomeQualityBlock,
		OutcomeTruncated, OutcomeApprovalDenied, OutcomeApprovalTimeout:
		return o, nil
	default:
		return "", fmt.Errorf("invalid attempt outcome %q", s)
	}
}

// Run is a plan execution owned by exactly one supervisor.
type Run struct {
	RunID       string
	ProjectID   string
	Family      string
	State       RunState
	CreatedAt   time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
	TokenBudget int64
	TokensUsed  int64
}

// Scope is a phase's write/read boundary. Protected paths come from the
// protection policy at plan load; the store persists the resolved set so a
// phase's boundary is stable even if policy changes mid-run.
type Scope struct {
	AllowedPaths    []string `json:"allowed_paths"`
	ReadonlyContext []string `json:"readonly_context"`
	ProtectedPaths  []string `json:"protected_paths"`
}

// Phase is one unit of autonomous work.
type Phase struct {
	PhaseID           string
	RunID             string
	PhaseIndex        int
	Goal              string
	Category          policy.Category
	Complexity        policy.Complexity
	Deliverables      []string
	Scope             Scope
	State             PhaseState
	AttemptsUsed      int
	MaxAttempts       int
	LastFailureReason string
	LastFingerprint   string
	Seq               int64
}

// Validate enforces the phase invariants before insert.
func (p *Phase) Validate() error {
	if strings.TrimSpace(p.PhaseID) == "" || strings.TrimSpace(p.RunID) == "" {
		return fmt.Errorf("phase requires phase_id and run_id")
	}
	if p.PhaseIndex < 0 {
		return fmt.Errorf("phase_index must be >= 0")
	}
	if !p.Category.Valid() {
		return fmt.Errorf("invalid category %q", p.Category)
	}
	if _, err := policy.ParseComplexity(string(p.Complexity)); err != nil {
		return err
	}
	if len(p.Scope.AllowedPaths) == 0 {
		return fmt.Errorf("phase %s: scope.allowed_paths must be non-empty", p.PhaseID)
	}
	if p.MaxAttempts < 1 {
		return fmt.Errorf("phase %s: max_attempts must be >= 1", p.PhaseID)
	}
	for _, prot := range p.Scope.ProtectedPaths {
		for _, allowed := range p.Scope.AllowedPaths {
			if prot == allowed {
				return fmt.Errorf("phase %s: %q is both protected and allowed", p.PhaseID, prot)
			}
		}
	}
	return nil
}

// Attempt is an append-only record of one Builder or Auditor invocation.
type Attempt struct {
	AttemptID    string
	PhaseID      string
	AttemptIndex int
	Role         policy.Role
	ModelID      string
	StartedAt    time.Time
	FinishedAt   *time.Time
	Outcome      AttemptOutcome
	TokensIn     int64
	TokensOut    int64
	ErrorDigest  string
}

// FailedPhaseFilter narrows FailedPhases queries.
type FailedPhaseFilter struct {
	RunID    string
	Category policy.Category
	Limit    int
}
