// Package telemetry records orchestrator events into the database and
// mirrors them to per-run NDJSON files. Recording is best effort: a sink
// failure is logged and swallowed, never surfaced to the phase that emitted
// the event.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/danshapiro/autopack/internal/artifacts"
	"github.com/danshapiro/autopack/internal/store"
)

// Kind is the closed event type enum.
type Kind string

const (
	KindTokenUsage         Kind = "TOKEN_USAGE"
	KindPhaseOutcome       Kind = "PHASE_OUTCOME"
	KindApproval           Kind = "APPROVAL"
	KindGovernanceDecision Kind = "GOVERNANCE_DECISION"
	KindRoutingDecision    Kind = "ROUTING_DECISION"
	KindDrainResult        Kind = "DRAIN_RESULT"
)

func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToUpper(strings.TrimSpace(s)))
	switch k {
	case KindTokenUsage, KindPhaseOutcome, KindApproval, KindGovernanceDecision, KindRoutingDecision, KindDrainResult:
		return k, nil
	default:
		return "", fmt.Errorf("invalid telemetry kind %q", s)
	}
}

// Event is one telemetry record before persistence.
type Event struct {
	RunID     string         `json:"run_id"`
	Family    string         `json:"family,omitempty"`
	PhaseID   string         `json:"phase_id,omitempty"`
	AttemptID string         `json:"attempt_id,omitempty"`
	At        time.Time      `json:"ts"`
	Kind      Kind           `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Sink writes events to the store and mirrors them into the run's
// diagnostics directory.
type Sink struct {
	store   *store.Store
	layout  *artifacts.Layout
	logger  *zap.Logger
	enabled bool

	// mirror writes go through one mutex so concurrent phases cannot
	// interleave partial NDJSON lines.
	mu sync.Mutex
}

// NewSink builds a sink. A nil logger is replaced with zap.NewNop. When
// enabled is false every Record call is a no-op.
func NewSink(st *store.Store, layout *artifacts.Layout, enabled bool, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{store: st, layout: layout, logger: logger, enabled: enabled}
}

// Enabled reports whether the sink records anything.
func (s *Sink) Enabled() bool { return s.enabled }

// Record persists one event. Errors are logged at warn and not returned;
// telemetry must never fail the work that produced it.
func (s *Sink) Record(ctx context.Context, ev Event) {
	if s == nil || !s.enabled {
		return
	}
	if _, err := ParseKind(string(ev.Kind)); err != nil {
		s.logger.Warn("telemetry event dropped", zap.Error(err))
		return
	}
	if ev.RunID == "" {
		s.logger.Warn("telemetry event dropped", zap.String("kind", string(ev.Kind)), zap.String("reason", "missing run_id"))
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		s.logger.Warn("telemetry payload not serializable", zap.String("kind", string(ev.Kind)), zap.Error(err))
		payload = []byte("{}")
	}
	if s.store != nil {
		err := s.store.AppendTelemetry(ctx, store.TelemetryRow{
			RunID:     ev.RunID,
			PhaseID:   ev.PhaseID,
			AttemptID: ev.AttemptID,
			At:        ev.At,
			Kind:      string(ev.Kind),
			Payload:   string(payload),
		})
		if err != nil {
			s.logger.Warn("telemetry insert failed", zap.String("kind", string(ev.Kind)), zap.Error(err))
		}
	}
	s.mirror(ev)
}

func (s *Sink) mirror(ev Event) {
	if s.layout == nil || ev.Family == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.layout.TelemetryMirror(ev.Family, ev.RunID)
	if err := artifacts.AppendNDJSON(path, ev); err != nil {
		s.logger.Warn("telemetry mirror append failed", zap.String("path", path), zap.Error(err))
	}
}

// CountSince returns how many events of kind were recorded for the run at or
// after since. Drain uses this to compute REACHED_LLM yield.
func (s *Sink) CountSince(ctx context.Context, runID string, kind Kind, since time.Time) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	return s.store.CountTelemetry(ctx, runID, string(kind), since)
}

// TokenUsage builds a TOKEN_USAGE event.
func TokenUsage(runID, family, phaseID, attemptID, modelID, role string, tokensIn, tokensOut int64) Event {
	return Event{
		RunID: runID, Family: family, PhaseID: phaseID, AttemptID: attemptID,
		Kind: KindTokenUsage,
		Payload: map[string]any{
			"model_id":   modelID,
			"role":       role,
			"tokens_in":  tokensIn,
			"tokens_out": tokensOut,
		},
	}
}

// PhaseOutcome builds a PHASE_OUTCOME event.
func PhaseOutcome(runID, family, phaseID, state, reason string, attemptsUsed int) Event {
	return Event{
		RunID: runID, Family: family, PhaseID: phaseID,
		Kind: KindPhaseOutcome,
		Payload: map[string]any{
			"state":         state,
			"reason":        reason,
			"attempts_used": attemptsUsed,
		},
	}
}

// Approval builds an APPROVAL event.
func Approval(runID, family, phaseID, approvalID, status, actor string) Event {
	return Event{
		RunID: runID, Family: family, PhaseID: phaseID,
		Kind: KindApproval,
		Payload: map[string]any{
			"approval_id": approvalID,
			"status":      status,
			"actor":       actor,
		},
	}
}

// Governance builds a GOVERNANCE_DECISION event.
func Governance(runID, family, phaseID, riskLevel, decision, reason string) Event {
	return Event{
		RunID: runID, Family: family, PhaseID: phaseID,
		Kind: KindGovernanceDecision,
		Payload: map[string]any{
			"risk_level": riskLevel,
			"decision":   decision,
			"reason":     reason,
		},
	}
}

// Routing builds a ROUTING_DECISION event.
func Routing(runID, family, phaseID, role, modelID, strategy string, attempt, tokenBudget int, escalated bool) Event {
	return Event{
		RunID: runID, Family: family, PhaseID: phaseID,
		Kind: KindRoutingDecision,
		Payload: map[string]any{
			"role":         role,
			"model_id":     modelID,
			"strategy":     strategy,
			"attempt":      attempt,
			"token_budget": tokenBudget,
			"escalated":    escalated,
		},
	}
}

// DrainResult builds a DRAIN_RESULT event.
func DrainResult(runID, family, phaseID, fingerprint, yield string) Event {
	return Event{
		RunID: runID, Family: family, PhaseID: phaseID,
		Kind: KindDrainResult,
		Payload: map[string]any{
			"fingerprint": fingerprint,
			"yield":       yield,
		},
	}
}
