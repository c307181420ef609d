package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danshapiro/autopack/internal/policy"
)

// CreateRun inserts a new run in state QUEUED.
func (s *Store) CreateRun(ctx context.Context, r *Run) error {
	if r.RunID == "" || r.ProjectID == "" {
		return fmt.Errorf("store: run requires run_id and project_id")
	}
	if r.Family == "" {
		r.Family = "default"
	}
	if r.State == "" {
		r.State = RunQueued
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, project_id, family, state, created_at, started_at, finished_at, token_budget, tokens_used)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.ProjectID, r.Family, string(r.State), formatTime(r.CreatedAt),
		nullableTime(r.StartedAt), nullableTime(r.FinishedAt), r.TokenBudget, r.TokensUsed)
	return err
}

// GetRun loads one run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, project_id, family, state, created_at, started_at, finished_at, token_budget, tokens_used
		FROM runs WHERE run_id = ?`, runID)
	return scanRun(row)
}

func scanRun(row *sql.Row) (*Run, error) {
	var r Run
	var state, created string
	var started, finished sql.NullString
	err := row.Scan(&r.RunID, &r.ProjectID, &r.Family, &state, &created, &started, &finished, &r.TokenBudget, &r.TokensUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if r.State, err = ParseRunState(state); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if r.StartedAt, err = scanNullableTime(started); err != nil {
		return nil, err
	}
	if r.FinishedAt, err = scanNullableTime(finished); err != nil {
		return nil, err
	}
	return &r, nil
}

// UpdateRunState transitions a run. Transitions out of a terminal state are
// rejected.
func (s *Store) UpdateRunState(ctx context.Context, runID string, state RunState) error {
	cur, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if cur.State.Terminal() {
		return fmt.Errorf("store: run %s is %s and cannot transition to %s", runID, cur.State, state)
	}
	now := time.Now().UTC()
	var started, finished any
	started = nullableTime(cur.StartedAt)
	finished = nullableTime(cur.FinishedAt)
	if state == RunExecuting && cur.StartedAt == nil {
		started = formatTime(now)
	}
	if state.Terminal() {
		finished = formatTime(now)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE runs SET state = ?, started_at = ?, finished_at = ? WHERE run_id = ?`,
		string(state), started, finished, runID)
	return err
}

// AddRunTokens accumulates token usage onto the run counter.
func (s *Store) AddRunTokens(ctx context.Context, runID string, tokens int64) error {
	if tokens < 0 {
		return fmt.Errorf("store: token delta must be >= 0, got %d", tokens)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET tokens_used = tokens_used + ? WHERE run_id = ?`, tokens, runID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreatePhase inserts a phase in state QUEUED with seq 0.
func (s *Store) CreatePhase(ctx context.Context, p *Phase) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.State == "" {
		p.State = PhaseQueued
	}
	deliverables, err := json.Marshal(p.Deliverables)
	if err != nil {
		return err
	}
	scope, err := json.Marshal(p.Scope)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO phases (phase_id, run_id, phase_index, goal, category, complexity,
			deliverables_json, scope_json, state, attempts_used, max_attempts,
			last_failure_reason, last_fingerprint, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		p.PhaseID, p.RunID, p.PhaseIndex, p.Goal, string(p.Category), string(p.Complexity),
		string(deliverables), string(scope), string(p.State), p.AttemptsUsed, p.MaxAttempts,
		p.LastFailureReason, p.LastFingerprint)
	return err
}

const phaseColumns = `phase_id, run_id, phase_index, goal, category, complexity,
	deliverables_json, scope_json, state, attempts_used, max_attempts,
	last_failure_reason, last_fingerprint, seq`

// GetPhase loads one phase by id.
func (s *Store) GetPhase(ctx context.Context, phaseID string) (*Phase, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+phaseColumns+` FROM phases WHERE phase_id = ?`, phaseID)
	p, err := scanPhase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPhase(row rowScanner) (*Phase, error) {
	var p Phase
	var category, complexity, state, deliverables, scope string
	err := row.Scan(&p.PhaseID, &p.RunID, &p.PhaseIndex, &p.Goal, &category, &complexity,
		&deliverables, &scope, &state, &p.AttemptsUsed, &p.MaxAttempts,
		&p.LastFailureReason, &p.LastFingerprint, &p.Seq)
	if err != nil {
		return nil, err
	}
	p.Category = policy.ParseCategory(category)
	if p.Complexity, err = policy.ParseComplexity(complexity); err != nil {
		return nil, err
	}
	if p.State, err = ParsePhaseState(state); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(deliverables), &p.Deliverables); err != nil {
		return nil, fmt.Errorf("store: phase %s deliverables: %w", p.PhaseID, err)
	}
	if err := json.Unmarshal([]byte(scope), &p.Scope); err != nil {
		return nil, fmt.Errorf("store: phase %s scope: %w", p.PhaseID, err)
	}
	return &p, nil
}

// PhaseUpdate carries the mutable phase fields for a compare-and-swap write.
// Nil pointer fields keep their stored value.
type PhaseUpdate struct {
	State             *PhaseState
	AttemptsUsed      *int
	LastFailureReason *string
	LastFingerprint   *string
}

// UpdatePhase applies a compare-and-swap update against the caller's seq
// snapshot. On a lost race it returns ErrStalePhase along with a fresh
// snapshot so the caller can re-evaluate and retry.
func (s *Store) UpdatePhase(ctx context.Context, p *Phase, upd PhaseUpdate) (*Phase, error) {
	state := p.State
	if upd.State != nil {
		state = *upd.State
	}
	attempts := p.AttemptsUsed
	if upd.AttemptsUsed != nil {
		attempts = *upd.AttemptsUsed
	}
	reason := p.LastFailureReason
	if upd.LastFailureReason != nil {
		reason = *upd.LastFailureReason
	}
	fp := p.LastFingerprint
	if upd.LastFingerprint != nil {
		fp = *upd.LastFingerprint
	}
	if _, err := ParsePhaseState(string(state)); err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE phases SET state = ?, attempts_used = ?, last_failure_reason = ?,
			last_fingerprint = ?, seq = seq + 1
		WHERE phase_id = ? AND seq = ?`,
		string(state), attempts, reason, fp, p.PhaseID, p.Seq)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		fresh, getErr := s.GetPhase(ctx, p.PhaseID)
		if getErr != nil {
			return nil, getErr
		}
		return fresh, ErrStalePhase
	}
	return s.GetPhase(ctx, p.PhaseID)
}

// NextQueuedPhase returns the lowest-index QUEUED phase of a run, or nil when
// none remain.
func (s *Store) NextQueuedPhase(ctx context.Context, runID string) (*Phase, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+phaseColumns+` FROM phases WHERE run_id = ? AND state = ? ORDER BY phase_index ASC LIMIT 1`,
		runID, string(PhaseQueued))
	p, err := scanPhase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// RunPhases returns every phase of a run ordered by index.
func (s *Store) RunPhases(ctx context.Context, runID string) ([]*Phase, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+phaseColumns+` FROM phases WHERE run_id = ? ORDER BY phase_index ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPhases(rows)
}

// FailedPhases returns FAILED phases matching the filter, oldest run first
// then phase order, for the drain controller to triage.
func (s *Store) FailedPhases(ctx context.Context, f FailedPhaseFilter) ([]*Phase, error) {
	q := strings.Builder{}
	q.WriteString(`SELECT ` + phaseColumns + ` FROM phases WHERE state = ?`)
	args := []any{string(PhaseFailed)}
	if f.RunID != "" {
		q.WriteString(` AND run_id = ?`)
		args = append(args, f.RunID)
	}
	if f.Category != "" {
		q.WriteString(` AND category = ?`)
		args = append(args, string(f.Category))
	}
	q.WriteString(` ORDER BY run_id ASC, phase_index ASC`)
	if f.Limit > 0 {
		q.WriteString(` LIMIT ?`)
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPhases(rows)
}

func collectPhases(rows *sql.Rows) ([]*Phase, error) {
	var out []*Phase
	for rows.Next() {
		p, err := scanPhase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountPhasesInState counts the run's phases currently in the given state.
func (s *Store) CountPhasesInState(ctx context.Context, runID string, state PhaseState) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM phases WHERE run_id = ? AND state = ?`,
		runID, string(state)).Scan(&n)
	return n, err
}

// InsertAttempt appends an attempt record. Attempts are never updated except
// through FinishAttempt, and never deleted.
func (s *Store) InsertAttempt(ctx context.Context, a *Attempt) error {
	if a.AttemptID == "" || a.PhaseID == "" {
		return fmt.Errorf("store: attempt requires attempt_id and phase_id")
	}
	if a.StartedAt.IsZero() {
		a.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attempts (attempt_id, phase_id, attempt_index, role, model_id,
			started_at, finished_at, outcome, tokens_in, tokens_out, error_digest)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.AttemptID, a.PhaseID, a.AttemptIndex, string(a.Role), a.ModelID,
		formatTime(a.StartedAt), nullableTime(a.FinishedAt), string(a.Outcome),
		a.TokensIn, a.TokensOut, a.ErrorDigest)
	return err
}

// FinishAttempt records the outcome of an in-flight attempt.
func (s *Store) FinishAttempt(ctx context.Context, attemptID string, outcome AttemptOutcome, tokensIn, tokensOut int64, errorDigest string) error {
	if _, err := ParseAttemptOutcome(string(outcome)); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE attempts SET finished_at = ?, outcome = ?, tokens_in = ?, tokens_out = ?, error_digest = ?
		WHERE attempt_id = ?`,
		formatTime(time.Now().UTC()), string(outcome), tokensIn, tokensOut, errorDigest, attemptID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// PhaseAttempts returns a phase's attempts in index order.
func (s *Store) PhaseAttempts(ctx context.Context, phaseID string) ([]*Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT attempt_id, phase_id, attempt_index, role, model_id, started_at,
			finished_at, outcome, tokens_in, tokens_out, error_digest
		FROM attempts WHERE phase_id = ? ORDER BY attempt_index ASC`, phaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Attempt
	for rows.Next() {
		var a Attempt
		var role, started, outcome string
		var finished sql.NullString
		if err := rows.Scan(&a.AttemptID, &a.PhaseID, &a.AttemptIndex, &role, &a.ModelID,
			&started, &finished, &outcome, &a.TokensIn, &a.TokensOut, &a.ErrorDigest); err != nil {
			return nil, err
		}
		if a.Role, err = policy.ParseRole(role); err != nil {
			return nil, err
		}
		if a.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if a.FinishedAt, err = scanNullableTime(finished); err != nil {
			return nil, err
		}
		a.Outcome = AttemptOutcome(outcome)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// AppendApprovalAudit records one approval lifecycle event. Audit rows are
// append-only.
func (s *Store) AppendApprovalAudit(ctx context.Context, approvalID, phaseID, event, actor, detail string) error {
	if approvalID == "" || event == "" {
		return fmt.Errorf("store: approval audit requires approval_id and event")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approvals_audit (approval_id, phase_id, event, actor, detail, ts)
		VALUES (?, ?, ?, ?, ?, ?)`,
		approvalID, phaseID, event, actor, detail, formatTime(time.Now().UTC()))
	return err
}

// ApprovalAuditEvent is one row of the approval audit trail.
type ApprovalAuditEvent struct {
	ApprovalID string
	PhaseID    string
	Event      string
	Actor      string
	Detail     string
	At         time.Time
}

// ApprovalAudit returns the audit trail for one approval in insert order.
func (s *Store) ApprovalAudit(ctx context.Context, approvalID string) ([]ApprovalAuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT approval_id, phase_id, event, actor, detail, ts
		FROM approvals_audit WHERE approval_id = ? ORDER BY id ASC`, approvalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ApprovalAuditEvent
	for rows.Next() {
		var ev ApprovalAuditEvent
		var ts string
		if err := rows.Scan(&ev.ApprovalID, &ev.PhaseID, &ev.Event, &ev.Actor, &ev.Detail, &ts); err != nil {
			return nil, err
		}
		if ev.At, err = parseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// PendingApprovals lists approvals with an OPENED event and no terminal
// event, oldest first. This is the durable view of what is still waiting on
// a decision; the gateway holding the ticket may live in another process.
func (s *Store) PendingApprovals(ctx context.Context) ([]ApprovalAuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.approval_id, a.phase_id, a.event, a.actor, a.detail, a.ts
		FROM approvals_audit a
		WHERE a.event = 'OPENED'
		  AND NOT EXISTS (
			SELECT 1 FROM approvals_audit b
			WHERE b.approval_id = a.approval_id
			  AND b.event IN ('APPROVED', 'DENIED', 'TIMED_OUT')
		  )
		ORDER BY a.id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ApprovalAuditEvent
	for rows.Next() {
		var ev ApprovalAuditEvent
		var ts string
		if err := rows.Scan(&ev.ApprovalID, &ev.PhaseID, &ev.Event, &ev.Actor, &ev.Detail, &ts); err != nil {
			return nil, err
		}
		if ev.At, err = parseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
