package store

import (
	"context"
	"fmt"
	"time"
)

// TelemetryRow is one persisted telemetry event.
type TelemetryRow struct {
	RunID     string
	PhaseID   string
	AttemptID string
	At        time.Time
	Kind      string
	Payload   string
}

// AppendTelemetry inserts one telemetry event. Rows are append-only.
func (s *Store) AppendTelemetry(ctx context.Context, row TelemetryRow) error {
	if row.RunID == "" || row.Kind == "" {
		return fmt.Errorf("store: telemetry event requires run_id and kind")
	}
	if row.At.IsZero() {
		row.At = time.Now().UTC()
	}
	if row.Payload == "" {
		row.Payload = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO telemetry_events (run_id, phase_id, attempt_id, ts, kind, payload_json)
		VALUES (?, ?, ?, ?, ?, ?)`,
		row.RunID, row.PhaseID, row.AttemptID, formatTime(row.At), row.Kind, row.Payload)
	return err
}

// CountTelemetry counts a run's events of one kind at or after since. A zero
// since counts everything.
func (s *Store) CountTelemetry(ctx context.Context, runID, kind string, since time.Time) (int, error) {
	var n int
	var err error
	if since.IsZero() {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM telemetry_events WHERE run_id = ? AND kind = ?`,
			runID, kind).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM telemetry_events WHERE run_id = ? AND kind = ? AND ts >= ?`,
			runID, kind, formatTime(since)).Scan(&n)
	}
	return n, err
}

// TelemetryEvents returns a run's events in insert order, optionally filtered
// by kind. Limit 0 means no limit.
func (s *Store) TelemetryEvents(ctx context.Context, runID, kind string, limit int) ([]TelemetryRow, error) {
	q := `SELECT run_id, phase_id, attempt_id, ts, kind, payload_json FROM telemetry_events WHERE run_id = ?`
	args := []any{runID}
	if kind != "" {
		q += ` AND kind = ?`
		args = append(args, kind)
	}
	q += ` ORDER BY id ASC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TelemetryRow
	for rows.Next() {
		var r TelemetryRow
		var ts string
		if err := rows.Scan(&r.RunID, &r.PhaseID, &r.AttemptID, &ts, &r.Kind, &r.Payload); err != nil {
			return nil, err
		}
		if r.At, err = parseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
