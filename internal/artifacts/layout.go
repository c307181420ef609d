// Package artifacts resolves run-local paths and owns the atomic write
// helpers used everywhere run state touches disk. Nothing outside this
// package composes artifact paths by hand.
package artifacts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Layout maps (family, run_id, kind) to concrete paths under Root.
type Layout struct {
	Root string
}

func NewLayout(root string) (*Layout, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("artifacts root must be non-empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving artifacts root: %w", err)
	}
	return &Layout{Root: abs}, nil
}

var runKinds = []string{"phases", "proofs", "diagnostics", "errors", "handoff", "checkpoints"}

// RunRoot returns runs/<family>/<run_id> under the layout root.
func (l *Layout) RunRoot(family, runID string) string {
	return filepath.Join(l.Root, "runs", family, runID)
}

// EnsureRunDirs creates the run root and its kind subdirectories.
func (l *Layout) EnsureRunDirs(family, runID string) error {
	for _, kind := range runKinds {
		if err := os.MkdirAll(filepath.Join(l.RunRoot(family, runID), kind), 0o755); err != nil {
			return fmt.Errorf("creating run dirs: %w", err)
		}
	}
	return nil
}

func (l *Layout) PhaseSummary(family, runID, phaseID string) string {
	return filepath.Join(l.RunRoot(family, runID), "phases", phaseID+".summary")
}

func (l *Layout) ProofFile(family, runID, phaseID string) string {
	return filepath.Join(l.RunRoot(family, runID), "proofs", phaseID+".json")
}

func (l *Layout) DiagnosticsDir(family, runID, phaseID string) string {
	return filepath.Join(l.RunRoot(family, runID), "diagnostics", phaseID)
}

func (l *Layout) ErrorFile(family, runID, errorID string) string {
	return filepath.Join(l.RunRoot(family, runID), "errors", errorID+".json")
}

func (l *Layout) HandoffDir(family, runID string) string {
	return filepath.Join(l.RunRoot(family, runID), "handoff")
}

// SavePointMarker is the checkpoint record written before a phase mutates
// the workspace: checkpoints/save-before-<phase_id>.
func (l *Layout) SavePointMarker(family, runID, phaseID string) string {
	return filepath.Join(l.RunRoot(family, runID), "checkpoints", "save-before-"+phaseID)
}

// ProgressLog is the run's append-only NDJSON event stream.
func (l *Layout) ProgressLog(family, runID string) string {
	return filepath.Join(l.RunRoot(family, runID), "diagnostics", "progress.ndjson")
}

// TelemetryMirror is the run-local NDJSON copy of telemetry events consumed
// by the drain yield calculator.
func (l *Layout) TelemetryMirror(family, runID string) string {
	return filepath.Join(l.RunRoot(family, runID), "diagnostics", "telemetry.ndjson")
}

// WithinRoot reports whether path resolves inside the layout root. The tidy
// consolidator is the only caller allowed to write elsewhere, under its own
// allowlist.
func (l *Layout) WithinRoot(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(l.Root, abs)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

// WriteJSONAtomic writes v as indented JSON via a temp file in the target
// directory followed by rename, so readers never observe a partial file.
func WriteJSONAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(b, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// ReadJSON decodes the file at path into v.
func ReadJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// AppendEvent appends one NDJSON line to path, injecting a ts field when the
// event lacks one. Append failures are reported but callers treat progress
// logging as best effort.
func AppendEvent(path string, event map[string]any) error {
	if event == nil {
		event = map[string]any{}
	}
	if _, ok := event["ts"]; !ok {
		event["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	return AppendNDJSON(path, event)
}

// AppendNDJSON appends v as one JSON line to path, creating parents as
// needed.
func AppendNDJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return err
	}
	return nil
}

// LastEvent returns the final parseable NDJSON line of path, or nil when the
// file is missing or empty.
func LastEvent(path string) (map[string]any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var ev map[string]any
		if err := json.Unmarshal([]byte(line), &ev); err == nil {
			return ev, nil
		}
	}
	return nil, nil
}

// CheckpointRecord is persisted at SavePointMarker before the first
// mutation of a phase attempt.
type CheckpointRecord struct {
	SavePointID string    `json:"save_point_id"`
	PhaseID     string    `json:"phase_id"`
	CommitSHA   string    `json:"commit_sha"`
	CreatedAt   time.Time `json:"created_at"`
	Permanent   bool      `json:"permanent"`
}

func (l *Layout) WriteCheckpoint(family, runID string, rec CheckpointRecord) error {
	if strings.TrimSpace(rec.PhaseID) == "" {
		return fmt.Errorf("checkpoint record missing phase_id")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	return WriteJSONAtomic(l.SavePointMarker(family, runID, rec.PhaseID), rec)
}

func (l *Layout) ReadCheckpoint(family, runID, phaseID string) (CheckpointRecord, error) {
	var rec CheckpointRecord
	err := ReadJSON(l.SavePointMarker(family, runID, phaseID), &rec)
	return rec, err
}
