package artifacts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLayoutPaths(t *testing.T) {
	l, err := NewLayout(t.TempDir())
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}
	root := l.RunRoot("autopack", "r1")
	if !strings.HasSuffix(root, filepath.Join("runs", "autopack", "r1")) {
		t.Fatalf("run root: %s", root)
	}
	if got := l.PhaseSummary("autopack", "r1", "p1"); !strings.HasSuffix(got, filepath.Join("phases", "p1.summary")) {
		t.Fatalf("phase summary: %s", got)
	}
	if got := l.SavePointMarker("autopack", "r1", "p1"); !strings.HasSuffix(got, filepath.Join("checkpoints", "save-before-p1")) {
		t.Fatalf("save point marker: %s", got)
	}
}

func TestNewLayout_EmptyRoot(t *testing.T) {
	if _, err := NewLayout("  "); err == nil {
		t.Fatalf("expected error for empty root")
	}
}

func TestEnsureRunDirs(t *testing.T) {
	l, err := NewLayout(t.TempDir())
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}
	if err := l.EnsureRunDirs("fam", "r9"); err != nil {
		t.Fatalf("EnsureRunDirs: %v", err)
	}
	for _, kind := range []string{"phases", "proofs", "diagnostics", "errors", "handoff", "checkpoints"} {
		fi, err := os.Stat(filepath.Join(l.RunRoot("fam", "r9"), kind))
		if err != nil || !fi.IsDir() {
			t.Fatalf("missing kind dir %s: %v", kind, err)
		}
	}
}

func TestWithinRoot(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLayout(dir)
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}
	if !l.WithinRoot(filepath.Join(dir, "runs", "f", "r", "phases", "p.summary")) {
		t.Fatalf("expected inside root")
	}
	if l.WithinRoot(filepath.Join(dir, "..", "escape.txt")) {
		t.Fatalf("expected outside root")
	}
}

func TestWriteJSONAtomic_NoPartialReads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out.json")
	if err := WriteJSONAtomic(path, map[string]any{"k": "v"}); err != nil {
		t.Fatalf("WriteJSONAtomic: %v", err)
	}
	var got map[string]any
	if err := ReadJSON(path, &got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got["k"] != "v" {
		t.Fatalf("got %v", got)
	}
	// No temp droppings left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected single file, got %d entries", len(entries))
	}
}

func TestAppendEvent_AndLastEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.ndjson")
	for _, ev := range []string{"phase_start", "phase_done"} {
		if err := AppendEvent(path, map[string]any{"event": ev}); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}
	last, err := LastEvent(path)
	if err != nil {
		t.Fatalf("LastEvent: %v", err)
	}
	if last["event"] != "phase_done" {
		t.Fatalf("got %v", last["event"])
	}
	if _, ok := last["ts"]; !ok {
		t.Fatalf("ts not injected")
	}
}

func TestLastEvent_MissingFile(t *testing.T) {
	ev, err := LastEvent(filepath.Join(t.TempDir(), "nope.ndjson"))
	if err != nil || ev != nil {
		t.Fatalf("got %v, %v", ev, err)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	l, err := NewLayout(t.TempDir())
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}
	rec := CheckpointRecord{SavePointID: "sp-1", PhaseID: "p1", CommitSHA: "abc123"}
	if err := l.WriteCheckpoint("fam", "r1", rec); err != nil {
		t.Fatalf("WriteCheckpoint: %v", err)
	}
	got, err := l.ReadCheckpoint("fam", "r1", "p1")
	if err != nil {
		t.Fatalf("ReadCheckpoint: %v", err)
	}
	if got.SavePointID != "sp-1" || got.CommitSHA != "abc123" {
		t.Fatalf("got %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Fatalf("created_at not defaulted")
	}
}
