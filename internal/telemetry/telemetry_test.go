package telemetry

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danshapiro/autopack/internal/artifacts"
	"github.com/danshapiro/autopack/internal/store"
)

func newTestSink(t *testing.T) (*Sink, *store.Store, *artifacts.Layout) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "autopack.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	layout, err := artifacts.NewLayout(filepath.Join(dir, "artifacts"))
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}
	return NewSink(st, layout, true, nil), st, layout
}

func TestRecordPersistsAndMirrors(t *testing.T) {
	sink, st, layout := newTestSink(t)
	ctx := context.Background()

	sink.Record(ctx, TokenUsage("run-1", "payments", "ph-1", "att-1", "frontier-build-1", "builder", 9000, 1800))
	sink.Record(ctx, PhaseOutcome("run-1", "payments", "ph-1", "COMPLETE", "", 2))

	rows, err := st.TelemetryEvents(ctx, "run-1", "", 0)
	if err != nil {
		t.Fatalf("TelemetryEvents: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("len = %d, want 2", len(rows))
	}
	if rows[0].Kind != string(KindTokenUsage) || rows[1].Kind != string(KindPhaseOutcome) {
		t.Fatalf("kinds = %q, %q", rows[0].Kind, rows[1].Kind)
	}
	if !strings.Contains(rows[0].Payload, `"tokens_in":9000`) {
		t.Fatalf("payload = %s", rows[0].Payload)
	}

	b, err := os.ReadFile(layout.TelemetryMirror("payments", "run-1"))
	if err != nil {
		t.Fatalf("read mirror: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 2 {
		t.Fatalf("mirror lines = %d, want 2", len(lines))
	}
	if !strings.Contains(lines[0], "TOKEN_USAGE") {
		t.Fatalf("mirror line 0 = %s", lines[0])
	}
}

func TestRecordDisabledSink(t *testing.T) {
	_, st, layout := newTestSink(t)
	off := NewSink(st, layout, false, nil)
	off.Record(context.Background(), PhaseOutcome("run-1", "payments", "ph-1", "FAILED", "x", 1))

	rows, _ := st.TelemetryEvents(context.Background(), "run-1", "", 0)
	if len(rows) != 0 {
		t.Fatalf("disabled sink recorded %d events", len(rows))
	}
}

func TestRecordInvalidKindDropped(t *testing.T) {
	sink, st, _ := newTestSink(t)
	sink.Record(context.Background(), Event{RunID: "run-1", Kind: Kind("WEATHER")})
	rows, _ := st.TelemetryEvents(context.Background(), "run-1", "", 0)
	if len(rows) != 0 {
		t.Fatalf("invalid kind recorded %d events", len(rows))
	}
}

func TestCountSince(t *testing.T) {
	sink, _, _ := newTestSink(t)
	ctx := context.Background()

	old := TokenUsage("run-1", "payments", "ph-1", "att-1", "m", "builder", 1, 1)
	old.At = time.Now().UTC().Add(-2 * time.Hour)
	sink.Record(ctx, old)
	sink.Record(ctx, TokenUsage("run-1", "payments", "ph-1", "att-2", "m", "builder", 1, 1))

	n, err := sink.CountSince(ctx, "run-1", KindTokenUsage, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("CountSince: %v", err)
	}
	if n != 1 {
		t.Fatalf("n = %d, want 1", n)
	}

	all, err := sink.CountSince(ctx, "run-1", KindTokenUsage, time.Time{})
	if err != nil {
		t.Fatalf("CountSince: %v", err)
	}
	if all != 2 {
		t.Fatalf("all = %d, want 2", all)
	}
}

func TestSeedFromFile(t *testing.T) {
	sink, st, _ := newTestSink(t)
	path := filepath.Join(t.TempDir(), "seed.ndjson")
	body := `{"run_id":"run-9","family":"payments","kind":"TOKEN_USAGE","payload":{"tokens_in":100}}

{"run_id":"run-9","family":"payments","kind":"DRAIN_RESULT","payload":{"yield":"REACHED_LLM"}}
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write seed: %v", err)
	}

	n, err := SeedFromFile(context.Background(), sink, path)
	if err != nil {
		t.Fatalf("SeedFromFile: %v", err)
	}
	if n != 2 {
		t.Fatalf("n = %d, want 2", n)
	}
	rows, _ := st.TelemetryEvents(context.Background(), "run-9", "", 0)
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
}

func TestSeedFromFileMalformed(t *testing.T) {
	sink, _, _ := newTestSink(t)
	path := filepath.Join(t.TempDir(), "seed.ndjson")
	if err := os.WriteFile(path, []byte("{not json}\n"), 0o644); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	_, err := SeedFromFile(context.Background(), sink, path)
	if err == nil || !strings.Contains(err.Error(), "line 1") {
		t.Fatalf("err = %v, want line 1 error", err)
	}

	if err := os.WriteFile(path, []byte(`{"run_id":"","kind":"APPROVAL"}`+"\n"), 0o644); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	_, err = SeedFromFile(context.Background(), sink, path)
	if err == nil || !strings.Contains(err.Error(), "missing run_id") {
		t.Fatalf("err = %v, want missing run_id", err)
	}
}
