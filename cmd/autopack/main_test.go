package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/danshapiro/autopack/internal/autoerr"
	"github.com/danshapiro/autopack/internal/config"
	"github.com/danshapiro/autopack/internal/policy"
	"github.com/danshapiro/autopack/internal/store"
)

func TestExitCodeMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"clean", nil, exitOK},
		{"config", autoerr.New(autoerr.KindConfig, "cli.config", "no such file"), exitConfig},
		{"config wrapped", fmt.Errorf("loading: %w", autoerr.New(autoerr.KindConfig, "cli.config", "bad key")), exitConfig},
		{"quota", autoerr.New(autoerr.KindQuotaBlocked, "router.select", "primary exhausted"), exitQuota},
		{"structure", fmt.Errorf("%w: 3 found", errStructure), exitStructure},
		{"internal", autoerr.New(autoerr.KindInternal, "cli.run", "boom"), exitFailure},
		{"plain", errors.New("unclassified"), exitFailure},
	}
	for _, tc := range cases {
		if got := exitCode(tc.err); got != tc.want {
			t.Errorf("%s: exitCode = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestEnginePathAnchorsRelativePaths(t *testing.T) {
	cfg := &config.File{}
	cfg.Workspace.Root = filepath.Join("/", "srv", "project")

	got := enginePath(cfg, filepath.Join(".autopack", "autopack.db"))
	want := filepath.Join("/", "srv", "project", ".autopack", "autopack.db")
	if got != want {
		t.Fatalf("relative: %q, want %q", got, want)
	}

	abs := filepath.Join("/", "var", "lib", "autopack.db")
	if got := enginePath(cfg, abs); got != abs {
		t.Fatalf("absolute: %q, want unchanged %q", got, abs)
	}
}

func TestSeedRunPersistsPlan(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "autopack.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	cfg := &config.File{ProjectID: "proj-1"}
	cfg.Execution.MaxAttemptsPerPhase = 5
	plan := &config.Plan{
		Version:     1,
		Family:      "checkout",
		TokenBudget: 40_000,
		Phases: []config.PlanPhase{
			{
				ID:           "ph-explicit",
				Goal:         "add idempotency keys to the charge endpoint",
				Category:     "core_backend_high",
				Complexity:   "HIGH",
				Deliverables: []string{"internal/charge/idempotency.go"},
				AllowedPaths: []string{"internal/charge/**"},
				MaxAttempts:  2,
			},
			{
				Goal:         "document the retry contract",
				Category:     "release-notes", // not a known category
				Complexity:   "LOW",
				Deliverables: []string{"docs/retries.md"},
				AllowedPaths: []string{"docs/**"},
			},
		},
	}

	ctx := context.Background()
	run, err := seedRun(ctx, &engine{store: st}, cfg, plan)
	if err != nil {
		t.Fatalf("seedRun: %v", err)
	}
	if run.State != store.RunQueued {
		t.Fatalf("run state = %s, want QUEUED", run.State)
	}
	if run.ProjectID != "proj-1" || run.Family != "checkout" || run.TokenBudget != 40_000 {
		t.Fatalf("run = %+v", run)
	}

	phases, err := st.RunPhases(ctx, run.RunID)
	if err != nil {
		t.Fatalf("RunPhases: %v", err)
	}
	if len(phases) != 2 {
		t.Fatalf("phases = %d, want 2", len(phases))
	}
	if phases[0].PhaseID != "ph-explicit" {
		t.Fatalf("explicit id not kept: %q", phases[0].PhaseID)
	}
	if phases[0].MaxAttempts != 2 {
		t.Fatalf("explicit max_attempts = %d, want 2", phases[0].MaxAttempts)
	}
	if phases[1].PhaseID == "" || phases[1].PhaseID == phases[0].PhaseID {
		t.Fatalf("minted id = %q", phases[1].PhaseID)
	}
	if phases[1].MaxAttempts != 5 {
		t.Fatalf("defaulted max_attempts = %d, want 5", phases[1].MaxAttempts)
	}
	if phases[1].Category != policy.CategoryOther {
		t.Fatalf("unknown category = %q, want other", phases[1].Category)
	}
	if phases[1].PhaseIndex != 1 {
		t.Fatalf("phase_index = %d, want 1", phases[1].PhaseIndex)
	}
	if phases[0].Scope.AllowedPaths[0] != "internal/charge/**" {
		t.Fatalf("scope not persisted: %+v", phases[0].Scope)
	}
}

func TestSeedRunRejectsBadComplexity(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "autopack.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	cfg := &config.File{ProjectID: "proj-1"}
	cfg.Execution.MaxAttemptsPerPhase = 5
	plan := &config.Plan{
		Version: 1,
		Phases: []config.PlanPhase{{
			Goal:         "anything",
			Category:     "docs",
			Complexity:   "EXTREME", // not in the closed set
			Deliverables: []string{"docs/x.md"},
			AllowedPaths: []string{"docs/**"},
		}},
	}

	_, err = seedRun(context.Background(), &engine{store: st}, cfg, plan)
	if err == nil {
		t.Fatal("expected complexity error")
	}
	if autoerr.KindOf(err) != autoerr.KindConfig {
		t.Fatalf("kind = %s, want CONFIG", autoerr.KindOf(err))
	}
}
