package router

import (
	"context"
	"errors"
	"testing"

	"github.com/danshapiro/autopack/internal/policy"
)

func testPolicies(t *testing.T) *policy.Store {
	t.Helper()
	f := &policy.File{Version: 1}
	f.Routing.DefaultModels.Builder = "frontier-build-1"
	f.Routing.DefaultModels.Auditor = "frontier-audit-1"
	f.Routing.Categories = map[string]policy.RoutingPolicy{
		string(policy.CategoryCoreBackendHigh): {
			Strategy:         policy.StrategyProgressive,
			OnQuotaExhausted: policy.QuotaBlock,
			EscalateTo: &policy.EscalateTo{
				Builder:       "frontier-build-1-max",
				Auditor:       "frontier-audit-1-max",
				AfterAttempts: 2,
			},
		},
		string(policy.CategoryDocs): {
			Strategy:         policy.StrategyCheapFirst,
			BuilderPrimary:   "swift-build-1",
			AuditorPrimary:   "swift-audit-1",
			OnQuotaExhausted: policy.QuotaDowngrade,
			EscalateTo: &policy.EscalateTo{
				Builder:       "frontier-build-1",
				AfterAttempts: 2,
			},
		},
	}
	f.QuotaEnforcement.Enabled = true
	s, err := policy.FromFile(f)
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	return s
}

func TestBestFirstNeverDowngrades(t *testing.T) {
	probe := NewMemoryProbe()
	r, err := New(testPolicies(t), WithProbe(probe))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	for _, attempt := range []int{0, 3, 9} {
		sel, err := r.SelectModel(ctx, policy.CategorySecurityAuth, policy.RoleBuilder, attempt, policy.ComplexityHigh)
		if err != nil {
			t.Fatalf("attempt %d: %v", attempt, err)
		}
		if sel.ModelID != "frontier-build-1" || sel.Escalated {
			t.Fatalf("attempt %d: got %+v, want primary unescalated", attempt, sel)
		}
	}

	probe.MarkExhausted("frontier-build-1")
	_, err = r.SelectModel(ctx, policy.CategorySecurityAuth, policy.RoleBuilder, 0, policy.ComplexityHigh)
	if !IsQuotaBlocked(err) {
		t.Fatalf("want QuotaBlockedError, got %v", err)
	}
}

func TestProgressiveEscalatesAfterAttempts(t *testing.T) {
	r, err := New(testPolicies(t), WithProbe(NewMemoryProbe()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	sel, err := r.SelectModel(ctx, policy.CategoryCoreBackendHigh, policy.RoleBuilder, 1, policy.ComplexityMedium)
	if err != nil {
		t.Fatal(err)
	}
	if sel.ModelID != "frontier-build-1" || sel.Escalated {
		t.Fatalf("attempt 1: %+v", sel)
	}

	sel, err = r.SelectModel(ctx, policy.CategoryCoreBackendHigh, policy.RoleBuilder, 2, policy.ComplexityMedium)
	if err != nil {
		t.Fatal(err)
	}
	if sel.ModelID != "frontier-build-1-max" || !sel.Escalated {
		t.Fatalf("attempt 2: %+v", sel)
	}

	sel, err = r.SelectModel(ctx, policy.CategoryCoreBackendHigh, policy.RoleAuditor, 5, policy.ComplexityMedium)
	if err != nil {
		t.Fatal(err)
	}
	if sel.ModelID != "frontier-audit-1-max" {
		t.Fatalf("auditor escalation: %+v", sel)
	}
}

func TestProgressiveBlocksOnEscalatedQuota(t *testing.T) {
	probe := NewMemoryProbe()
	probe.MarkExhausted("frontier-build-1-max")
	r, err := New(testPolicies(t), WithProbe(probe))
	if err != nil {
		t.Fatal(err)
	}
	_, err = r.SelectModel(context.Background(), policy.CategoryCoreBackendHigh, policy.RoleBuilder, 4, policy.ComplexityHigh)
	var qb *QuotaBlockedError
	if !errors.As(err, &qb) {
		t.Fatalf("want QuotaBlockedError, got %v", err)
	}
	if qb.ModelID != "frontier-build-1-max" {
		t.Fatalf("blocked model = %q", qb.ModelID)
	}
}

func TestCheapFirstDowngradesWhenConfigured(t *testing.T) {
	probe := NewMemoryProbe()
	probe.MarkExhausted("frontier-build-1")
	r, err := New(testPolicies(t), WithProbe(probe))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	sel, err := r.SelectModel(ctx, policy.CategoryDocs, policy.RoleBuilder, 3, policy.ComplexityLow)
	if err != nil {
		t.Fatalf("downgrade path: %v", err)
	}
	if sel.ModelID != "swift-build-1" || sel.Escalated {
		t.Fatalf("want primary fallback, got %+v", sel)
	}

	probe.MarkExhausted("swift-build-1")
	_, err = r.SelectModel(ctx, policy.CategoryDocs, policy.RoleBuilder, 3, policy.ComplexityLow)
	if !IsQuotaBlocked(err) {
		t.Fatalf("want QuotaBlockedError when both tiers exhausted, got %v", err)
	}
}

func TestTokenBudgetLadderClamps(t *testing.T) {
	r, err := New(testPolicies(t))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	cases := []struct {
		complexity policy.Complexity
		attempt    int
		want       int
	}{
		{policy.ComplexityLow, 0, 8_000},
		{policy.ComplexityLow, 1, 12_000},
		{policy.ComplexityLow, 2, 16_000},
		{policy.ComplexityLow, 7, 16_000},
		{policy.ComplexityMedium, 0, 12_000},
		{policy.ComplexityMedium, 4, 24_000},
		{policy.ComplexityHigh, 0, 16_000},
		{policy.ComplexityHigh, 2, 32_000},
	}
	for _, tc := range cases {
		sel, err := r.SelectModel(ctx, policy.CategoryTests, policy.RoleBuilder, tc.attempt, tc.complexity)
		if err != nil {
			t.Fatal(err)
		}
		if sel.TokenBudget != tc.want {
			t.Fatalf("%s attempt %d: budget %d, want %d", tc.complexity, tc.attempt, sel.TokenBudget, tc.want)
		}
	}
}

func TestQuotaEnforcementDisabledIgnoresProbe(t *testing.T) {
	f := &policy.File{Version: 1}
	f.Routing.DefaultModels.Builder = "frontier-build-1"
	f.Routing.DefaultModels.Auditor = "frontier-audit-1"
	s, err := policy.FromFile(f)
	if err != nil {
		t.Fatal(err)
	}
	probe := NewMemoryProbe()
	probe.MarkExhausted("frontier-build-1")
	r, err := New(s, WithProbe(probe))
	if err != nil {
		t.Fatal(err)
	}
	sel, err := r.SelectModel(context.Background(), policy.CategorySecurityAuth, policy.RoleBuilder, 0, policy.ComplexityLow)
	if err != nil {
		t.Fatalf("enforcement disabled: %v", err)
	}
	if sel.ModelID != "frontier-build-1" {
		t.Fatalf("sel = %+v", sel)
	}
}

func TestNewRejectsUnknownModels(t *testing.T) {
	f := &policy.File{Version: 1}
	f.Routing.DefaultModels.Builder = "no-such-model"
	f.Routing.DefaultModels.Auditor = "frontier-audit-1"
	s, err := policy.FromFile(f)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := New(s); err == nil {
		t.Fatal("want catalog validation error")
	}
}

func TestCatalogResolveAlias(t *testing.T) {
	c := DefaultCatalog()
	spec, ok := c.Resolve("Frontier-Build-Latest")
	if !ok {
		t.Fatal("alias did not resolve")
	}
	if spec.ID != "frontier-build-1" {
		t.Fatalf("alias resolved to %q", spec.ID)
	}
	if _, ok := c.Resolve("bogus"); ok {
		t.Fatal("bogus id resolved")
	}
}
