// Package policy loads and serves the declarative routing, protection, and
// budget configuration. The store is immutable after Load; every other
// component asks it instead of re-declaring path or model policy.
package policy

import (
	"fmt"
	"strings"
)

// Category classifies a phase for routing and risk floors.
type Category string

const (
	CategorySecurityAuth    Category = "security_auth_change"
	CategorySchemaContract  Category = "schema_contract_change"
	CategoryExternalReuse   Category = "external_feature_reuse"
	CategoryCoreBackendHigh Category = "core_backend_high"
	CategoryDocs            Category = "docs"
	CategoryTests           Category = "tests"
	CategoryOther           Category = "other"
)

var knownCategories = map[Category]bool{
	CategorySecurityAuth:    true,
	CategorySchemaContract:  true,
	CategoryExternalReuse:   true,
	CategoryCoreBackendHigh: true,
	CategoryDocs:            true,
	CategoryTests:           true,
	CategoryOther:           true,
}

// ParseCategory normalizes s; unknown categories map to CategoryOther per
// the fallback contract rather than failing.
func ParseCategory(s string) Category {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if knownCategories[c] {
		return c
	}
	return CategoryOther
}

func (c Category) Valid() bool { return knownCategories[c] }

// Categories lists the known categories in a stable order.
func Categories() []Category {
	return []Category{
		CategorySecurityAuth,
		CategorySchemaContract,
		CategoryExternalReuse,
		CategoryCoreBackendHigh,
		CategoryDocs,
		CategoryTests,
		CategoryOther,
	}
}

// BestFirstOnly reports whether the category refuses model downgrades.
func (c Category) BestFirstOnly() bool {
	switch c {
	case CategorySecurityAuth, CategorySchemaContract, CategoryExternalReuse:
		return true
	default:
		return false
	}
}

// Strategy selects how the router walks the model ladder.
type Strategy string

const (
	StrategyBestFirst   Strategy = "best_first"
	StrategyProgressive Strategy = "progressive"
	StrategyCheapFirst  Strategy = "cheap_first"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyBestFirst:
		return StrategyBestFirst, nil
	case StrategyProgressive:
		return StrategyProgressive, nil
	case StrategyCheapFirst:
		return StrategyCheapFirst, nil
	default:
		return "", fmt.Errorf("invalid routing strategy %q (want best_first|progressive|cheap_first)", s)
	}
}

// Complexity drives the token budget ladder.
type Complexity string

const (
	ComplexityLow    Complexity = "LOW"
	ComplexityMedium Complexity = "MEDIUM"
	ComplexityHigh   Complexity = "HIGH"
)

func ParseComplexity(s string) (Complexity, error) {
	switch Complexity(strings.ToUpper(strings.TrimSpace(s))) {
	case ComplexityLow:
		return ComplexityLow, nil
	case ComplexityMedium:
		return ComplexityMedium, nil
	case ComplexityHigh:
		return ComplexityHigh, nil
	default:
		return "", fmt.Errorf("invalid complexity %q (want LOW|MEDIUM|HIGH)", s)
	}
}

// Role names the two LLM roles.
type Role string

const (
	RoleBuilder Role = "builder"
	RoleAuditor Role = "auditor"
)

func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleBuilder:
		return RoleBuilder, nil
	case RoleAuditor:
		return RoleAuditor, nil
	default:
		return "", fmt.Errorf("invalid role %q (want builder|auditor)", s)
	}
}

// QuotaBehavior declares what a policy does when its tier has no quota.
type QuotaBehavior string

const (
	QuotaBlock     QuotaBehavior = "block"
	QuotaDowngrade QuotaBehavior = "downgrade"
)

// EscalateTo names the models used once after_attempts is reached.
type EscalateTo struct {
	Builder       string `json:"builder" yaml:"builder"`
	Auditor       string `json:"auditor" yaml:"auditor"`
	AfterAttempts int    `json:"after_attempts" yaml:"after_attempts"`
}

// RoutingPolicy is the per-category routing contract.
type RoutingPolicy struct {
	Strategy         Strategy      `json:"strategy" yaml:"strategy"`
	BuilderPrimary   string        `json:"builder_primary" yaml:"builder_primary"`
	AuditorPrimary   string        `json:"auditor_primary" yaml:"auditor_primary"`
	SecondaryAuditor string        `json:"secondary_auditor,omitempty" yaml:"secondary_auditor,omitempty"`
	DualAudit        bool          `json:"dual_audit" yaml:"dual_audit"`
	EscalateTo       *EscalateTo   `json:"escalate_to,omitempty" yaml:"escalate_to,omitempty"`
	OnQuotaExhausted QuotaBehavior `json:"on_quota_exhausted,omitempty" yaml:"on_quota_exhausted,omitempty"`
}

// Budgets holds the per-complexity token ladders. Indices are attempt tiers;
// the last entry is the clamp.
type Budgets struct {
	Low    []int `json:"low" yaml:"low"`
	Medium []int `json:"medium" yaml:"medium"`
	High   []int `json:"high" yaml:"high"`
}

// Ladder returns the budget ladder for the complexity.
func (b Budgets) Ladder(c Complexity) []int {
	switch c {
	case ComplexityLow:
		return b.Low
	case ComplexityMedium:
		return b.Medium
	case ComplexityHigh:
		return b.High
	default:
		return b.Medium
	}
}

// ForTier returns the budget for a 0-based escalation tier, clamped to the
// ladder's last step.
func (b Budgets) ForTier(c Complexity, tier int) int {
	ladder := b.Ladder(c)
	if len(ladder) == 0 {
		return 0
	}
	if tier < 0 {
		tier = 0
	}
	if tier >= len(ladder) {
		tier = len(ladder) - 1
	}
	return ladder[tier]
}

func defaultBudgets() Budgets {
	return Budgets{
		Low:    []int{8_000, 12_000, 16_000},
		Medium: []int{12_000, 16_000, 24_000},
		High:   []int{16_000, 24_000, 32_000},
	}
}

// RiskKnobs are the governance thresholds the risk scorer consumes.
type RiskKnobs struct {
	SingleFileDeletionLimit int      `json:"single_file_deletion_limit" yaml:"single_file_deletion_limit"`
	TotalDeletionLimit      int      `json:"total_deletion_limit" yaml:"total_deletion_limit"`
	CrossModuleThreshold    int      `json:"cross_module_threshold" yaml:"cross_module_threshold"`
	AutoApproveMaxLines     int      `json:"auto_approve_max_lines" yaml:"auto_approve_max_lines"`
	AutoApprovePaths        []string `json:"auto_approve_paths,omitempty" yaml:"auto_approve_paths,omitempty"`
	NeverAutoApprovePaths   []string `json:"never_auto_approve_paths,omitempty" yaml:"never_auto_approve_paths,omitempty"`
}

func defaultRiskKnobs() RiskKnobs {
	return RiskKnobs{
		SingleFileDeletionLimit: 200,
		TotalDeletionLimit:      1000,
		CrossModuleThreshold:    3,
		AutoApproveMaxLines:     40,
	}
}

// QuotaEnforcement is the file's quota_enforcement block.
type QuotaEnforcement struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}
