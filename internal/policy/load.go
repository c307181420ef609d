package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// File is the on-disk shape of the policy document.
type File struct {
	Version int `json:"version" yaml:"version"`

	Routing struct {
		DefaultModels struct {
			Builder string `json:"builder,omitempty" yaml:"builder,omitempty"`
			Auditor string `json:"auditor,omitempty" yaml:"auditor,omitempty"`
		} `json:"default_models,omitempty" yaml:"default_models,omitempty"`
		Categories map[string]RoutingPolicy `json:"categories" yaml:"categories"`
	} `json:"routing" yaml:"routing"`

	QuotaEnforcement QuotaEnforcement `json:"quota_enforcement,omitempty" yaml:"quota_enforcement,omitempty"`
	Budgets          Budgets          `json:"budgets,omitempty" yaml:"budgets,omitempty"`
	Risk             RiskKnobs        `json:"risk,omitempty" yaml:"risk,omitempty"`
	Protection       ProtectionPolicy `json:"protection,omitempty" yaml:"protection,omitempty"`
}

// Store serves policy lookups. Immutable after Load.
type Store struct {
	routing    map[Category]RoutingPolicy
	budgets    Budgets
	risk       RiskKnobs
	protection ProtectionPolicy
	quota      QuotaEnforcement
}

// Load reads, schema-checks, defaults, and validates the policy file.
func Load(path string) (*Store, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f File
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := decodeJSONStrict(b, &f); err != nil {
			return nil, fmt.Errorf("policy %s: %w", path, err)
		}
	default:
		if err := decodeYAMLStrict(b, &f); err != nil {
			return nil, fmt.Errorf("policy %s: %w", path, err)
		}
		if err := validateAgainstSchema(b); err != nil {
			return nil, fmt.Errorf("policy %s: %w", path, err)
		}
	}
	return FromFile(&f)
}

// FromFile builds a Store from an already-decoded file, applying defaults
// then validating.
func FromFile(f *File) (*Store, error) {
	if f == nil {
		return nil, fmt.Errorf("policy file is nil")
	}
	applyDefaults(f)
	if err := validate(f); err != nil {
		return nil, err
	}
	routing := make(map[Category]RoutingPolicy, len(f.Routing.Categories))
	for name, rp := range f.Routing.Categories {
		routing[Category(name)] = rp
	}
	return &Store{
		routing:    routing,
		budgets:    f.Budgets,
		risk:       f.Risk,
		protection: f.Protection,
		quota:      f.QuotaEnforcement,
	}, nil
}

// Default returns the built-in policy used by tests and as documentation of
// the shipped defaults.
func Default() *Store {
	f := &File{Version: 1}
	f.Routing.DefaultModels.Builder = "frontier-build-1"
	f.Routing.DefaultModels.Auditor = "frontier-audit-1"
	s, err := FromFile(f)
	if err != nil {
		panic(fmt.Sprintf("built-in policy invalid: %v", err))
	}
	return s
}

// GetRoutingPolicy returns the category's policy; unknown or unconfigured
// categories fall back to other.
func (s *Store) GetRoutingPolicy(c Category) RoutingPolicy {
	if rp, ok := s.routing[ParseCategory(string(c))]; ok {
		return rp
	}
	return s.routing[CategoryOther]
}

func (s *Store) GetProtectionPolicy() ProtectionPolicy { return s.protection }
func (s *Store) GetBudgets() Budgets                   { return s.budgets }
func (s *Store) GetRiskKnobs() RiskKnobs               { return s.risk }
func (s *Store) GetQuotaEnforcement() QuotaEnforcement { return s.quota }

func decodeJSONStrict(b []byte, f *File) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(f); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, f *File) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(f); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func validateAgainstSchema(b []byte) error {
	var doc any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("autopack-policy.json", strings.NewReader(policySchema)); err != nil {
		return err
	}
	schema, err := compiler.Compile("autopack-policy.json")
	if err != nil {
		return err
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}

func applyDefaults(f *File) {
	if f == nil {
		return
	}
	if f.Routing.Categories == nil {
		f.Routing.Categories = map[string]RoutingPolicy{}
	}
	defaults := map[Category]RoutingPolicy{
		CategorySecurityAuth:    {Strategy: StrategyBestFirst, DualAudit: true, OnQuotaExhausted: QuotaBlock},
		CategorySchemaContract:  {Strategy: StrategyBestFirst, DualAudit: true, OnQuotaExhausted: QuotaBlock},
		CategoryExternalReuse:   {Strategy: StrategyBestFirst, DualAudit: false, OnQuotaExhausted: QuotaBlock},
		CategoryCoreBackendHigh: {Strategy: StrategyProgressive, DualAudit: true, OnQuotaExhausted: QuotaBlock},
		CategoryDocs:            {Strategy: StrategyCheapFirst, DualAudit: false, OnQuotaExhausted: QuotaBlock},
		CategoryTests:           {Strategy: StrategyCheapFirst, DualAudit: false, OnQuotaExhausted: QuotaBlock},
		CategoryOther:           {Strategy: StrategyProgressive, DualAudit: false, OnQuotaExhausted: QuotaBlock},
	}
	for cat, def := range defaults {
		if _, ok := f.Routing.Categories[string(cat)]; !ok {
			f.Routing.Categories[string(cat)] = def
		}
	}
	for name, rp := range f.Routing.Categories {
		if strings.TrimSpace(rp.BuilderPrimary) == "" {
			rp.BuilderPrimary = strings.TrimSpace(f.Routing.DefaultModels.Builder)
		}
		if strings.TrimSpace(rp.AuditorPrimary) == "" {
			rp.AuditorPrimary = strings.TrimSpace(f.Routing.DefaultModels.Auditor)
		}
		if rp.OnQuotaExhausted == "" && rp.Strategy != StrategyBestFirst {
			rp.OnQuotaExhausted = QuotaBlock
		}
		if rp.EscalateTo != nil && rp.EscalateTo.AfterAttempts == 0 {
			rp.EscalateTo.AfterAttempts = 3
		}
		f.Routing.Categories[name] = rp
	}
	if len(f.Budgets.Low) == 0 && len(f.Budgets.Medium) == 0 && len(f.Budgets.High) == 0 {
		f.Budgets = defaultBudgets()
	}
	if f.Risk.SingleFileDeletionLimit == 0 {
		f.Risk.SingleFileDeletionLimit = defaultRiskKnobs().SingleFileDeletionLimit
	}
	if f.Risk.TotalDeletionLimit == 0 {
		f.Risk.TotalDeletionLimit = defaultRiskKnobs().TotalDeletionLimit
	}
	if f.Risk.CrossModuleThreshold == 0 {
		f.Risk.CrossModuleThreshold = defaultRiskKnobs().CrossModuleThreshold
	}
	if f.Risk.AutoApproveMaxLines == 0 {
		f.Risk.AutoApproveMaxLines = defaultRiskKnobs().AutoApproveMaxLines
	}
	if len(f.Protection.ProtectedPaths) == 0 {
		f.Protection = defaultProtection()
	}
	if f.Protection.Retention.ShortTermDays == 0 {
		f.Protection.Retention = defaultProtection().Retention
	}
	if f.Protection.CategoryPolicies == nil {
		f.Protection.CategoryPolicies = defaultProtection().CategoryPolicies
	}
}

func validate(f *File) error {
	if f.Version != 1 {
		return fmt.Errorf("unsupported policy version: %d", f.Version)
	}
	if _, ok := f.Routing.Categories[string(CategoryOther)]; !ok {
		return fmt.Errorf("routing.categories must define %q (the fallback category)", CategoryOther)
	}
	for name, rp := range f.Routing.Categories {
		cat := Category(name)
		if !cat.Valid() {
			return fmt.Errorf("routing.categories has unknown category %q", name)
		}
		if _, err := ParseStrategy(string(rp.Strategy)); err != nil {
			return fmt.Errorf("routing.categories.%s: %w", name, err)
		}
		if strings.TrimSpace(rp.BuilderPrimary) == "" {
			return fmt.Errorf("routing.categories.%s.builder_primary is required", name)
		}
		if strings.TrimSpace(rp.AuditorPrimary) == "" {
			return fmt.Errorf("routing.categories.%s.auditor_primary is required", name)
		}
		switch rp.OnQuotaExhausted {
		case QuotaBlock:
		case QuotaDowngrade:
			if rp.Strategy != StrategyCheapFirst {
				return fmt.Errorf("routing.categories.%s: on_quota_exhausted=downgrade is only valid for cheap_first", name)
			}
		case "":
			return fmt.Errorf("routing.categories.%s must declare on_quota_exhausted (best_first requires block)", name)
		default:
			return fmt.Errorf("routing.categories.%s: invalid on_quota_exhausted %q (want block|downgrade)", name, rp.OnQuotaExhausted)
		}
		if rp.Strategy == StrategyBestFirst && rp.OnQuotaExhausted != QuotaBlock {
			return fmt.Errorf("routing.categories.%s: best_first must block on quota exhaustion", name)
		}
		if rp.SecondaryAuditor != "" && rp.SecondaryAuditor == rp.AuditorPrimary {
			return fmt.Errorf("routing.categories.%s.secondary_auditor must differ from auditor_primary", name)
		}
		if rp.EscalateTo != nil {
			if strings.TrimSpace(rp.EscalateTo.Builder) == "" && strings.TrimSpace(rp.EscalateTo.Auditor) == "" {
				return fmt.Errorf("routing.categories.%s.escalate_to must name a builder or auditor model", name)
			}
			if rp.EscalateTo.AfterAttempts < 1 {
				return fmt.Errorf("routing.categories.%s.escalate_to.after_attempts must be >= 1", name)
			}
		}
	}
	for _, ladder := range []struct {
		name string
		v    []int
	}{{"low", f.Budgets.Low}, {"medium", f.Budgets.Medium}, {"high", f.Budgets.High}} {
		if len(ladder.v) == 0 {
			return fmt.Errorf("budgets.%s must have at least one step", ladder.name)
		}
		prev := 0
		for i, step := range ladder.v {
			if step <= 0 {
				return fmt.Errorf("budgets.%s[%d] must be > 0", ladder.name, i)
			}
			if step < prev {
				return fmt.Errorf("budgets.%s must be non-decreasing", ladder.name)
			}
			prev = step
		}
	}
	if f.Risk.SingleFileDeletionLimit <= 0 || f.Risk.TotalDeletionLimit <= 0 {
		return fmt.Errorf("risk deletion limits must be > 0")
	}
	if f.Risk.CrossModuleThreshold < 2 {
		return fmt.Errorf("risk.cross_module_threshold must be >= 2")
	}
	if err := f.Protection.validate(); err != nil {
		return fmt.Errorf("protection: %w", err)
	}
	return nil
}
