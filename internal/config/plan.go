package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/danshapiro/autopack/internal/policy"
)

// Plan is a run definition: ordered phases over one workspace. The file is
// strict-decoded like the engine config; a misspelled key fails the load.
type Plan struct {
	Version     int         `json:"version" yaml:"version"`
	Family      string      `json:"family,omitempty" yaml:"family,omitempty"`
	TokenBudget int64       `json:"token_budget,omitempty" yaml:"token_budget,omitempty"`
	Phases      []PlanPhase `json:"phases" yaml:"phases"`
}

// PlanPhase declares one unit of autonomous work. ID is optional; the run
// command mints one when absent. MaxAttempts zero means "use the engine
// default".
type PlanPhase struct {
	ID              string   `json:"id,omitempty" yaml:"id,omitempty"`
	Goal            string   `json:"goal" yaml:"goal"`
	Category        string   `json:"category" yaml:"category"`
	Complexity      string   `json:"complexity" yaml:"complexity"`
	Deliverables    []string `json:"deliverables" yaml:"deliverables"`
	AllowedPaths    []string `json:"allowed_paths" yaml:"allowed_paths"`
	ReadonlyContext []string `json:"readonly_context,omitempty" yaml:"readonly_context,omitempty"`
	ProtectedPaths  []string `json:"protected_paths,omitempty" yaml:"protected_paths,omitempty"`
	MaxAttempts     int      `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
}

// LoadPlan reads, decodes, defaults, and validates a plan file.
func LoadPlan(path string) (*Plan, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p Plan
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := decodeJSONStrict(b, &p); err != nil {
			return nil, fmt.Errorf("plan %s: %w", path, err)
		}
	default:
		if err := decodeYAMLStrict(b, &p); err != nil {
			return nil, fmt.Errorf("plan %s: %w", path, err)
		}
	}
	if p.Version == 0 {
		p.Version = 1
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("plan %s: %w", path, err)
	}
	return &p, nil
}

// Validate enforces the plan invariants. Category follows the system-wide
// fallback contract (unknown maps to "other"); complexity is strict.
func (p *Plan) Validate() error {
	if p.Version != 1 {
		return fmt.Errorf("unsupported plan version: %d", p.Version)
	}
	if p.TokenBudget < 0 {
		return fmt.Errorf("token_budget must be >= 0")
	}
	if len(p.Phases) == 0 {
		return fmt.Errorf("plan declares no phases")
	}
	seen := map[string]int{}
	for i := range p.Phases {
		ph := &p.Phases[i]
		if strings.TrimSpace(ph.Goal) == "" {
			return fmt.Errorf("phase %d: goal is required", i)
		}
		if _, err := policy.ParseComplexity(ph.Complexity); err != nil {
			return fmt.Errorf("phase %d: %w", i, err)
		}
		if len(trimNonEmpty(ph.Deliverables)) == 0 {
			return fmt.Errorf("phase %d: deliverables must be non-empty", i)
		}
		if len(trimNonEmpty(ph.AllowedPaths)) == 0 {
			return fmt.Errorf("phase %d: allowed_paths must be non-empty", i)
		}
		if ph.MaxAttempts < 0 {
			return fmt.Errorf("phase %d: max_attempts must be >= 0", i)
		}
		for _, prot := range ph.ProtectedPaths {
			for _, allowed := range ph.AllowedPaths {
				if prot == allowed {
					return fmt.Errorf("phase %d: %q is both protected and allowed", i, prot)
				}
			}
		}
		if id := strings.TrimSpace(ph.ID); id != "" {
			if prev, dup := seen[id]; dup {
				return fmt.Errorf("phase %d: id %q already used by phase %d", i, id, prev)
			}
			seen[id] = i
		}
	}
	return nil
}
