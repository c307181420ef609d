package router

import (
	"fmt"
	"strings"
	"sync"

	"github.com/danshapiro/autopack/internal/policy"
)

// ModelTier orders models by capability for downgrade checks.
type ModelTier int

const (
	TierCheap ModelTier = iota
	TierStandard
	TierMax
)

func (t ModelTier) String() string {
	switch t {
	case TierCheap:
		return "cheap"
	case TierStandard:
		return "standard"
	case TierMax:
		return "max"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// ModelSpec describes one routable model.
type ModelSpec struct {
	ID              string
	Family          string
	Tier            ModelTier
	ContextWindow   int
	MaxOutputTokens int
	Aliases         []string
}

var builtinModels = map[string]ModelSpec{
	"frontier-build-1": {
		ID:              "frontier-build-1",
		Family:          "frontier",
		Tier:            TierStandard,
		ContextWindow:   200_000,
		MaxOutputTokens: 32_000,
		Aliases:         []string{"frontier-build-latest"},
	},
	"frontier-build-1-max": {
		ID:              "frontier-build-1-max",
		Family:          "frontier",
		Tier:            TierMax,
		ContextWindow:   400_000,
		MaxOutputTokens: 64_000,
	},
	"frontier-audit-1": {
		ID:              "frontier-audit-1",
		Family:          "frontier",
		Tier:            TierStandard,
		ContextWindow:   200_000,
		MaxOutputTokens: 16_000,
		Aliases:         []string{"frontier-audit-latest"},
	},
	"frontier-audit-1-max": {
		ID:              "frontier-audit-1-max",
		Family:          "frontier",
		Tier:            TierMax,
		ContextWindow:   400_000,
		MaxOutputTokens: 32_000,
	},
	"swift-build-1": {
		ID:              "swift-build-1",
		Family:          "swift",
		Tier:            TierCheap,
		ContextWindow:   128_000,
		MaxOutputTokens: 16_000,
	},
	"swift-audit-1": {
		ID:              "swift-audit-1",
		Family:          "swift",
		Tier:            TierCheap,
		ContextWindow:   128_000,
		MaxOutputTokens: 8_000,
	},
}

// Builtins returns a copy of the built-in model specs.
func Builtins() map[string]ModelSpec {
	out := make(map[string]ModelSpec, len(builtinModels))
	for k, v := range builtinModels {
		out[k] = v
	}
	return out
}

// Catalog resolves model ids (and their aliases) to specs.
type Catalog struct {
	specs map[string]ModelSpec

	aliasOnce  sync.Once
	aliasIndex map[string]string
}

func NewCatalog(specs map[string]ModelSpec) *Catalog {
	c := &Catalog{specs: make(map[string]ModelSpec, len(specs))}
	for k, v := range specs {
		c.specs[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return c
}

func DefaultCatalog() *Catalog { return NewCatalog(builtinModels) }

func (c *Catalog) aliases() map[string]string {
	c.aliasOnce.Do(func() {
		c.aliasIndex = map[string]string{}
		for key, spec := range c.specs {
			c.aliasIndex[key] = key
			for _, rawAlias := range spec.Aliases {
				alias := strings.ToLower(strings.TrimSpace(rawAlias))
				if alias != "" {
					c.aliasIndex[alias] = key
				}
			}
		}
	})
	return c.aliasIndex
}

// Resolve returns the spec for a model id or one of its aliases.
func (c *Catalog) Resolve(id string) (ModelSpec, bool) {
	key := strings.ToLower(strings.TrimSpace(id))
	if key == "" {
		return ModelSpec{}, false
	}
	if canonical, ok := c.aliases()[key]; ok {
		return c.specs[canonical], true
	}
	return ModelSpec{}, false
}

// ValidatePolicy checks that every model id a policy can hand out resolves in
// the catalog. Run at startup so a typo fails the run before the first phase.
func (c *Catalog) ValidatePolicy(s *policy.Store) error {
	if s == nil {
		return fmt.Errorf("policy store is nil")
	}
	for _, cat := range policy.Categories() {
		rp := s.GetRoutingPolicy(cat)
		for _, ref := range []struct {
			field string
			id    string
		}{
			{"builder_primary", rp.BuilderPrimary},
			{"auditor_primary", rp.AuditorPrimary},
			{"secondary_auditor", rp.SecondaryAuditor},
		} {
			if ref.id == "" {
				continue
			}
			if _, ok := c.Resolve(ref.id); !ok {
				return fmt.Errorf("routing.categories.%s.%s: unknown model %q", cat, ref.field, ref.id)
			}
		}
		if rp.EscalateTo != nil {
			for _, ref := range []struct {
				field string
				id    string
			}{
				{"escalate_to.builder", rp.EscalateTo.Builder},
				{"escalate_to.auditor", rp.EscalateTo.Auditor},
			} {
				if ref.id == "" {
					continue
				}
				if _, ok := c.Resolve(ref.id); !ok {
					return fmt.Errorf("routing.categories.%s.%s: unknown model %q", cat, ref.field, ref.id)
				}
			}
		}
	}
	return nil
}
