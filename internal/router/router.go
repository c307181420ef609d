// Package router picks the model and token budget for each attempt. Routing
// strategy and escalation come from policy; quota state comes from a probe so
// the selection itself stays deterministic.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/danshapiro/autopack/internal/policy"
)

// Selection is the routing outcome for one attempt.
type Selection struct {
	ModelID     string          `json:"model_id"`
	TokenBudget int             `json:"token_budget"`
	Strategy    policy.Strategy `json:"strategy"`
	Escalated   bool            `json:"escalated"`
}

// QuotaBlockedError means the selected tier has no quota and the strategy
// forbids downgrading. best_first categories surface this instead of silently
// running on a weaker model.
type QuotaBlockedError struct {
	ModelID  string
	Category policy.Category
	Role     policy.Role
}

func (e *QuotaBlockedError) Error() string {
	return fmt.Sprintf("quota exhausted for %s (%s/%s); strategy forbids downgrade", e.ModelID, e.Category, e.Role)
}

// IsQuotaBlocked reports whether err is (or wraps) a QuotaBlockedError.
func IsQuotaBlocked(err error) bool {
	var qb *QuotaBlockedError
	return errors.As(err, &qb)
}

// QuotaProbe answers whether a model currently has quota. Implementations:
// the control-plane client, and MemoryProbe for tests and offline runs.
type QuotaProbe interface {
	Exhausted(ctx context.Context, modelID string) (bool, error)
}

// MemoryProbe is an in-process quota ledger. The executor marks models
// exhausted when a provider reports a quota error so later selections in the
// same process block instead of re-dialing a dead tier.
type MemoryProbe struct {
	mu        sync.Mutex
	exhausted map[string]bool
}

func NewMemoryProbe() *MemoryProbe {
	return &MemoryProbe{exhausted: map[string]bool{}}
}

func (p *MemoryProbe) Exhausted(_ context.Context, modelID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exhausted[modelID], nil
}

func (p *MemoryProbe) MarkExhausted(modelID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exhausted[modelID] = true
}

func (p *MemoryProbe) Reset(modelID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.exhausted, modelID)
}

// Router selects models per policy. Safe for concurrent use.
type Router struct {
	policies *policy.Store
	catalog  *Catalog
	probe    QuotaProbe
	log      *zap.Logger
}

type Option func(*Router)

func WithProbe(p QuotaProbe) Option   { return func(r *Router) { r.probe = p } }
func WithCatalog(c *Catalog) Option   { return func(r *Router) { r.catalog = c } }
func WithLogger(l *zap.Logger) Option { return func(r *Router) { r.log = l } }

// New builds a Router and validates the policy's model ids against the
// catalog so unknown models fail at startup, not mid-run.
func New(policies *policy.Store, opts ...Option) (*Router, error) {
	r := &Router{
		policies: policies,
		catalog:  DefaultCatalog(),
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.policies == nil {
		return nil, fmt.Errorf("router: policy store is required")
	}
	if err := r.catalog.ValidatePolicy(r.policies); err != nil {
		return nil, err
	}
	return r, nil
}

// SelectModel returns the model and token budget for the given attempt.
// attemptIndex is 0-based; the token ladder steps with it independently of
// model escalation and clamps at the last rung.
func (r *Router) SelectModel(ctx context.Context, category policy.Category, role policy.Role, attemptIndex int, complexity policy.Complexity) (Selection, error) {
	rp := r.policies.GetRoutingPolicy(category)
	budget := r.policies.GetBudgets().ForTier(complexity, attemptIndex)

	primary := rp.BuilderPrimary
	if role == policy.RoleAuditor {
		primary = rp.AuditorPrimary
	}

	sel := Selection{ModelID: primary, TokenBudget: budget, Strategy: rp.Strategy}
	if rp.Strategy != policy.StrategyBestFirst && rp.EscalateTo != nil && attemptIndex >= rp.EscalateTo.AfterAttempts {
		target := rp.EscalateTo.Builder
		if role == policy.RoleAuditor {
			target = rp.EscalateTo.Auditor
		}
		if target != "" {
			sel.ModelID = target
			sel.Escalated = true
		}
	}

	if _, ok := r.catalog.Resolve(sel.ModelID); !ok {
		return Selection{}, fmt.Errorf("router: policy names unknown model %q for %s/%s", sel.ModelID, category, role)
	}

	if blocked, err := r.quotaExhausted(ctx, sel.ModelID); err == nil && blocked {
		switch {
		case rp.Strategy == policy.StrategyCheapFirst && rp.OnQuotaExhausted == policy.QuotaDowngrade && sel.Escalated:
			// Configured downgrade: fall back to the primary tier.
			if primaryBlocked, perr := r.quotaExhausted(ctx, primary); perr == nil && primaryBlocked {
				return Selection{}, &QuotaBlockedError{ModelID: primary, Category: category, Role: role}
			}
			r.log.Info("routing downgrade on quota",
				zap.String("category", string(category)),
				zap.String("role", string(role)),
				zap.String("from", sel.ModelID),
				zap.String("to", primary))
			sel.ModelID = primary
			sel.Escalated = false
		default:
			return Selection{}, &QuotaBlockedError{ModelID: sel.ModelID, Category: category, Role: role}
		}
	}

	r.log.Debug("model selected",
		zap.String("category", string(category)),
		zap.String("role", string(role)),
		zap.Int("attempt_index", attemptIndex),
		zap.String("model_id", sel.ModelID),
		zap.Int("token_budget", sel.TokenBudget),
		zap.Bool("escalated", sel.Escalated))
	return sel, nil
}

// quotaExhausted consults the probe when quota enforcement is on. Probe
// failures are logged and treated as "unknown": selection proceeds and the
// provider's own quota error, if any, is handled by the caller.
func (r *Router) quotaExhausted(ctx context.Context, modelID string) (bool, error) {
	if r.probe == nil || !r.policies.GetQuotaEnforcement().Enabled {
		return false, nil
	}
	blocked, err := r.probe.Exhausted(ctx, modelID)
	if err != nil {
		r.log.Warn("quota probe failed", zap.String("model_id", modelID), zap.Error(err))
		return false, err
	}
	return blocked, nil
}
