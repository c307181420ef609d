// Package approval parks risky proposals until a human (or a configured
// auto-decider) rules on them. Callers never block a goroutine per ticket;
// the executor records APPROVAL_PENDING and the supervisor polls.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/danshapiro/autopack/internal/controlplane"
	"github.com/danshapiro/autopack/internal/policy"
)

// Status is the ticket state machine. PENDING is the only non-terminal state.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusDenied   Status = "DENIED"
	StatusTimedOut Status = "TIMED_OUT"
)

func (s Status) Terminal() bool { return s != StatusPending }

func ParseStatus(v string) (Status, error) {
	switch Status(v) {
	case StatusPending, StatusApproved, StatusDenied, StatusTimedOut:
		return Status(v), nil
	default:
		return "", fmt.Errorf("invalid approval status %q", v)
	}
}

var (
	ErrNotFound       = errors.New("approval: no such ticket")
	ErrAlreadyDecided = errors.New("approval: ticket already decided")
)

// Request carries everything a human needs to rule on a proposal.
type Request struct {
	RunID            string          `json:"run_id"`
	PhaseID          string          `json:"phase_id"`
	ProposalID       string          `json:"proposal_id"`
	Category         policy.Category `json:"category"`
	RiskLevel        string          `json:"risk_level"`
	DecisionCategory string          `json:"decision_category"`
	Reason           string          `json:"reason"`
	Summary          string          `json:"summary,omitempty"`
}

// Ticket is one approval in flight or decided.
type Ticket struct {
	ApprovalID string     `json:"approval_id"`
	Request    Request    `json:"request"`
	Status     Status     `json:"status"`
	OpenedAt   time.Time  `json:"opened_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	DecidedAt  *time.Time `json:"decided_at,omitempty"`
	Actor      string     `json:"actor,omitempty"`
	Note       string     `json:"note,omitempty"`
}

// AuditSink receives every lifecycle event. Satisfied by *store.Store.
type AuditSink interface {
	AppendApprovalAudit(ctx context.Context, approvalID, phaseID, event, actor, detail string) error
}

// RemoteDecider surfaces decisions recorded out of process, typically through
// the control plane's decision inbox. Satisfied by *controlplane.Client.
type RemoteDecider interface {
	ApprovalStatus(ctx context.Context, approvalID string) (controlplane.ApprovalState, error)
}

// AutoDecider rules on freshly opened tickets without a human. Used with
// AUTO_APPROVE=true in tests and local loops; it refuses best_first
// categories so the highest-stakes changes always reach a person.
type AutoDecider struct {
	Enabled bool
}

// Decide returns the decision and whether the decider claims the ticket.
func (d AutoDecider) Decide(t Ticket) (Status, bool) {
	if !d.Enabled {
		return "", false
	}
	if t.Request.Category.BestFirstOnly() {
		return "", false
	}
	return StatusApproved, true
}

const DefaultTimeout = time.Hour

// Gateway owns the ticket table. Decisions are serialized per gateway; the
// first terminal transition wins and later ones fail with ErrAlreadyDecided.
type Gateway struct {
	mu      sync.Mutex
	tickets map[string]*Ticket

	timeout time.Duration
	audit   AuditSink
	auto    AutoDecider
	remote  RemoteDecider
	log     *zap.Logger
	now     func() time.Time
}

type Option func(*Gateway)

func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

func WithAudit(a AuditSink) Option         { return func(g *Gateway) { g.audit = a } }
func WithAutoDecider(d AutoDecider) Option { return func(g *Gateway) { g.auto = d } }
func WithRemote(r RemoteDecider) Option    { return func(g *Gateway) { g.remote = r } }
func WithLogger(l *zap.Logger) Option      { return func(g *Gateway) { g.log = l } }

// withClock overrides time for expiry tests.
func withClock(now func() time.Time) Option { return func(g *Gateway) { g.now = now } }

func NewGateway(opts ...Option) *Gateway {
	g := &Gateway{
		tickets: map[string]*Ticket{},
		timeout: DefaultTimeout,
		log:     zap.NewNop(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Open registers a ticket and returns its id. When an auto-decider is
// configured and claims the ticket, the ticket is decided before Open
// returns, so the first Poll already sees the terminal state.
func (g *Gateway) Open(ctx context.Context, req Request) (string, error) {
	if req.PhaseID == "" {
		return "", fmt.Errorf("approval: request requires phase_id")
	}
	now := g.now()
	t := &Ticket{
		ApprovalID: uuid.NewString(),
		Request:    req,
		Status:     StatusPending,
		OpenedAt:   now,
		ExpiresAt:  now.Add(g.timeout),
	}

	g.mu.Lock()
	g.tickets[t.ApprovalID] = t
	g.mu.Unlock()

	g.appendAudit(ctx, t, "OPENED", "system", req.Reason)
	g.log.Info("approval opened",
		zap.String("approval_id", t.ApprovalID),
		zap.String("phase_id", req.PhaseID),
		zap.String("risk", req.RiskLevel))

	if status, ok := g.auto.Decide(*t); ok {
		if err := g.Decide(ctx, t.ApprovalID, status, "auto", "auto-decider"); err != nil {
			return "", err
		}
	}
	return t.ApprovalID, nil
}

// Poll returns the ticket's current state, lazily expiring it first. With a
// remote decider wired, a still-pending ticket is checked against the remote
// inbox so a decision made in another process lands here.
func (g *Gateway) Poll(ctx context.Context, approvalID string) (Ticket, error) {
	g.mu.Lock()
	t, ok := g.tickets[approvalID]
	if !ok {
		g.mu.Unlock()
		return Ticket{}, fmt.Errorf("%w: %s", ErrNotFound, approvalID)
	}
	expired := g.expireLocked(t)
	snapshot := *t
	g.mu.Unlock()

	if expired {
		g.appendAudit(ctx, &snapshot, "TIMED_OUT", "system", "expired after "+g.timeout.String())
		return snapshot, nil
	}
	if snapshot.Status == StatusPending && g.remote != nil {
		if decided, ok := g.applyRemote(ctx, approvalID); ok {
			return decided, nil
		}
	}
	return snapshot, nil
}

// applyRemote pulls the inbox state for one ticket and lands any terminal
// decision locally. Remote failures are advisory: the ticket stays pending
// and the local clock keeps owning expiry. A remote TIMED_OUT is ignored for
// the same reason.
func (g *Gateway) applyRemote(ctx context.Context, approvalID string) (Ticket, bool) {
	st, err := g.remote.ApprovalStatus(ctx, approvalID)
	if err != nil {
		g.log.Warn("remote approval poll failed",
			zap.String("approval_id", approvalID),
			zap.Error(err))
		return Ticket{}, false
	}
	status := Status(st.Status)
	if status != StatusApproved && status != StatusDenied {
		return Ticket{}, false
	}
	actor := st.Actor
	if actor == "" {
		actor = "remote"
	}
	err = g.Decide(ctx, approvalID, status, actor, st.Note)
	if err != nil && !errors.Is(err, ErrAlreadyDecided) {
		g.log.Warn("remote approval decision not applied",
			zap.String("approval_id", approvalID),
			zap.String("status", string(status)),
			zap.Error(err))
		return Ticket{}, false
	}

	g.mu.Lock()
	t, ok := g.tickets[approvalID]
	if !ok {
		g.mu.Unlock()
		return Ticket{}, false
	}
	snapshot := *t
	g.mu.Unlock()
	return snapshot, true
}

// Decide applies a terminal decision. Terminal tickets are immutable.
func (g *Gateway) Decide(ctx context.Context, approvalID string, status Status, actor, note string) error {
	if status != StatusApproved && status != StatusDenied {
		return fmt.Errorf("approval: decision must be APPROVED or DENIED, got %q", status)
	}
	if actor == "" {
		return fmt.Errorf("approval: decision requires an actor")
	}

	g.mu.Lock()
	t, ok := g.tickets[approvalID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, approvalID)
	}
	if g.expireLocked(t) {
		snapshot := *t
		g.mu.Unlock()
		g.appendAudit(ctx, &snapshot, "TIMED_OUT", "system", "expired after "+g.timeout.String())
		return fmt.Errorf("%w: %s is %s", ErrAlreadyDecided, approvalID, StatusTimedOut)
	}
	if t.Status.Terminal() {
		prior := t.Status
		g.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrAlreadyDecided, approvalID, prior)
	}
	now := g.now()
	t.Status = status
	t.DecidedAt = &now
	t.Actor = actor
	t.Note = note
	snapshot := *t
	g.mu.Unlock()

	g.appendAudit(ctx, &snapshot, string(status), actor, note)
	g.log.Info("approval decided",
		zap.String("approval_id", approvalID),
		zap.String("status", string(status)),
		zap.String("actor", actor))
	return nil
}

// Pending lists undecided tickets, oldest first.
func (g *Gateway) Pending() []Ticket {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Ticket, 0, len(g.tickets))
	for _, t := range g.tickets {
		if t.Status == StatusPending && g.now().Before(t.ExpiresAt) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// SweepExpired walks all tickets and times out the overdue ones. The
// supervisor calls this between phases; Poll also expires lazily so a missed
// sweep never leaves a ticket falsely pending.
func (g *Gateway) SweepExpired(ctx context.Context) int {
	g.mu.Lock()
	var expired []Ticket
	for _, t := range g.tickets {
		if g.expireLocked(t) {
			expired = append(expired, *t)
		}
	}
	g.mu.Unlock()

	for i := range expired {
		g.appendAudit(ctx, &expired[i], "TIMED_OUT", "system", "expired after "+g.timeout.String())
	}
	return len(expired)
}

// expireLocked flips an overdue PENDING ticket to TIMED_OUT. Caller holds mu.
func (g *Gateway) expireLocked(t *Ticket) bool {
	if t.Status != StatusPending {
		return false
	}
	now := g.now()
	if now.Before(t.ExpiresAt) {
		return false
	}
	t.Status = StatusTimedOut
	t.DecidedAt = &now
	t.Actor = "system"
	return true
}

// appendAudit is best-effort: the in-memory state machine is authoritative
// and a failed audit write must not wedge a decision.
func (g *Gateway) appendAudit(ctx context.Context, t *Ticket, event, actor, detail string) {
	if g.audit == nil {
		return
	}
	if err := g.audit.AppendApprovalAudit(ctx, t.ApprovalID, t.Request.PhaseID, event, actor, detail); err != nil {
		g.log.Warn("approval audit append failed",
			zap.String("approval_id", t.ApprovalID),
			zap.String("event", event),
			zap.Error(err))
	}
}
