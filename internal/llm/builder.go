package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/danshapiro/autopack/internal/patch"
)

// HintKind is the closed learning-hint enum. Hints are structured, never
// free text, so they stay cheap to dedup and bound.
type HintKind string

const (
	HintPathFix            HintKind = "PATH_FIX"
	HintDeliverableMissing HintKind = "DELIVERABLE_MISSING"
	HintTruncation         HintKind = "TRUNCATION"
	HintSymbolLost         HintKind = "SYMBOL_LOST"
	HintTestRegression     HintKind = "TEST_REGRESSION"
	HintApprovalDenied     HintKind = "APPROVAL_DENIED"
)

// Hint is one prior-attempt correction fed forward to the Builder.
type Hint struct {
	Kind   HintKind `json:"kind"`
	From   string   `json:"from,omitempty"`
	To     string   `json:"to,omitempty"`
	Detail string   `json:"detail,omitempty"`
}

// Continuation narrows a follow-up Builder call to the deliverables a
// truncated reply left unfinished.
type Continuation struct {
	UnfinishedDeliverables []string `json:"unfinished_deliverables"`
	PriorSummary           string   `json:"prior_summary,omitempty"`
}

// BuildRequest is everything the Builder needs for one attempt.
type BuildRequest struct {
	PhaseID          string
	AttemptID        string
	Goal             string
	Deliverables     []string
	AllowedPaths     []string
	ReadonlyContext  []string
	Hints            []Hint
	RetrievalContext string
	ModelID          string
	TokenBudget      int
	PreferStructured bool
	Continuation     *Continuation
}

// BuildResult is a parsed Builder reply.
type BuildResult struct {
	Proposal *patch.Proposal
	Usage    Usage
	Raw      string
}

// MalformedReplyError means the model replied but the payload was not a
// valid proposal. Truncated reports whether the reply hit the token budget,
// in which case continuation recovery applies instead of a failure.
type MalformedReplyError struct {
	ModelID   string
	Truncated bool
	Cause     error
}

func (e *MalformedReplyError) Error() string {
	if e.Truncated {
		return fmt.Sprintf("builder reply from %s truncated mid-payload: %v", e.ModelID, e.Cause)
	}
	return fmt.Sprintf("builder reply from %s is not a valid proposal: %v", e.ModelID, e.Cause)
}

func (e *MalformedReplyError) Unwrap() error { return e.Cause }

// Builder drives the Builder role over a completion client.
type Builder struct {
	client Client
}

func NewBuilder(client Client) *Builder {
	return &Builder{client: client}
}

const builderSystemPrompt = `You are an automated code builder. Reply with exactly one JSON object:
{"proposal_id": string, "attempt_id": string, "format": "unified_diff"|"structured_edits",
 "operations": [{"op": "create"|"modify"|"delete", "path": string, "content"?: string, "hunks"?: [...]}],
 "declared_deliverables": [string], "symbol_manifest"?: {path: [symbol]}, "summary"?: string}
Every path must be relative and inside the allowed paths. No prose outside the JSON object.`

// Build runs one Builder call and parses the proposal. Truncation surfaces
// as *MalformedReplyError with Truncated=true; the caller decides between
// continuation recovery and failing the attempt.
func (b *Builder) Build(ctx context.Context, req BuildRequest) (*BuildResult, error) {
	resp, err := b.client.Complete(ctx, Request{
		ModelID:   req.ModelID,
		System:    builderSystemPrompt,
		Prompt:    renderBuilderPrompt(req),
		MaxTokens: req.TokenBudget,
		Metadata:  map[string]string{"phase_id": req.PhaseID, "attempt_id": req.AttemptID, "role": "builder"},
	})
	if err != nil {
		return nil, err
	}

	result := &BuildResult{Usage: resp.Usage, Raw: resp.Text}
	payload := extractJSONObject(resp.Text)
	proposal, perr := patch.Decode([]byte(payload))
	if perr != nil {
		return result, &MalformedReplyError{ModelID: req.ModelID, Truncated: resp.Truncated(), Cause: perr}
	}
	if proposal.AttemptID == "" {
		proposal.AttemptID = req.AttemptID
	}
	if resp.Truncated() {
		// A parseable payload that still hit the budget likely lost trailing
		// operations. Treat it as truncated rather than silently partial.
		return result, &MalformedReplyError{
			ModelID:   req.ModelID,
			Truncated: true,
			Cause:     fmt.Errorf("stop_reason=max_tokens with %d operations", len(proposal.Operations)),
		}
	}
	result.Proposal = proposal
	return result, nil
}

func renderBuilderPrompt(req BuildRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Goal: %s\n", req.Goal)
	fmt.Fprintf(&sb, "Phase: %s attempt %s\n", req.PhaseID, req.AttemptID)
	writeList(&sb, "Deliverables", req.Deliverables)
	writeList(&sb, "Allowed paths", req.AllowedPaths)
	writeList(&sb, "Read-only context", req.ReadonlyContext)
	if req.PreferStructured {
		sb.WriteString("Use format structured_edits: the change set is too wide for a reliable diff.\n")
	}
	if req.Continuation != nil {
		sb.WriteString("This is a continuation. Produce ONLY the unfinished deliverables:\n")
		for _, d := range req.Continuation.UnfinishedDeliverables {
			fmt.Fprintf(&sb, "  - %s\n", d)
		}
		if req.Continuation.PriorSummary != "" {
			fmt.Fprintf(&sb, "Prior work summary: %s\n", req.Continuation.PriorSummary)
		}
	}
	if len(req.Hints) > 0 {
		sb.WriteString("Corrections from prior attempts (newest first):\n")
		for _, h := range req.Hints {
			line, _ := json.Marshal(h)
			sb.WriteString("  ")
			sb.Write(line)
			sb.WriteString("\n")
		}
	}
	if req.RetrievalContext != "" {
		sb.WriteString("Background context:\n")
		sb.WriteString(req.RetrievalContext)
		sb.WriteString("\n")
	}
	return sb.String()
}

func writeList(sb *strings.Builder, label string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(sb, "%s:\n", label)
	for _, it := range items {
		fmt.Fprintf(sb, "  - %s\n", it)
	}
}

// extractJSONObject strips markdown fences and surrounding prose, returning
// the outermost JSON object in text.
func extractJSONObject(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		if idx := strings.Index(text, "\n"); idx >= 0 {
			text = text[idx+1:]
		}
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
		text = strings.TrimSpace(text)
	}
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}
