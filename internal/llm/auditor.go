package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// FindingSeverity grades one Auditor finding.
type FindingSeverity string

const (
	SeverityInfo     FindingSeverity = "info"
	SeverityWarn     FindingSeverity = "warn"
	SeverityCritical FindingSeverity = "critical"
)

// Finding is one Auditor observation about the applied diff.
type Finding struct {
	Severity FindingSeverity `json:"severity"`
	Path     string          `json:"path,omitempty"`
	Note     string          `json:"note"`
}

// AuditVerdict is the parsed Auditor reply.
type AuditVerdict struct {
	Approved bool      `json:"approved"`
	Findings []Finding `json:"findings,omitempty"`
	Usage    Usage     `json:"-"`
	Raw      string    `json:"-"`
}

// HasCritical reports whether any finding is critical. A critical finding
// converts the attempt outcome to a quality block regardless of Approved.
func (v *AuditVerdict) HasCritical() bool {
	for _, f := range v.Findings {
		if f.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// AuditRequest carries the post-apply diff for review.
type AuditRequest struct {
	PhaseID      string
	AttemptID    string
	Goal         string
	Diff         string
	ChangedFiles []string
	ModelID      string
	TokenBudget  int
}

// Auditor drives the Auditor role over a completion client.
type Auditor struct {
	client Client
}

func NewAuditor(client Client) *Auditor {
	return &Auditor{client: client}
}

const auditorSystemPrompt = `You are an automated code auditor. Review the applied diff against the stated goal.
Reply with exactly one JSON object:
{"approved": bool, "findings": [{"severity": "info"|"warn"|"critical", "path"?: string, "note": string}]}
Mark a finding critical only for correctness, security, or data-loss problems. No prose outside the JSON object.`

// Audit reviews one applied change set.
func (a *Auditor) Audit(ctx context.Context, req AuditRequest) (*AuditVerdict, error) {
	resp, err := a.client.Complete(ctx, Request{
		ModelID:   req.ModelID,
		System:    auditorSystemPrompt,
		Prompt:    renderAuditorPrompt(req),
		MaxTokens: req.TokenBudget,
		Metadata:  map[string]string{"phase_id": req.PhaseID, "attempt_id": req.AttemptID, "role": "auditor"},
	})
	if err != nil {
		return nil, err
	}

	verdict := &AuditVerdict{Usage: resp.Usage, Raw: resp.Text}
	payload := extractJSONObject(resp.Text)
	if err := json.Unmarshal([]byte(payload), verdict); err != nil {
		return nil, &MalformedReplyError{ModelID: req.ModelID, Truncated: resp.Truncated(), Cause: err}
	}
	for i, f := range verdict.Findings {
		switch f.Severity {
		case SeverityInfo, SeverityWarn, SeverityCritical:
		default:
			return nil, &MalformedReplyError{
				ModelID: req.ModelID,
				Cause:   fmt.Errorf("finding %d has invalid severity %q", i, f.Severity),
			}
		}
	}
	return verdict, nil
}

func renderAuditorPrompt(req AuditRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Goal: %s\n", req.Goal)
	writeList(&sb, "Changed files", req.ChangedFiles)
	sb.WriteString("Diff:\n")
	sb.WriteString(req.Diff)
	sb.WriteString("\n")
	return sb.String()
}
