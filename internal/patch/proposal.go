// Package patch models Builder change proposals and the unified-diff
// machinery used to validate and apply them.
package patch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
)

// Format is the proposal encoding enum.
type Format string

const (
	FormatUnifiedDiff     Format = "unified_diff"
	FormatStructuredEdits Format = "structured_edits"
)

func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	switch f {
	case FormatUnifiedDiff, FormatStructuredEdits:
		return f, nil
	default:
		return "", fmt.Errorf("invalid patch format %q (want unified_diff|structured_edits)", s)
	}
}

// Op is the per-file operation enum.
type Op string

const (
	OpCreate Op = "create"
	OpModify Op = "modify"
	OpDelete Op = "delete"
)

func ParseOp(s string) (Op, error) {
	o := Op(strings.ToLower(strings.TrimSpace(s)))
	switch o {
	case OpCreate, OpModify, OpDelete:
		return o, nil
	default:
		return "", fmt.Errorf("invalid patch op %q (want create|modify|delete)", s)
	}
}

// Operation is one ordered file change. Create and structured modify carry
// full Content; unified-diff modify carries Hunks.
type Operation struct {
	Op      Op     `json:"op"`
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
	Hunks   []Hunk `json:"hunks,omitempty"`
}

// Proposal is the Builder's complete change set for one attempt.
type Proposal struct {
	ProposalID           string              `json:"proposal_id"`
	AttemptID            string              `json:"attempt_id"`
	Format               Format              `json:"format"`
	Operations           []Operation         `json:"operations"`
	DeclaredDeliverables []string            `json:"declared_deliverables,omitempty"`
	SymbolManifest       map[string][]string `json:"symbol_manifest,omitempty"`
	Summary              string              `json:"summary,omitempty"`
}

// Decode parses a proposal document, rejecting unknown fields so a drifting
// Builder schema is caught at the boundary.
func Decode(b []byte) (*Proposal, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var p Proposal
	if err := dec.Decode(&p); err != nil {
		return nil, err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("proposal: multiple top-level values are not allowed")
		}
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate enforces structural invariants. Scope checks happen later in
// governance; this only rejects proposals that are malformed on their face.
func (p *Proposal) Validate() error {
	if p == nil {
		return fmt.Errorf("proposal is nil")
	}
	if strings.TrimSpace(p.ProposalID) == "" {
		return fmt.Errorf("proposal_id is required")
	}
	if _, err := ParseFormat(string(p.Format)); err != nil {
		return err
	}
	if len(p.Operations) == 0 {
		return fmt.Errorf("proposal %s: operations must be non-empty", p.ProposalID)
	}
	seen := map[string]bool{}
	for i, op := range p.Operations {
		if _, err := ParseOp(string(op.Op)); err != nil {
			return fmt.Errorf("operation %d: %w", i, err)
		}
		rel, err := CleanRelPath(op.Path)
		if err != nil {
			return fmt.Errorf("operation %d: %w", i, err)
		}
		if seen[rel] {
			return fmt.Errorf("operation %d: duplicate path %q", i, rel)
		}
		seen[rel] = true
		switch op.Op {
		case OpCreate:
			if op.Content == "" {
				return fmt.Errorf("operation %d: create %q requires content", i, rel)
			}
			if len(op.Hunks) > 0 {
				return fmt.Errorf("operation %d: create %q cannot carry hunks", i, rel)
			}
		case OpModify:
			switch p.Format {
			case FormatUnifiedDiff:
				if len(op.Hunks) == 0 {
					return fmt.Errorf("operation %d: modify %q requires hunks", i, rel)
				}
			case FormatStructuredEdits:
				if op.Content == "" {
					return fmt.Errorf("operation %d: modify %q requires content", i, rel)
				}
				if len(op.Hunks) > 0 {
					return fmt.Errorf("operation %d: structured modify %q cannot carry hunks", i, rel)
				}
			}
		case OpDelete:
			if op.Content != "" {
				return fmt.Errorf("operation %d: delete %q cannot carry content", i, rel)
			}
			// Unified diffs record the removed lines; structured deletes do not.
			if len(op.Hunks) > 0 && p.Format != FormatUnifiedDiff {
				return fmt.Errorf("operation %d: structured delete %q cannot carry hunks", i, rel)
			}
		}
	}
	for _, d := range p.DeclaredDeliverables {
		if _, err := CleanRelPath(d); err != nil {
			return fmt.Errorf("declared deliverable: %w", err)
		}
	}
	for manifestPath := range p.SymbolManifest {
		if _, err := CleanRelPath(manifestPath); err != nil {
			return fmt.Errorf("symbol manifest: %w", err)
		}
	}
	return nil
}

// CleanRelPath normalizes a proposal path and rejects anything that could
// escape the workspace.
func CleanRelPath(p string) (string, error) {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" {
		return "", fmt.Errorf("path is required")
	}
	if strings.HasPrefix(p, "/") || strings.Contains(p, ":") {
		return "", fmt.Errorf("path %q must be workspace-relative", p)
	}
	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("path %q escapes the workspace", p)
	}
	return cleaned, nil
}

// Stats summarizes a proposal's blast radius for risk scoring.
type Stats struct {
	FilesTouched     int
	TotalAdditions   int
	TotalDeletions   int
	PerFileDeletions map[string]int
	TopLevelAreas    []string
	DeleteOps        int
}

// LineCounter resolves the current line count of a workspace file for
// operations whose deletion size is not visible in the proposal itself
// (structured modify and whole-file delete). Returns false when the file
// does not exist.
type LineCounter func(relPath string) (int, bool)

// ComputeStats walks the operations and tallies additions, deletions, and
// breadth. lineCount may be nil when no structured deletions need resolving.
func (p *Proposal) ComputeStats(lineCount LineCounter) Stats {
	st := Stats{PerFileDeletions: map[string]int{}}
	areas := map[string]bool{}
	for _, op := range p.Operations {
		rel, err := CleanRelPath(op.Path)
		if err != nil {
			continue
		}
		st.FilesTouched++
		if top, _, found := strings.Cut(rel, "/"); found {
			areas[top] = true
		} else {
			areas[rel] = true
		}
		switch op.Op {
		case OpCreate:
			st.TotalAdditions += countLines(op.Content)
		case OpModify:
			if len(op.Hunks) > 0 {
				for _, h := range op.Hunks {
					adds, dels := h.counts()
					st.TotalAdditions += adds
					st.TotalDeletions += dels
					st.PerFileDeletions[rel] += dels
				}
			} else if lineCount != nil {
				// Full-content replacement deletes whatever is there now.
				if old, ok := lineCount(rel); ok {
					st.TotalDeletions += old
					st.PerFileDeletions[rel] += old
				}
				st.TotalAdditions += countLines(op.Content)
			}
		case OpDelete:
			st.DeleteOps++
			if len(op.Hunks) > 0 {
				for _, h := range op.Hunks {
					_, dels := h.counts()
					st.TotalDeletions += dels
					st.PerFileDeletions[rel] += dels
				}
			} else if lineCount != nil {
				if old, ok := lineCount(rel); ok {
					st.TotalDeletions += old
					st.PerFileDeletions[rel] += old
				}
			}
		}
	}
	st.TopLevelAreas = make([]string, 0, len(areas))
	for a := range areas {
		st.TopLevelAreas = append(st.TopLevelAreas, a)
	}
	sort.Strings(st.TopLevelAreas)
	return st
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}
