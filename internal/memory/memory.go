// Package memory retrieves prior-run context snippets for Builder prompts.
// Retrieval is strictly advisory: when the backend is disabled, unreachable,
// or slow, callers get an empty result and the attempt proceeds without it.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/danshapiro/autopack/internal/config"
)

// Snippet is one retrieved unit of context, already trimmed to plain text.
type Snippet struct {
	Source string  `json:"source"`
	Title  string  `json:"title,omitempty"`
	Text   string  `json:"text"`
	Score  float64 `json:"score,omitempty"`
}

// Retriever fetches context for a phase attempt. budgetChars bounds the
// total text returned; implementations must not exceed it.
type Retriever interface {
	RetrieveContext(ctx context.Context, projectID, runID, taskType string, budgetChars int) ([]Snippet, error)
}

// NopRetriever is the disabled backend. It never errors.
type NopRetriever struct{}

func (NopRetriever) RetrieveContext(context.Context, string, string, string, int) ([]Snippet, error) {
	return nil, nil
}

const defaultRetrieveTimeout = 15 * time.Second

// HTTPRetriever speaks the control plane's retrieval endpoint.
type HTTPRetriever struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	log     *zap.Logger
}

type HTTPOption func(*HTTPRetriever)

func WithHTTPClient(h *http.Client) HTTPOption { return func(r *HTTPRetriever) { r.http = h } }
func WithTimeout(d time.Duration) HTTPOption {
	return func(r *HTTPRetriever) {
		if d > 0 {
			r.timeout = d
		}
	}
}
func WithLogger(l *zap.Logger) HTTPOption { return func(r *HTTPRetriever) { r.log = l } }

func NewHTTPRetriever(baseURL string, opts ...HTTPOption) (*HTTPRetriever, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("memory: base URL is required")
	}
	r := &HTTPRetriever{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 0},
		timeout: defaultRetrieveTimeout,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

type retrieveRequest struct {
	ProjectID   string `json:"project_id"`
	RunID       string `json:"run_id"`
	TaskType    string `json:"task_type"`
	BudgetChars int    `json:"budget_chars"`
}

type retrieveResponse struct {
	Snippets []Snippet `json:"snippets"`
}

func (r *HTTPRetriever) RetrieveContext(ctx context.Context, projectID, runID, taskType string, budgetChars int) ([]Snippet, error) {
	if budgetChars <= 0 {
		return nil, nil
	}
	body, err := json.Marshal(retrieveRequest{
		ProjectID:   projectID,
		RunID:       runID,
		TaskType:    taskType,
		BudgetChars: budgetChars,
	})
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, r.baseURL+"/v1/retrieve", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("memory: retrieve: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var out retrieveResponse
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("memory: decode retrieve response: %w", err)
	}
	return Clip(out.Snippets, budgetChars), nil
}

// Advisory wraps a retriever so failures degrade to an empty result with a
// warning instead of failing the attempt.
type Advisory struct {
	Inner Retriever
	Log   *zap.Logger
}

func (a Advisory) RetrieveContext(ctx context.Context, projectID, runID, taskType string, budgetChars int) ([]Snippet, error) {
	snips, err := a.Inner.RetrieveContext(ctx, projectID, runID, taskType, budgetChars)
	if err != nil {
		log := a.Log
		if log == nil {
			log = zap.NewNop()
		}
		log.Warn("memory retrieval failed, continuing without context",
			zap.String("run_id", runID),
			zap.String("task_type", taskType),
			zap.Error(err))
		return nil, nil
	}
	return snips, nil
}

// Clip enforces the character budget: whole snippets in order until the
// budget is spent, with the boundary snippet truncated rather than dropped
// when nothing has fit yet.
func Clip(snips []Snippet, budgetChars int) []Snippet {
	if budgetChars <= 0 {
		return nil
	}
	var out []Snippet
	remaining := budgetChars
	for _, s := range snips {
		n := len(s.Text)
		if n <= remaining {
			out = append(out, s)
			remaining -= n
			continue
		}
		if len(out) == 0 && remaining > 0 {
			s.Text = s.Text[:remaining]
			out = append(out, s)
		}
		break
	}
	return out
}

// FromConfig builds the retriever the config asks for. Memory must be
// enabled and the Qdrant-backed service selected before the HTTP path is
// used; anything else is a no-op retriever.
func FromConfig(cfg *config.File, log *zap.Logger) Retriever {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg == nil || !cfg.Memory.Enabled || !cfg.Memory.SOTRetrievalEnabled {
		return NopRetriever{}
	}
	if !cfg.Memory.UseQdrant || cfg.Memory.BaseURL == "" {
		log.Info("memory enabled without a retrieval backend, using no-op retriever")
		return NopRetriever{}
	}
	r, err := NewHTTPRetriever(cfg.Memory.BaseURL, WithLogger(log))
	if err != nil {
		log.Warn("memory retriever misconfigured, using no-op retriever", zap.Error(err))
		return NopRetriever{}
	}
	return Advisory{Inner: r, Log: log}
}
