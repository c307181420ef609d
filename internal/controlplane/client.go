// Package controlplane is the HTTP client for the coordination service:
// health identity, run status updates, role results, approvals, and quota
// state. Every call takes a context deadline; transient 5xx responses are
// retried on the provider ladder, client errors are not.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/danshapiro/autopack/internal/backoff"
)

// Identity is the control plane's view of the storage it coordinates.
// The supervisor refuses to start when this does not match the local store.
type Identity struct {
	DatabasePath string `json:"database_path"`
	Fingerprint  string `json:"fingerprint"`
	Environment  string `json:"environment,omitempty"`
}

// StatusUpdate mirrors a run/phase state change to the control plane.
type StatusUpdate struct {
	RunID   string `json:"run_id"`
	PhaseID string `json:"phase_id,omitempty"`
	State   string `json:"state"`
	Detail  string `json:"detail,omitempty"`
}

// BuilderResult reports one Builder attempt.
type BuilderResult struct {
	RunID      string `json:"run_id"`
	PhaseID    string `json:"phase_id"`
	AttemptID  string `json:"attempt_id"`
	ProposalID string `json:"proposal_id,omitempty"`
	ModelID    string `json:"model_id"`
	Outcome    string `json:"outcome"`
	TokensIn   int64  `json:"tokens_in"`
	TokensOut  int64  `json:"tokens_out"`
}

// AuditorResult reports one Auditor review.
type AuditorResult struct {
	RunID     string `json:"run_id"`
	PhaseID   string `json:"phase_id"`
	AttemptID string `json:"attempt_id"`
	ModelID   string `json:"model_id"`
	Verdict   string `json:"verdict"`
	Findings  int    `json:"findings"`
}

// ApprovalOpen asks the control plane to surface an approval to operators.
type ApprovalOpen struct {
	ApprovalID       string `json:"approval_id"`
	RunID            string `json:"run_id"`
	PhaseID          string `json:"phase_id"`
	RiskLevel        string `json:"risk_level"`
	DecisionCategory string `json:"decision_category,omitempty"`
	Reason           string `json:"reason"`
}

// ApprovalState is the remote decision snapshot.
type ApprovalState struct {
	ApprovalID string `json:"approval_id"`
	Status     string `json:"status"`
	Actor      string `json:"actor,omitempty"`
	Note       string `json:"note,omitempty"`
}

// ApprovalDecision is a decision pushed into the control plane's inbox, to
// be picked up by whichever process holds the ticket.
type ApprovalDecision struct {
	Status string `json:"status"`
	Actor  string `json:"actor"`
	Note   string `json:"note,omitempty"`
}

// HTTPError is a non-2xx response after retries were exhausted.
type HTTPError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("controlplane: %s %s: status %d: %s", e.Method, e.Path, e.Status, strings.TrimSpace(e.Body))
}

const (
	defaultCallTimeout = 30 * time.Second
	maxTries           = 3
)

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	timeout time.Duration
	log     *zap.Logger
}

type Option func(*Client)

func WithAPIKey(key string) Option    { return func(c *Client) { c.apiKey = key } }
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}
func WithLogger(l *zap.Logger) Option { return func(c *Client) { c.log = l } }

func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("controlplane: base URL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("controlplane: invalid base URL %q: %w", baseURL, err)
	}
	c := &Client{
		baseURL: baseURL,
		// Per-call context deadlines, not a client-level timeout.
		http:    &http.Client{Timeout: 0},
		timeout: defaultCallTimeout,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Health returns the control plane's storage identity.
func (c *Client) Health(ctx context.Context) (Identity, error) {
	var id Identity
	err := c.call(ctx, http.MethodGet, "/health", nil, &id)
	return id, err
}

func (c *Client) UpdateStatus(ctx context.Context, u StatusUpdate) error {
	return c.call(ctx, http.MethodPost, "/v1/runs/"+url.PathEscape(u.RunID)+"/status", u, nil)
}

func (c *Client) PostBuilderResult(ctx context.Context, r BuilderResult) error {
	return c.call(ctx, http.MethodPost, "/v1/results/builder", r, nil)
}

func (c *Client) PostAuditorResult(ctx context.Context, r AuditorResult) error {
	return c.call(ctx, http.MethodPost, "/v1/results/auditor", r, nil)
}

// OpenApproval surfaces a pending approval. The local gateway remains the
// state machine of record; the control plane is a decision inbox.
func (c *Client) OpenApproval(ctx context.Context, a ApprovalOpen) error {
	return c.call(ctx, http.MethodPost, "/v1/approvals", a, nil)
}

// ApprovalStatus polls a remote decision.
func (c *Client) ApprovalStatus(ctx context.Context, approvalID string) (ApprovalState, error) {
	var st ApprovalState
	err := c.call(ctx, http.MethodGet, "/v1/approvals/"+url.PathEscape(approvalID), nil, &st)
	return st, err
}

// DecideApproval records a decision with the control plane. The deciding
// process is usually not the one holding the ticket; the holder picks the
// decision up on its next status poll.
func (c *Client) DecideApproval(ctx context.Context, approvalID string, d ApprovalDecision) error {
	if strings.TrimSpace(approvalID) == "" {
		return fmt.Errorf("controlplane: approval id is required")
	}
	if d.Status != "APPROVED" && d.Status != "DENIED" {
		return fmt.Errorf("controlplane: decision status must be APPROVED or DENIED, got %q", d.Status)
	}
	if strings.TrimSpace(d.Actor) == "" {
		return fmt.Errorf("controlplane: decision requires an actor")
	}
	return c.call(ctx, http.MethodPost, "/v1/approvals/"+url.PathEscape(approvalID)+"/decision", d, nil)
}

// Exhausted implements the router's quota probe against the control plane's
// quota ledger.
func (c *Client) Exhausted(ctx context.Context, modelID string) (bool, error) {
	var out struct {
		Exhausted bool `json:"exhausted"`
	}
	if err := c.call(ctx, http.MethodGet, "/v1/quota/"+url.PathEscape(modelID), nil, &out); err != nil {
		return false, err
	}
	return out.Exhausted, nil
}

// call runs one request with bounded 5xx retries. Responses are decoded
// strictly so contract drift surfaces as an error, not silent zero values.
func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("controlplane: encode %s: %w", path, err)
		}
	}

	var lastErr error
	for try := 1; try <= maxTries; try++ {
		if try > 1 {
			delay := backoff.DelayForAttempt(try-1, backoff.ProviderRetry(), fmt.Sprintf("%s|%s|%d", method, path, try))
			if err := backoff.Sleep(ctx, delay); err != nil {
				return err
			}
		}
		retryable, err := c.once(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}
		c.log.Warn("control plane call retrying",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("try", try),
			zap.Error(err))
	}
	return lastErr
}

func (c *Client) once(ctx context.Context, method, path string, body []byte, out any) (retryable bool, err error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(callCtx, method, c.baseURL+path, reader)
	if err != nil {
		return false, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Transport errors (refused, reset, deadline) are worth one more try
		// unless the caller's context is already gone.
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return true, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		httpErr := &HTTPError{Method: method, Path: path, Status: resp.StatusCode, Body: string(raw)}
		return resp.StatusCode >= 500, httpErr
	}
	if out == nil {
		return false, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return false, fmt.Errorf("controlplane: decode %s %s: %w", method, path, err)
	}
	return false, nil
}
