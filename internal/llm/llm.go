// Package llm defines the completion transport the Builder and Auditor roles
// run on, the unified provider error hierarchy, and scripted clients for
// tests. Providers are reached through a single gateway endpoint; this
// package knows nothing about individual vendors.
package llm

import (
	"context"
	"fmt"
	"strings"
)

// StopReason reports why a completion ended.
type StopReason string

const (
	StopEnd       StopReason = "end"
	StopMaxTokens StopReason = "max_tokens"
	StopRefusal   StopReason = "refusal"
)

// Request is one completion call.
type Request struct {
	ModelID     string            `json:"model_id"`
	System      string            `json:"system,omitempty"`
	Prompt      string            `json:"prompt"`
	MaxTokens   int               `json:"max_tokens"`
	Temperature float64           `json:"temperature,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (r Request) Validate() error {
	if strings.TrimSpace(r.ModelID) == "" {
		return &ConfigurationError{Message: "model_id is required"}
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return &ConfigurationError{Message: "prompt is required"}
	}
	if r.MaxTokens <= 0 {
		return &ConfigurationError{Message: fmt.Sprintf("max_tokens must be > 0, got %d", r.MaxTokens)}
	}
	return nil
}

// Usage is the token accounting for one completion.
type Usage struct {
	TokensIn  int64 `json:"tokens_in"`
	TokensOut int64 `json:"tokens_out"`
}

// Response is a completed (possibly truncated) completion.
type Response struct {
	Text       string     `json:"text"`
	StopReason StopReason `json:"stop_reason"`
	Usage      Usage      `json:"usage"`
}

// Truncated reports whether the response hit the output budget and needs
// continuation recovery.
func (r *Response) Truncated() bool {
	return r != nil && r.StopReason == StopMaxTokens
}

// Client is the completion transport. Implementations must honor ctx and
// return errors from this package's hierarchy where the cause is known.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}
