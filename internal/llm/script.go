package llm

import (
	"context"
	"fmt"
	"sync"
)

// ScriptStep is one canned reply for a ScriptedClient.
type ScriptStep struct {
	Response *Response
	Err      error
}

// ScriptedClient replays a fixed sequence of responses. It records every
// request it sees so tests can assert on prompts and budgets.
type ScriptedClient struct {
	mu       sync.Mutex
	steps    []ScriptStep
	next     int
	Requests []Request
}

func NewScriptedClient(steps ...ScriptStep) *ScriptedClient {
	return &ScriptedClient{steps: steps}
}

// Text is a convenience step: a complete response with the given text.
func Text(text string) ScriptStep {
	return ScriptStep{Response: &Response{
		Text:       text,
		StopReason: StopEnd,
		Usage:      Usage{TokensIn: int64(len(text) / 4), TokensOut: int64(len(text) / 4)},
	}}
}

// TruncatedText is a step that stops at the output budget.
func TruncatedText(text string) ScriptStep {
	s := Text(text)
	s.Response.StopReason = StopMaxTokens
	return s
}

// Fail is a step returning err.
func Fail(err error) ScriptStep {
	return ScriptStep{Err: err}
}

func (c *ScriptedClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Requests = append(c.Requests, req)
	if c.next >= len(c.steps) {
		return nil, fmt.Errorf("scripted client exhausted after %d calls", len(c.steps))
	}
	step := c.steps[c.next]
	c.next++
	if step.Err != nil {
		return nil, step.Err
	}
	return step.Response, nil
}

// Calls reports how many completions were requested.
func (c *ScriptedClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Requests)
}
