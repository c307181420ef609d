package llm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestErrorFromHTTPStatus(t *testing.T) {
	cases := []struct {
		status    int
		message   string
		retryable bool
		check     func(error) bool
	}{
		{401, "bad key", false, func(err error) bool { var e *AuthenticationError; return errors.As(err, &e) }},
		{402, "payment required", false, IsQuotaExceeded},
		{404, "no such model", false, func(err error) bool { var e *NotFoundError; return errors.As(err, &e) }},
		{408, "slow", true, func(err error) bool { var e *RequestTimeoutError; return errors.As(err, &e) }},
		{413, "too big", false, func(err error) bool { var e *ContextLengthError; return errors.As(err, &e) }},
		{429, "slow down", true, IsRateLimited},
		{429, "monthly quota exceeded", false, IsQuotaExceeded},
		{500, "boom", true, func(err error) bool { var e *ServerError; return errors.As(err, &e) }},
		{418, "teapot", true, func(err error) bool { var e *UnknownHTTPError; return errors.As(err, &e) }},
		{400, "context length exceeded", false, func(err error) bool { var e *ContextLengthError; return errors.As(err, &e) }},
		{422, "billing issue on account", false, IsQuotaExceeded},
	}
	for _, tc := range cases {
		err := ErrorFromHTTPStatus("m-1", tc.status, tc.message, nil)
		if !tc.check(err) {
			t.Fatalf("status %d %q: wrong type: %v", tc.status, tc.message, err)
		}
		if IsRetryable(err) != tc.retryable {
			t.Fatalf("status %d %q: retryable = %v, want %v", tc.status, tc.message, IsRetryable(err), tc.retryable)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if d := ParseRetryAfter("30", now); d == nil || *d != 30*time.Second {
		t.Fatalf("got %v, want 30s", d)
	}
	httpDate := now.Add(90 * time.Second).Format(http.TimeFormat)
	if d := ParseRetryAfter(httpDate, now); d == nil || *d != 90*time.Second {
		t.Fatalf("got %v, want 90s", d)
	}
	if d := ParseRetryAfter("garbage", now); d != nil {
		t.Fatalf("got %v, want nil", d)
	}
	if d := ParseRetryAfter("", now); d != nil {
		t.Fatalf("got %v, want nil", d)
	}
}

func TestGatewayClientComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/complete" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text":"done","stop_reason":"end","usage":{"tokens_in":12,"tokens_out":4}}`))
	}))
	defer srv.Close()

	c, err := NewGatewayClient(srv.URL, time.Second)
	if err != nil {
		t.Fatalf("NewGatewayClient: %v", err)
	}
	resp, err := c.Complete(context.Background(), Request{ModelID: "m-1", Prompt: "hi", MaxTokens: 100})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != "done" || resp.Usage.TokensIn != 12 {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Truncated() {
		t.Fatalf("end response should not be truncated")
	}
}

func TestGatewayClientErrorMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(429)
		w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer srv.Close()

	c, _ := NewGatewayClient(srv.URL, time.Second)
	_, err := c.Complete(context.Background(), Request{ModelID: "m-1", Prompt: "hi", MaxTokens: 100})
	if !IsRateLimited(err) {
		t.Fatalf("err = %v, want rate limit", err)
	}
	if d := RetryAfterOf(err); d == nil || *d != 7*time.Second {
		t.Fatalf("retry after = %v, want 7s", d)
	}
	if !strings.Contains(err.Error(), "slow down") {
		t.Fatalf("err = %v", err)
	}
}

func TestGatewayClientValidates(t *testing.T) {
	c, _ := NewGatewayClient("http://localhost:1", time.Second)
	_, err := c.Complete(context.Background(), Request{ModelID: "", Prompt: "hi", MaxTokens: 10})
	var ce *ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ConfigurationError", err)
	}
}

func TestRetryingClientRetriesTransient(t *testing.T) {
	scripted := NewScriptedClient(
		Fail(ErrorFromHTTPStatus("m-1", 500, "boom", nil)),
		Fail(ErrorFromHTTPStatus("m-1", 429, "busy", nil)),
		Text("ok"),
	)
	rc := NewRetryingClient(scripted, nil)
	rc.cfg.InitialDelay = time.Millisecond
	rc.cfg.MaxDelay = time.Millisecond

	resp, err := rc.Complete(context.Background(), Request{ModelID: "m-1", Prompt: "p", MaxTokens: 10})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != "ok" || scripted.Calls() != 3 {
		t.Fatalf("resp=%+v calls=%d", resp, scripted.Calls())
	}
}

func TestRetryingClientNeverRetriesQuota(t *testing.T) {
	scripted := NewScriptedClient(Fail(NewQuotaExceededError("m-1", "tier empty")))
	rc := NewRetryingClient(scripted, nil)

	_, err := rc.Complete(context.Background(), Request{ModelID: "m-1", Prompt: "p", MaxTokens: 10})
	if !IsQuotaExceeded(err) {
		t.Fatalf("err = %v, want quota", err)
	}
	if scripted.Calls() != 1 {
		t.Fatalf("calls = %d, want 1", scripted.Calls())
	}
}

func TestRetryingClientBounded(t *testing.T) {
	scripted := NewScriptedClient(
		Fail(ErrorFromHTTPStatus("m-1", 500, "boom", nil)),
		Fail(ErrorFromHTTPStatus("m-1", 500, "boom", nil)),
		Fail(ErrorFromHTTPStatus("m-1", 500, "boom", nil)),
		Fail(ErrorFromHTTPStatus("m-1", 500, "boom", nil)),
		Text("never reached"),
	)
	rc := NewRetryingClient(scripted, nil)
	rc.cfg.InitialDelay = time.Millisecond
	rc.cfg.MaxDelay = time.Millisecond

	_, err := rc.Complete(context.Background(), Request{ModelID: "m-1", Prompt: "p", MaxTokens: 10})
	if err == nil {
		t.Fatalf("expected terminal error")
	}
	if scripted.Calls() != 4 {
		t.Fatalf("calls = %d, want 4 (1 + 3 retries)", scripted.Calls())
	}
}

const goodProposalJSON = `{"proposal_id":"p1","attempt_id":"a1","format":"structured_edits",
"operations":[{"op":"create","path":"internal/x.go","content":"package x\n"}],
"declared_deliverables":["internal/x.go"]}`

func TestBuilderParsesProposal(t *testing.T) {
	scripted := NewScriptedClient(Text(goodProposalJSON))
	b := NewBuilder(scripted)

	res, err := b.Build(context.Background(), BuildRequest{
		PhaseID: "ph-1", AttemptID: "a1", Goal: "add x",
		Deliverables: []string{"internal/x.go"},
		AllowedPaths: []string{"internal/**"},
		ModelID:      "m-1", TokenBudget: 8000,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if res.Proposal == nil || res.Proposal.ProposalID != "p1" {
		t.Fatalf("proposal = %+v", res.Proposal)
	}
	req := scripted.Requests[0]
	if req.MaxTokens != 8000 || req.Metadata["role"] != "builder" {
		t.Fatalf("request = %+v", req)
	}
	if !strings.Contains(req.Prompt, "internal/x.go") {
		t.Fatalf("prompt missing deliverable: %s", req.Prompt)
	}
}

func TestBuilderParsesFencedReply(t *testing.T) {
	fenced := "Here is the change:\n```json\n" + goodProposalJSON + "\n```"
	b := NewBuilder(NewScriptedClient(Text(fenced)))
	res, err := b.Build(context.Background(), BuildRequest{
		PhaseID: "ph-1", AttemptID: "a1", Goal: "g", ModelID: "m-1", TokenBudget: 100,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if res.Proposal == nil {
		t.Fatalf("proposal not parsed from fenced reply")
	}
}

func TestBuilderTruncationSurfaces(t *testing.T) {
	b := NewBuilder(NewScriptedClient(TruncatedText(`{"proposal_id":"p1","attempt_id":"a1","format":"structu`)))
	_, err := b.Build(context.Background(), BuildRequest{
		PhaseID: "ph-1", AttemptID: "a1", Goal: "g", ModelID: "m-1", TokenBudget: 100,
	})
	var mre *MalformedReplyError
	if !errors.As(err, &mre) || !mre.Truncated {
		t.Fatalf("err = %v, want truncated MalformedReplyError", err)
	}

	// A complete but budget-capped payload is still treated as truncated.
	b = NewBuilder(NewScriptedClient(TruncatedText(goodProposalJSON)))
	_, err = b.Build(context.Background(), BuildRequest{
		PhaseID: "ph-1", AttemptID: "a1", Goal: "g", ModelID: "m-1", TokenBudget: 100,
	})
	if !errors.As(err, &mre) || !mre.Truncated {
		t.Fatalf("err = %v, want truncated MalformedReplyError", err)
	}
}

func TestBuilderMalformedNotTruncated(t *testing.T) {
	b := NewBuilder(NewScriptedClient(Text("I cannot produce a patch for that.")))
	_, err := b.Build(context.Background(), BuildRequest{
		PhaseID: "ph-1", AttemptID: "a1", Goal: "g", ModelID: "m-1", TokenBudget: 100,
	})
	var mre *MalformedReplyError
	if !errors.As(err, &mre) || mre.Truncated {
		t.Fatalf("err = %v, want non-truncated MalformedReplyError", err)
	}
}

func TestBuilderContinuationPrompt(t *testing.T) {
	scripted := NewScriptedClient(Text(goodProposalJSON))
	b := NewBuilder(scripted)
	_, err := b.Build(context.Background(), BuildRequest{
		PhaseID: "ph-1", AttemptID: "a2", Goal: "g", ModelID: "m-1", TokenBudget: 100,
		Continuation: &Continuation{UnfinishedDeliverables: []string{"internal/y.go"}},
		Hints:        []Hint{{Kind: HintTruncation, Detail: "reply hit budget at internal/y.go"}},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	prompt := scripted.Requests[0].Prompt
	if !strings.Contains(prompt, "continuation") || !strings.Contains(prompt, "internal/y.go") {
		t.Fatalf("prompt = %s", prompt)
	}
	if !strings.Contains(prompt, "TRUNCATION") {
		t.Fatalf("prompt missing hint: %s", prompt)
	}
}

func TestAuditorParsesVerdict(t *testing.T) {
	reply := `{"approved":false,"findings":[{"severity":"critical","path":"internal/x.go","note":"drops auth check"}]}`
	a := NewAuditor(NewScriptedClient(Text(reply)))
	v, err := a.Audit(context.Background(), AuditRequest{
		PhaseID: "ph-1", AttemptID: "a1", Goal: "g", Diff: "diff", ModelID: "m-1", TokenBudget: 100,
	})
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}
	if v.Approved || !v.HasCritical() {
		t.Fatalf("verdict = %+v", v)
	}
}

func TestAuditorRejectsBadSeverity(t *testing.T) {
	reply := `{"approved":true,"findings":[{"severity":"sideways","note":"?"}]}`
	a := NewAuditor(NewScriptedClient(Text(reply)))
	_, err := a.Audit(context.Background(), AuditRequest{
		PhaseID: "ph-1", AttemptID: "a1", Goal: "g", Diff: "d", ModelID: "m-1", TokenBudget: 100,
	})
	var mre *MalformedReplyError
	if !errors.As(err, &mre) {
		t.Fatalf("err = %v, want MalformedReplyError", err)
	}
}

func TestScriptedClientExhaustion(t *testing.T) {
	c := NewScriptedClient(Text("one"))
	if _, err := c.Complete(context.Background(), Request{ModelID: "m", Prompt: "p", MaxTokens: 1}); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := c.Complete(context.Background(), Request{ModelID: "m", Prompt: "p", MaxTokens: 1}); err == nil {
		t.Fatalf("expected exhaustion error")
	}
}

func TestExtractJSONObject(t *testing.T) {
	cases := map[string]string{
		`{"a":1}`:                          `{"a":1}`,
		"prose before {\"a\":1} and after": `{"a":1}`,
		"```json\n{\"a\":1}\n```":          `{"a":1}`,
		"```\n{\"a\":1}\n```":              `{"a":1}`,
	}
	for in, want := range cases {
		if got := extractJSONObject(in); got != want {
			t.Fatalf("extractJSONObject(%q) = %q, want %q", in, got, want)
		}
	}
}
