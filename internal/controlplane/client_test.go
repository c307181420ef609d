package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestHealthDecodesIdentity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("path = %q, want /health", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(Identity{
			DatabasePath: "/srv/autopack/state.db",
			Fingerprint:  "blake3:abc123",
			Environment:  "staging",
		})
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	id, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if id.Fingerprint != "blake3:abc123" || id.DatabasePath != "/srv/autopack/state.db" {
		t.Fatalf("identity = %+v", id)
	}
}

func TestPostBuilderResultSendsAuthAndBody(t *testing.T) {
	var got BuilderResult
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c, err := New(srv.URL, WithAPIKey("tok-1"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = c.PostBuilderResult(context.Background(), BuilderResult{
		RunID:     "run-1",
		PhaseID:   "P-01",
		AttemptID: "att-1",
		ModelID:   "frontier-build-1",
		Outcome:   "SUCCESS",
		TokensIn:  1200,
		TokensOut: 800,
	})
	if err != nil {
		t.Fatalf("PostBuilderResult: %v", err)
	}
	if auth != "Bearer tok-1" {
		t.Fatalf("Authorization = %q", auth)
	}
	if got.PhaseID != "P-01" || got.TokensOut != 800 {
		t.Fatalf("posted result = %+v", got)
	}
}

func TestRetriesServerErrorsThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "temporarily unavailable", http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(ApprovalState{ApprovalID: "ap-1", Status: "APPROVED", Actor: "ops"})
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	st, err := c.ApprovalStatus(ctx, "ap-1")
	if err != nil {
		t.Fatalf("ApprovalStatus after retries: %v", err)
	}
	if st.Status != "APPROVED" || st.Actor != "ops" {
		t.Fatalf("state = %+v", st)
	}
	if n := calls.Load(); n != 3 {
		t.Fatalf("calls = %d, want 3", n)
	}
}

func TestDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no such approval", http.StatusNotFound)
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.ApprovalStatus(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error for 404")
	}
	httpErr, ok := err.(*HTTPError)
	if !ok {
		t.Fatalf("error type = %T, want *HTTPError", err)
	}
	if httpErr.Status != http.StatusNotFound {
		t.Fatalf("status = %d", httpErr.Status)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("calls = %d, want 1 (client errors are final)", n)
	}
}

func TestStrictDecodeRejectsUnknownFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"database_path":"x.db","fingerprint":"f","surprise":true}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Health(context.Background()); err == nil {
		t.Fatal("expected strict decode to reject unknown field")
	}
}

func TestExhaustedProbesQuotaLedger(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/quota/swift-build-1" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"exhausted":true}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	exhausted, err := c.Exhausted(context.Background(), "swift-build-1")
	if err != nil {
		t.Fatalf("Exhausted: %v", err)
	}
	if !exhausted {
		t.Fatal("expected exhausted = true")
	}
}

func TestDecideApprovalPostsDecision(t *testing.T) {
	var got ApprovalDecision
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = c.DecideApproval(context.Background(), "ap-7", ApprovalDecision{
		Status: "DENIED",
		Actor:  "oncall@example.com",
		Note:   "touches billing tables",
	})
	if err != nil {
		t.Fatalf("DecideApproval: %v", err)
	}
	if path != "/v1/approvals/ap-7/decision" {
		t.Fatalf("path = %q", path)
	}
	if got.Status != "DENIED" || got.Actor != "oncall@example.com" {
		t.Fatalf("decision = %+v", got)
	}
}

func TestDecideApprovalValidates(t *testing.T) {
	c, err := New("http://localhost:1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cases := []struct {
		id string
		d  ApprovalDecision
	}{
		{"", ApprovalDecision{Status: "APPROVED", Actor: "ops"}},
		{"ap-1", ApprovalDecision{Status: "MAYBE", Actor: "ops"}},
		{"ap-1", ApprovalDecision{Status: "APPROVED"}},
	}
	for _, tc := range cases {
		if err := c.DecideApproval(context.Background(), tc.id, tc.d); err == nil {
			t.Fatalf("expected validation error for id=%q decision=%+v", tc.id, tc.d)
		}
	}
}

func TestNewRejectsEmptyBaseURL(t *testing.T) {
	if _, err := New("   "); err == nil {
		t.Fatal("expected error for empty base URL")
	}
}
