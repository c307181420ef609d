package fingerprint

import (
	"strings"
	"testing"
)

func TestNormalize_ReplacesVolatileFragments(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "timestamps",
			in:   "failed at 2026-01-02T10:11:12.345Z retrying",
			want: "failed at <ts> retrying",
		},
		{
			name: "uuid",
			in:   "session 6ba7b810-9dad-11d1-80b4-00c04fd430c8 aborted",
			want: "session <id> aborted",
		},
		{
			name: "memory address",
			in:   "panic at 0xc000123abc in handler",
			want: "panic at <addr> in handler",
		},
		{
			name: "absolute path and line",
			in:   "error in /home/user/project/src/main.py line 42",
			want: "error in <path> line <n>",
		},
		{
			name: "windows path",
			in:   `cannot open c:\users\dev\autopack.db`,
			want: "cannot open <path>",
		},
		{
			name: "bare numbers",
			in:   "expected 3 deliverables got 1",
			want: "expected <n> deliverables got <n>",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Normalize(tc.in); got != tc.want {
				t.Fatalf("got %q want %q", got, tc.want)
			}
		})
	}
}

func TestNormalize_CapsAt200(t *testing.T) {
	long := strings.Repeat("x", 500)
	if got := Normalize(long); len(got) != 200 {
		t.Fatalf("got len %d want 200", len(got))
	}
}

func TestNew_StableAcrossVolatileDetail(t *testing.T) {
	a := New(1, "ImportError: no module named foo at /tmp/run-01/x.py line 10")
	b := New(1, "ImportError: no module named foo at /tmp/run-99/x.py line 77")
	if a != b {
		t.Fatalf("fingerprints differ:\n%s\n%s", a, b)
	}
	if !strings.HasPrefix(a, "FAILED|rc1|") {
		t.Fatalf("unexpected prefix: %s", a)
	}
}

func TestNew_EmptyReason(t *testing.T) {
	got := New(2, "   ")
	if got != "FAILED|rc2|no-error-text" {
		t.Fatalf("got %q", got)
	}
}

func TestRCBucket(t *testing.T) {
	cases := map[int]string{
		0:   "rc0",
		1:   "rc1",
		2:   "rc2",
		124: "rctimeout",
		137: "rctimeout",
		-9:  "rcsignal",
		77:  "rcx",
	}
	for rc, want := range cases {
		if got := RCBucket(rc); got != want {
			t.Fatalf("rc %d: got %q want %q", rc, got, want)
		}
	}
}

func TestClassify_PriorityOrdering(t *testing.T) {
	cases := []struct {
		reason string
		want   FailureClass
	}{
		{"", ClassUnknown},
		{"some novel failure we have not seen", ClassUnknown},
		{"ImportError: no module named requests", ClassCollection},
		{"missing deliverable docs/x.md", ClassMissingDeliverable},
		{"patch contained no operations", ClassPatchNoop},
		{"test regression in suite", ClassOther},
		{"phase timeout after 900s", ClassTimeout},
	}
	for _, tc := range cases {
		if got := Classify(tc.reason); got != tc.want {
			t.Fatalf("%q: got %q want %q", tc.reason, got, tc.want)
		}
	}
	// Timeouts must sort last, unknowns first.
	if ClassUnknown.Priority() != 0 {
		t.Fatalf("unknown priority: %d", ClassUnknown.Priority())
	}
	if ClassTimeout.Priority() <= ClassOther.Priority() {
		t.Fatalf("timeout must sort after other")
	}
}

func TestForAttempt_FallsBackToOutcome(t *testing.T) {
	got := ForAttempt("p1", "BUILDER_FAIL", "")
	if got != "p1|builder_fail|outcome=builder_fail" {
		t.Fatalf("got %q", got)
	}
}
