// Package fingerprint produces stable signatures for failures so the drain
// controller and executor can detect repeats across attempts and sessions.
// A fingerprint has the form FAILED|<rc-bucket>|<normalized-error:200>.
package fingerprint

import (
	"regexp"
	"strings"
)

// FailureClass buckets a failure for drain selection priority. Lower Priority
// values drain first; timeouts drain last.
type FailureClass string

const (
	ClassUnknown            FailureClass = "unknown"
	ClassCollection         FailureClass = "collection_import"
	ClassMissingDeliverable FailureClass = "missing_deliverable"
	ClassPatchNoop          FailureClass = "patch_noop"
	ClassOther              FailureClass = "other"
	ClassTimeout            FailureClass = "timeout"
)

// Priority returns the drain ordering rank for the class.
func (c FailureClass) Priority() int {
	switch c {
	case ClassUnknown:
		return 0
	case ClassCollection:
		return 1
	case ClassMissingDeliverable:
		return 2
	case ClassPatchNoop:
		return 3
	case ClassOther:
		return 4
	case ClassTimeout:
		return 5
	default:
		return 4
	}
}

var (
	whitespaceRE = regexp.MustCompile(`\s+`)
	timestampRE  = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}[t ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:z|[+-]\d{2}:?\d{2})?\b`)
	uuidRE       = regexp.MustCompile(`\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)
	ulidRE       = regexp.MustCompile(`\b[0-9a-hjkmnp-tv-z]{26}\b`)
	addrRE       = regexp.MustCompile(`\b0x[0-9a-f]+\b`)
	winPathRE    = regexp.MustCompile(`\b[a-z]:\\[^\s:;,")]+`)
	unixPathRE   = regexp.MustCompile(`(?:/[\w.\-]+){2,}/?`)
	hexRE        = regexp.MustCompile(`\b[0-9a-f]{7,64}\b`)
	digitsRE     = regexp.MustCompile(`\b\d+\b`)

	collectionHints = []string{
		"importerror",
		"modulenotfounderror",
		"cannot import",
		"collection error",
		"error collecting",
		"no module named",
		"undefined: ",
		"cannot find package",
		"cannot find module",
	}
	missingDeliverableHints = []string{
		"missing deliverable",
		"deliverable not found",
		"deliverables_fail",
		"no such file or directory",
		"expected file",
	}
	patchNoopHints = []string{
		"empty patch",
		"no-op patch",
		"patch contained no operations",
		"nothing to apply",
		"hunk failed",
		"merge_conflict",
		"merge conflict",
	}
	timeoutHints = []string{
		"phase timeout",
		"timed out",
		"timeout",
		"context deadline exceeded",
		"deadline exceeded",
	}
	knownHints = []string{
		"assertion",
		"test regression",
		"quality_block",
		"symbol_fail",
		"approval",
		"policy",
		"quota",
	}
)

// Classify buckets a failure reason for drain selection. Unknown (reason
// matches nothing we recognise) sorts first because it is the most likely to
// have been transient.
func Classify(reason string) FailureClass {
	r := strings.ToLower(strings.TrimSpace(reason))
	if r == "" {
		return ClassUnknown
	}
	for _, h := range timeoutHints {
		if strings.Contains(r, h) {
			return ClassTimeout
		}
	}
	for _, h := range collectionHints {
		if strings.Contains(r, h) {
			return ClassCollection
		}
	}
	for _, h := range missingDeliverableHints {
		if strings.Contains(r, h) {
			return ClassMissingDeliverable
		}
	}
	for _, h := range patchNoopHints {
		if strings.Contains(r, h) {
			return ClassPatchNoop
		}
	}
	for _, h := range knownHints {
		if strings.Contains(r, h) {
			return ClassOther
		}
	}
	return ClassUnknown
}

// Normalize lowercases the reason and replaces volatile fragments
// (timestamps, ids, paths, addresses, bare numbers) with stable tokens so
// the same failure produces the same fingerprint across sessions.
func Normalize(reason string) string {
	r := strings.ToLower(strings.TrimSpace(reason))
	if r == "" {
		return ""
	}
	r = timestampRE.ReplaceAllString(r, "<ts>")
	r = uuidRE.ReplaceAllString(r, "<id>")
	r = ulidRE.ReplaceAllString(r, "<id>")
	r = addrRE.ReplaceAllString(r, "<addr>")
	r = winPathRE.ReplaceAllString(r, "<path>")
	r = unixPathRE.ReplaceAllString(r, "<path>")
	r = hexRE.ReplaceAllString(r, "<hex>")
	r = digitsRE.ReplaceAllString(r, "<n>")
	r = whitespaceRE.ReplaceAllString(r, " ")
	r = strings.TrimSpace(r)
	if len(r) > 200 {
		r = r[:200]
	}
	return r
}

// RCBucket collapses subprocess return codes into coarse buckets so one
// flapping exit code does not defeat repeat detection.
func RCBucket(rc int) string {
	switch {
	case rc == 0:
		return "rc0"
	case rc == 1:
		return "rc1"
	case rc == 2:
		return "rc2"
	case rc == 124 || rc == 137 || rc == 143:
		return "rctimeout"
	case rc < 0:
		return "rcsignal"
	default:
		return "rcx"
	}
}

// New composes the session fingerprint for a failed phase execution.
func New(rc int, reason string) string {
	n := Normalize(reason)
	if n == "" {
		n = "no-error-text"
	}
	return "FAILED|" + RCBucket(rc) + "|" + n
}

// ForAttempt composes the per-attempt signature used by the executor's
// replan trigger: phase|outcome|normalized reason.
func ForAttempt(phaseID, outcome, reason string) string {
	n := Normalize(reason)
	if n == "" {
		n = "outcome=" + strings.ToLower(strings.TrimSpace(outcome))
	}
	return strings.TrimSpace(phaseID) + "|" + strings.ToLower(strings.TrimSpace(outcome)) + "|" + n
}
