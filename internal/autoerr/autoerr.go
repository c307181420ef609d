// Package autoerr defines the closed error taxonomy shared by the engine.
// Components wrap causes with New/Wrap and callers branch on KindOf; only
// CONFIG, STORAGE_DRIFT and unapprovable POLICY_VIOLATION abort a run.
package autoerr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an engine failure. The set is closed; ParseKind rejects
// anything else.
type Kind string

const (
	KindConfig          Kind = "CONFIG"
	KindPolicyViolation Kind = "POLICY_VIOLATION"
	KindQuotaBlocked    Kind = "QUOTA_BLOCKED"
	KindApprovalDenied  Kind = "APPROVAL_DENIED"
	KindApprovalTimeout Kind = "APPROVAL_TIMED_OUT"
	KindBuilderFail     Kind = "BUILDER_FAIL"
	KindTruncated       Kind = "TRUNCATED"
	KindApplyConflict   Kind = "APPLY_CONFLICT"
	KindIOLocked        Kind = "IO_LOCKED"
	KindTestRegression  Kind = "TEST_REGRESSION"
	KindDeliverables    Kind = "DELIVERABLES_FAIL"
	KindSymbolFail      Kind = "SYMBOL_FAIL"
	KindQualityBlock    Kind = "QUALITY_BLOCK"
	KindCancelled       Kind = "CANCELLED"
	KindStorageDrift    Kind = "STORAGE_DRIFT"
	KindInternal        Kind = "INTERNAL"
)

var allKinds = map[Kind]bool{
	KindConfig:          true,
	KindPolicyViolation: true,
	KindQuotaBlocked:    true,
	KindApprovalDenied:  true,
	KindApprovalTimeout: true,
	KindBuilderFail:     true,
	KindTruncated:       true,
	KindApplyConflict:   true,
	KindIOLocked:        true,
	KindTestRegression:  true,
	KindDeliverables:    true,
	KindSymbolFail:      true,
	KindQualityBlock:    true,
	KindCancelled:       true,
	KindStorageDrift:    true,
	KindInternal:        true,
}

func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToUpper(strings.TrimSpace(s)))
	if !allKinds[k] {
		return "", fmt.Errorf("invalid error kind %q", s)
	}
	return k, nil
}

func (k Kind) Valid() bool { return allKinds[k] }

// Fatal reports whether the kind aborts the whole run rather than the
// current attempt or phase.
func (k Kind) Fatal() bool {
	switch k {
	case KindConfig, KindStorageDrift:
		return true
	default:
		return false
	}
}

// E carries a kind, the operation that failed, and an optional cause.
type E struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *E) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *E) Unwrap() error { return e.Err }

func New(kind Kind, op, format string, args ...any) *E {
	return &E{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, op string, err error) *E {
	return &E{Kind: kind, Op: op, Err: err}
}

// KindOf walks the chain and returns the kind of the outermost *E, or
// KindInternal when no taxonomy error is present. Context cancellation maps
// to KindCancelled so callers never misreport an operator abort.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *E
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindInternal
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	for err != nil {
		var e *E
		if errors.As(err, &e) {
			if e.Kind == kind {
				return true
			}
			err = e.Err
			continue
		}
		return false
	}
	return false
}
