// Package baseline tracks the pre-existing test failure set so phases are
// judged only on regressions they introduce. T0 is captured exactly once per
// run; everything after is a delta against it, with one flaky retry before a
// failure is allowed to block.
package baseline

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Report is one test execution's outcome.
type Report struct {
	Total    int           `json:"total"`
	Failures []string      `json:"failures"`
	Coverage *float64      `json:"coverage,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Tracker holds the run's T0 failure set. Safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	captured bool
	t0       map[string]bool
	coverage *float64

	runner TestRunner
	log    *zap.Logger
}

type Option func(*Tracker)

func WithLogger(l *zap.Logger) Option { return func(t *Tracker) { t.log = l } }

func NewTracker(runner TestRunner, opts ...Option) *Tracker {
	t := &Tracker{runner: runner, t0: map[string]bool{}, log: zap.NewNop()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Capture records T0 from the first report. Later calls are no-ops so a
// retried phase can never overwrite the baseline under itself.
func (t *Tracker) Capture(rep Report) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.captured {
		return false
	}
	t.captured = true
	for _, f := range rep.Failures {
		t.t0[f] = true
	}
	t.coverage = rep.Coverage
	t.log.Info("test baseline captured",
		zap.Int("total", rep.Total),
		zap.Int("preexisting_failures", len(t.t0)))
	return true
}

func (t *Tracker) Captured() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.captured
}

// T0Failures returns the pre-existing failure names, sorted.
func (t *Tracker) T0Failures() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.t0))
	for f := range t.t0 {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Delta returns current \ T0: the failures this run introduced. Pre-existing
// failures never appear regardless of how often they recur.
func (t *Tracker) Delta(current []string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, f := range current {
		if t.t0[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// CoverageDelta compares a current coverage figure against T0. A missing
// baseline yields 0: absence of history is not a regression.
func (t *Tracker) CoverageDelta(current *float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if current == nil || t.coverage == nil {
		return 0
	}
	return *current - *t.coverage
}
