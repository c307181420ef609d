package drain

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/danshapiro/autopack/internal/artifacts"
)

// Yield classifies what one drained attempt actually bought. REACHED_LLM is
// the only class that spends provider tokens; the rest explain why none were
// spent.
const (
	YieldReachedLLM      = "REACHED_LLM"
	YieldFailedPreflight = "FAILED_PREFLIGHT"
	YieldNoBoundary      = "NO_BOUNDARY"
	YieldDisabled        = "DISABLED"
	YieldLostInFlush     = "LOST_IN_FLUSH"
)

// ErrNoOpenSession is returned by LatestOpenSession when the sessions
// directory holds no unfinished session to resume.
var ErrNoOpenSession = errors.New("drain: no open session to resume")

// Limits are the per-session stop conditions. The zero value is invalid; use
// DefaultLimits or populate from config.
type Limits struct {
	PhaseTimeoutSeconds     int `json:"phase_timeout"`
	MaxTotalMinutes         int `json:"max_total_minutes"`
	MaxTimeoutsPerRun       int `json:"max_timeouts_per_run"`
	MaxAttemptsPerPhase     int `json:"max_attempts_per_phase"`
	MaxFingerprintRepeats   int `json:"max_fingerprint_repeats"`
	MaxConsecutiveZeroYield int `json:"max_consecutive_zero_yield"`
}

// DefaultLimits mirrors the config file defaults.
func DefaultLimits() Limits {
	return Limits{
		PhaseTimeoutSeconds:     900,
		MaxTotalMinutes:         120,
		MaxTimeoutsPerRun:       3,
		MaxAttemptsPerPhase:     2,
		MaxFingerprintRepeats:   3,
		MaxConsecutiveZeroYield: 3,
	}
}

// PhaseTimeout returns the per-execution deadline.
func (l Limits) PhaseTimeout() time.Duration {
	return time.Duration(l.PhaseTimeoutSeconds) * time.Second
}

// MaxTotal returns the session wall-clock budget.
func (l Limits) MaxTotal() time.Duration {
	return time.Duration(l.MaxTotalMinutes) * time.Minute
}

func (l Limits) validate() error {
	switch {
	case l.PhaseTimeoutSeconds < 1:
		return fmt.Errorf("drain: phase_timeout must be >= 1")
	case l.MaxTotalMinutes < 1:
		return fmt.Errorf("drain: max_total_minutes must be >= 1")
	case l.MaxTimeoutsPerRun < 1:
		return fmt.Errorf("drain: max_timeouts_per_run must be >= 1")
	case l.MaxAttemptsPerPhase < 1:
		return fmt.Errorf("drain: max_attempts_per_phase must be >= 1")
	case l.MaxFingerprintRepeats < 1:
		return fmt.Errorf("drain: max_fingerprint_repeats must be >= 1")
	case l.MaxConsecutiveZeroYield < 1:
		return fmt.Errorf("drain: max_consecutive_zero_yield must be >= 1")
	}
	return nil
}

// Result is one drained phase execution.
type Result struct {
	RunID                    string    `json:"run_id"`
	PhaseID                  string    `json:"phase_id"`
	FinalState               string    `json:"final_state"`
	ErrorDigest              string    `json:"error_digest,omitempty"`
	SubprocessReturncode     int       `json:"subprocess_returncode"`
	DurationS                float64   `json:"duration_s"`
	TelemetryEventsCollected int       `json:"telemetry_events_collected"`
	TelemetryYieldPerMinute  float64   `json:"telemetry_yield_per_minute"`
	Fingerprint              string    `json:"fingerprint,omitempty"`
	Yield                    string    `json:"yield_class"`
	Sample                   bool      `json:"sample,omitempty"`
	At                       time.Time `json:"at"`
}

// Session is the durable state of one drain batch. It is rewritten atomically
// after every result so an interrupted batch resumes exactly where it
// stopped. Set-valued fields are kept as sorted slices for stable JSON.
type Session struct {
	SessionID  string     `json:"session_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	BatchSize  int        `json:"batch_size"`
	Limits     Limits     `json:"limits"`

	Results             []Result       `json:"results"`
	FingerprintCounts   map[string]int `json:"fingerprint_counts"`
	StoppedRuns         []string       `json:"stopped_runs"`
	StoppedFingerprints []string       `json:"stopped_fingerprints"`

	// Resume bookkeeping beyond the headline counters.
	DeprioritizedRuns []string       `json:"deprioritized_runs,omitempty"`
	SampledRuns       []string       `json:"sampled_runs,omitempty"`
	PromisingRuns     []string       `json:"promising_runs,omitempty"`
	TimeoutsPerRun    map[string]int `json:"timeouts_per_run,omitempty"`
	PhaseAttempts     map[string]int `json:"phase_attempts,omitempty"`
	ZeroYieldStreak   int            `json:"zero_yield_streak"`
	ActiveSeconds     float64        `json:"active_s"`
	StopReason        string         `json:"stop_reason,omitempty"`
}

// NewSession mints a fresh session.
func NewSession(batchSize int, limits Limits) *Session {
	return &Session{
		SessionID:         uuid.NewString(),
		StartedAt:         time.Now().UTC(),
		BatchSize:         batchSize,
		Limits:            limits,
		Results:           []Result{},
		FingerprintCounts: map[string]int{},
		TimeoutsPerRun:    map[string]int{},
		PhaseAttempts:     map[string]int{},
	}
}

// Path returns the session file location under dir.
func (s *Session) Path(dir string) string {
	return filepath.Join(dir, s.SessionID+".json")
}

// Save atomically rewrites the session file.
func (s *Session) Save(dir string) error {
	return artifacts.WriteJSONAtomic(s.Path(dir), s)
}

// LoadSession reads one session file.
func LoadSession(path string) (*Session, error) {
	var s Session
	if err := artifacts.ReadJSON(path, &s); err != nil {
		return nil, fmt.Errorf("drain: load session: %w", err)
	}
	if strings.TrimSpace(s.SessionID) == "" {
		return nil, fmt.Errorf("drain: session %s has no session_id", path)
	}
	if s.FingerprintCounts == nil {
		s.FingerprintCounts = map[string]int{}
	}
	if s.TimeoutsPerRun == nil {
		s.TimeoutsPerRun = map[string]int{}
	}
	if s.PhaseAttempts == nil {
		s.PhaseAttempts = map[string]int{}
	}
	return &s, nil
}

// LatestOpenSession returns the most recently started session in dir that has
// not finished, for --resume.
func LatestOpenSession(dir string) (*Session, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoOpenSession
		}
		return nil, err
	}
	var latest *Session
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		s, err := LoadSession(filepath.Join(dir, e.Name()))
		if err != nil {
			// A half-written or foreign file must not block resume.
			continue
		}
		if s.FinishedAt != nil {
			continue
		}
		if latest == nil || s.StartedAt.After(latest.StartedAt) {
			latest = s
		}
	}
	if latest == nil {
		return nil, ErrNoOpenSession
	}
	return latest, nil
}

func (s *Session) sampled(runID string) bool { return inSet(s.SampledRuns, runID) }

func (s *Session) promising(runID string) bool { return inSet(s.PromisingRuns, runID) }

func (s *Session) runStopped(runID string) bool { return inSet(s.StoppedRuns, runID) }

func (s *Session) deprioritized(runID string) bool { return inSet(s.DeprioritizedRuns, runID) }

func (s *Session) fingerprintStopped(fp string) bool {
	return fp != "" && inSet(s.StoppedFingerprints, fp)
}

func (s *Session) markSampled(runID string) { s.SampledRuns = addToSet(s.SampledRuns, runID) }

func (s *Session) markPromising(runID string) { s.PromisingRuns = addToSet(s.PromisingRuns, runID) }

func (s *Session) stopRun(runID string) { s.StoppedRuns = addToSet(s.StoppedRuns, runID) }

func (s *Session) deprioritizeRun(runID string) {
	s.DeprioritizedRuns = addToSet(s.DeprioritizedRuns, runID)
}

func (s *Session) stopFingerprint(fp string) {
	s.StoppedFingerprints = addToSet(s.StoppedFingerprints, fp)
}

func inSet(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func addToSet(set []string, v string) []string {
	if v == "" || inSet(set, v) {
		return set
	}
	set = append(set, v)
	sort.Strings(set)
	return set
}
