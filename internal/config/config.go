// Package config loads the orchestrator configuration file and applies the
// recognized environment overrides. Unknown keys and malformed values are
// rejected at load time so a typo never silently changes behavior.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type File struct {
	Version   int    `json:"version" yaml:"version"`
	ProjectID string `json:"project_id" yaml:"project_id"`
	Env       string `json:"env,omitempty" yaml:"env,omitempty"`

	Workspace struct {
		Root string `json:"root" yaml:"root"`
	} `json:"workspace" yaml:"workspace"`

	Storage struct {
		DatabasePath  string `json:"database_path" yaml:"database_path"`
		ArtifactsRoot string `json:"artifacts_root" yaml:"artifacts_root"`
	} `json:"storage" yaml:"storage"`

	Policy struct {
		Path string `json:"path,omitempty" yaml:"path,omitempty"`
	} `json:"policy,omitempty" yaml:"policy,omitempty"`

	ControlPlane struct {
		BaseURL   string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
		TimeoutMS int    `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	} `json:"control_plane,omitempty" yaml:"control_plane,omitempty"`

	LLM struct {
		GatewayURL string `json:"gateway_url,omitempty" yaml:"gateway_url,omitempty"`
		TimeoutMS  int    `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	} `json:"llm,omitempty" yaml:"llm,omitempty"`

	Execution struct {
		PhaseTimeoutSeconds int  `json:"phase_timeout_seconds,omitempty" yaml:"phase_timeout_seconds,omitempty"`
		MaxAttemptsPerPhase int  `json:"max_attempts_per_phase,omitempty" yaml:"max_attempts_per_phase,omitempty"`
		LearningHintLimit   int  `json:"learning_hint_limit,omitempty" yaml:"learning_hint_limit,omitempty"`
		StallTimeoutMS      *int `json:"stall_timeout_ms,omitempty" yaml:"stall_timeout_ms,omitempty"`
	} `json:"execution,omitempty" yaml:"execution,omitempty"`

	Approvals struct {
		AutoApprove   bool `json:"auto_approve,omitempty" yaml:"auto_approve,omitempty"`
		WaitTimeoutMS int  `json:"wait_timeout_ms,omitempty" yaml:"wait_timeout_ms,omitempty"`
	} `json:"approvals,omitempty" yaml:"approvals,omitempty"`

	Tests struct {
		Command   []string `json:"command,omitempty" yaml:"command,omitempty"`
		TimeoutMS int      `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	} `json:"tests,omitempty" yaml:"tests,omitempty"`

	Quality struct {
		// CoverageOptional keeps the finalizer's coverage gate advisory when
		// the test report carries no coverage figure. Projects that always
		// report coverage set it false to make a missing figure a block.
		CoverageOptional *bool `json:"coverage_optional,omitempty" yaml:"coverage_optional,omitempty"`
	} `json:"quality,omitempty" yaml:"quality,omitempty"`

	PendingMoves struct {
		QueuePath  string `json:"queue_path,omitempty" yaml:"queue_path,omitempty"`
		MaxRetries int    `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
		MaxAgeDays int    `json:"max_age_days,omitempty" yaml:"max_age_days,omitempty"`
	} `json:"pending_moves,omitempty" yaml:"pending_moves,omitempty"`

	Tidy struct {
		SOTRoot     string `json:"sot_root,omitempty" yaml:"sot_root,omitempty"`
		ArchiveRoot string `json:"archive_root,omitempty" yaml:"archive_root,omitempty"`
	} `json:"tidy,omitempty" yaml:"tidy,omitempty"`

	Drain struct {
		BatchSize               int    `json:"batch_size,omitempty" yaml:"batch_size,omitempty"`
		PhaseTimeoutSeconds     int    `json:"phase_timeout_seconds,omitempty" yaml:"phase_timeout_seconds,omitempty"`
		MaxTotalMinutes         int    `json:"max_total_minutes,omitempty" yaml:"max_total_minutes,omitempty"`
		MaxTimeoutsPerRun       int    `json:"max_timeouts_per_run,omitempty" yaml:"max_timeouts_per_run,omitempty"`
		MaxAttemptsPerPhase     int    `json:"max_attempts_per_phase,omitempty" yaml:"max_attempts_per_phase,omitempty"`
		MaxFingerprintRepeats   int    `json:"max_fingerprint_repeats,omitempty" yaml:"max_fingerprint_repeats,omitempty"`
		MaxConsecutiveZeroYield int    `json:"max_consecutive_zero_yield,omitempty" yaml:"max_consecutive_zero_yield,omitempty"`
		ParallelRuns            int    `json:"parallel_runs,omitempty" yaml:"parallel_runs,omitempty"`
		SessionsDir             string `json:"sessions_dir,omitempty" yaml:"sessions_dir,omitempty"`
	} `json:"drain,omitempty" yaml:"drain,omitempty"`

	Telemetry struct {
		Enabled             *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
		ConsolidatedMetrics bool  `json:"consolidated_metrics,omitempty" yaml:"consolidated_metrics,omitempty"`
	} `json:"telemetry,omitempty" yaml:"telemetry,omitempty"`

	Memory struct {
		Enabled              bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
		UseQdrant            bool   `json:"use_qdrant,omitempty" yaml:"use_qdrant,omitempty"`
		BaseURL              string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
		SOTRetrievalEnabled  bool   `json:"sot_retrieval_enabled,omitempty" yaml:"sot_retrieval_enabled,omitempty"`
		SOTRetrievalMaxChars int    `json:"sot_retrieval_max_chars,omitempty" yaml:"sot_retrieval_max_chars,omitempty"`
	} `json:"memory,omitempty" yaml:"memory,omitempty"`

	PublicRead bool `json:"public_read,omitempty" yaml:"public_read,omitempty"`
}

// Load reads, decodes, defaults, and validates the config file, then applies
// environment overrides from the process environment.
func Load(path string) (*File, error) {
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile is Load without the environment pass, for tests and tools that
// control the environment themselves.
func LoadFile(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg File
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := decodeJSONStrict(b, &cfg); err != nil {
			return nil, err
		}
	default:
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, err
		}
	}
	applyConfigDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration an empty file would produce, with the
// given project id.
func Default(projectID string) *File {
	cfg := &File{Version: 1, ProjectID: projectID}
	applyConfigDefaults(cfg)
	return cfg
}

func decodeJSONStrict(b []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, dst any) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(dst); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func applyConfigDefaults(cfg *File) {
	if cfg == nil {
		return
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if strings.TrimSpace(cfg.Workspace.Root) == "" {
		cfg.Workspace.Root = "."
	}
	if strings.TrimSpace(cfg.Storage.DatabasePath) == "" {
		cfg.Storage.DatabasePath = filepath.Join(".autopack", "autopack.db")
	}
	if strings.TrimSpace(cfg.Storage.ArtifactsRoot) == "" {
		cfg.Storage.ArtifactsRoot = filepath.Join(".autopack", "artifacts")
	}
	if cfg.ControlPlane.TimeoutMS == 0 {
		cfg.ControlPlane.TimeoutMS = 10000
	}
	if cfg.LLM.TimeoutMS == 0 {
		cfg.LLM.TimeoutMS = 60000
	}
	if cfg.Execution.PhaseTimeoutSeconds == 0 {
		cfg.Execution.PhaseTimeoutSeconds = 900
	}
	if cfg.Execution.MaxAttemptsPerPhase == 0 {
		cfg.Execution.MaxAttemptsPerPhase = 5
	}
	if cfg.Execution.LearningHintLimit == 0 {
		cfg.Execution.LearningHintLimit = 32
	}
	if cfg.Execution.StallTimeoutMS == nil {
		v := 600000
		cfg.Execution.StallTimeoutMS = &v
	}
	if cfg.Approvals.WaitTimeoutMS == 0 {
		cfg.Approvals.WaitTimeoutMS = 3600000 // 1 hour
	}
	if cfg.Tests.TimeoutMS == 0 {
		cfg.Tests.TimeoutMS = 600000 // 10 minutes
	}
	cfg.Tests.Command = trimNonEmpty(cfg.Tests.Command)
	if strings.TrimSpace(cfg.PendingMoves.QueuePath) == "" {
		cfg.PendingMoves.QueuePath = filepath.Join(".autopack", "tidy_pending_moves.json")
	}
	if strings.TrimSpace(cfg.Drain.SessionsDir) == "" {
		cfg.Drain.SessionsDir = filepath.Join(".autopack", "batch_drain_sessions")
	}
	if cfg.PendingMoves.MaxRetries == 0 {
		cfg.PendingMoves.MaxRetries = 10
	}
	if cfg.PendingMoves.MaxAgeDays == 0 {
		cfg.PendingMoves.MaxAgeDays = 30
	}
	if strings.TrimSpace(cfg.Tidy.SOTRoot) == "" {
		cfg.Tidy.SOTRoot = "sot"
	}
	if strings.TrimSpace(cfg.Tidy.ArchiveRoot) == "" {
		cfg.Tidy.ArchiveRoot = "archive"
	}
	if cfg.Drain.BatchSize == 0 {
		cfg.Drain.BatchSize = 10
	}
	if cfg.Drain.PhaseTimeoutSeconds == 0 {
		cfg.Drain.PhaseTimeoutSeconds = 900
	}
	if cfg.Drain.MaxTotalMinutes == 0 {
		cfg.Drain.MaxTotalMinutes = 120
	}
	if cfg.Drain.MaxTimeoutsPerRun == 0 {
		cfg.Drain.MaxTimeoutsPerRun = 3
	}
	if cfg.Drain.MaxAttemptsPerPhase == 0 {
		cfg.Drain.MaxAttemptsPerPhase = 2
	}
	if cfg.Drain.MaxFingerprintRepeats == 0 {
		cfg.Drain.MaxFingerprintRepeats = 3
	}
	if cfg.Drain.MaxConsecutiveZeroYield == 0 {
		cfg.Drain.MaxConsecutiveZeroYield = 3
	}
	if cfg.Drain.ParallelRuns == 0 {
		cfg.Drain.ParallelRuns = 1
	}
	if cfg.Telemetry.Enabled == nil {
		t := true
		cfg.Telemetry.Enabled = &t
	}
	if cfg.Quality.CoverageOptional == nil {
		t := true
		cfg.Quality.CoverageOptional = &t
	}
	if cfg.Memory.SOTRetrievalMaxChars == 0 {
		cfg.Memory.SOTRetrievalMaxChars = 4000
	}
	cfg.Env = strings.TrimSpace(cfg.Env)
}

func validateConfig(cfg *File) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported config version: %d", cfg.Version)
	}
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return fmt.Errorf("project_id is required")
	}
	if cfg.ControlPlane.TimeoutMS < 0 {
		return fmt.Errorf("control_plane.timeout_ms must be >= 0")
	}
	if cfg.LLM.TimeoutMS < 0 {
		return fmt.Errorf("llm.timeout_ms must be >= 0")
	}
	if cfg.Execution.PhaseTimeoutSeconds < 1 {
		return fmt.Errorf("execution.phase_timeout_seconds must be >= 1")
	}
	if cfg.Execution.MaxAttemptsPerPhase < 1 {
		return fmt.Errorf("execution.max_attempts_per_phase must be >= 1")
	}
	if cfg.Execution.LearningHintLimit < 1 {
		return fmt.Errorf("execution.learning_hint_limit must be >= 1")
	}
	if cfg.Execution.StallTimeoutMS != nil && *cfg.Execution.StallTimeoutMS < 0 {
		return fmt.Errorf("execution.stall_timeout_ms must be >= 0")
	}
	if cfg.Approvals.WaitTimeoutMS < 1 {
		return fmt.Errorf("approvals.wait_timeout_ms must be >= 1")
	}
	if cfg.Tests.TimeoutMS < 0 {
		return fmt.Errorf("tests.timeout_ms must be >= 0")
	}
	if cfg.PendingMoves.MaxRetries < 1 {
		return fmt.Errorf("pending_moves.max_retries must be >= 1")
	}
	if cfg.PendingMoves.MaxAgeDays < 1 {
		return fmt.Errorf("pending_moves.max_age_days must be >= 1")
	}
	if cfg.Drain.BatchSize < 1 {
		return fmt.Errorf("drain.batch_size must be >= 1")
	}
	if cfg.Drain.PhaseTimeoutSeconds < 1 {
		return fmt.Errorf("drain.phase_timeout_seconds must be >= 1")
	}
	if cfg.Drain.MaxTotalMinutes < 1 {
		return fmt.Errorf("drain.max_total_minutes must be >= 1")
	}
	if cfg.Drain.MaxTimeoutsPerRun < 1 {
		return fmt.Errorf("drain.max_timeouts_per_run must be >= 1")
	}
	if cfg.Drain.MaxAttemptsPerPhase < 1 {
		return fmt.Errorf("drain.max_attempts_per_phase must be >= 1")
	}
	if cfg.Drain.MaxFingerprintRepeats < 1 {
		return fmt.Errorf("drain.max_fingerprint_repeats must be >= 1")
	}
	if cfg.Drain.MaxConsecutiveZeroYield < 1 {
		return fmt.Errorf("drain.max_consecutive_zero_yield must be >= 1")
	}
	if cfg.Drain.ParallelRuns < 1 {
		return fmt.Errorf("drain.parallel_runs must be >= 1")
	}
	if cfg.Memory.SOTRetrievalMaxChars < 1 {
		return fmt.Errorf("memory.sot_retrieval_max_chars must be >= 1")
	}
	if cfg.Memory.UseQdrant && !cfg.Memory.Enabled {
		return fmt.Errorf("memory.use_qdrant requires memory.enabled=true")
	}
	return nil
}

func trimNonEmpty(parts []string) []string {
	if len(parts) == 0 {
		return nil
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
