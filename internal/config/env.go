package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Environment variables recognized as overrides. Anything else in the
// environment is ignored.
const (
	EnvEnableMemory         = "ENABLE_MEMORY"
	EnvUseQdrant            = "USE_QDRANT"
	EnvSOTRetrievalEnabled  = "SOT_RETRIEVAL_ENABLED"
	EnvSOTRetrievalMaxChars = "SOT_RETRIEVAL_MAX_CHARS"
	EnvConsolidatedMetrics  = "ENABLE_CONSOLIDATED_METRICS"
	EnvPhaseTimeoutSeconds  = "PHASE_TIMEOUT_SECONDS"
	EnvMaxAttemptsPerPhase  = "MAX_ATTEMPTS_PER_PHASE"
	EnvAutoApprove          = "AUTO_APPROVE"
	EnvPublicRead           = "PUBLIC_READ"
	EnvEnv                  = "ENV"
)

// ApplyEnv overlays recognized environment variables onto cfg. A variable
// that is set but malformed is a hard error, not a silent default. The
// result is re-validated after the overlay.
func ApplyEnv(cfg *File, lookup func(string) (string, bool)) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if err := overlayBool(lookup, EnvEnableMemory, &cfg.Memory.Enabled); err != nil {
		return err
	}
	if err := overlayBool(lookup, EnvUseQdrant, &cfg.Memory.UseQdrant); err != nil {
		return err
	}
	if err := overlayBool(lookup, EnvSOTRetrievalEnabled, &cfg.Memory.SOTRetrievalEnabled); err != nil {
		return err
	}
	if err := overlayInt(lookup, EnvSOTRetrievalMaxChars, &cfg.Memory.SOTRetrievalMaxChars); err != nil {
		return err
	}
	if err := overlayBool(lookup, EnvConsolidatedMetrics, &cfg.Telemetry.ConsolidatedMetrics); err != nil {
		return err
	}
	if err := overlayInt(lookup, EnvPhaseTimeoutSeconds, &cfg.Execution.PhaseTimeoutSeconds); err != nil {
		return err
	}
	if err := overlayInt(lookup, EnvMaxAttemptsPerPhase, &cfg.Execution.MaxAttemptsPerPhase); err != nil {
		return err
	}
	if err := overlayBool(lookup, EnvAutoApprove, &cfg.Approvals.AutoApprove); err != nil {
		return err
	}
	if err := overlayBool(lookup, EnvPublicRead, &cfg.PublicRead); err != nil {
		return err
	}
	if v, ok := lookup(EnvEnv); ok && strings.TrimSpace(v) != "" {
		cfg.Env = strings.TrimSpace(v)
	}
	return validateConfig(cfg)
}

func overlayBool(lookup func(string) (string, bool), key string, dst *bool) error {
	v, ok := lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	b, err := parseBoolEnv(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func overlayInt(lookup func(string) (string, bool), key string, dst *int) error {
	v, ok := lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s: invalid integer %q", key, v)
	}
	*dst = n
	return nil
}

func parseBoolEnv(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean %q (want 1|0|true|false|yes|no|on|off)", v)
	}
}
