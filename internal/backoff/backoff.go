// Package backoff provides the retry delay ladder shared by approval
// polling, the pending moves queue, and transient provider retries.
package backoff

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"time"
)

// Config configures retry delays. Jitter is deterministic per seed so that
// replayed sessions produce identical schedules.
type Config struct {
	InitialDelay  time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
	Jitter        bool
}

// ApprovalPolling is the ladder used while a phase is parked in
// APPROVAL_PENDING: exponential from 1s, jittered, capped at 30s.
func ApprovalPolling() Config {
	return Config{
		InitialDelay:  time.Second,
		BackoffFactor: 2.0,
		MaxDelay:      30 * time.Second,
		Jitter:        true,
	}
}

// PendingMoves is the ladder for locked-file move retries: 5min doubling,
// capped at 24h, no jitter (eligibility times are part of the queue's
// persisted contract).
func PendingMoves() Config {
	return Config{
		InitialDelay:  5 * time.Minute,
		BackoffFactor: 2.0,
		MaxDelay:      24 * time.Hour,
		Jitter:        false,
	}
}

// ProviderRetry is the ladder for transient LLM provider failures.
func ProviderRetry() Config {
	return Config{
		InitialDelay:  2 * time.Second,
		BackoffFactor: 2.0,
		MaxDelay:      2 * time.Minute,
		Jitter:        true,
	}
}

// DelayForAttempt returns the delay before the given 1-indexed retry
// attempt. Jitter, when enabled, multiplies the capped base by a value in
// [0.5, 1.5] derived from the seed.
func DelayForAttempt(attempt int, cfg Config, jitterSeed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	factor := cfg.BackoffFactor
	if factor <= 0 {
		factor = 1.0
	}

	base := float64(cfg.InitialDelay) * math.Pow(factor, float64(attempt-1))
	if cfg.MaxDelay > 0 {
		base = math.Min(base, float64(cfg.MaxDelay))
	}

	// Jitter applies after capping.
	if cfg.Jitter {
		base *= 0.5 + jitterUnit(jitterSeed)
	}

	if base < 0 {
		base = 0
	}
	return time.Duration(base)
}

// jitterUnit maps a seed to [0,1] via sha256 so schedules are reproducible.
func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	const max = float64(^uint64(0))
	return float64(u) / max
}

// Sleep waits for d or until ctx is done, returning ctx.Err() in that case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
