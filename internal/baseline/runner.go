package baseline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"time"

	"go.uber.org/zap"
)

// TestRunner executes the project's test suite. scope narrows the execution
// to specific test names (used by the flaky retry); empty scope runs
// everything.
type TestRunner interface {
	Run(ctx context.Context, scope []string) (Report, error)
}

// commandReport is the JSON document the configured test command must print
// on stdout. Projects adapt their runner with a thin wrapper script.
type commandReport struct {
	Tests []struct {
		Name   string `json:"name"`
		Passed bool   `json:"passed"`
	} `json:"tests"`
	Coverage *float64 `json:"coverage,omitempty"`
}

// CommandRunner shells out to a configured test command. The command receives
// the retry scope as trailing arguments.
type CommandRunner struct {
	Dir     string
	Command []string
	Timeout time.Duration
	Log     *zap.Logger
}

func NewCommandRunner(dir string, command []string, timeout time.Duration) (*CommandRunner, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("baseline: test command is empty")
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &CommandRunner{Dir: dir, Command: command, Timeout: timeout, Log: zap.NewNop()}, nil
}

func (r *CommandRunner) Run(ctx context.Context, scope []string) (Report, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	args := append(append([]string{}, r.Command[1:]...), scope...)
	cmd := exec.CommandContext(runCtx, r.Command[0], args...)
	cmd.Dir = r.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	// A non-zero exit usually just means failing tests; the report on stdout
	// is still authoritative. Only an unparseable report is an execution
	// error.
	var doc commandReport
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &doc); err != nil {
		if runErr != nil {
			return Report{}, fmt.Errorf("baseline: test command failed (%v) with unparseable output: %w", runErr, err)
		}
		return Report{}, fmt.Errorf("baseline: test report parse: %w", err)
	}

	rep := Report{Total: len(doc.Tests), Coverage: doc.Coverage, Duration: elapsed}
	for _, tc := range doc.Tests {
		if !tc.Passed {
			rep.Failures = append(rep.Failures, tc.Name)
		}
	}
	sort.Strings(rep.Failures)
	if runErr != nil && len(rep.Failures) == 0 {
		return Report{}, fmt.Errorf("baseline: test command exited non-zero with no recorded failures: %v: %s",
			runErr, bytes.TrimSpace(stderr.Bytes()))
	}
	r.Log.Debug("test run finished",
		zap.Int("total", rep.Total),
		zap.Int("failures", len(rep.Failures)),
		zap.Duration("elapsed", elapsed))
	return rep, nil
}

// EvaluateWithRetry computes the new-failure delta for a report, retrying
// each candidate once through the runner. A candidate that passes on retry
// is flaky, not a regression, and drops out of the delta.
func (t *Tracker) EvaluateWithRetry(ctx context.Context, rep Report) ([]string, error) {
	candidates := t.Delta(rep.Failures)
	if len(candidates) == 0 {
		return nil, nil
	}
	if t.runner == nil {
		return candidates, nil
	}

	retry, err := t.runner.Run(ctx, candidates)
	if err != nil {
		// Retry infrastructure failure must not soften the verdict.
		t.log.Warn("flaky retry run failed; keeping full delta", zap.Error(err))
		return candidates, nil
	}
	stillFailing := map[string]bool{}
	for _, f := range retry.Failures {
		stillFailing[f] = true
	}
	var confirmed []string
	for _, c := range candidates {
		if stillFailing[c] {
			confirmed = append(confirmed, c)
		} else {
			t.log.Info("failure passed on retry, excluding as flaky", zap.String("test", c))
		}
	}
	sort.Strings(confirmed)
	return confirmed, nil
}
