package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/danshapiro/autopack/internal/autoerr"
	"github.com/danshapiro/autopack/internal/config"
	"github.com/danshapiro/autopack/internal/policy"
)

// Exit codes are part of the CLI contract; wrapper scripts branch on them.
const (
	exitOK        = 0
	exitFailure   = 1
	exitConfig    = 2
	exitQuota     = 3
	exitStructure = 4
)

// errStructure marks workspace-structure violations so main can map them to
// their dedicated exit code.
var errStructure = errors.New("workspace structure violations")

var (
	configPath string
	verbose    bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "autopack",
	Short: "autopack drives autonomous build phases under policy governance",
	Long: `autopack executes build plans phase by phase: a Builder model proposes
patches, an Auditor reviews them, governance policy decides what needs a
human, and a four-gate finalizer decides what counts as done. Run state
lives in a local SQLite database; patches land in a git workspace through
save points that roll back on any failure.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if os.Getenv("ENV") == "development" {
			zcfg = zap.NewDevelopmentConfig()
		}
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "autopack.yaml", "Engine configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(drainCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(tidyCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(approvalsCmd)
}

// loadConfig reads the file named by --config. A load failure is a CONFIG
// error: the process exits 2 without touching any state.
func loadConfig() (*config.File, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, autoerr.Wrap(autoerr.KindConfig, "cli.config", err)
	}
	return cfg, nil
}

// loadPolicies resolves the policy file, falling back to the built-in
// defaults when the config names none.
func loadPolicies(cfg *config.File) (*policy.Store, error) {
	if cfg.Policy.Path == "" {
		return policy.Default(), nil
	}
	pol, err := policy.Load(cfg.Policy.Path)
	if err != nil {
		return nil, autoerr.Wrap(autoerr.KindConfig, "cli.policy", err)
	}
	return pol, nil
}

// enginePath anchors a relative config path at the workspace root so engine
// internals (database, artifacts, queues, sessions) live under the governed
// workspace, where save-point commits exclude them.
func enginePath(cfg *config.File, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(cfg.Workspace.Root, p)
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errStructure):
		return exitStructure
	}
	switch autoerr.KindOf(err) {
	case autoerr.KindConfig:
		return exitConfig
	case autoerr.KindQuotaBlocked:
		return exitQuota
	default:
		return exitFailure
	}
}

func main() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	os.Exit(exitCode(err))
}
