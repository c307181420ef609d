package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/danshapiro/autopack/internal/artifacts"
	"github.com/danshapiro/autopack/internal/autoerr"
	"github.com/danshapiro/autopack/internal/store"
	"github.com/danshapiro/autopack/internal/telemetry"
)

var seedFile string

var seedCmd = &cobra.Command{
	Use:   "seed-telemetry",
	Short: "Load NDJSON telemetry events into the database",
	Long: `Replays an NDJSON event file into the telemetry store so drain yield
math can run against known history. Each line is one event; the file is
rejected at the first malformed line.`,
	RunE: runSeed,
}

func init() {
	seedCmd.Flags().StringVar(&seedFile, "file", "", "NDJSON event file to load")
	_ = seedCmd.MarkFlagRequired("file")
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := store.Open(enginePath(cfg, cfg.Storage.DatabasePath))
	if err != nil {
		return autoerr.Wrap(autoerr.KindConfig, "cli.seed", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("close store", zap.Error(err))
		}
	}()
	layout, err := artifacts.NewLayout(enginePath(cfg, cfg.Storage.ArtifactsRoot))
	if err != nil {
		return autoerr.Wrap(autoerr.KindConfig, "cli.seed", err)
	}

	// Seeding is an explicit request, so the sink is enabled even when the
	// config has telemetry off.
	sink := telemetry.NewSink(st, layout, true, logger)
	n, err := telemetry.SeedFromFile(cmd.Context(), sink, seedFile)
	if err != nil {
		return err
	}
	fmt.Printf("events_seeded=%d\n", n)
	return nil
}
