package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/couchcryptid/flight-weather-etl/internal/config"
	"github.com/couchcryptid/flight-weather-etl/internal/observability"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var version = "dev"

// app carries what every subcommand needs. It is filled in by the root
// command's PersistentPreRunE.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics
	runID   string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			slog.Error("command failed", "error", err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "flightwx",
		Short:         "Correlate aircraft positions with H3-cell weather",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
			a.metrics = observability.NewMetrics()
			a.runID = uuid.NewString()
			a.logger.Info("starting job",
				"job", cmd.Name(),
				"run_id", a.runID,
				"postgres", cfg.RedactedDSN(),
				"version", version,
			)
			return nil
		},
	}

	root.AddCommand(
		newRefreshCmd(a),
		newSyncCmd(a),
		newCorrelateCmd(a),
		newSeedCmd(a),
		newPurgeCmd(a),
	)
	return root
}

// pushMetrics sends this run's metrics to the Pushgateway when configured.
func (a *app) pushMetrics(job string) {
	if a.cfg == nil || a.cfg.PushgatewayURL == "" {
		return
	}
	if err := observability.Push(a.cfg.PushgatewayURL, job, nil); err != nil {
		a.logger.Warn("pushing metrics failed", "url", a.cfg.PushgatewayURL, "error", err)
	}
}
