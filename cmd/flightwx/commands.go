package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/couchcryptid/flight-weather-etl/internal/adapter/openweather"
	"github.com/couchcryptid/flight-weather-etl/internal/domain"
	"github.com/couchcryptid/flight-weather-etl/internal/pipeline"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
)

func newRefreshCmd(a *app) *cobra.Command {
	var active bool
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Fetch weather for the stalest cells within today's call budget",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.cfg.RequireProvider(); err != nil {
				return err
			}
			return a.runJob(cmd.Context(), pipeline.JobRefresh, func(ctx context.Context, cl *closers) (fmt.Stringer, error) {
				pg, err := a.openPostgres(ctx, cl)
				if err != nil {
					return nil, err
				}
				mg, err := a.openMongo(ctx, cl)
				if err != nil {
					return nil, err
				}
				b, err := a.newBudget(ctx, pg, cl)
				if err != nil {
					return nil, err
				}
				client := openweather.NewClient(openweather.Config{
					APIKey:          a.cfg.OpenWeatherAPIKey,
					BaseURL:         a.cfg.OpenWeatherBaseURL,
					Timeout:         a.cfg.OpenWeatherTimeout,
					MaxRetries:      a.cfg.OpenWeatherMaxRetries,
					Backoff:         a.cfg.OpenWeatherBackoff,
					MaxRetryWait:    a.cfg.OpenWeatherMaxRetryWait,
					BreakerFailures: a.cfg.OpenWeatherBreakerFailures,
				}, clockwork.NewRealClock(), a.logger, a.metrics)

				r := pipeline.NewRefresher(pg, pg, mg, mg, client, b, pipeline.RefreshConfig{
					FreshWindow:  a.cfg.FreshWindow,
					RunCap:       a.cfg.UpdateBatch,
					Units:        a.cfg.Units,
					ActiveWindow: a.cfg.ActiveWindow,
					ActiveOnly:   active,
				}, a.env())
				report, err := r.Run(ctx)
				if err == nil && report.Unauthorized {
					err = fmt.Errorf("refresh stopped: %w", domain.ErrUnauthorized)
				}
				return report, err
			})
		},
	}
	cmd.Flags().BoolVar(&active, "active", false, "only refresh cells under recent position reports")
	return cmd
}

func newSyncCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Copy the newest raw document per cell into the curated table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runJob(cmd.Context(), pipeline.JobSync, func(ctx context.Context, cl *closers) (fmt.Stringer, error) {
				pg, err := a.openPostgres(ctx, cl)
				if err != nil {
					return nil, err
				}
				mg, err := a.openMongo(ctx, cl)
				if err != nil {
					return nil, err
				}
				return pipeline.NewSyncer(pg, mg, a.env()).Run(ctx)
			})
		},
	}
}

func newCorrelateCmd(a *app) *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "correlate",
		Short: "Join position reports to cell weather and upsert the matches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := pipeline.ParseMode(mode)
			if err != nil {
				return err
			}
			return a.runJob(cmd.Context(), pipeline.JobCorrelate, func(ctx context.Context, cl *closers) (fmt.Stringer, error) {
				pg, err := a.openPostgres(ctx, cl)
				if err != nil {
					return nil, err
				}
				mg, err := a.openMongo(ctx, cl)
				if err != nil {
					return nil, err
				}
				sinks, err := a.sinks(ctx, cl)
				if err != nil {
					return nil, err
				}
				c := pipeline.NewCorrelator(mg, pg, pg, pg, sinks, pipeline.CorrelateConfig{
					Mode:           m,
					Staleness:      a.cfg.StalenessWindow,
					MatchTolerance: a.cfg.MatchTolerance,
					PositionWindow: a.cfg.PositionWindow,
				}, a.env())
				return c.Run(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(pipeline.ModeCurated), "weather pool: curated or history")
	return cmd
}

func newSeedCmd(a *app) *cobra.Command {
	var points string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Register cells from a CSV of lat,lon points",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if points == "" {
				return errors.New("--points is required")
			}
			return a.runJob(cmd.Context(), pipeline.JobSeed, func(ctx context.Context, cl *closers) (fmt.Stringer, error) {
				f, err := os.Open(points)
				if err != nil {
					return nil, fmt.Errorf("open points: %w", err)
				}
				defer f.Close()

				pg, err := a.openPostgres(ctx, cl)
				if err != nil {
					return nil, err
				}
				return pipeline.NewSeeder(pg, a.env()).SeedPoints(ctx, f)
			})
		},
	}
	cmd.Flags().StringVar(&points, "points", "", "CSV file of lat,lon points (header optional)")
	return cmd
}

func newPurgeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete raw documents, history and snapshots past retention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runJob(cmd.Context(), pipeline.JobPurge, func(ctx context.Context, cl *closers) (fmt.Stringer, error) {
				pg, err := a.openPostgres(ctx, cl)
				if err != nil {
					return nil, err
				}
				mg, err := a.openMongo(ctx, cl)
				if err != nil {
					return nil, err
				}
				return pipeline.NewPurger(mg, pg, mg, pipeline.RetentionConfig{
					Raw:       a.cfg.RawRetention,
					History:   a.cfg.HistoryRetention,
					Snapshots: a.cfg.SnapshotRetention,
				}, a.env()).Run(ctx)
			})
		},
	}
}
