package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/couchcryptid/flight-weather-etl/internal/adapter/export"
	"github.com/couchcryptid/flight-weather-etl/internal/adapter/httpadapter"
	kafkaadapter "github.com/couchcryptid/flight-weather-etl/internal/adapter/kafka"
	"github.com/couchcryptid/flight-weather-etl/internal/adapter/mongo"
	"github.com/couchcryptid/flight-weather-etl/internal/adapter/postgres"
	"github.com/couchcryptid/flight-weather-etl/internal/budget"
	"github.com/couchcryptid/flight-weather-etl/internal/config"
	"github.com/couchcryptid/flight-weather-etl/internal/pipeline"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// closers runs cleanup functions in reverse order.
type closers []func()

func (c *closers) add(f func()) { *c = append(*c, f) }

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func (a *app) env() pipeline.Env {
	return pipeline.Env{
		Clock:     clockwork.NewRealClock(),
		Logger:    a.logger,
		Metrics:   a.metrics,
		BatchSize: a.cfg.BatchSize,
		RunID:     a.runID,
	}
}

func (a *app) openPostgres(ctx context.Context, cl *closers) (*postgres.Store, error) {
	pg, err := postgres.Open(ctx, a.cfg.PostgresDSN, 4)
	if err != nil {
		return nil, err
	}
	cl.add(pg.Close)
	return pg, nil
}

func (a *app) openMongo(ctx context.Context, cl *closers) (*mongo.Store, error) {
	m, err := mongo.Open(ctx, mongo.Config{
		URI:                a.cfg.MongoURI,
		Database:           a.cfg.MongoDB,
		RawCollection:      a.cfg.MongoRawCollection,
		SnapshotCollection: a.cfg.MongoSnapshotCollection,
	})
	if err != nil {
		return nil, err
	}
	cl.add(func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		if err := m.Close(ctx); err != nil {
			a.logger.Warn("mongo disconnect failed", "error", err)
		}
	})
	return m, nil
}

// newBudget picks the ledger named by BUDGET_STORE.
func (a *app) newBudget(ctx context.Context, pg *postgres.Store, cl *closers) (*budget.Controller, error) {
	var ledger budget.Ledger
	switch a.cfg.BudgetStore {
	case config.BudgetStoreMemory:
		ledger = budget.NewMemoryLedger()
	case config.BudgetStorePostgres:
		l, err := sqlLedger(ctx, pg.SQLDB(), budget.DialectPostgres, cl)
		if err != nil {
			return nil, err
		}
		ledger = l
	case config.BudgetStoreSQLite:
		db, err := budget.OpenSQLite(a.cfg.BudgetSQLitePath)
		if err != nil {
			return nil, err
		}
		l, err := sqlLedger(ctx, db, budget.DialectSQLite, cl)
		if err != nil {
			return nil, err
		}
		ledger = l
	case config.BudgetStoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     a.cfg.RedisAddr,
			Password: a.cfg.RedisPassword,
			DB:       a.cfg.RedisDB,
		})
		cl.add(func() { _ = client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		ledger = budget.NewRedisLedger(client)
	default:
		return nil, fmt.Errorf("unknown budget store %q", a.cfg.BudgetStore)
	}
	a.logger.Info("budget ledger ready", "store", a.cfg.BudgetStore, "daily_limit", a.cfg.DailyBudget)
	return budget.NewController(a.cfg.DailyBudget, a.cfg.MinInterval, ledger, clockwork.NewRealClock()), nil
}

func sqlLedger(ctx context.Context, db *sql.DB, dialect string, cl *closers) (*budget.SQLLedger, error) {
	cl.add(func() { _ = db.Close() })
	return budget.NewSQLLedger(ctx, db, dialect)
}

// sinks builds the optional correlation fan-out targets.
func (a *app) sinks(ctx context.Context, cl *closers) ([]pipeline.RecordSink, error) {
	var out []pipeline.RecordSink
	if a.cfg.KafkaEnabled() {
		pub := kafkaadapter.NewPublisher(a.cfg.KafkaBrokers, a.cfg.KafkaCorrelationTopic, a.logger)
		cl.add(func() {
			if err := pub.Close(); err != nil {
				a.logger.Warn("kafka publisher close failed", "error", err)
			}
		})
		out = append(out, pub)
		a.logger.Info("kafka fan-out enabled", "topic", a.cfg.KafkaCorrelationTopic)
	}
	switch {
	case a.cfg.ExportS3Bucket != "":
		target, err := export.NewS3Target(ctx, export.S3Config{
			Bucket:    a.cfg.ExportS3Bucket,
			Region:    a.cfg.ExportS3Region,
			Endpoint:  a.cfg.ExportS3Endpoint,
			PathStyle: a.cfg.ExportS3PathStyle,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, export.NewSink(target, a.runID, a.logger))
		a.logger.Info("parquet export enabled", "bucket", a.cfg.ExportS3Bucket)
	case a.cfg.ExportDir != "":
		out = append(out, export.NewSink(export.NewDirTarget(a.cfg.ExportDir), a.runID, a.logger))
		a.logger.Info("parquet export enabled", "dir", a.cfg.ExportDir)
	}
	return out, nil
}

// runJob wraps one job run: it times the run, prints the summary line, and
// pushes metrics whether or not the job failed. With METRICS_ADDR set the
// status server runs alongside the job.
func (a *app) runJob(ctx context.Context, job string, fn func(ctx context.Context, cl *closers) (fmt.Stringer, error)) error {
	var cl closers
	defer cl.run()
	defer a.pushMetrics(job)

	status := httpadapter.NewJobStatus(job, a.runID)
	if a.cfg.MetricsAddr != "" {
		srv := httpadapter.NewServer(a.cfg.MetricsAddr, status, prometheus.DefaultGatherer, a.logger)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", "error", err)
			}
		}()
		cl.add(func() {
			ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				a.logger.Warn("http server shutdown failed", "error", err)
			}
		})
	}

	start := time.Now()
	status.Start(start)
	report, err := fn(ctx, &cl)
	status.Finish(time.Now(), err)
	if report != nil {
		fmt.Printf("%s run_id=%s %s elapsed=%s\n", job, a.runID, report, time.Since(start).Round(time.Millisecond))
	}
	return err
}
