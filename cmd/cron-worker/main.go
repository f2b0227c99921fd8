package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"

	"github.com/clevi/pricestore/internal/archive"
	"github.com/clevi/pricestore/internal/blobstore"
	"github.com/clevi/pricestore/internal/cron"
	"github.com/clevi/pricestore/internal/pricedb"
	"github.com/clevi/pricestore/pkg/bigquery"
	"github.com/clevi/pricestore/pkg/config"
	"github.com/clevi/pricestore/pkg/env"
	"github.com/clevi/pricestore/pkg/instance"
	"github.com/clevi/pricestore/pkg/logger"
	"github.com/clevi/pricestore/pkg/metrics"
	"github.com/clevi/pricestore/pkg/pubsub"
	"github.com/clevi/pricestore/pkg/redis"
	"github.com/clevi/pricestore/pkg/storage/gcs"
)

const (
	serviceName   = "cron-worker"
	archivePrefix = "archive/"
)

func main() {
	app := &cli.App{
		Name:  serviceName,
		Usage: "runs snapshot retention and deep scrape dispatch on a schedule",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "once", Usage: "run a single cycle and exit"},
			&cli.StringSliceFlag{Name: "job", Usage: "restrict the cycle to the named jobs"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logg := logger.New(logger.Options{ServiceName: serviceName})
	if ok, err := env.Load(); err != nil {
		logg.Error(context.Background(), "failed to read .env file", err)
	} else if !ok {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		return err
	}
	if err := cfg.RequireRedis(); err != nil {
		logg.Error(context.Background(), "cron worker needs redis for its lock", err)
		return err
	}

	logg = logger.New(logger.Options{
		ServiceName: serviceName,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.OutputFormat(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	workerID := instance.GetID()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":       cfg.App.Env,
		"worker_id": workerID,
	})

	store, err := pricedb.Open(ctx, cfg, logg, metrics.NewStoreMetrics(prometheus.DefaultRegisterer))
	if err != nil {
		logg.Error(ctx, "failed to open document store", err)
		return err
	}
	defer func() {
		if err := store.Close(context.Background()); err != nil {
			logg.Error(ctx, "error closing document store", err)
		}
	}()

	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap redis", err)
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(ctx, "error closing redis", err)
		}
	}()

	registry, cleanup, err := buildRegistry(ctx, cfg, logg, store, redisClient)
	defer cleanup()
	if err != nil {
		logg.Error(ctx, "failed to build cron jobs", err)
		return err
	}
	registry, err = registry.Select(c.StringSlice("job")...)
	if err != nil {
		logg.Error(ctx, "invalid job selection", err)
		return err
	}

	lock, err := cron.NewRedisLock(redisClient, redisClient.LockKey(serviceName+":"+cfg.App.Env), workerID, 0)
	if err != nil {
		logg.Error(ctx, "failed to create cron lock", err)
		return err
	}

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  metrics.NewJobMetrics(prometheus.DefaultRegisterer),
		Interval: cfg.Retention.Interval,
	})
	if err != nil {
		logg.Error(ctx, "failed to create cron service", err)
		return err
	}

	logg.Info(logg.WithField(ctx, "jobs", service.Jobs()), "starting cron worker")
	if c.Bool("once") {
		if err := service.RunOnce(ctx); err != nil {
			logg.Error(ctx, "cron cycle failed", err)
			return err
		}
		return nil
	}
	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		return err
	}
	logg.Info(ctx, "cron worker shutting down gracefully")
	return nil
}

// buildRegistry wires the jobs whose dependencies are configured. The returned
// cleanup closes every client opened here.
func buildRegistry(ctx context.Context, cfg *config.Config, logg *logger.Logger, store *pricedb.Store, redisClient *redis.Client) (*cron.Registry, func(), error) {
	var closers []func() error
	cleanup := func() {
		for _, closeFn := range closers {
			if err := closeFn(); err != nil {
				logg.Error(ctx, "error closing client", err)
			}
		}
	}

	var sinks []archive.Sink
	if cfg.BigQuery.ArchiveEnabled() {
		bq, err := bigquery.NewClient(ctx, cfg.GCP, cfg.BigQuery, logg)
		if err != nil {
			return nil, cleanup, err
		}
		closers = append(closers, bq.Close)
		sink, err := archive.NewBigQuerySink(ctx, bq, bq, cfg.BigQuery.SnapshotTable)
		if err != nil {
			return nil, cleanup, err
		}
		sinks = append(sinks, sink)
	}
	if cfg.RequireGCS() == nil {
		objects, err := gcs.NewClient(ctx, cfg.GCS, cfg.GCP, logg)
		if err != nil {
			return nil, cleanup, err
		}
		blobs := blobstore.New(objects, cfg.Blob, logg)
		closers = append(closers, blobs.Close)
		sinks = append(sinks, archive.NewBlobSink(blobs, archivePrefix))
	}

	retention := cron.SnapshotRetentionJobParams{
		Logger:       logg,
		Store:        store,
		RetainDays:   &cfg.Retention.RetainDays,
		ProtectedIDs: cfg.Retention.ProtectedIDs,
	}
	if len(sinks) > 0 {
		retention.Archiver = archive.New(store, logg, sinks...)
	}
	retentionJob, err := cron.NewSnapshotRetentionJob(retention)
	if err != nil {
		return nil, cleanup, err
	}
	registry := cron.NewRegistry(retentionJob)

	if cfg.PubSub.DeepScrapeTopic == "" || len(cfg.DeepScrape.Markets) == 0 {
		logg.Info(ctx, "deep scrape dispatch disabled")
		return registry, cleanup, nil
	}
	ps, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg)
	if err != nil {
		return nil, cleanup, err
	}
	closers = append(closers, ps.Close)
	dispatchJob, err := cron.NewDeepScrapeDispatchJob(cron.DeepScrapeDispatchJobParams{
		Logger:     logg,
		Source:     store,
		Publisher:  ps,
		Dispatches: redisClient,
		Topic:      ps.DeepScrapeTopic(),
		Markets:    cfg.DeepScrape.Markets,
		Lookback:   cfg.DeepScrape.Lookback,
	})
	if err != nil {
		return nil, cleanup, err
	}
	if err := registry.Register(dispatchJob); err != nil {
		return nil, cleanup, err
	}
	return registry, cleanup, nil
}
