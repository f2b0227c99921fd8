package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"github.com/clevi/pricestore/pkg/bigquery"
	"github.com/clevi/pricestore/pkg/config"
	pkgerrors "github.com/clevi/pricestore/pkg/errors"
	"github.com/clevi/pricestore/pkg/logger"
	"github.com/clevi/pricestore/pkg/mongodb"
	"github.com/clevi/pricestore/pkg/pubsub"
	"github.com/clevi/pricestore/pkg/redis"
	"github.com/clevi/pricestore/pkg/storage/gcs"
)

const defaultCheckTimeout = 15 * time.Second

// healthCheck connects to one dependency, pings it and releases it. target
// names what was reached and may be filled in by ping.
type healthCheck struct {
	name string
	ping func(ctx context.Context) (target string, err error)
}

func healthCommand() *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "ping every configured dependency",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "timeout", Value: defaultCheckTimeout, Usage: "per dependency"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logg := newLogger(cfg)
			return runChecks(c.Context, c.App.Writer, c.Duration("timeout"), dependencyChecks(cfg, logg))
		},
	}
}

// dependencyChecks lists the document store plus every optional dependency
// that has configuration.
func dependencyChecks(cfg *config.Config, logg *logger.Logger) []healthCheck {
	checks := []healthCheck{{
		name: "mongo",
		ping: func(ctx context.Context) (string, error) {
			client, err := mongodb.New(ctx, cfg.Mongo, logg)
			if err != nil {
				return cfg.Mongo.Database, err
			}
			defer func() { _ = client.Close(context.Background()) }()
			return cfg.Mongo.Database, client.Ping(ctx)
		},
	}}
	if cfg.RequireRedis() == nil {
		checks = append(checks, healthCheck{
			name: "redis",
			ping: func(ctx context.Context) (string, error) {
				client, err := redis.New(ctx, cfg.Redis, logg)
				if err != nil {
					return "", err
				}
				defer func() { _ = client.Close() }()
				return "", client.Ping(ctx)
			},
		})
	}
	if cfg.RequireGCS() == nil {
		checks = append(checks, healthCheck{
			name: "gcs",
			ping: func(ctx context.Context) (string, error) {
				client, err := gcs.NewClient(ctx, cfg.GCS, cfg.GCP, logg)
				if err != nil {
					return cfg.GCS.BucketName, err
				}
				defer func() { _ = client.Close() }()
				return client.DefaultBucket(), client.Ping(ctx)
			},
		})
	}
	if cfg.BigQuery.ArchiveEnabled() {
		checks = append(checks, healthCheck{
			name: "bigquery",
			ping: func(ctx context.Context) (string, error) {
				client, err := bigquery.NewClient(ctx, cfg.GCP, cfg.BigQuery, logg)
				if err != nil {
					return cfg.BigQuery.Dataset, err
				}
				defer func() { _ = client.Close() }()
				return client.TableRef(cfg.BigQuery.SnapshotTable), client.Ping(ctx)
			},
		})
	}
	if cfg.PubSub.DeepScrapeTopic != "" {
		checks = append(checks, healthCheck{
			name: "pubsub",
			ping: func(ctx context.Context) (string, error) {
				client, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg)
				if err != nil {
					return cfg.PubSub.DeepScrapeTopic, err
				}
				defer func() { _ = client.Close() }()
				return client.DeepScrapeTopic(), client.Ping(ctx)
			},
		})
	}
	return checks
}

// runChecks pings every dependency even after a failure and prints one
// line per dependency.
func runChecks(ctx context.Context, w io.Writer, timeout time.Duration, checks []healthCheck) error {
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	var errs error
	for _, check := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, timeout)
		started := time.Now()
		target, err := check.ping(checkCtx)
		cancel()
		elapsed := time.Since(started).Round(time.Millisecond)
		status := "ok"
		if err != nil {
			status = "error: " + err.Error()
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", check.name, err))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", check.name, target, elapsed, status)
	}
	if errs != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, errs, fmt.Sprintf("%d of %d dependencies unhealthy", len(multierr.Errors(errs)), len(checks)))
	}
	return nil
}
