package main

import (
	"time"

	"github.com/urfave/cli/v2"

	"github.com/clevi/pricestore/internal/archive"
	"github.com/clevi/pricestore/pkg/bigquery"
	"github.com/clevi/pricestore/pkg/config"
	pkgerrors "github.com/clevi/pricestore/pkg/errors"
)

func archiveCommand() *cli.Command {
	return &cli.Command{
		Name:  "archive",
		Usage: "read snapshots that were archived before purging",
		Subcommands: []*cli.Command{
			{
				Name:  "history",
				Usage: "print the archived snapshots of a product, newest first",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "product", Required: true},
					&cli.StringFlag{Name: "store", Usage: "store universal id"},
					&cli.DurationFlag{Name: "since", Usage: "only rows newer than this, all when zero"},
					&cli.IntFlag{Name: "limit", Value: 100},
				},
				Action: archiveHistory,
			},
		},
	}
}

func archiveHistory(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if !cfg.BigQuery.ArchiveEnabled() {
		return pkgerrors.New(pkgerrors.CodeConfiguration, config.EnvBigQueryDataset+" is required")
	}
	logg := newLogger(cfg)
	ctx := c.Context
	client, err := bigquery.NewClient(ctx, cfg.GCP, cfg.BigQuery, logg)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "opening bigquery")
	}
	defer func() { _ = client.Close() }()

	q := archive.HistoryQuery{
		ProductID: c.String("product"),
		StoreID:   c.String("store"),
		Limit:     c.Int("limit"),
	}
	if since := c.Duration("since"); since > 0 {
		q.Since = time.Now().UTC().Add(-since)
	}
	rows, err := archive.History(ctx, client, cfg.BigQuery.SnapshotTable, q)
	if err != nil {
		return err
	}
	return printJSON(c.App.Writer, rows)
}
