package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"github.com/clevi/pricestore/internal/export"
	"github.com/clevi/pricestore/internal/items"
	"github.com/clevi/pricestore/internal/mockdata"
	"github.com/clevi/pricestore/internal/pricedb"
	"github.com/clevi/pricestore/pkg/config"
	"github.com/clevi/pricestore/pkg/logger"
	"github.com/clevi/pricestore/pkg/maps"
)

func indexesCommand() *cli.Command {
	return &cli.Command{
		Name:  "indexes",
		Usage: "create the collection indexes and the snapshot time-series collection",
		Action: func(c *cli.Context) error {
			return withStore(c, func(ctx context.Context, store *pricedb.Store, logg *logger.Logger) error {
				if err := store.ConfigureIndexes(ctx); err != nil {
					return err
				}
				logg.Info(ctx, "indexes configured")
				return nil
			})
		},
	}
}

func marketsCommand() *cli.Command {
	return &cli.Command{
		Name:  "markets",
		Usage: "list the markets and stores serving a postal code, nearest first",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "postal-code", Required: true},
			&cli.Float64Flag{Name: "lat", Required: true},
			&cli.Float64Flag{Name: "long", Required: true},
		},
		Action: func(c *cli.Context) error {
			return withStore(c, func(ctx context.Context, store *pricedb.Store, _ *logger.Logger) error {
				markets, err := store.AvailableMarkets(ctx, c.String("postal-code"), c.Float64("lat"), c.Float64("long"))
				if err != nil {
					return err
				}
				return printJSON(c.App.Writer, markets)
			})
		},
	}
}

func pricesCommand() *cli.Command {
	return &cli.Command{
		Name:      "prices",
		Usage:     "print the current prices of products in a store",
		ArgsUsage: "PRODUCT_ID...",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "store", Usage: "store universal id", Required: true},
			&cli.BoolFlag{Name: "history", Usage: "print the snapshots of the latest scrape instead"},
		},
		Action: func(c *cli.Context) error {
			ids := c.Args().Slice()
			if len(ids) == 0 {
				return cli.Exit("at least one product id is required", 2)
			}
			return withStore(c, func(ctx context.Context, store *pricedb.Store, _ *logger.Logger) error {
				if c.Bool("history") {
					snaps, err := store.MostRecentPrices(ctx, c.String("store"), ids)
					if err != nil {
						return err
					}
					return printJSON(c.App.Writer, snaps)
				}
				prices, err := store.Prices(ctx, ids, c.String("store"))
				if err != nil {
					return err
				}
				return printJSON(c.App.Writer, prices)
			})
		},
	}
}

func pendingCommand() *cli.Command {
	return &cli.Command{
		Name:  "pending",
		Usage: "list products seen in recent snapshots but missing from the catalog",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "market", Required: true},
			&cli.DurationFlag{Name: "lookback", Value: 24 * time.Hour},
			&cli.StringFlag{Name: "store", Usage: "list every product scraped in this store instead"},
		},
		Action: func(c *cli.Context) error {
			return withStore(c, func(ctx context.Context, store *pricedb.Store, _ *logger.Logger) error {
				var (
					products []pricedb.ScrapedProduct
					err      error
				)
				if storeID := c.String("store"); storeID != "" {
					products, err = store.ProductsDataByStore(ctx, storeID)
				} else {
					products, err = store.ProductsPendingDeepScrape(ctx, c.String("market"), time.Now().UTC().Add(-c.Duration("lookback")))
				}
				if err != nil {
					return err
				}
				return printJSON(c.App.Writer, products)
			})
		},
	}
}

func purgeCommand() *cli.Command {
	return &cli.Command{
		Name:  "purge",
		Usage: "delete snapshots older than the retention window",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "days", Value: 90},
			&cli.StringSliceFlag{Name: "protect", Usage: "product ids whose snapshots are kept"},
			&cli.BoolFlag{Name: "dry-run", Usage: "only list the affected products"},
		},
		Action: func(c *cli.Context) error {
			return withStore(c, func(ctx context.Context, store *pricedb.Store, logg *logger.Logger) error {
				cutoff := store.Cutoff(c.Int("days"))
				if c.Bool("dry-run") {
					ids, err := store.ProductIDsToDump(ctx, cutoff)
					if err != nil {
						return err
					}
					return printJSON(c.App.Writer, ids)
				}
				deleted, err := store.PurgeSnapshotsBefore(ctx, cutoff, c.StringSlice("protect"))
				if err != nil {
					return err
				}
				logg.Info(logg.WithField(ctx, "rows_deleted", deleted), "snapshots purged")
				return nil
			})
		},
	}
}

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "write the current prices of a market as CSV",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "market", Required: true},
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output file, stdout when empty"},
		},
		Action: func(c *cli.Context) error {
			return withStore(c, func(ctx context.Context, store *pricedb.Store, logg *logger.Logger) error {
				exp := export.New(store, logg)
				write := func(w io.Writer) (int, error) {
					return exp.WriteMarketCSV(ctx, w, c.String("market"))
				}
				var rows int
				var err error
				if path := c.String("out"); path != "" {
					rows, err = writeFile(path, write)
				} else {
					rows, err = write(c.App.Writer)
				}
				if err != nil {
					return err
				}
				logg.Info(logg.WithFields(ctx, map[string]any{"market": c.String("market"), "rows": rows}), "export complete")
				return nil
			})
		},
	}
}

// writeFile creates path and hands it to write. A failed close fails the
// write.
func writeFile(path string, write func(io.Writer) (int, error)) (n int, err error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer func() {
		err = multierr.Append(err, f.Close())
	}()
	return write(f)
}

func seedCommand() *cli.Command {
	return &cli.Command{
		Name:  "seed",
		Usage: "load a generated fixture, one location per market",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "market", Value: cli.NewStringSlice(mockdata.Markets...)},
			&cli.Uint64Flag{Name: "seed", Value: 1},
			&cli.IntFlag{Name: "geo-points", Value: 5},
			&cli.IntFlag{Name: "stores", Value: 10},
			&cli.IntFlag{Name: "products", Usage: "snapshots per store", Value: 20},
		},
		Action: func(c *cli.Context) error {
			vocab, err := mockdata.NewVocabulary()
			if err != nil {
				return err
			}
			gen := mockdata.NewGenerator(vocab, c.Uint64("seed"))
			return withStore(c, func(ctx context.Context, store *pricedb.Store, logg *logger.Logger) error {
				for _, market := range c.StringSlice("market") {
					f := gen.Fixture(c.Int("geo-points"), c.Int("stores"), c.Int("products"), market)
					if err := mockdata.Load(ctx, store, f); err != nil {
						return fmt.Errorf("seeding %s: %w", market, err)
					}
					logg.Info(logg.WithFields(logg.WithMarket(ctx, market), map[string]any{
						"stores":    len(f.Stores),
						"products":  len(f.Products),
						"snapshots": len(f.Snapshots),
					}), "fixture loaded")
				}
				return nil
			})
		},
	}
}

func checkCommand() *cli.Command {
	return &cli.Command{
		Name:  "check",
		Usage: "verify the consistency of stores, locations, products and snapshots",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "since", Usage: "only check snapshots newer than this", Value: 7 * 24 * time.Hour},
		},
		Action: func(c *cli.Context) error {
			return withStore(c, func(ctx context.Context, store *pricedb.Store, logg *logger.Logger) error {
				reader := sinceReader{Store: store, since: time.Now().UTC().Add(-c.Duration("since"))}
				if err := mockdata.CheckIntegrity(ctx, reader); err != nil {
					return err
				}
				logg.Info(ctx, "no integrity violations found")
				return nil
			})
		},
	}
}

// sinceReader pins the snapshot window of an integrity check.
type sinceReader struct {
	*pricedb.Store
	since time.Time
}

func (r sinceReader) Snapshots(ctx context.Context, _ time.Time) ([]pricedb.Snapshot, error) {
	return r.Store.Snapshots(ctx, r.since)
}

func postalCodesCommand() *cli.Command {
	return &cli.Command{
		Name:      "postal-codes",
		Usage:     "geocode postal codes and load them into the reference collection",
		ArgsUsage: "CODE...",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "country", Usage: "ISO country code, configured default when empty"},
			&cli.BoolFlag{Name: "dry-run", Usage: "print the resolved records without writing"},
		},
		Action: func(c *cli.Context) error {
			codes := c.Args().Slice()
			if len(codes) == 0 {
				return cli.Exit("at least one postal code is required", 2)
			}
			cfg, err := config.LoadStorage()
			if err != nil {
				return err
			}
			if err := cfg.RequireMaps(); err != nil {
				return err
			}
			geocoder, err := maps.NewClient(cfg.Maps.APIKey)
			if err != nil {
				return err
			}
			country := c.String("country")
			if country == "" {
				country = cfg.Maps.Country
			}
			records := make([]items.PostalCode, 0, len(codes))
			for _, code := range codes {
				area, err := geocoder.ResolvePostalCode(c.Context, code, country)
				if err != nil {
					return err
				}
				records = append(records, items.PostalCode{
					PostalCode:  area.PostalCode,
					City:        area.City,
					StateCode:   area.StateCode,
					CountryCode: area.CountryCode,
					Lat:         area.Lat,
					Long:        area.Long,
				})
			}
			if c.Bool("dry-run") {
				return printJSON(c.App.Writer, records)
			}
			return withStore(c, func(ctx context.Context, store *pricedb.Store, logg *logger.Logger) error {
				summary, err := store.InsertPostalCodes(ctx, records)
				logg.Info(logg.WithFields(ctx, map[string]any{"inserted": summary.Succeeded, "failed": summary.Failed}), "postal codes loaded")
				return err
			})
		},
	}
}
