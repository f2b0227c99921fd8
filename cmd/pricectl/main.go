// Command pricectl operates the price store: index setup, read queries,
// retention, CSV export, fixture seeding, blob maintenance, archive reads
// and dependency health checks.
package main

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/clevi/pricestore/internal/pricedb"
	"github.com/clevi/pricestore/pkg/config"
	"github.com/clevi/pricestore/pkg/env"
	"github.com/clevi/pricestore/pkg/logger"
)

const serviceName = "pricectl"

func main() {
	app := &cli.App{
		Name:  serviceName,
		Usage: "inspect and maintain the price store",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "print the full error chain on failure",
			},
			&cli.StringFlag{
				Name:  "env-file",
				Value: ".env",
				Usage: "dotenv file read before the environment",
			},
		},
		Before: func(c *cli.Context) error {
			_, err := env.Load(c.String("env-file"))
			return err
		},
		Commands: []*cli.Command{
			indexesCommand(),
			marketsCommand(),
			pricesCommand(),
			pendingCommand(),
			purgeCommand(),
			exportCommand(),
			seedCommand(),
			checkCommand(),
			postalCodesCommand(),
			blobCommand(),
			archiveCommand(),
			healthCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		os.Exit(reportError(os.Stderr, err, verbose(os.Args)))
	}
}

// verbose scans the raw arguments because the parsed flags are gone once
// Run returns.
func verbose(args []string) bool {
	for _, a := range args[1:] {
		if a == "--verbose" || a == "-verbose" {
			return true
		}
	}
	return false
}

func newLogger(cfg *config.Config) *logger.Logger {
	return logger.New(logger.Options{
		ServiceName: serviceName,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.OutputFormat(),
		Output:      os.Stderr,
	})
}

// withStore opens the document store for the duration of fn.
func withStore(c *cli.Context, fn func(ctx context.Context, store *pricedb.Store, logg *logger.Logger) error) error {
	cfg, err := config.LoadStorage()
	if err != nil {
		return err
	}
	logg := newLogger(cfg)
	ctx := c.Context
	store, err := pricedb.Open(ctx, cfg, logg, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(context.Background()); err != nil {
			logg.Error(ctx, "error closing document store", err)
		}
	}()
	return fn(ctx, store, logg)
}

func printJSON(w io.Writer, value any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}
