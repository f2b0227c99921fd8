package main

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/clevi/pricestore/internal/blobstore"
	"github.com/clevi/pricestore/pkg/config"
	pkgerrors "github.com/clevi/pricestore/pkg/errors"
	"github.com/clevi/pricestore/pkg/storage/gcs"
)

func blobCommand() *cli.Command {
	return &cli.Command{
		Name:  "blob",
		Usage: "store and query compressed JSON documents in the bucket",
		Subcommands: []*cli.Command{
			{
				Name:      "put",
				Usage:     "upload a JSON file",
				ArgsUsage: "NAME FILE",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "tag", Usage: "key=value tag, repeatable"},
					&cli.IntFlag{Name: "level", Value: -1, Usage: "compression level 0-9, configured default when unset"},
					&cli.BoolFlag{Name: "indent", Usage: "keep whitespace in the stored JSON"},
				},
				Action: blobPut,
			},
			{
				Name:      "get",
				Usage:     "download a document and print it with its tags",
				ArgsUsage: "NAME",
				Action:    blobGet,
			},
			{
				Name:      "find",
				Usage:     "list documents matching a tag query, e.g. \"market\" = 'lidl' AND \"day\" >= '2024-01-01'",
				ArgsUsage: "QUERY",
				Action:    blobFind,
			},
			{
				Name:      "delete",
				Usage:     "delete a document",
				ArgsUsage: "NAME",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "snapshots", Usage: "also delete noncurrent generations"},
				},
				Action: blobDelete,
			},
		},
	}
}

func withBlobs(c *cli.Context, fn func(ctx context.Context, blobs *blobstore.Store) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.RequireGCS(); err != nil {
		return err
	}
	logg := newLogger(cfg)
	ctx := c.Context
	objects, err := gcs.NewClient(ctx, cfg.GCS, cfg.GCP, logg)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "opening bucket")
	}
	blobs := blobstore.New(objects, cfg.Blob, logg)
	defer func() {
		if err := blobs.Close(); err != nil {
			logg.Error(ctx, "error closing blob store", err)
		}
	}()
	return fn(ctx, blobs)
}

func requireArgs(c *cli.Context, n int) error {
	if c.NArg() != n {
		return cli.Exit(fmt.Sprintf("usage: %s %s", c.Command.FullName(), c.Command.ArgsUsage), 2)
	}
	return nil
}

// parseTags reads key=value pairs.
func parseTags(pairs []string) (map[string]string, error) {
	tags := map[string]string{}
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, pkgerrors.Newf(pkgerrors.CodeValidation, "tag %q is not key=value", pair)
		}
		tags[k] = v
	}
	return tags, nil
}

func blobPut(c *cli.Context) error {
	if err := requireArgs(c, 2); err != nil {
		return err
	}
	tags, err := parseTags(c.StringSlice("tag"))
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(c.Args().Get(1))
	if err != nil {
		return err
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "input is not JSON")
	}
	var opts []blobstore.UploadOption
	if level := c.Int("level"); level >= 0 {
		opts = append(opts, blobstore.WithCompressionLevel(level))
	}
	if c.Bool("indent") {
		opts = append(opts, blobstore.WithWhitespace())
	}
	return withBlobs(c, func(ctx context.Context, blobs *blobstore.Store) error {
		return blobs.UploadJSON(ctx, c.Args().First(), value, tags, opts...)
	})
}

func blobGet(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	return withBlobs(c, func(ctx context.Context, blobs *blobstore.Store) error {
		doc, err := blobs.DownloadJSON(ctx, c.Args().First())
		if err != nil {
			return err
		}
		return printJSON(c.App.Writer, map[string]any{"tags": doc.Tags, "value": doc.Value})
	})
}

func blobFind(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	return withBlobs(c, func(ctx context.Context, blobs *blobstore.Store) error {
		for info, err := range blobs.FindByTags(ctx, c.Args().First()) {
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "%s\t%d\t%s\t%s\n", info.Name, info.Size, info.Updated.Format(time.RFC3339), formatTags(info.Tags))
		}
		return nil
	})
}

func blobDelete(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	return withBlobs(c, func(ctx context.Context, blobs *blobstore.Store) error {
		return blobs.Delete(ctx, c.Args().First(), c.Bool("snapshots"))
	})
}

func formatTags(tags map[string]string) string {
	pairs := make([]string, 0, len(tags))
	for _, k := range slices.Sorted(maps.Keys(tags)) {
		pairs = append(pairs, k+"="+tags[k])
	}
	return strings.Join(pairs, ",")
}
