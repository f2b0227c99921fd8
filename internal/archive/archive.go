// Package archive copies snapshots that are about to be purged to long-term
// storage. Each product is archived independently so one failure only keeps
// that product's snapshots in the database.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"go.uber.org/multierr"

	"github.com/clevi/pricestore/internal/blobstore"
	"github.com/clevi/pricestore/internal/pricedb"
	pkgerrors "github.com/clevi/pricestore/pkg/errors"
	"github.com/clevi/pricestore/pkg/logger"
)

// Source lists what a purge with the same cutoff would delete.
type Source interface {
	ProductIDsToDump(ctx context.Context, cutoff time.Time) ([]string, error)
	SnapshotsToDump(ctx context.Context, cutoff time.Time, productID string) ([]pricedb.Snapshot, error)
}

// Sink stores the snapshots of one product.
type Sink interface {
	Name() string
	Write(ctx context.Context, productID string, rows []Row) error
}

// Row is the archived form of a snapshot.
type Row struct {
	ProductID        string    `bigquery:"product_id" json:"product_id"`
	StoreUniversalID string    `bigquery:"store_universal_id" json:"store_universal_id"`
	StoreID          string    `bigquery:"store_id" json:"store_id"`
	Code             string    `bigquery:"code" json:"code"`
	Market           string    `bigquery:"market" json:"market"`
	Price            float64   `bigquery:"price" json:"price"`
	DiscountedPrice  float64   `bigquery:"discounted_price" json:"discounted_price"`
	DiscountRate     float64   `bigquery:"discount_rate" json:"discount_rate"`
	Label            string    `bigquery:"label" json:"label"`
	ProductPageURI   string    `bigquery:"product_page_uri" json:"product_page_uri"`
	ScrapeParameters string    `bigquery:"scrape_parameters" json:"scrape_parameters"`
	LastUpdated      time.Time `bigquery:"last_updated" json:"last_updated"`
	ArchivedAt       time.Time `bigquery:"archived_at" json:"archived_at"`
}

// insertID identifies a row for streaming insert deduplication.
func (r Row) insertID() string {
	return fmt.Sprintf("%s|%s|%d", r.ProductID, r.StoreUniversalID, r.LastUpdated.UnixMilli())
}

func toRow(s pricedb.Snapshot, archivedAt time.Time) (Row, error) {
	params := "{}"
	if len(s.ScrapeParameters) > 0 {
		raw, err := json.Marshal(s.ScrapeParameters)
		if err != nil {
			return Row{}, fmt.Errorf("encoding scrape parameters of %s: %w", s.ProductID, err)
		}
		params = string(raw)
	}
	return Row{
		ProductID:        s.ProductID,
		StoreUniversalID: s.StoreUniversalID,
		StoreID:          s.StoreID,
		Code:             s.Code,
		Market:           s.Market,
		Price:            s.Price,
		DiscountedPrice:  s.DiscountedPrice,
		DiscountRate:     s.DiscountRate,
		Label:            s.Label,
		ProductPageURI:   s.ProductPageURI,
		ScrapeParameters: params,
		LastUpdated:      s.LastUpdated.UTC(),
		ArchivedAt:       archivedAt,
	}, nil
}

// Result summarizes one archive run.
type Result struct {
	Products int
	Rows     int
	// Failed lists products that were not archived by every sink. Their
	// snapshots must be kept.
	Failed []string
}

type Archiver struct {
	src   Source
	sinks []Sink
	logg  *logger.Logger
	now   func() time.Time
}

func New(src Source, logg *logger.Logger, sinks ...Sink) *Archiver {
	if logg == nil {
		logg = logger.Nop()
	}
	return &Archiver{src: src, sinks: sinks, logg: logg, now: time.Now}
}

// Archive writes every snapshot last updated at or before cutoff to each
// sink. A product failing in any sink is reported in Result.Failed and the
// run goes on; the returned error combines the per-product failures.
func (a *Archiver) Archive(ctx context.Context, cutoff time.Time) (Result, error) {
	ids, err := a.src.ProductIDsToDump(ctx, cutoff)
	if err != nil {
		return Result{}, err
	}
	archivedAt := a.now().UTC()

	var res Result
	var errs error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		pctx := a.logg.WithField(ctx, "product_id", id)
		n, err := a.archiveProduct(pctx, cutoff, id, archivedAt)
		if err != nil {
			res.Failed = append(res.Failed, id)
			errs = multierr.Append(errs, err)
			a.logg.Error(pctx, "archiving product failed", err)
			continue
		}
		res.Products++
		res.Rows += n
	}

	a.logg.Info(a.logg.WithFields(ctx, map[string]any{
		"products": res.Products,
		"rows":     res.Rows,
		"failed":   len(res.Failed),
	}), "snapshot archive finished")
	if errs != nil {
		return res, pkgerrors.Wrap(pkgerrors.CodeDependency, errs, "archiving snapshots")
	}
	return res, nil
}

func (a *Archiver) archiveProduct(ctx context.Context, cutoff time.Time, productID string, archivedAt time.Time) (int, error) {
	snapshots, err := a.src.SnapshotsToDump(ctx, cutoff, productID)
	if err != nil {
		return 0, err
	}
	if len(snapshots) == 0 {
		return 0, nil
	}
	rows := make([]Row, 0, len(snapshots))
	for _, s := range snapshots {
		row, err := toRow(s, archivedAt)
		if err != nil {
			return 0, err
		}
		rows = append(rows, row)
	}
	for _, sink := range a.sinks {
		if err := sink.Write(ctx, productID, rows); err != nil {
			return 0, fmt.Errorf("%s sink, product %s: %w", sink.Name(), productID, err)
		}
	}
	return len(rows), nil
}

// Inserter streams rows into a table.
type Inserter interface {
	InsertRows(ctx context.Context, table string, rows []any) error
}

// TableCreator creates the archive table when it is missing.
type TableCreator interface {
	EnsureTable(ctx context.Context, table string, schema bigquery.Schema, partitionField string) error
}

// BigQuerySink streams rows into a day-partitioned table.
type BigQuerySink struct {
	client Inserter
	table  string
	schema bigquery.Schema
}

// NewBigQuerySink infers the table schema from Row and creates the table
// through creator when it is not nil.
func NewBigQuerySink(ctx context.Context, client Inserter, creator TableCreator, table string) (*BigQuerySink, error) {
	schema, err := bigquery.InferSchema(Row{})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "inferring archive schema")
	}
	if creator != nil {
		if err := creator.EnsureTable(ctx, table, schema, "last_updated"); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "preparing archive table")
		}
	}
	return &BigQuerySink{client: client, table: table, schema: schema}, nil
}

func (s *BigQuerySink) Name() string { return "bigquery" }

func (s *BigQuerySink) Write(ctx context.Context, _ string, rows []Row) error {
	savers := make([]any, 0, len(rows))
	for _, r := range rows {
		savers = append(savers, &bigquery.StructSaver{Struct: r, Schema: s.schema, InsertID: r.insertID()})
	}
	return s.client.InsertRows(ctx, s.table, savers)
}

// Uploader stores a JSON document under a name.
type Uploader interface {
	UploadJSON(ctx context.Context, name string, value any, tags map[string]string, opts ...blobstore.UploadOption) error
}

// BlobSink writes one compressed JSON dump per product and run.
type BlobSink struct {
	blobs  Uploader
	prefix string
	now    func() time.Time
}

func NewBlobSink(blobs Uploader, prefix string) *BlobSink {
	return &BlobSink{blobs: blobs, prefix: prefix, now: time.Now}
}

func (s *BlobSink) Name() string { return "blob" }

// Dump is the blob layout of an archived product.
type Dump struct {
	ProductID string `json:"product_id"`
	Snapshots []Row  `json:"snapshots"`
}

func (s *BlobSink) Write(ctx context.Context, productID string, rows []Row) error {
	day := s.now().UTC().Format("2006-01-02")
	name := fmt.Sprintf("%s%s/%s.json.z", s.prefix, productID, day)
	oldest, newest := rows[0].LastUpdated, rows[0].LastUpdated
	for _, r := range rows[1:] {
		if r.LastUpdated.Before(oldest) {
			oldest = r.LastUpdated
		}
		if r.LastUpdated.After(newest) {
			newest = r.LastUpdated
		}
	}
	return s.blobs.UploadJSON(ctx, name, Dump{ProductID: productID, Snapshots: rows}, map[string]string{
		"product_id": productID,
		"market":     rows[0].Market,
		"oldest":     oldest.Format(time.RFC3339),
		"newest":     newest.Format(time.RFC3339),
		"rows":       fmt.Sprint(len(rows)),
	})
}
