// Package pricedb persists stores, locations, products and price snapshots
// in a MongoDB database and answers the read queries of the pricing pipeline.
package pricedb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/multierr"

	"github.com/clevi/pricestore/pkg/config"
	pkgerrors "github.com/clevi/pricestore/pkg/errors"
	"github.com/clevi/pricestore/pkg/logger"
	"github.com/clevi/pricestore/pkg/metrics"
	"github.com/clevi/pricestore/pkg/mongodb"
)

const (
	timeseriesGranularity = "minutes"
	requestStatsCommand   = "getLastRequestStatistics"
)

// closer releases the connection shared by the database handles.
type closer interface {
	Close(ctx context.Context) error
}

// Params wires a Store.
type Params struct {
	// DB holds stores, locations, products and snapshots.
	DB mongodb.Database
	// MiscDB holds the markets and postal code reference collections.
	MiscDB      mongodb.Database
	Collections config.CollectionsConfig
	Logger      *logger.Logger
	Metrics     *metrics.StoreMetrics
	// Conn is closed by Close. Leave nil when the caller owns the connection.
	Conn closer
	// Debug logs server request statistics after every write.
	Debug bool
	// Mock skips features an emulated database does not provide.
	Mock bool
	Now  func() time.Time
}

// Store is the document store adapter. All operations share the injected
// database handles.
type Store struct {
	db       mongodb.Database
	misc     mongodb.Database
	names    config.CollectionsConfig
	logg     *logger.Logger
	metrics  *metrics.StoreMetrics
	conn     closer
	debug    bool
	mock     bool
	now      func() time.Time
	stores   mongodb.Collection
	products mongodb.Collection
	locs     mongodb.Collection
	prices   mongodb.Collection
	markets  mongodb.Collection
	postal   mongodb.Collection
}

// New validates params and binds the collections.
func New(p Params) (*Store, error) {
	if p.DB == nil || p.MiscDB == nil {
		return nil, pkgerrors.New(pkgerrors.CodeConfiguration, "database handles are required")
	}
	missing := []string{}
	for env, name := range p.Collections.Names() {
		if name == "" {
			missing = append(missing, env)
		}
	}
	if len(missing) > 0 {
		return nil, pkgerrors.New(pkgerrors.CodeConfiguration, "collection names are missing").
			WithDetails(map[string]any{"missing": missing})
	}
	if p.Logger == nil {
		p.Logger = logger.Nop()
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	return &Store{
		db:       p.DB,
		misc:     p.MiscDB,
		names:    p.Collections,
		logg:     p.Logger,
		metrics:  p.Metrics,
		conn:     p.Conn,
		debug:    p.Debug,
		mock:     p.Mock,
		now:      p.Now,
		stores:   p.DB.Collection(p.Collections.Stores),
		products: p.DB.Collection(p.Collections.Products),
		locs:     p.DB.Collection(p.Collections.Locations),
		prices:   p.DB.Collection(p.Collections.ProductStoreData),
		markets:  p.MiscDB.Collection(p.Collections.Markets),
		postal:   p.MiscDB.Collection(p.Collections.PostalCodes),
	}, nil
}

// Close disconnects the owned connection, if any.
func (s *Store) Close(ctx context.Context) error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close(ctx)
}

// timestamp is the shared write time of one call, at the server's millisecond
// precision.
func (s *Store) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

// ConfigureIndexes creates the indexes and the time-series snapshot
// collection. It is safe to call repeatedly.
func (s *Store) ConfigureIndexes(ctx context.Context) error {
	var errs error

	if _, err := s.locs.CreateIndexes(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "postal_codes", Value: 1}}},
	}); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("%s indexes: %w", s.names.Locations, err))
	}

	if _, err := s.stores.CreateIndexes(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "market", Value: 1}, {Key: "last_updated", Value: -1}}},
	}); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("%s indexes: %w", s.names.Stores, err))
	}

	// An index on a missing collection would create it as a regular one,
	// which cannot be turned into a time-series collection later.
	if err := s.ensureTimeSeries(ctx); err != nil {
		errs = multierr.Append(errs, err)
		return pkgerrors.Wrap(pkgerrors.CodeDependency, errs, "configuring indexes")
	}
	if _, err := s.prices.CreateIndexes(ctx, []mongo.IndexModel{
		{Keys: bson.D{
			{Key: "last_updated", Value: 1},
			{Key: "timeseries_meta.store_universal_id", Value: 1},
			{Key: "timeseries_meta.product_id", Value: 1},
		}},
	}); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("%s indexes: %w", s.names.ProductStoreData, err))
	}

	if errs != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, errs, "configuring indexes")
	}
	return nil
}

func (s *Store) ensureTimeSeries(ctx context.Context) error {
	exists, err := s.db.HasCollection(ctx, s.names.ProductStoreData)
	if err != nil {
		return fmt.Errorf("checking %s: %w", s.names.ProductStoreData, err)
	}
	if exists || s.mock {
		return nil
	}
	ts := options.TimeSeries().
		SetTimeField("last_updated").
		SetMetaField("timeseries_meta").
		SetGranularity(timeseriesGranularity)
	err = s.db.CreateCollection(ctx, s.names.ProductStoreData, options.CreateCollection().SetTimeSeriesOptions(ts))
	if err != nil && !mongodb.IsNamespaceExists(err) {
		return fmt.Errorf("creating time-series collection %s: %w", s.names.ProductStoreData, err)
	}
	s.logg.Info(s.logg.WithCollection(ctx, s.names.ProductStoreData), "time-series collection created")
	return nil
}

// provision runs ConfigureIndexes when one of the named collections does not
// exist yet. Failures are logged; the write goes ahead and the next write
// tries again.
func (s *Store) provision(ctx context.Context, names ...string) {
	for _, name := range names {
		exists, err := s.db.HasCollection(ctx, name)
		if err != nil {
			s.logg.Error(s.logg.WithCollection(ctx, name), "collection lookup failed", err)
			return
		}
		if exists {
			continue
		}
		s.logg.Warn(s.logg.WithCollection(ctx, name), "collection missing, configuring indexes")
		if err := s.ConfigureIndexes(ctx); err != nil {
			s.logg.Error(ctx, "index provisioning failed", err)
		}
		return
	}
}

// logRequestStats logs the server's statistics for the last request when
// debug is on. Servers without the command only get a debug line.
func (s *Store) logRequestStats(ctx context.Context, op string) {
	if !s.debug || s.mock {
		return
	}
	var stats bson.M
	err := s.db.RunCommand(ctx, bson.D{{Key: requestStatsCommand, Value: 1}}).Decode(&stats)
	if err != nil {
		s.logg.Debug(s.logg.WithField(ctx, "op", op), "no request statistics available")
		return
	}
	fields := map[string]any{"op": op}
	for k, v := range stats {
		fields[k] = v
	}
	s.logg.Info(s.logg.WithFields(ctx, fields), "request statistics")
}

// WriteSummary reports the outcome of one bulk write.
type WriteSummary struct {
	Total     int
	Succeeded int
	Failed    int
	Upserted  int64
	Modified  int64
}

// batchError turns an unordered bulk write error into a partial batch error
// listing each failed document. ids maps model positions to document ids.
// Errors that carry no per-document detail are returned as dependency errors.
func batchError(collection string, ids []string, err error) ([]pkgerrors.DocumentError, error) {
	writeErrs := mongodb.WriteErrors(err)
	if len(writeErrs) == 0 {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("writing %s", collection))
	}
	failures := make([]pkgerrors.DocumentError, 0, len(writeErrs))
	for _, we := range writeErrs {
		fe := pkgerrors.DocumentError{Index: we.Index, Code: we.Code, Message: we.Message}
		if we.Index >= 0 && we.Index < len(ids) {
			fe.ID = ids[we.Index]
		}
		failures = append(failures, fe)
	}
	var bulkErr mongo.BulkWriteException
	if errors.As(err, &bulkErr) && bulkErr.WriteConcernError != nil {
		return failures, pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("write concern failed on %s", collection))
	}
	return failures, pkgerrors.PartialBatch(collection, len(ids), failures)
}
