package pricedb

import (
	"context"

	"github.com/clevi/pricestore/pkg/config"
	pkgerrors "github.com/clevi/pricestore/pkg/errors"
	"github.com/clevi/pricestore/pkg/logger"
	"github.com/clevi/pricestore/pkg/metrics"
	"github.com/clevi/pricestore/pkg/mongodb"
)

// Open connects to the configured deployment and returns a Store that owns
// the connection.
func Open(ctx context.Context, cfg *config.Config, logg *logger.Logger, m *metrics.StoreMetrics) (*Store, error) {
	client, err := mongodb.New(ctx, cfg.Mongo, logg)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "opening document store")
	}
	store, err := New(Params{
		DB:          client.Database(cfg.Mongo.Database),
		MiscDB:      client.Database(cfg.Mongo.MiscDatabase),
		Collections: cfg.Collections,
		Logger:      logg,
		Metrics:     m,
		Conn:        client,
		Debug:       cfg.App.Debug,
		Mock:        cfg.Mongo.Mock,
	})
	if err != nil {
		_ = client.Close(ctx)
		return nil, err
	}
	return store, nil
}
