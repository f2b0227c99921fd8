package mongodb

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/clevi/pricestore/pkg/config"
	"github.com/clevi/pricestore/pkg/logger"
)

// Collection is the subset of *mongo.Collection the adapters rely on.
type Collection interface {
	Name() string
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) *mongo.SingleResult
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (*mongo.Cursor, error)
	Aggregate(ctx context.Context, pipeline any, opts ...*options.AggregateOptions) (*mongo.Cursor, error)
	Distinct(ctx context.Context, field string, filter any, opts ...*options.DistinctOptions) ([]any, error)
	InsertMany(ctx context.Context, docs []any, opts ...*options.InsertManyOptions) (*mongo.InsertManyResult, error)
	UpdateOne(ctx context.Context, filter, update any, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
	BulkWrite(ctx context.Context, models []mongo.WriteModel, opts ...*options.BulkWriteOptions) (*mongo.BulkWriteResult, error)
	DeleteMany(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error)
	CreateIndexes(ctx context.Context, models []mongo.IndexModel) ([]string, error)
}

// Database is the handle shared by every adapter operation.
type Database interface {
	Name() string
	Collection(name string) Collection
	HasCollection(ctx context.Context, name string) (bool, error)
	CreateCollection(ctx context.Context, name string, opts ...*options.CreateCollectionOptions) error
	RunCommand(ctx context.Context, cmd any) *mongo.SingleResult
}

// Client wraps the shared driver connection.
type Client struct {
	raw *mongo.Client
}

// New connects to the configured deployment and verifies the primary is reachable.
func New(ctx context.Context, cfg config.MongoConfig, logg *logger.Logger) (*Client, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongo uri is required")
	}

	opts := options.Client().ApplyURI(cfg.URI)
	if cfg.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(cfg.MaxPoolSize)
	}
	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout)
	}
	if cfg.ServerSelectionTimeout > 0 {
		opts.SetServerSelectionTimeout(cfg.ServerSelectionTimeout)
	}

	raw, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connecting to mongo: %w", err)
	}

	if err := raw.Ping(ctx, readpref.Primary()); err != nil {
		_ = raw.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	if logg != nil {
		logg.Info(logg.WithField(ctx, "database", cfg.Database), "mongo connection established")
	}

	return &Client{raw: raw}, nil
}

// Database returns a handle on the named database.
func (c *Client) Database(name string) Database {
	return &database{db: c.raw.Database(name)}
}

// Ping verifies the primary is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.raw.Ping(ctx, readpref.Primary())
}

// Close disconnects the pooled connections.
func (c *Client) Close(ctx context.Context) error {
	return c.raw.Disconnect(ctx)
}

type database struct {
	db *mongo.Database
}

func (d *database) Name() string {
	return d.db.Name()
}

func (d *database) Collection(name string) Collection {
	return &collection{Collection: d.db.Collection(name)}
}

func (d *database) HasCollection(ctx context.Context, name string) (bool, error) {
	names, err := d.db.ListCollectionNames(ctx, bson.D{{Key: "name", Value: name}})
	if err != nil {
		return false, fmt.Errorf("listing collections: %w", err)
	}
	return len(names) > 0, nil
}

func (d *database) CreateCollection(ctx context.Context, name string, opts ...*options.CreateCollectionOptions) error {
	return d.db.CreateCollection(ctx, name, opts...)
}

func (d *database) RunCommand(ctx context.Context, cmd any) *mongo.SingleResult {
	return d.db.RunCommand(ctx, cmd)
}

type collection struct {
	*mongo.Collection
}

func (c *collection) CreateIndexes(ctx context.Context, models []mongo.IndexModel) ([]string, error) {
	return c.Indexes().CreateMany(ctx, models)
}
