//go:build integration

package pricedb

import (
	"context"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/clevi/pricestore/internal/items"
	"github.com/clevi/pricestore/pkg/config"
	pkgerrors "github.com/clevi/pricestore/pkg/errors"
	"github.com/clevi/pricestore/pkg/logger"
	"github.com/clevi/pricestore/pkg/metrics"
	"github.com/clevi/pricestore/pkg/mongodb"
)

const mongoImage = "mongo:7.0"

// mongoURI points at the shared container; empty when integration tests
// are disabled or Docker is unavailable.
var mongoURI string

func TestMain(m *testing.M) {
	if os.Getenv("INTEGRATION_TESTS") == "" {
		os.Exit(m.Run())
	}
	ctx := context.Background()
	container, uri, err := startMongo(ctx)
	if err != nil {
		log.Printf("mongo container unavailable, skipping integration tests: %v", err)
		os.Exit(m.Run())
	}
	mongoURI = uri
	code := m.Run()
	if err := container.Terminate(ctx); err != nil {
		log.Printf("terminating mongo container: %v", err)
	}
	os.Exit(code)
}

func startMongo(ctx context.Context) (testcontainers.Container, string, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        mongoImage,
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForListeningPort("27017/tcp").WithStartupTimeout(2 * time.Minute),
		},
		Started: true,
	})
	if err != nil {
		return nil, "", fmt.Errorf("starting %s: %w", mongoImage, err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		container.Terminate(ctx)
		return nil, "", fmt.Errorf("container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "27017/tcp")
	if err != nil {
		container.Terminate(ctx)
		return nil, "", fmt.Errorf("mapped port: %w", err)
	}
	return container, fmt.Sprintf("mongodb://%s:%s/?directConnection=true", host, port.Port()), nil
}

type mongoFixture struct {
	store *Store
	db    mongodb.Database
	misc  mongodb.Database
	clock *clock
}

// newMongoFixture binds a Store to fresh databases on the shared server.
func newMongoFixture(t *testing.T) *mongoFixture {
	t.Helper()
	if mongoURI == "" {
		t.Skip("set INTEGRATION_TESTS=1 with Docker available to run against MongoDB")
	}
	ctx := context.Background()
	suffix := uuid.NewString()[:8]
	cfg := config.MongoConfig{
		URI:                    mongoURI,
		Database:               "prices_" + suffix,
		MiscDatabase:           "misc_" + suffix,
		ConnectTimeout:         10 * time.Second,
		ServerSelectionTimeout: 10 * time.Second,
	}
	client, err := mongodb.New(ctx, cfg, logger.Nop())
	require.NoError(t, err)

	clk := &clock{now: time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)}
	f := &mongoFixture{
		db:    client.Database(cfg.Database),
		misc:  client.Database(cfg.MiscDatabase),
		clock: clk,
	}
	f.store, err = New(Params{
		DB:          f.db,
		MiscDB:      f.misc,
		Collections: testCollections,
		Logger:      logger.Nop(),
		Metrics:     metrics.NewStoreMetrics(prometheus.NewRegistry()),
		Conn:        client,
		Now:         clk.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		for _, db := range []mongodb.Database{f.db, f.misc} {
			_ = db.RunCommand(ctx, bson.D{{Key: "dropDatabase", Value: 1}}).Err()
		}
		_ = f.store.Close(ctx)
	})
	return f
}

func TestMongoConfigureIndexesCreatesTimeSeries(t *testing.T) {
	ctx := context.Background()
	f := newMongoFixture(t)

	require.NoError(t, f.store.ConfigureIndexes(ctx))
	require.NoError(t, f.store.ConfigureIndexes(ctx))

	var listed struct {
		Cursor struct {
			FirstBatch []bson.M `bson:"firstBatch"`
		} `bson:"cursor"`
	}
	err := f.db.RunCommand(ctx, bson.D{
		{Key: "listCollections", Value: 1},
		{Key: "filter", Value: bson.D{{Key: "name", Value: testCollections.ProductStoreData}}},
	}).Decode(&listed)
	require.NoError(t, err)
	require.Len(t, listed.Cursor.FirstBatch, 1)
	assert.Equal(t, "timeseries", listed.Cursor.FirstBatch[0]["type"])
}

func TestMongoRejectedDuplicateStaysOutOfLocation(t *testing.T) {
	ctx := context.Background()
	f := newMongoFixture(t)
	validator := bson.D{{Key: "services.1", Value: bson.D{{Key: "$exists", Value: false}}}}
	require.NoError(t, f.db.CreateCollection(ctx, testCollections.Stores, options.CreateCollection().SetValidator(validator)))

	first := testStore("7", "lidl", items.ServicePickup, 45, 9)
	first.ID = "X"
	second := first
	second.Service = items.ServiceDelivery
	other := testStore("8", "lidl", items.ServicePickup, 45, 9)

	summary, err := f.store.UpsertStoreItems(ctx, []items.StoreItem{first, other, second}, items.LocationItem{PostalCodes: []string{"20121"}})
	require.Error(t, err)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodePartialBatch))
	failures := pkgerrors.DocumentErrors(err)
	require.Len(t, failures, 1)
	assert.Equal(t, "X", failures[0].ID)
	assert.Equal(t, 121, failures[0].Code)
	assert.Equal(t, WriteSummary{Total: 2, Succeeded: 1, Failed: 1, Upserted: 1}, summary)

	stores, err := f.store.MarketStores(ctx, "lidl")
	require.NoError(t, err)
	require.Len(t, stores, 1)
	assert.Equal(t, "8_lidl_pickup", stores[0].ID)

	locs, err := f.store.Locations(ctx)
	require.NoError(t, err)
	require.Len(t, locs, 1)
	assert.Equal(t, []string{"8_lidl_pickup"}, locs[0].Markets["lidl"])
}

func TestMongoUpsertStoreItemsClearsRemovedOptionalFields(t *testing.T) {
	ctx := context.Background()
	f := newMongoFixture(t)
	loc := items.LocationItem{PostalCodes: []string{"20121"}}

	item := testStore("7", "lidl", items.ServicePickup, 45, 9)
	item.Meta = map[string]any{"opening": "08:00"}
	_, err := f.store.UpsertStoreItems(ctx, []items.StoreItem{item}, loc)
	require.NoError(t, err)

	item.GeoPoint = nil
	item.Meta = nil
	_, err = f.store.UpsertStoreItems(ctx, []items.StoreItem{item}, loc)
	require.NoError(t, err)

	stores, err := f.store.MarketStores(ctx, "lidl")
	require.NoError(t, err)
	require.Len(t, stores, 1)
	assert.Nil(t, stores[0].GeoPoint)
	assert.Empty(t, stores[0].Meta)
}

func TestMongoSnapshotLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newMongoFixture(t)
	require.NoError(t, f.store.ConfigureIndexes(ctx))

	for _, price := range []float64{1, 2, 3} {
		_, err := f.store.InsertTemporalProductStoreData(ctx, []items.ProductStoreDataItem{
			{Code: "P1", Market: "m", Price: price, ProductID: "m_P1"},
			{Code: "P2", Market: "m", Price: price * 10, ProductID: "m_P2"},
		}, "S1")
		require.NoError(t, err)
		f.clock.Advance(24 * time.Hour)
	}

	latest, err := f.store.MostRecentPrices(ctx, "S1", []string{"m_P1", "m_P2"})
	require.NoError(t, err)
	require.Len(t, latest, 2)
	for _, s := range latest {
		assert.Equal(t, time.Date(2024, 5, 12, 12, 0, 0, 0, time.UTC), s.LastUpdated.UTC())
	}

	// now 2024-05-13 12:00: one day keeps the snapshots of 05-12 only
	cutoff := f.store.Cutoff(1)
	toDump, err := f.store.ProductIDsToDump(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, []string{"m_P1", "m_P2"}, toDump)
	dump, err := f.store.SnapshotsToDump(ctx, cutoff, "m_P1")
	require.NoError(t, err)
	require.Len(t, dump, 2)
	assert.Equal(t, 1.0, dump[0].Price)

	deleted, err := f.store.PurgeSnapshotsBefore(ctx, cutoff, []string{"m_P2"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	left, err := f.store.Snapshots(ctx, time.Time{})
	require.NoError(t, err)
	assert.Len(t, left, 4)
}

func TestMongoAvailableMarketsSortsByDistance(t *testing.T) {
	ctx := context.Background()
	f := newMongoFixture(t)
	location := items.LocationItem{PostalCodes: []string{"20121", "20122"}}

	far := testStore("far", "lidl", items.ServicePickup, 45.60, 9.30)
	near := testStore("near", "lidl", items.ServicePickup, 45.465, 9.19)
	_, err := f.store.UpsertStoreItems(ctx, []items.StoreItem{far, near}, location)
	require.NoError(t, err)
	_, err = f.misc.Collection(testCollections.Markets).InsertMany(ctx, []any{
		bson.M{"name": "Lidl", "name_lower": "lidl", "logo": "lidl.png"},
	})
	require.NoError(t, err)

	markets, err := f.store.AvailableMarkets(ctx, "20122", 45.4642, 9.19)
	require.NoError(t, err)
	require.Len(t, markets, 1)
	lidl := markets["lidl"]
	require.Len(t, lidl.Stores, 2)
	assert.Equal(t, "near_lidl_pickup", lidl.Stores[0].ID)
	assert.Equal(t, "far_lidl_pickup", lidl.Stores[1].ID)
	assert.Equal(t, "lidl.png", lidl.Meta["logo"])
}
