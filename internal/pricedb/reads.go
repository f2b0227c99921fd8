package pricedb

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/clevi/pricestore/internal/items"
	pkgerrors "github.com/clevi/pricestore/pkg/errors"
	"github.com/clevi/pricestore/pkg/mongodb"
)

const (
	metaProductID = "timeseries_meta.product_id"
	metaStoreID   = "timeseries_meta.store_universal_id"
)

func decodeAll[D interface{ item() (T, error) }, T any](ctx context.Context, cur *mongo.Cursor) ([]T, error) {
	var docs []D
	if err := cur.All(ctx, &docs); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decoding documents")
	}
	out := make([]T, 0, len(docs))
	for _, d := range docs {
		item, err := d.item()
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

func findAll[D interface{ item() (T, error) }, T any](ctx context.Context, coll mongodb.Collection, filter any, opts ...*options.FindOptions) ([]T, error) {
	cur, err := coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("querying %s", coll.Name()))
	}
	return decodeAll[D, T](ctx, cur)
}

// MostRecentPrices returns the snapshots of the latest scrape for the given
// products at a store: every document whose last_updated equals the newest
// one among the matches. The result is empty when nothing matches.
func (s *Store) MostRecentPrices(ctx context.Context, storeID string, productIDs []string) ([]Snapshot, error) {
	if len(productIDs) == 0 {
		return []Snapshot{}, nil
	}
	match := bson.D{
		{Key: metaStoreID, Value: storeID},
		{Key: metaProductID, Value: bson.D{{Key: "$in", Value: productIDs}}},
	}
	cur, err := s.prices.Aggregate(ctx, bson.A{
		bson.D{{Key: "$match", Value: match}},
		bson.D{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: nil},
			{Key: "last_updated", Value: bson.D{{Key: "$max", Value: "$last_updated"}}},
		}}},
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "finding latest scrape")
	}
	var latest []struct {
		LastUpdated time.Time `bson:"last_updated"`
	}
	if err := cur.All(ctx, &latest); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decoding latest scrape")
	}
	if len(latest) == 0 || latest[0].LastUpdated.IsZero() {
		s.logg.Warn(s.logg.WithFields(ctx, map[string]any{"store_id": storeID, "product_ids": len(productIDs)}), "no snapshots found")
		return []Snapshot{}, nil
	}

	filter := append(match, bson.E{Key: "last_updated", Value: latest[0].LastUpdated})
	return findAll[snapshotDoc, Snapshot](ctx, s.prices, filter)
}

// Price is the current price of a product at a store.
type Price struct {
	Price           float64   `json:"price"`
	DiscountedPrice float64   `json:"discounted_price"`
	DiscountRate    float64   `json:"discount_rate"`
	Label           string    `json:"label"`
	ProductPageURI  string    `json:"product_page_uri"`
	LastUpdated     time.Time `json:"last_updated"`
}

// Prices returns the prices recorded since the store's last_scraped
// watermark, keyed by product id. The latest snapshot wins when a product
// appears more than once. A store that was never scraped has no prices.
func (s *Store) Prices(ctx context.Context, productIDs []string, storeID string) (map[string]Price, error) {
	var store struct {
		ID          string     `bson:"_id"`
		LastScraped *time.Time `bson:"last_scraped"`
	}
	err := s.stores.FindOne(ctx,
		bson.D{{Key: "_id", Value: storeID}},
		options.FindOne().SetProjection(bson.D{{Key: "_id", Value: 1}, {Key: "last_scraped", Value: 1}}),
	).Decode(&store)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, pkgerrors.Newf(pkgerrors.CodeNotFound, "store %s not found", storeID)
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "finding store")
	}

	out := map[string]Price{}
	if store.LastScraped == nil || len(productIDs) == 0 {
		return out, nil
	}

	snapshots, err := findAll[snapshotDoc, Snapshot](ctx, s.prices,
		bson.D{
			{Key: metaProductID, Value: bson.D{{Key: "$in", Value: productIDs}}},
			{Key: metaStoreID, Value: store.ID},
			{Key: "last_updated", Value: bson.D{{Key: "$gte", Value: *store.LastScraped}}},
		},
		options.Find().SetSort(bson.D{{Key: "last_updated", Value: 1}}))
	if err != nil {
		return nil, err
	}
	for _, snap := range snapshots {
		out[snap.ProductID] = Price{
			Price:           snap.Price,
			DiscountedPrice: snap.DiscountedPrice,
			DiscountRate:    snap.DiscountRate,
			Label:           snap.Label,
			ProductPageURI:  snap.ProductPageURI,
			LastUpdated:     snap.LastUpdated,
		}
	}
	return out, nil
}

// ScrapedProduct summarizes the snapshots of one product.
type ScrapedProduct struct {
	ProductID        string         `bson:"_id" json:"product_id"`
	LastUpdated      time.Time      `bson:"last_updated" json:"last_updated"`
	ScrapeParameters map[string]any `bson:"scrape_parameters" json:"scrape_parameters"`
}

func (s *Store) scrapedProducts(ctx context.Context, match bson.D) ([]ScrapedProduct, error) {
	cur, err := s.prices.Aggregate(ctx, bson.A{
		bson.D{{Key: "$match", Value: match}},
		bson.D{{Key: "$sort", Value: bson.D{{Key: "last_updated", Value: -1}}}},
		bson.D{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$" + metaProductID},
			{Key: "last_updated", Value: bson.D{{Key: "$max", Value: "$last_updated"}}},
			{Key: "scrape_parameters", Value: bson.D{{Key: "$first", Value: "$scrape_parameters"}}},
		}}},
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "grouping snapshots by product")
	}
	var out []ScrapedProduct
	if err := cur.All(ctx, &out); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decoding grouped snapshots")
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

// ProductsDataByStore lists every product scraped at a store with its latest
// scrape time and scrape parameters.
func (s *Store) ProductsDataByStore(ctx context.Context, storeID string) ([]ScrapedProduct, error) {
	return s.scrapedProducts(ctx, bson.D{{Key: metaStoreID, Value: storeID}})
}

// ProductsPendingDeepScrape returns the products of market seen in snapshots
// since the given time that the catalog does not know yet, with the scrape
// parameters of their most recent snapshot.
func (s *Store) ProductsPendingDeepScrape(ctx context.Context, market string, since time.Time) ([]ScrapedProduct, error) {
	ctx = s.logg.WithMarket(ctx, market)
	seen, err := s.scrapedProducts(ctx, bson.D{
		{Key: "market", Value: market},
		{Key: "last_updated", Value: bson.D{{Key: "$gte", Value: since}}},
	})
	if err != nil {
		return nil, err
	}

	catalog, err := s.products.Distinct(ctx, "_id", bson.D{{Key: "market", Value: market}})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "listing catalog ids")
	}
	known := make(map[string]struct{}, len(catalog))
	for _, id := range catalog {
		if sid, ok := id.(string); ok {
			known[sid] = struct{}{}
		}
	}

	pending := make([]ScrapedProduct, 0)
	for _, p := range seen {
		if _, ok := known[p.ProductID]; !ok {
			pending = append(pending, p)
		}
	}
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{"scraped": len(seen), "pending": len(pending)}), "deep scrape backlog computed")
	return pending, nil
}

// RetentionCutoff is the start of the UTC day retainDays before now.
// Negative values count as zero.
func RetentionCutoff(now time.Time, retainDays int) time.Time {
	day := now.UTC().AddDate(0, 0, -max(retainDays, 0))
	return time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
}

// Cutoff is RetentionCutoff on the store clock.
func (s *Store) Cutoff(retainDays int) time.Time {
	return RetentionCutoff(s.now(), retainDays)
}

// PurgeOldSnapshots deletes snapshots at or before the cutoff of retainDays,
// keeping every snapshot of a protected product. It returns the number of
// deleted documents.
func (s *Store) PurgeOldSnapshots(ctx context.Context, retainDays int, protectedIDs []string) (int64, error) {
	return s.PurgeSnapshotsBefore(ctx, s.Cutoff(retainDays), protectedIDs)
}

// PurgeSnapshotsBefore deletes snapshots last updated at or before cutoff
// outside the protected products. Runs that archive first pass the cutoff
// they archived with.
func (s *Store) PurgeSnapshotsBefore(ctx context.Context, cutoff time.Time, protectedIDs []string) (int64, error) {
	if protectedIDs == nil {
		protectedIDs = []string{}
	}
	res, err := s.prices.DeleteMany(ctx, bson.D{
		{Key: metaProductID, Value: bson.D{{Key: "$nin", Value: protectedIDs}}},
		{Key: "last_updated", Value: bson.D{{Key: "$lte", Value: cutoff}}},
	})
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "purging snapshots")
	}
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"cutoff":    cutoff,
		"deleted":   res.DeletedCount,
		"protected": len(protectedIDs),
	}), "old snapshots purged")
	return res.DeletedCount, nil
}

// ProductIDsToDump lists the products that have snapshots at or before
// cutoff.
func (s *Store) ProductIDsToDump(ctx context.Context, cutoff time.Time) ([]string, error) {
	raw, err := s.prices.Distinct(ctx, metaProductID, bson.D{
		{Key: "last_updated", Value: bson.D{{Key: "$lte", Value: cutoff}}},
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "listing products to dump")
	}
	ids := make([]string, 0, len(raw))
	for _, v := range raw {
		if id, ok := v.(string); ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// SnapshotsToDump returns the snapshots of one product that
// PurgeSnapshotsBefore would delete with the same cutoff, oldest first.
func (s *Store) SnapshotsToDump(ctx context.Context, cutoff time.Time, productID string) ([]Snapshot, error) {
	return findAll[snapshotDoc, Snapshot](ctx, s.prices,
		bson.D{
			{Key: metaProductID, Value: productID},
			{Key: "last_updated", Value: bson.D{{Key: "$lte", Value: cutoff}}},
		},
		options.Find().SetSort(bson.D{{Key: "last_updated", Value: 1}}))
}

// MarketProducts returns the catalog of one market.
func (s *Store) MarketProducts(ctx context.Context, market string) ([]Product, error) {
	return findAll[productDoc, Product](ctx, s.products, bson.D{{Key: "market", Value: market}})
}

// MarketStores returns every store of one market.
func (s *Store) MarketStores(ctx context.Context, market string) ([]StoreRecord, error) {
	return findAll[storeDoc, StoreRecord](ctx, s.stores, bson.D{{Key: "market", Value: market}})
}

// StoreProductIDs lists the ids of the products with snapshots at a store.
func (s *Store) StoreProductIDs(ctx context.Context, storeID string) ([]string, error) {
	raw, err := s.prices.Distinct(ctx, metaProductID, bson.D{{Key: metaStoreID, Value: storeID}})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "listing store products")
	}
	ids := make([]string, 0, len(raw))
	for _, v := range raw {
		if id, ok := v.(string); ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// ProductsByIDs fetches catalog entries in chunks of 100 ids.
func (s *Store) ProductsByIDs(ctx context.Context, ids []string) ([]Product, error) {
	docs, err := findInChunks[productDoc](ctx, s.products, "_id", ids, defaultChunkSize, nil)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "finding products")
	}
	out := make([]Product, 0, len(docs))
	for _, d := range docs {
		p, err := d.item()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Locations returns every location document.
func (s *Store) Locations(ctx context.Context) ([]items.LocationItem, error) {
	return findAll[locationDoc, items.LocationItem](ctx, s.locs, bson.D{})
}

// Snapshots returns every snapshot recorded at or after since.
func (s *Store) Snapshots(ctx context.Context, since time.Time) ([]Snapshot, error) {
	return findAll[snapshotDoc, Snapshot](ctx, s.prices,
		bson.D{{Key: "last_updated", Value: bson.D{{Key: "$gte", Value: since}}}})
}

// PostalCodes returns postal code reference records, all of them when no
// codes are given.
func (s *Store) PostalCodes(ctx context.Context, codes ...string) ([]items.PostalCode, error) {
	filter := bson.D{}
	if len(codes) > 0 {
		filter = bson.D{{Key: "postal_code", Value: bson.D{{Key: "$in", Value: codes}}}}
	}
	return findAll[postalCodeDoc, items.PostalCode](ctx, s.postal, filter)
}

// Stores returns every stored store.
func (s *Store) Stores(ctx context.Context) ([]StoreRecord, error) {
	return findAll[storeDoc, StoreRecord](ctx, s.stores, bson.D{})
}

// Products returns the whole catalog.
func (s *Store) Products(ctx context.Context) ([]Product, error) {
	return findAll[productDoc, Product](ctx, s.products, bson.D{})
}
