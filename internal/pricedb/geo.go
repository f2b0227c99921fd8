package pricedb

import (
	"context"
	"math"
	"slices"
	"sort"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/clevi/pricestore/internal/items"
	pkgerrors "github.com/clevi/pricestore/pkg/errors"
)

const (
	earthRadiusKm = 6371
	// missingDistance is assigned to stores without a geo point.
	missingDistance = 9999
)

// fastDistance approximates the great-circle distance in km with an
// equirectangular projection, rounded to two decimals.
func fastDistance(lat1, lon1, lat2, lon2 float64) float64 {
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }
	x := (rad(lon2) - rad(lon1)) * math.Cos(0.5*(rad(lat2)+rad(lat1)))
	y := rad(lat2) - rad(lat1)
	d := earthRadiusKm * math.Sqrt(x*x+y*y)
	return math.Round(d*100) / 100
}

// MarketStore is a store reachable from a postal code with its distance from
// the caller.
type MarketStore struct {
	ID       string          `json:"_id"`
	Market   string          `json:"market"`
	Name     string          `json:"name"`
	Service  items.Service   `json:"service"`
	GeoPoint *items.GeoPoint `json:"geo_point,omitempty"`
	Distance float64         `json:"distance"`
}

// Market groups the reachable stores of one market, nearest first, with the
// market's reference metadata.
type Market struct {
	Stores []MarketStore  `json:"stores"`
	Meta   map[string]any `json:"meta"`
}

type marketStoreDoc struct {
	ID       string       `bson:"_id"`
	Market   string       `bson:"market"`
	Name     string       `bson:"name"`
	Service  string       `bson:"service"`
	GeoPoint *geoPointDoc `bson:"geo_point,omitempty"`
}

// AvailableMarkets returns every market with a store listed in a location
// containing postalCode. Stores are sorted by distance from (lat, lon);
// stores without coordinates come last.
func (s *Store) AvailableMarkets(ctx context.Context, postalCode string, lat, lon float64) (map[string]Market, error) {
	cur, err := s.locs.Find(ctx,
		bson.D{{Key: "postal_codes", Value: postalCode}},
		options.Find().SetProjection(bson.D{{Key: "markets", Value: 1}}))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "finding locations")
	}
	var locations []locationDoc
	if err := cur.All(ctx, &locations); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decoding locations")
	}

	markets := map[string]Market{}
	var storeIDs []string
	for _, loc := range locations {
		for market, ids := range loc.Markets {
			if _, ok := markets[market]; !ok {
				markets[market] = Market{Stores: []MarketStore{}, Meta: map[string]any{}}
			}
			for _, id := range ids {
				if !slices.Contains(storeIDs, id) {
					storeIDs = append(storeIDs, id)
				}
			}
		}
	}
	if len(storeIDs) == 0 {
		return markets, nil
	}

	projection := bson.D{
		{Key: "_id", Value: 1},
		{Key: "market", Value: 1},
		{Key: "name", Value: 1},
		{Key: "geo_point", Value: 1},
		{Key: "service", Value: 1},
	}
	docs, err := findInChunks[marketStoreDoc](ctx, s.stores, "_id", storeIDs, storeChunkSize, projection)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "finding stores")
	}

	names := []string{}
	for _, doc := range docs {
		store := MarketStore{
			ID:       doc.ID,
			Market:   doc.Market,
			Name:     doc.Name,
			Service:  items.Service(doc.Service),
			GeoPoint: doc.GeoPoint.item(),
			Distance: missingDistance,
		}
		if doc.GeoPoint != nil {
			store.Distance = fastDistance(lat, lon, doc.GeoPoint.Lat, doc.GeoPoint.Long)
		}
		m, ok := markets[doc.Market]
		if !ok {
			m = Market{Meta: map[string]any{}}
		}
		m.Stores = append(m.Stores, store)
		markets[doc.Market] = m
		if !slices.Contains(names, doc.Market) {
			names = append(names, doc.Market)
		}
	}

	var metas []map[string]any
	if len(names) > 0 {
		if metas, err = s.Markets(ctx, names...); err != nil {
			return nil, err
		}
	}
	for _, meta := range metas {
		name, _ := meta["name_lower"].(string)
		m, ok := markets[name]
		if !ok {
			continue
		}
		m.Meta = meta
		markets[name] = m
	}

	for name, m := range markets {
		sortByDistance(m.Stores)
		markets[name] = m
	}
	return markets, nil
}

func sortByDistance(stores []MarketStore) {
	sort.SliceStable(stores, func(i, j int) bool {
		a, b := stores[i], stores[j]
		if (a.GeoPoint == nil) != (b.GeoPoint == nil) {
			return a.GeoPoint != nil
		}
		return a.Distance < b.Distance
	})
}

// Markets returns the reference documents of the markets collection, all of
// them when no names are given. Names match the name_lower field.
func (s *Store) Markets(ctx context.Context, names ...string) ([]map[string]any, error) {
	filter := bson.D{}
	if len(names) > 0 {
		filter = bson.D{{Key: "name_lower", Value: bson.D{{Key: "$in", Value: names}}}}
	}
	cur, err := s.markets.Find(ctx, filter, options.Find().SetProjection(bson.D{{Key: "_id", Value: 0}}))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "finding markets")
	}
	var out []map[string]any
	if err := cur.All(ctx, &out); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decoding markets")
	}
	return out, nil
}
