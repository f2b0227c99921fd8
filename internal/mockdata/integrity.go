package mockdata

import (
	"context"
	"slices"
	"time"

	"go.uber.org/multierr"

	"github.com/clevi/pricestore/internal/items"
	"github.com/clevi/pricestore/internal/pricedb"
	pkgerrors "github.com/clevi/pricestore/pkg/errors"
)

// Reader is the part of the document store an integrity check reads.
type Reader interface {
	Locations(ctx context.Context) ([]items.LocationItem, error)
	Stores(ctx context.Context) ([]pricedb.StoreRecord, error)
	Products(ctx context.Context) ([]pricedb.Product, error)
	Snapshots(ctx context.Context, since time.Time) ([]pricedb.Snapshot, error)
}

func violation(format string, args ...any) error {
	return pkgerrors.Newf(pkgerrors.CodeCorruptData, format, args...)
}

// CheckIntegrity reads every collection and returns one CORRUPT_DATA error per
// broken cross-collection invariant, combined with multierr. A nil result
// means the data set is consistent. Read failures are returned as is.
func CheckIntegrity(ctx context.Context, r Reader) error {
	locations, err := r.Locations(ctx)
	if err != nil {
		return err
	}
	stores, err := r.Stores(ctx)
	if err != nil {
		return err
	}
	products, err := r.Products(ctx)
	if err != nil {
		return err
	}
	snapshots, err := r.Snapshots(ctx, time.Time{})
	if err != nil {
		return err
	}

	var errs error

	storeMarkets := make(map[string]string, len(stores))
	for _, s := range stores {
		if _, dup := storeMarkets[s.ID]; dup {
			errs = multierr.Append(errs, violation("store %s is stored more than once", s.ID))
		}
		storeMarkets[s.ID] = s.Market
	}
	productIDs := make(map[string]bool, len(products))
	for _, p := range products {
		if productIDs[p.ID] {
			errs = multierr.Append(errs, violation("product %s is stored more than once", p.ID))
		}
		productIDs[p.ID] = true
	}

	listed := map[string]bool{}
	for _, loc := range locations {
		id := loc.ID()
		for _, market := range sortedKeys(loc.Markets) {
			var seen []string
			for _, storeID := range loc.Markets[market] {
				if slices.Contains(seen, storeID) {
					errs = multierr.Append(errs, violation("location %s lists store %s twice in %s", id, storeID, market))
					continue
				}
				seen = append(seen, storeID)
				listed[storeID] = true
				got, ok := storeMarkets[storeID]
				switch {
				case !ok:
					errs = multierr.Append(errs, violation("location %s lists missing store %s", id, storeID))
				case got != market:
					errs = multierr.Append(errs, violation("location %s lists store %s of %s under %s", id, storeID, got, market))
				}
			}
		}
	}
	for _, s := range stores {
		if !listed[s.ID] {
			errs = multierr.Append(errs, violation("store %s is not listed in any location", s.ID))
		}
	}

	for _, snap := range snapshots {
		if !productIDs[snap.ProductID] {
			errs = multierr.Append(errs, violation("snapshot of %s at %s references a missing product", snap.ProductID, snap.StoreUniversalID))
		}
		if _, ok := storeMarkets[snap.StoreUniversalID]; !ok {
			errs = multierr.Append(errs, violation("snapshot of %s references missing store %s", snap.ProductID, snap.StoreUniversalID))
		}
	}
	return errs
}

// Load writes a fixture through the store in the order the pipeline does:
// postal codes, stores with their location, then snapshots per store, then
// the catalog.
func Load(ctx context.Context, store *pricedb.Store, f Fixture) error {
	if len(f.PostalCodes) > 0 {
		if _, err := store.InsertPostalCodes(ctx, f.PostalCodes); err != nil {
			return err
		}
	}
	if _, err := store.UpsertStoreItems(ctx, f.Stores, f.Location); err != nil {
		return err
	}
	byStore := map[string][]items.ProductStoreDataItem{}
	var order []string
	for _, snap := range f.Snapshots {
		if _, ok := byStore[snap.StoreUniversalID]; !ok {
			order = append(order, snap.StoreUniversalID)
		}
		byStore[snap.StoreUniversalID] = append(byStore[snap.StoreUniversalID], snap)
	}
	for _, id := range order {
		if _, err := store.InsertTemporalProductStoreData(ctx, byStore[id], id); err != nil {
			return err
		}
	}
	_, err := store.UpsertProductItems(ctx, f.Products)
	return err
}
