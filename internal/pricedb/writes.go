package pricedb

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/clevi/pricestore/internal/items"
	pkgerrors "github.com/clevi/pricestore/pkg/errors"
)

func unordered() *options.BulkWriteOptions {
	return options.BulkWrite().SetOrdered(false)
}

// UpsertStoreItems upserts one market's stores and merges the ids that were
// written into the location's market list. Items sharing an id become one
// write: the first item's fields plus the services of all of them. When some
// documents fail, the rest stay committed and a PARTIAL_BATCH_FAILURE error
// lists the failures; failed ids are left out of the location.
func (s *Store) UpsertStoreItems(ctx context.Context, stores []items.StoreItem, location items.LocationItem) (WriteSummary, error) {
	if len(stores) == 0 {
		return WriteSummary{}, nil
	}
	market, err := items.SharedMarket(stores)
	if err != nil {
		return WriteSummary{}, err
	}
	if err := items.ValidateBatch(stores); err != nil {
		return WriteSummary{}, err
	}
	if err := items.Validate(location); err != nil {
		return WriteSummary{}, err
	}

	ctx = s.logg.WithMarket(ctx, market)
	s.provision(ctx, s.names.Locations, s.names.Stores)

	now := s.timestamp()
	batch := groupStores(stores)
	models := make([]mongo.WriteModel, 0, len(batch))
	ids := make([]string, 0, len(batch))
	for _, g := range batch {
		set, unset := storeFields(g.item, now)
		update := bson.D{
			{Key: "$set", Value: set},
			{Key: "$addToSet", Value: bson.D{{Key: "services", Value: bson.D{{Key: "$each", Value: g.services}}}}},
		}
		if len(unset) > 0 {
			update = append(update, bson.E{Key: "$unset", Value: unset})
		}
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.D{{Key: "_id", Value: g.item.ID}}).
			SetUpdate(update).
			SetUpsert(true))
		ids = append(ids, g.item.ID)
	}

	started := time.Now()
	res, err := s.stores.BulkWrite(ctx, models, unordered())
	summary := WriteSummary{Total: len(models)}
	if res != nil {
		summary.Upserted = res.UpsertedCount
		summary.Modified = res.ModifiedCount
	}
	var partial error
	failed := map[string]bool{}
	if err != nil {
		failures, batchErr := batchError(s.names.Stores, ids, err)
		if !pkgerrors.Is(batchErr, pkgerrors.CodePartialBatch) {
			s.logg.Error(ctx, "store upsert failed", batchErr)
			return summary, batchErr
		}
		for i, f := range failures {
			failed[f.ID] = true
			if f.Index >= 0 && f.Index < len(batch) {
				failures[i].Index = batch[f.Index].position
			}
		}
		summary.Failed = len(failures)
		partial = pkgerrors.PartialBatch(s.names.Stores, len(models), failures)
	}
	summary.Succeeded = summary.Total - summary.Failed
	s.metrics.ObserveWrite(s.names.Stores, "upsert", summary.Succeeded, summary.Failed, time.Since(started))

	written := make([]string, 0, len(ids))
	for _, id := range ids {
		if !failed[id] {
			written = append(written, id)
		}
	}
	if len(written) > 0 {
		if err := s.mergeLocation(ctx, location, market, written, now); err != nil {
			return summary, err
		}
	}

	if partial != nil {
		s.logg.Warn(s.logg.WithField(ctx, "failed", summary.Failed), "store upsert partially failed")
	}
	s.logRequestStats(ctx, "upsert_store_items")
	return summary, partial
}

// storeWrite is one store document of a batch: the first item seen for an
// id, its position in the input and every service requested for it.
type storeWrite struct {
	item     items.StoreItem
	position int
	services bson.A
}

func groupStores(stores []items.StoreItem) []storeWrite {
	out := make([]storeWrite, 0, len(stores))
	index := map[string]int{}
	for pos, item := range stores {
		item.EnsureID()
		i, ok := index[item.ID]
		if !ok {
			index[item.ID] = len(out)
			out = append(out, storeWrite{item: item, position: pos, services: bson.A{string(item.Service)}})
			continue
		}
		if !slices.Contains(out[i].services, any(string(item.Service))) {
			out[i].services = append(out[i].services, string(item.Service))
		}
	}
	return out
}

func (s *Store) mergeLocation(ctx context.Context, location items.LocationItem, market string, storeIDs []string, now time.Time) error {
	codes := location.SortedPostalCodes()
	update := bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "schema_version", Value: schemaVersion},
			{Key: "postal_codes", Value: codes},
			{Key: "last_updated", Value: now},
		}},
		{Key: "$addToSet", Value: bson.D{
			{Key: "markets." + market, Value: bson.D{{Key: "$each", Value: storeIDs}}},
		}},
	}
	_, err := s.locs.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: items.LocationIDFromPostalCodes(codes)}},
		update,
		options.Update().SetUpsert(true))
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("merging stores into location %v", codes))
	}
	return nil
}

// UpsertProductItems replaces each product document by id, stamping all of
// them with one last_updated.
func (s *Store) UpsertProductItems(ctx context.Context, products []items.ProductItem) (WriteSummary, error) {
	if len(products) == 0 {
		return WriteSummary{}, nil
	}
	if err := items.ValidateBatch(products); err != nil {
		return WriteSummary{}, err
	}
	s.provision(ctx, s.names.Products)

	now := s.timestamp()
	models := make([]mongo.WriteModel, 0, len(products))
	ids := make([]string, 0, len(products))
	for _, p := range products {
		p.EnsureID()
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.D{{Key: "_id", Value: p.ID}}).
			SetReplacement(productToDoc(p, now)).
			SetUpsert(true))
		ids = append(ids, p.ID)
	}

	started := time.Now()
	res, err := s.products.BulkWrite(ctx, models, unordered())
	summary := WriteSummary{Total: len(models)}
	if res != nil {
		summary.Upserted = res.UpsertedCount
		summary.Modified = res.ModifiedCount
	}
	var partial error
	if err != nil {
		failures, batchErr := batchError(s.names.Products, ids, err)
		if !pkgerrors.Is(batchErr, pkgerrors.CodePartialBatch) {
			s.logg.Error(ctx, "product upsert failed", batchErr)
			return summary, batchErr
		}
		summary.Failed = len(failures)
		partial = batchErr
		s.logg.Warn(s.logg.WithField(ctx, "failed", summary.Failed), "product upsert partially failed")
	}
	summary.Succeeded = summary.Total - summary.Failed
	s.metrics.ObserveWrite(s.names.Products, "upsert", summary.Succeeded, summary.Failed, time.Since(started))
	s.logRequestStats(ctx, "upsert_product_items")
	return summary, partial
}

// InsertTemporalProductStoreData appends one scrape of a store. Every
// snapshot gets the same last_updated, which then becomes the store's
// last_scraped watermark.
func (s *Store) InsertTemporalProductStoreData(ctx context.Context, snapshots []items.ProductStoreDataItem, storeUniversalID string) (WriteSummary, error) {
	if storeUniversalID == "" {
		return WriteSummary{}, pkgerrors.New(pkgerrors.CodeValidation, "store universal id is required")
	}
	if len(snapshots) == 0 {
		return WriteSummary{}, nil
	}
	if err := items.ValidateBatch(snapshots); err != nil {
		return WriteSummary{}, err
	}

	ctx = s.logg.WithStoreID(ctx, storeUniversalID)
	now := s.timestamp()
	docs := make([]any, 0, len(snapshots))
	ids := make([]string, 0, len(snapshots))
	for i, snap := range snapshots {
		snap.EnsureProductID()
		if snap.StoreUniversalID == "" {
			snap.StoreUniversalID = storeUniversalID
		}
		if snap.StoreUniversalID != storeUniversalID {
			return WriteSummary{}, pkgerrors.New(pkgerrors.CodeValidation, "snapshot belongs to another store").
				WithDetails(map[string]string{fmt.Sprintf("[%d].store_universal_id", i): snap.StoreUniversalID})
		}
		docs = append(docs, snapshotToDoc(snap, now))
		ids = append(ids, snap.ProductID)
	}

	s.provision(ctx, s.names.ProductStoreData)

	started := time.Now()
	_, err := s.prices.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	summary := WriteSummary{Total: len(docs)}
	var partial error
	if err != nil {
		failures, batchErr := batchError(s.names.ProductStoreData, ids, err)
		if !pkgerrors.Is(batchErr, pkgerrors.CodePartialBatch) {
			s.logg.Error(ctx, "snapshot insert failed", batchErr)
			return summary, batchErr
		}
		summary.Failed = len(failures)
		partial = batchErr
		s.logg.Warn(s.logg.WithField(ctx, "failed", summary.Failed), "snapshot insert partially failed")
	}
	summary.Succeeded = summary.Total - summary.Failed
	s.metrics.ObserveWrite(s.names.ProductStoreData, "insert", summary.Succeeded, summary.Failed, time.Since(started))

	if summary.Succeeded > 0 {
		res, err := s.stores.UpdateOne(ctx,
			bson.D{{Key: "_id", Value: storeUniversalID}},
			bson.D{{Key: "$set", Value: bson.D{{Key: "last_scraped", Value: now}}}})
		if err != nil {
			return summary, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "updating store last_scraped")
		}
		if res.MatchedCount == 0 {
			s.logg.Warn(ctx, "snapshots inserted for a store that does not exist")
		}
	}

	s.logRequestStats(ctx, "insert_temporal_product_store_data")
	return summary, partial
}

// InsertPostalCodes loads postal code reference records into the misc
// database.
func (s *Store) InsertPostalCodes(ctx context.Context, records []items.PostalCode) (WriteSummary, error) {
	if len(records) == 0 {
		return WriteSummary{}, nil
	}
	if err := items.ValidateBatch(records); err != nil {
		return WriteSummary{}, err
	}

	ctx = s.logg.WithCollection(ctx, s.names.PostalCodes)
	if _, err := s.postal.CreateIndexes(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "postal_code", Value: 1}}},
	}); err != nil {
		s.logg.Error(ctx, "postal code index provisioning failed", err)
	}

	docs := make([]any, 0, len(records))
	ids := make([]string, 0, len(records))
	for _, r := range records {
		docs = append(docs, postalCodeToDoc(r))
		ids = append(ids, r.PostalCode)
	}

	started := time.Now()
	_, err := s.postal.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	summary := WriteSummary{Total: len(docs)}
	var partial error
	if err != nil {
		failures, batchErr := batchError(s.names.PostalCodes, ids, err)
		if !pkgerrors.Is(batchErr, pkgerrors.CodePartialBatch) {
			return summary, batchErr
		}
		summary.Failed = len(failures)
		partial = batchErr
	}
	summary.Succeeded = summary.Total - summary.Failed
	s.metrics.ObserveWrite(s.names.PostalCodes, "insert", summary.Succeeded, summary.Failed, time.Since(started))
	s.logg.Info(s.logg.WithField(ctx, "inserted", summary.Succeeded), "postal codes loaded")
	return summary, partial
}
