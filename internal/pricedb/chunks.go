package pricedb

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/clevi/pricestore/pkg/mongodb"
)

const (
	defaultChunkSize = 100
	storeChunkSize   = 1000
)

// findInChunks runs one $in query per chunk of ids so no request exceeds the
// provider's size limit, decoding every match into T.
func findInChunks[T any](ctx context.Context, coll mongodb.Collection, field string, ids []string, chunkSize int, projection any) ([]T, error) {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	out := make([]T, 0, len(ids))
	for start := 0; start < len(ids); start += chunkSize {
		end := min(start+chunkSize, len(ids))
		opts := options.Find()
		if projection != nil {
			opts.SetProjection(projection)
		}
		cur, err := coll.Find(ctx, bson.D{{Key: field, Value: bson.D{{Key: "$in", Value: ids[start:end]}}}}, opts)
		if err != nil {
			return nil, err
		}
		var chunk []T
		if err := cur.All(ctx, &chunk); err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	return out, nil
}
