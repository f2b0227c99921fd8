package mongodb

import (
	"errors"

	"go.mongodb.org/mongo-driver/mongo"
)

const codeNamespaceExists = 48

// IsNamespaceExists reports whether a create raced with another creator.
func IsNamespaceExists(err error) bool {
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Code == codeNamespaceExists || cmdErr.Name == "NamespaceExists"
	}
	return false
}

// WriteErrors flattens the per-document errors of a bulk or write exception.
// The returned slice is nil when err carries none.
func WriteErrors(err error) []mongo.WriteError {
	var bulkErr mongo.BulkWriteException
	if errors.As(err, &bulkErr) {
		out := make([]mongo.WriteError, 0, len(bulkErr.WriteErrors))
		for _, we := range bulkErr.WriteErrors {
			out = append(out, we.WriteError)
		}
		return out
	}
	var writeErr mongo.WriteException
	if errors.As(err, &writeErr) && len(writeErr.WriteErrors) > 0 {
		return append([]mongo.WriteError(nil), writeErr.WriteErrors...)
	}
	return nil
}
