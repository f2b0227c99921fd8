package errors

import "fmt"

// DocumentError describes one failed document of an unordered bulk write.
type DocumentError struct {
	Index   int    `json:"index"`
	ID      string `json:"id,omitempty"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// PartialBatch builds the error returned when part of an unordered batch was
// rejected. The successful subset is already committed when this is returned.
func PartialBatch(collection string, total int, failures []DocumentError) *Error {
	msg := fmt.Sprintf("%d of %d documents failed in %s", len(failures), total, collection)
	return New(CodePartialBatch, msg).WithDetails(failures)
}

// DocumentErrors returns the per-document failures attached to a partial batch
// error, or nil when err is not one.
func DocumentErrors(err error) []DocumentError {
	typed := As(err)
	if typed == nil || typed.Code() != CodePartialBatch {
		return nil
	}
	failures, _ := typed.Details().([]DocumentError)
	return failures
}
