package errors

import (
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"
)

type ErrorDump struct {
	TopMessage string `json:"top_message"`
	Code       Code   `json:"code,omitempty"`

	Chain []string `json:"chain,omitempty"`

	MongoCodes   []int    `json:"mongo_codes,omitempty"`
	MongoLabels  []string `json:"mongo_labels,omitempty"`
	MongoMessage string   `json:"mongo_message,omitempty"`
	FailedWrites int      `json:"failed_writes,omitempty"`
}

func Dump(err error) ErrorDump {
	if err == nil {
		return ErrorDump{}
	}

	d := ErrorDump{
		TopMessage: err.Error(),
	}

	if te := As(err); te != nil {
		d.Code = te.Code()
		if failures, ok := te.Details().([]DocumentError); ok {
			d.FailedWrites = len(failures)
		}
	}

	for e := err; e != nil; e = errors.Unwrap(e) {
		d.Chain = append(d.Chain, fmt.Sprintf("%T: %v", e, e))
	}

	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		d.MongoCodes = []int{int(cmdErr.Code)}
		d.MongoLabels = cmdErr.Labels
		d.MongoMessage = cmdErr.Message
		return d
	}

	var bulkErr mongo.BulkWriteException
	if errors.As(err, &bulkErr) {
		for _, we := range bulkErr.WriteErrors {
			d.MongoCodes = append(d.MongoCodes, we.Code)
		}
		d.MongoLabels = bulkErr.Labels
		d.FailedWrites = len(bulkErr.WriteErrors)
		return d
	}

	var writeErr mongo.WriteException
	if errors.As(err, &writeErr) {
		for _, we := range writeErr.WriteErrors {
			d.MongoCodes = append(d.MongoCodes, we.Code)
		}
		d.MongoLabels = writeErr.Labels
		d.FailedWrites = len(writeErr.WriteErrors)
		return d
	}

	return d
}
