package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"

	"go.mongodb.org/mongo-driver/mongo"
)

func TestMetadataForKnownCodes(t *testing.T) {
	tests := []struct {
		code      Code
		publicMsg string
		retryable bool
		fatal     bool
		detailsOK bool
	}{
		{code: CodeConfiguration, publicMsg: "configuration invalid", fatal: true, detailsOK: true},
		{code: CodeValidation, publicMsg: "validation failed", detailsOK: true},
		{code: CodeNotFound, publicMsg: "resource not found"},
		{code: CodeCorruptData, publicMsg: "stored data is corrupt", detailsOK: true},
		{code: CodePartialBatch, publicMsg: "some documents in the batch failed", detailsOK: true},
		{code: CodeInternal, publicMsg: "internal error", retryable: true},
		{code: CodeDependency, publicMsg: "dependency unavailable", retryable: true, detailsOK: true},
	}

	for _, tt := range tests {
		meta := MetadataFor(tt.code)
		if meta.PublicMessage != tt.publicMsg {
			t.Fatalf("code %s expected public message %q got %q", tt.code, tt.publicMsg, meta.PublicMessage)
		}
		if meta.Retryable != tt.retryable {
			t.Fatalf("code %s expected retryable %v got %v", tt.code, tt.retryable, meta.Retryable)
		}
		if meta.Fatal != tt.fatal {
			t.Fatalf("code %s expected fatal %v got %v", tt.code, tt.fatal, meta.Fatal)
		}
		if meta.DetailsAllowed != tt.detailsOK {
			t.Fatalf("code %s expected details allowed %v got %v", tt.code, tt.detailsOK, meta.DetailsAllowed)
		}
	}
}

func TestMetadataForUnknownCodeDefaultsToInternal(t *testing.T) {
	meta := MetadataFor("SOMETHING_UNKNOWN")
	if !meta.Retryable || meta.PublicMessage != "internal error" {
		t.Fatalf("expected internal metadata, got %+v", meta)
	}
}

func TestErrorConstructors(t *testing.T) {
	base := New(CodeValidation, "missing market")
	if base.Code() != CodeValidation {
		t.Fatalf("expected validation code, got %s", base.Code())
	}
	if base.Message() != "missing market" {
		t.Fatalf("unexpected message %q", base.Message())
	}
	if base.Details() != nil {
		t.Fatalf("details should be nil by default")
	}

	base.WithDetails(map[string]any{"field": "market"})
	if base.Details() == nil {
		t.Fatalf("details should be preserved")
	}

	cause := stdErrors.New("boom")
	wrapped := Wrap(CodeNotFound, cause, "store lookup")
	if !stdErrors.Is(wrapped, cause) {
		t.Fatalf("Wrap did not preserve cause")
	}
	if wrapped.Error() != "NOT_FOUND: store lookup: boom" {
		t.Fatalf("unexpected message %q", wrapped.Error())
	}
}

func TestAsAndIsWalkTheChain(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(CodeCorruptData, "bad zlib header"))
	if got := As(err); got == nil || got.Code() != CodeCorruptData {
		t.Fatalf("As failed to return typed error")
	}
	if !Is(err, CodeCorruptData) {
		t.Fatal("expected Is to match corrupt data")
	}
	if Is(err, CodeNotFound) {
		t.Fatal("unexpected not found match")
	}
	if As(nil) != nil {
		t.Fatalf("As(nil) should return nil")
	}
}

func TestPartialBatchCarriesDocumentErrors(t *testing.T) {
	failures := []DocumentError{{Index: 2, ID: "7_lidl_pickup", Code: 11000, Message: "duplicate key"}}
	err := PartialBatch("stores", 5, failures)

	if err.Code() != CodePartialBatch {
		t.Fatalf("unexpected code %s", err.Code())
	}
	got := DocumentErrors(fmt.Errorf("upsert: %w", err))
	if len(got) != 1 || got[0].ID != "7_lidl_pickup" {
		t.Fatalf("unexpected document errors %+v", got)
	}
	if DocumentErrors(New(CodeValidation, "x")) != nil {
		t.Fatal("non batch errors should carry no document errors")
	}
}

func TestDumpExtractsBulkWriteErrors(t *testing.T) {
	bulk := mongo.BulkWriteException{
		WriteErrors: []mongo.BulkWriteError{
			{WriteError: mongo.WriteError{Index: 0, Code: 11000, Message: "dup"}},
			{WriteError: mongo.WriteError{Index: 3, Code: 121, Message: "validation"}},
		},
	}
	d := Dump(Wrap(CodeInternal, bulk, "bulk write"))
	if d.Code != CodeInternal {
		t.Fatalf("unexpected code %s", d.Code)
	}
	if d.FailedWrites != 2 || len(d.MongoCodes) != 2 || d.MongoCodes[1] != 121 {
		t.Fatalf("unexpected dump %+v", d)
	}
	if len(d.Chain) != 2 {
		t.Fatalf("expected 2 chain entries, got %d", len(d.Chain))
	}
}

func TestDumpExtractsCommandError(t *testing.T) {
	d := Dump(fmt.Errorf("create collection: %w", mongo.CommandError{Code: 48, Message: "exists", Labels: []string{"x"}}))
	if len(d.MongoCodes) != 1 || d.MongoCodes[0] != 48 || d.MongoMessage != "exists" {
		t.Fatalf("unexpected dump %+v", d)
	}
}

func TestIsSearchesEveryBranch(t *testing.T) {
	joined := stdErrors.Join(
		Newf(CodeCorruptData, "store %s missing from location", "S1"),
		fmt.Errorf("snapshot check: %w", New(CodeNotFound, "product lidl_9")),
	)
	wrapped := Wrap(CodeDependency, joined, "integrity check")

	if !Is(wrapped, CodeDependency) || !Is(wrapped, CodeCorruptData) || !Is(wrapped, CodeNotFound) {
		t.Fatalf("expected every code in %v", wrapped)
	}
	if Is(wrapped, CodeValidation) {
		t.Fatal("validation code is not in the tree")
	}
	if !stdErrors.Is(wrapped, New(CodeNotFound, "")) {
		t.Fatal("errors.Is should match on code")
	}
	if got := As(wrapped).Message(); got != "integrity check" {
		t.Fatalf("As should return the outermost error, got %q", got)
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(Wrap(CodeDependency, stdErrors.New("timeout"), "ping")) {
		t.Fatal("dependency errors are retryable")
	}
	if !IsRetryable(stdErrors.New("untyped")) {
		t.Fatal("untyped errors count as internal")
	}
	if IsRetryable(New(CodeConfiguration, "missing bucket")) || IsRetryable(nil) {
		t.Fatal("configuration errors and nil are not retryable")
	}
}
