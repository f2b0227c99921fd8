package logger

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	pkgerrors "github.com/clevi/pricestore/pkg/errors"
)

func TestLoggerErrorIncludesContextFields(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{ServiceName: "test", Level: ParseLevel("debug"), Output: buf})

	ctx := context.Background()
	ctx = log.WithMarket(ctx, "lidl")
	ctx = log.WithStoreID(ctx, "12_lidl_pickup")

	log.Error(ctx, "boom", errors.New("boom"))

	if !bytes.Contains(buf.Bytes(), []byte(`"market":"lidl"`)) {
		t.Fatalf("expected market to be preserved; entry=%s", buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte(`"store_id":"12_lidl_pickup"`)) {
		t.Fatalf("expected store_id to be preserved; entry=%s", buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte(`"stack"`)) {
		t.Fatalf("expected stack trace on error; entry=%s", buf.String())
	}
}

func TestLoggerWarnStackToggle(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{ServiceName: "test", Level: ParseLevel("debug"), Output: buf, WarnStack: true})
	log.Warn(context.Background(), "warny")
	if !bytes.Contains(buf.Bytes(), []byte(`"stack"`)) {
		t.Fatalf("expected stack when warn stack enabled; entry=%s", buf.String())
	}

	buf.Reset()
	quiet := New(Options{ServiceName: "test", Output: buf})
	quiet.Warn(context.Background(), "warny")
	if bytes.Contains(buf.Bytes(), []byte(`"stack"`)) {
		t.Fatalf("unexpected stack with warn stack disabled; entry=%s", buf.String())
	}
}

func TestDebugRespectsLevel(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{ServiceName: "test", Output: buf})
	log.Debug(context.Background(), "hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug should be dropped at info level; entry=%s", buf.String())
	}
}

func TestWithFieldsOnNilContext(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{ServiceName: "test", Output: buf})
	ctx := log.WithFields(nil, map[string]any{"collection": "stores"})
	log.Info(ctx, "hello")
	if !bytes.Contains(buf.Bytes(), []byte(`"collection":"stores"`)) {
		t.Fatalf("expected collection field; entry=%s", buf.String())
	}
}

func TestParseLevelDefaults(t *testing.T) {
	if lvl := ParseLevel(""); lvl != zerolog.InfoLevel {
		t.Fatalf("expected default info level, got %v", lvl)
	}
	if lvl := ParseLevel("invalid"); lvl != zerolog.InfoLevel {
		t.Fatalf("invalid level should fallback to info, got %v", lvl)
	}
	if lvl := ParseLevel(" WARN "); lvl != zerolog.WarnLevel {
		t.Fatalf("expected warn level, got %v", lvl)
	}
}

func TestErrorCarriesCodeAndSkipsStackForCallerErrors(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{ServiceName: "test", Output: buf})

	log.Error(context.Background(), "rejected", pkgerrors.New(pkgerrors.CodeValidation, "market contains a dot"))
	if !bytes.Contains(buf.Bytes(), []byte(`"error_code":"VALIDATION_ERROR"`)) {
		t.Fatalf("expected error code; entry=%s", buf.String())
	}
	if bytes.Contains(buf.Bytes(), []byte(`"stack"`)) {
		t.Fatalf("validation errors should not carry a stack; entry=%s", buf.String())
	}

	buf.Reset()
	log.Error(context.Background(), "write failed", pkgerrors.Wrap(pkgerrors.CodeDependency, errors.New("timeout"), "bulk write"))
	if !bytes.Contains(buf.Bytes(), []byte(`"error_code":"DEPENDENCY_ERROR"`)) || !bytes.Contains(buf.Bytes(), []byte(`"stack"`)) {
		t.Fatalf("expected code and stack; entry=%s", buf.String())
	}
}

func TestConsoleFormat(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{ServiceName: "test", Output: buf, Format: FormatConsole})
	log.Info(log.WithMarket(context.Background(), "lidl"), "hello")
	if bytes.HasPrefix(buf.Bytes(), []byte("{")) {
		t.Fatalf("expected console output; entry=%s", buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte("market=")) || !bytes.Contains(buf.Bytes(), []byte("lidl")) {
		t.Fatalf("expected market field; entry=%s", buf.String())
	}
}
