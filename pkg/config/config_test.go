package config

import (
	"os"
	"testing"
	"time"

	pkgerrors "github.com/clevi/pricestore/pkg/errors"
)

func TestLoad_Success(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv(EnvRetentionProtectedIDs, "lidl_1,lidl_2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}

	if cfg.Mongo.Database != "prices" {
		t.Fatalf("unexpected database %q", cfg.Mongo.Database)
	}
	if cfg.Collections.ProductStoreData != "product_store_data" {
		t.Fatalf("unexpected snapshot collection %q", cfg.Collections.ProductStoreData)
	}
	if cfg.Blob.CompressionLevel != 9 {
		t.Fatalf("expected default compression level 9, got %d", cfg.Blob.CompressionLevel)
	}
	if !cfg.Blob.StripWhitespace {
		t.Fatal("expected whitespace stripping on by default")
	}
	if got := cfg.Retention.Interval; got != 24*time.Hour {
		t.Fatalf("expected cron interval 24h, got %v", got)
	}
	if len(cfg.Retention.ProtectedIDs) != 2 || cfg.Retention.ProtectedIDs[1] != "lidl_2" {
		t.Fatalf("unexpected protected ids %v", cfg.Retention.ProtectedIDs)
	}
	if cfg.BigQuery.ArchiveEnabled() {
		t.Fatal("archive should be disabled without a dataset")
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	setMinimalEnv(t)
	if err := os.Unsetenv(EnvMongoURI); err != nil {
		t.Fatalf("failed to unset %s: %v", EnvMongoURI, err)
	}

	_, err := Load()
	if err == nil {
		t.Fatal("expected missing required env to return an error")
	}
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestLoad_InvalidCompressionLevel(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv(EnvBlobCompressionLevel, "12")

	_, err := Load()
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestLoadStorageIgnoresOptionalSections(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("PRICESTORE_REDIS_DIAL_TIMEOUT", "not-a-duration")

	cfg, err := LoadStorage()
	if err != nil {
		t.Fatalf("LoadStorage() returned unexpected error: %v", err)
	}
	if cfg.Collections.Stores != "stores" {
		t.Fatalf("unexpected stores collection %q", cfg.Collections.Stores)
	}
}

func TestRequireHelpers(t *testing.T) {
	cfg := &Config{}
	if err := cfg.RequireGCS(); err == nil {
		t.Fatal("expected missing bucket error")
	}
	if err := cfg.RequireRedis(); err == nil {
		t.Fatal("expected missing redis error")
	}
	if err := cfg.RequireMaps(); err == nil {
		t.Fatal("expected missing maps key error")
	}
	cfg.Maps.APIKey = "key"
	if err := cfg.RequireMaps(); err != nil {
		t.Fatalf("unexpected maps error: %v", err)
	}
	cfg.GCS.BucketName = "bucket"
	cfg.Redis.Address = "localhost:6379"
	if err := cfg.RequireGCS(); err != nil {
		t.Fatalf("unexpected gcs error: %v", err)
	}
	if err := cfg.RequireRedis(); err != nil {
		t.Fatalf("unexpected redis error: %v", err)
	}
}

func setMinimalEnv(t *testing.T) {
	t.Helper()

	t.Setenv(EnvAppEnv, "prod")
	t.Setenv(EnvMongoURI, "mongodb://localhost:27017")
	t.Setenv(EnvMongoDatabase, "prices")
	t.Setenv(EnvMongoMiscDatabase, "misc")
	t.Setenv(EnvCollectionStores, "stores")
	t.Setenv(EnvCollectionProducts, "products")
	t.Setenv(EnvCollectionLocations, "locations")
	t.Setenv(EnvCollectionProductStoreData, "product_store_data")
	t.Setenv(EnvCollectionMarkets, "markets")
	t.Setenv(EnvCollectionPostalCodes, "postal_codes")
}

func TestAppConfigOutputFormat(t *testing.T) {
	devConfig := AppConfig{Env: "DEV"}
	if !devConfig.IsDev() {
		t.Fatalf("expected IsDev true for %q", devConfig.Env)
	}
	if got := devConfig.OutputFormat(); got != "console" {
		t.Fatalf("expected console in dev, got %q", got)
	}
	if got := (AppConfig{Env: AppEnvProd}).OutputFormat(); got != "json" {
		t.Fatalf("expected json in prod, got %q", got)
	}
	if got := (AppConfig{Env: "dev", LogFormat: " JSON "}).OutputFormat(); got != "json" {
		t.Fatalf("explicit format should win, got %q", got)
	}
}
