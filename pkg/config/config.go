package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	pkgerrors "github.com/clevi/pricestore/pkg/errors"
)

type Config struct {
	App         AppConfig
	Mongo       MongoConfig
	Collections CollectionsConfig
	GCP         GCPConfig
	GCS         GCSConfig
	Blob        BlobConfig
	Redis       RedisConfig
	Retention   RetentionConfig
	DeepScrape  DeepScrapeConfig
	PubSub      PubSubConfig
	BigQuery    BigQueryConfig
	Maps        MapsConfig
}

// Load reads the full configuration from the environment. Every failure is
// reported as a configuration error.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeConfiguration, err, "parsing config")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadStorage reads only the sections needed by the data-access adapters so
// tools that never touch GCP or Redis can run without those settings.
func LoadStorage() (*Config, error) {
	var cfg Config
	sections := []struct {
		name string
		spec any
	}{
		{"app", &cfg.App},
		{"mongo", &cfg.Mongo},
		{"collections", &cfg.Collections},
		{"blob", &cfg.Blob},
		{"retention", &cfg.Retention},
		{"maps", &cfg.Maps},
	}
	for _, s := range sections {
		if err := envconfig.Process(EnvPrefix, s.spec); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeConfiguration, err, fmt.Sprintf("parsing %s config", s.name))
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"PRICESTORE_APP_ENV" default:"dev"`
	LogLevel     string `envconfig:"PRICESTORE_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"PRICESTORE_LOG_WARN_STACK" default:"false"`
	LogFormat    string `envconfig:"PRICESTORE_LOG_FORMAT"`
	Debug        bool   `envconfig:"PRICESTORE_DEBUG" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

// OutputFormat is the configured log format, console in dev and JSON
// elsewhere when unset.
func (a AppConfig) OutputFormat() string {
	if f := strings.ToLower(strings.TrimSpace(a.LogFormat)); f != "" {
		return f
	}
	if a.IsDev() {
		return "console"
	}
	return "json"
}

type MongoConfig struct {
	URI                    string        `envconfig:"PRICESTORE_MONGO_URI" required:"true"`
	Database               string        `envconfig:"PRICESTORE_MONGO_DATABASE" required:"true"`
	MiscDatabase           string        `envconfig:"PRICESTORE_MONGO_MISC_DATABASE" required:"true"`
	MaxPoolSize            uint64        `envconfig:"PRICESTORE_MONGO_MAX_POOL_SIZE" default:"20"`
	ConnectTimeout         time.Duration `envconfig:"PRICESTORE_MONGO_CONNECT_TIMEOUT" default:"10s"`
	ServerSelectionTimeout time.Duration `envconfig:"PRICESTORE_MONGO_SERVER_SELECTION_TIMEOUT" default:"10s"`
	// Mock skips server features an emulator does not provide (time-series
	// collections, request statistics).
	Mock bool `envconfig:"PRICESTORE_MONGO_MOCK" default:"false"`
}

type CollectionsConfig struct {
	Stores           string `envconfig:"PRICESTORE_COLLECTION_STORES" required:"true"`
	Products         string `envconfig:"PRICESTORE_COLLECTION_PRODUCTS" required:"true"`
	Locations        string `envconfig:"PRICESTORE_COLLECTION_LOCATIONS" required:"true"`
	ProductStoreData string `envconfig:"PRICESTORE_COLLECTION_PRODUCT_STORE_DATA" required:"true"`
	Markets          string `envconfig:"PRICESTORE_COLLECTION_MARKETS" required:"true"`
	PostalCodes      string `envconfig:"PRICESTORE_COLLECTION_POSTAL_CODES" required:"true"`
}

// Names lists every configured collection name keyed by its env variable.
func (c CollectionsConfig) Names() map[string]string {
	return map[string]string{
		EnvCollectionStores:           c.Stores,
		EnvCollectionProducts:         c.Products,
		EnvCollectionLocations:        c.Locations,
		EnvCollectionProductStoreData: c.ProductStoreData,
		EnvCollectionMarkets:          c.Markets,
		EnvCollectionPostalCodes:      c.PostalCodes,
	}
}

type GCPConfig struct {
	ProjectID              string `envconfig:"PRICESTORE_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"PRICESTORE_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"PRICESTORE_GOOGLE_APPLICATION_CREDENTIALS"`
}

type GCSConfig struct {
	BucketName string `envconfig:"PRICESTORE_GCS_BUCKET_NAME"`
}

type BlobConfig struct {
	CompressionLevel int  `envconfig:"PRICESTORE_BLOB_COMPRESSION_LEVEL" default:"9"`
	StripWhitespace  bool `envconfig:"PRICESTORE_BLOB_STRIP_WHITESPACE" default:"true"`
}

type RedisConfig struct {
	URL          string        `envconfig:"PRICESTORE_REDIS_URL"`
	Address      string        `envconfig:"PRICESTORE_REDIS_ADDR"`
	Password     string        `envconfig:"PRICESTORE_REDIS_PASSWORD"`
	DB           int           `envconfig:"PRICESTORE_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"PRICESTORE_REDIS_POOL_SIZE" default:"4"`
	DialTimeout  time.Duration `envconfig:"PRICESTORE_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"PRICESTORE_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"PRICESTORE_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type RetentionConfig struct {
	RetainDays   int           `envconfig:"PRICESTORE_RETENTION_DAYS" default:"90"`
	ProtectedIDs []string      `envconfig:"PRICESTORE_RETENTION_PROTECTED_IDS"`
	Interval     time.Duration `envconfig:"PRICESTORE_CRON_INTERVAL" default:"24h"`
}

type DeepScrapeConfig struct {
	Markets  []string      `envconfig:"PRICESTORE_DEEP_SCRAPE_MARKETS"`
	Lookback time.Duration `envconfig:"PRICESTORE_DEEP_SCRAPE_LOOKBACK" default:"24h"`
}

type PubSubConfig struct {
	DeepScrapeTopic string `envconfig:"PRICESTORE_PUBSUB_DEEP_SCRAPE_TOPIC"`
}

type BigQueryConfig struct {
	Dataset       string `envconfig:"PRICESTORE_BIGQUERY_DATASET"`
	SnapshotTable string `envconfig:"PRICESTORE_BIGQUERY_SNAPSHOT_TABLE" default:"product_store_data_archive"`
}

type MapsConfig struct {
	APIKey  string `envconfig:"PRICESTORE_GOOGLE_MAPS_API_KEY"`
	Country string `envconfig:"PRICESTORE_POSTAL_CODE_COUNTRY" default:"IT"`
}

// ArchiveEnabled reports whether old snapshots are exported before purging.
func (b BigQueryConfig) ArchiveEnabled() bool {
	return strings.TrimSpace(b.Dataset) != ""
}

func (c *Config) validate() error {
	missing := []string{}
	for env, name := range c.Collections.Names() {
		if strings.TrimSpace(name) == "" {
			missing = append(missing, env)
		}
	}
	if len(missing) > 0 {
		return pkgerrors.New(pkgerrors.CodeConfiguration, "collection names are missing").
			WithDetails(map[string]any{"missing": missing})
	}
	if c.Blob.CompressionLevel < 0 || c.Blob.CompressionLevel > 9 {
		return pkgerrors.New(pkgerrors.CodeConfiguration,
			fmt.Sprintf("%s must be between 0 and 9, got %d", EnvBlobCompressionLevel, c.Blob.CompressionLevel))
	}
	return nil
}

// RequireGCS reports a configuration error when blob storage is not configured.
func (c *Config) RequireGCS() error {
	if strings.TrimSpace(c.GCS.BucketName) == "" {
		return pkgerrors.New(pkgerrors.CodeConfiguration, EnvGCSBucket+" is required")
	}
	return nil
}

// RequireRedis reports a configuration error when no redis endpoint is set.
func (c *Config) RequireRedis() error {
	if c.Redis.URL == "" && c.Redis.Address == "" {
		return pkgerrors.New(pkgerrors.CodeConfiguration, "either "+EnvRedisURL+" or "+EnvRedisAddr+" is required")
	}
	return nil
}

// RequireMaps reports a configuration error when postal codes cannot be
// geocoded.
func (c *Config) RequireMaps() error {
	if strings.TrimSpace(c.Maps.APIKey) == "" {
		return pkgerrors.New(pkgerrors.CodeConfiguration, EnvGoogleMapsAPIKey+" is required")
	}
	return nil
}
