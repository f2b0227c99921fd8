package config

const EnvPrefix = "PRICESTORE"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvAppEnv   = "PRICESTORE_APP_ENV"
	EnvLogLevel = "PRICESTORE_LOG_LEVEL"
	EnvDebug    = "PRICESTORE_DEBUG"

	EnvMongoURI          = "PRICESTORE_MONGO_URI"
	EnvMongoDatabase     = "PRICESTORE_MONGO_DATABASE"
	EnvMongoMiscDatabase = "PRICESTORE_MONGO_MISC_DATABASE"
	EnvMongoMock         = "PRICESTORE_MONGO_MOCK"

	EnvCollectionStores           = "PRICESTORE_COLLECTION_STORES"
	EnvCollectionProducts         = "PRICESTORE_COLLECTION_PRODUCTS"
	EnvCollectionLocations        = "PRICESTORE_COLLECTION_LOCATIONS"
	EnvCollectionProductStoreData = "PRICESTORE_COLLECTION_PRODUCT_STORE_DATA"
	EnvCollectionMarkets          = "PRICESTORE_COLLECTION_MARKETS"
	EnvCollectionPostalCodes      = "PRICESTORE_COLLECTION_POSTAL_CODES"

	EnvGCPProjectID         = "PRICESTORE_GCP_PROJECT_ID"
	EnvGCSBucket            = "PRICESTORE_GCS_BUCKET_NAME"
	EnvBlobCompressionLevel = "PRICESTORE_BLOB_COMPRESSION_LEVEL"

	EnvRedisURL  = "PRICESTORE_REDIS_URL"
	EnvRedisAddr = "PRICESTORE_REDIS_ADDR"

	EnvRetentionDays         = "PRICESTORE_RETENTION_DAYS"
	EnvRetentionProtectedIDs = "PRICESTORE_RETENTION_PROTECTED_IDS"
	EnvDeepScrapeMarkets     = "PRICESTORE_DEEP_SCRAPE_MARKETS"
	EnvPubSubDeepScrapeTopic = "PRICESTORE_PUBSUB_DEEP_SCRAPE_TOPIC"
	EnvBigQueryDataset       = "PRICESTORE_BIGQUERY_DATASET"
	EnvGoogleMapsAPIKey      = "PRICESTORE_GOOGLE_MAPS_API_KEY"
)
