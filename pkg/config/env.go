package config

// EnvPrefix is passed to envconfig; every field declares its full variable name,
// which envconfig falls back to when the prefixed key is unset.
const EnvPrefix = "CARTSYNC"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvAppEnv   = "CARTSYNC_APP_ENV"
	EnvPort     = "CARTSYNC_APP_PORT"
	EnvLogLevel = "CARTSYNC_LOG_LEVEL"

	EnvTaxRate               = "CARTSYNC_TAX_RATE"
	EnvFreeShippingThreshold = "CARTSYNC_FREE_SHIPPING_THRESHOLD"
	EnvFlatShippingFee       = "CARTSYNC_FLAT_SHIPPING_FEE"

	EnvRemoteBaseURL = "CARTSYNC_REMOTE_BASE_URL"
	EnvRemoteTimeout = "CARTSYNC_REMOTE_TIMEOUT"

	EnvStorageDriver = "CARTSYNC_STORAGE_DRIVER"

	EnvDBDSN    = "CARTSYNC_DB_DSN"
	EnvDBDriver = "CARTSYNC_DB_DRIVER"
	EnvDBHost   = "CARTSYNC_DB_HOST"
	EnvDBUser   = "CARTSYNC_DB_USER"
	EnvDBName   = "CARTSYNC_DB_NAME"

	EnvRedisURL  = "CARTSYNC_REDIS_URL"
	EnvRedisAddr = "CARTSYNC_REDIS_ADDR"

	EnvJWTSecret = "CARTSYNC_JWT_SECRET"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
