package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

type Config struct {
	App          AppConfig
	Pricing      PricingConfig
	Remote       RemoteConfig
	Storage      StorageConfig
	DB           DBConfig
	Redis        RedisConfig
	Queue        QueueConfig
	Connectivity ConnectivityConfig
	Identity     IdentityConfig
	Merge        MergeConfig
	FeatureFlags FeatureFlagsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Storage.validate(); err != nil {
		return nil, err
	}
	if cfg.Storage.Driver == StorageDriverSQL {
		if err := cfg.DB.ensureDSN(); err != nil {
			return nil, err
		}
	}
	if cfg.Storage.Driver == StorageDriverRedis && cfg.Redis.URL == "" && cfg.Redis.Address == "" {
		return nil, fmt.Errorf("%s or %s is required for the redis storage driver", EnvRedisURL, EnvRedisAddr)
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"CARTSYNC_APP_ENV" required:"true"`
	Port         string `envconfig:"CARTSYNC_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"CARTSYNC_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"CARTSYNC_LOG_WARN_STACK" default:"false"`

	CORSOrigins []string `envconfig:"CARTSYNC_CORS_ORIGINS"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

// PricingConfig holds the deterministic totals parameters.
type PricingConfig struct {
	TaxRate               decimal.Decimal `envconfig:"CARTSYNC_TAX_RATE" default:"0.08"`
	FreeShippingThreshold decimal.Decimal `envconfig:"CARTSYNC_FREE_SHIPPING_THRESHOLD" default:"50"`
	FlatShippingFee       decimal.Decimal `envconfig:"CARTSYNC_FLAT_SHIPPING_FEE" default:"5.99"`
}

type RemoteConfig struct {
	BaseURL string        `envconfig:"CARTSYNC_REMOTE_BASE_URL" required:"true"`
	Timeout time.Duration `envconfig:"CARTSYNC_REMOTE_TIMEOUT" default:"10s"`

	BreakerMaxRequests      uint32        `envconfig:"CARTSYNC_REMOTE_BREAKER_MAX_REQUESTS" default:"1"`
	BreakerInterval         time.Duration `envconfig:"CARTSYNC_REMOTE_BREAKER_INTERVAL" default:"60s"`
	BreakerOpenTimeout      time.Duration `envconfig:"CARTSYNC_REMOTE_BREAKER_OPEN_TIMEOUT" default:"30s"`
	BreakerFailureThreshold uint32        `envconfig:"CARTSYNC_REMOTE_BREAKER_FAILURE_THRESHOLD" default:"5"`
}

const (
	StorageDriverMemory = "memory"
	StorageDriverRedis  = "redis"
	StorageDriverSQL    = "sql"
)

// StorageConfig selects the durable medium for the guest snapshot and the offline queue.
type StorageConfig struct {
	Driver    string `envconfig:"CARTSYNC_STORAGE_DRIVER" default:"sql"`
	Namespace string `envconfig:"CARTSYNC_STORAGE_NAMESPACE" default:"default"`
}

func (s StorageConfig) validate() error {
	switch strings.ToLower(s.Driver) {
	case StorageDriverMemory, StorageDriverRedis, StorageDriverSQL:
		return nil
	}
	return fmt.Errorf("%s must be one of memory|redis|sql, got %q", EnvStorageDriver, s.Driver)
}

type DBConfig struct {
	DSN    string `envconfig:"CARTSYNC_DB_DSN"`
	Driver string `envconfig:"CARTSYNC_DB_DRIVER" default:"sqlite"`

	LegacyHost     string `envconfig:"CARTSYNC_DB_HOST"`
	LegacyPort     int    `envconfig:"CARTSYNC_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"CARTSYNC_DB_USER"`
	LegacyPassword string `envconfig:"CARTSYNC_DB_PASSWORD"`
	LegacyName     string `envconfig:"CARTSYNC_DB_NAME"`
	LegacySSLMode  string `envconfig:"CARTSYNC_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"CARTSYNC_DB_MAX_OPEN_CONNS" default:"5"`
	MaxIdleConns    int           `envconfig:"CARTSYNC_DB_MAX_IDLE_CONNS" default:"2"`
	ConnMaxLifetime time.Duration `envconfig:"CARTSYNC_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"CARTSYNC_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

// IsSQLite reports whether the sqlite dialector should be used.
func (db DBConfig) IsSQLite() bool {
	return strings.EqualFold(db.Driver, "sqlite")
}

type RedisConfig struct {
	URL          string        `envconfig:"CARTSYNC_REDIS_URL"`
	Address      string        `envconfig:"CARTSYNC_REDIS_ADDR"`
	Password     string        `envconfig:"CARTSYNC_REDIS_PASSWORD"`
	DB           int           `envconfig:"CARTSYNC_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"CARTSYNC_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"CARTSYNC_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"CARTSYNC_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"CARTSYNC_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"CARTSYNC_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type QueueConfig struct {
	// ProcessedTTL bounds how long replayed action ids are remembered for dedupe.
	ProcessedTTL time.Duration `envconfig:"CARTSYNC_QUEUE_PROCESSED_TTL" default:"168h"`
	// RetryBackoff and RetryMaxBackoff pace queue drains after a failed push.
	RetryBackoff    time.Duration `envconfig:"CARTSYNC_QUEUE_RETRY_BACKOFF" default:"1s"`
	RetryMaxBackoff time.Duration `envconfig:"CARTSYNC_QUEUE_RETRY_MAX_BACKOFF" default:"1m"`
}

type ConnectivityConfig struct {
	HealthURL    string        `envconfig:"CARTSYNC_CONNECTIVITY_HEALTH_URL"`
	PollInterval time.Duration `envconfig:"CARTSYNC_CONNECTIVITY_POLL_INTERVAL" default:"15s"`
	ProbeTimeout time.Duration `envconfig:"CARTSYNC_CONNECTIVITY_PROBE_TIMEOUT" default:"3s"`
}

type IdentityConfig struct {
	// JWTSecret verifies sign-in tokens when set; tokens are read unverified otherwise.
	JWTSecret string `envconfig:"CARTSYNC_JWT_SECRET"`
	JWTIssuer string `envconfig:"CARTSYNC_JWT_ISSUER"`
}

type MergeConfig struct {
	LatchTTL time.Duration `envconfig:"CARTSYNC_MERGE_LATCH_TTL" default:"24h"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"CARTSYNC_AUTO_MIGRATE" default:"false"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}
	if db.IsSQLite() {
		return fmt.Errorf("%s is required for the sqlite driver", EnvDBDSN)
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
