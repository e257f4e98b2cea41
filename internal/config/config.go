package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// AppConfig ties together every section of the service configuration.
type AppConfig struct {
	Service  ServiceConfig  `toml:"service"`
	Engine   EngineConfig   `toml:"engine"`
	Oracle   OracleConfig   `toml:"oracle"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	Keeper   KeeperConfig   `toml:"keeper"`
	Log      LogConfig      `toml:"log"`
}

type ServiceConfig struct {
	Name                  string `toml:"name"`
	HTTPPort              int    `toml:"http_port"`
	HMACSecret            string `toml:"hmac_secret"`
	HMACClockSkewSecs     int    `toml:"hmac_clock_skew_seconds"`
	IdempotencyWindowSecs int    `toml:"idempotency_window_seconds"`
	// IdempotencyStore is one of memory, file or postgres.
	IdempotencyStore     string `toml:"idempotency_store"`
	IdempotencyStorePath string `toml:"idempotency_store_path"`
	// AllowUnsigned serves the API without request signatures. Local
	// development only: deposits are then open to anyone.
	AllowUnsigned bool `toml:"allow_unsigned"`
}

func (s ServiceConfig) HMACClockSkew() time.Duration {
	return time.Duration(s.HMACClockSkewSecs) * time.Second
}

func (s ServiceConfig) IdempotencyWindow() time.Duration {
	return time.Duration(s.IdempotencyWindowSecs) * time.Second
}

type EngineConfig struct {
	ProfitBps         uint32 `toml:"profit_bps"`
	AllowPastExpiry   bool   `toml:"allow_past_expiry"`
	VerifyAssets      bool   `toml:"verify_assets"`
	OracleTimeoutSecs int    `toml:"oracle_timeout_seconds"`
	LockTTLSecs       int    `toml:"lock_ttl_seconds"`
}

type OracleConfig struct {
	// Kind is one of manual, http or eth.
	Kind              string            `toml:"kind"`
	Endpoint          string            `toml:"endpoint"`
	APIKey            string            `toml:"api_key"`
	RequestsPerSecond float64           `toml:"requests_per_second"`
	Burst             int               `toml:"burst"`
	RPCURL            string            `toml:"rpc_url"`
	Contract          string            `toml:"contract"`
	CacheMaxAgeSecs   int               `toml:"cache_max_age_seconds"`
	ManualValues      map[string]uint64 `toml:"manual_values"`
}

type PostgresConfig struct {
	// DSN selects the Postgres ledger. Empty keeps state in memory.
	DSN string `toml:"dsn"`
}

type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	Prefix     string `toml:"prefix"`
}

type KeeperConfig struct {
	Enabled      bool   `toml:"enabled"`
	IntervalSecs int    `toml:"interval_seconds"`
	BatchSize    int    `toml:"batch_size"`
	Concurrency  int    `toml:"concurrency"`
	Identity     string `toml:"identity"`
}

type LogConfig struct {
	Level      string `toml:"level"`
	Env        string `toml:"env"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// Defaults returns the configuration used when no file or env is present.
func Defaults() AppConfig {
	return AppConfig{
		Service: ServiceConfig{
			Name:                  "floorescrow",
			HTTPPort:              3000,
			HMACClockSkewSecs:     60,
			IdempotencyWindowSecs: 24 * 60 * 60,
			IdempotencyStore:      "memory",
			IdempotencyStorePath:  filepath.Join(os.TempDir(), "floorescrow-idem.json"),
		},
		Engine: EngineConfig{
			OracleTimeoutSecs: 5,
			LockTTLSecs:       30,
		},
		Oracle: OracleConfig{
			Kind:  "manual",
			Burst: 1,
		},
		Redis: RedisConfig{
			PoolSize: 10,
			Prefix:   "floorescrow:",
		},
		Keeper: KeeperConfig{
			IntervalSecs: 15,
			BatchSize:    100,
			Concurrency:  4,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load aggregates configuration from an optional TOML file, an optional .env
// file and the environment, in increasing precedence.
func Load() (*AppConfig, error) {
	_ = godotenv.Load()

	cfg := Defaults()
	if path := envOr("CONFIG_PATH", ""); path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}
	applyEnv(&cfg)
	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *AppConfig) {
	cfg.Service.HTTPPort = envOrInt("API_HTTP_PORT", cfg.Service.HTTPPort)
	cfg.Service.HMACSecret = envOr("HMAC_SECRET", cfg.Service.HMACSecret)
	cfg.Service.AllowUnsigned = envOrBool("API_ALLOW_UNSIGNED", cfg.Service.AllowUnsigned)
	cfg.Service.HMACClockSkewSecs = envOrInt("HMAC_CLOCK_SKEW_SECONDS", cfg.Service.HMACClockSkewSecs)
	cfg.Service.IdempotencyWindowSecs = envOrInt("IDEMPOTENCY_WINDOW_SECONDS", cfg.Service.IdempotencyWindowSecs)
	cfg.Service.IdempotencyStore = envOr("IDEMPOTENCY_STORE", cfg.Service.IdempotencyStore)
	cfg.Service.IdempotencyStorePath = envOr("IDEMPOTENCY_STORE_PATH", cfg.Service.IdempotencyStorePath)

	cfg.Engine.ProfitBps = uint32(envOrInt("ESCROW_PROFIT_BPS", int(cfg.Engine.ProfitBps)))
	cfg.Engine.AllowPastExpiry = envOrBool("ESCROW_ALLOW_PAST_EXPIRY", cfg.Engine.AllowPastExpiry)
	cfg.Engine.VerifyAssets = envOrBool("ESCROW_VERIFY_ASSETS", cfg.Engine.VerifyAssets)
	cfg.Engine.OracleTimeoutSecs = envOrInt("ESCROW_ORACLE_TIMEOUT_SECONDS", cfg.Engine.OracleTimeoutSecs)
	cfg.Engine.LockTTLSecs = envOrInt("ESCROW_LOCK_TTL_SECONDS", cfg.Engine.LockTTLSecs)

	cfg.Oracle.Kind = envOr("ORACLE_KIND", cfg.Oracle.Kind)
	cfg.Oracle.Endpoint = envOr("ORACLE_ENDPOINT", cfg.Oracle.Endpoint)
	cfg.Oracle.APIKey = envOr("ORACLE_API_KEY", cfg.Oracle.APIKey)
	cfg.Oracle.RequestsPerSecond = envOrFloat("ORACLE_REQUESTS_PER_SECOND", cfg.Oracle.RequestsPerSecond)
	cfg.Oracle.RPCURL = envOr("CHAIN_RPC_URL", cfg.Oracle.RPCURL)
	cfg.Oracle.Contract = envOr("ORACLE_CONTRACT", cfg.Oracle.Contract)
	cfg.Oracle.CacheMaxAgeSecs = envOrInt("ORACLE_CACHE_MAX_AGE_SECONDS", cfg.Oracle.CacheMaxAgeSecs)

	cfg.Postgres.DSN = envOr("POSTGRES_DSN", cfg.Postgres.DSN)

	cfg.Redis.Addr = envOr("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = envOr("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = envOrInt("REDIS_DB", cfg.Redis.DB)

	cfg.Keeper.Enabled = envOrBool("KEEPER_ENABLED", cfg.Keeper.Enabled)
	cfg.Keeper.IntervalSecs = envOrInt("KEEPER_INTERVAL_SECONDS", cfg.Keeper.IntervalSecs)
	cfg.Keeper.Identity = envOr("KEEPER_IDENTITY", cfg.Keeper.Identity)

	cfg.Log.Level = envOr("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Env = envOr("APP_ENV", cfg.Log.Env)
	cfg.Log.File = envOr("LOG_FILE", cfg.Log.File)
}

// normalise canonicalises enum-like settings so that callers can switch on
// the exact values Validate accepts.
func (c *AppConfig) normalise() {
	c.Oracle.Kind = strings.ToLower(strings.TrimSpace(c.Oracle.Kind))
	c.Service.IdempotencyStore = strings.ToLower(strings.TrimSpace(c.Service.IdempotencyStore))
}

// Validate rejects combinations the service cannot start with.
func (c *AppConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Service.HMACSecret) == "" && !c.Service.AllowUnsigned {
		errs = append(errs, errors.New("service.hmac_secret required (set service.allow_unsigned for local development)"))
	}
	if c.Service.HTTPPort <= 0 || c.Service.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("service.http_port %d out of range", c.Service.HTTPPort))
	}
	switch c.Service.IdempotencyStore {
	case "memory", "file":
	case "postgres":
		if c.Postgres.DSN == "" {
			errs = append(errs, errors.New("idempotency_store postgres requires postgres.dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown idempotency_store %q", c.Service.IdempotencyStore))
	}
	if c.Engine.ProfitBps > 10_000 {
		errs = append(errs, fmt.Errorf("engine.profit_bps %d exceeds 10000", c.Engine.ProfitBps))
	}
	switch c.Oracle.Kind {
	case "manual":
	case "http":
		if c.Oracle.Endpoint == "" {
			errs = append(errs, errors.New("oracle.endpoint required for http oracle"))
		}
	case "eth":
		if c.Oracle.RPCURL == "" || c.Oracle.Contract == "" {
			errs = append(errs, errors.New("oracle.rpc_url and oracle.contract required for eth oracle"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown oracle.kind %q", c.Oracle.Kind))
	}
	return errors.Join(errs...)
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return fallback
}
