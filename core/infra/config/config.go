package config

import (
	"os"
	"strings"
)

const (
	defaultNATSURL      = "nats://localhost:4222"
	defaultRedisURL     = "redis://localhost:6379"
	defaultStore        = StoreRedis
	defaultSQLDSN       = "file:flowlog.db?_pragma=busy_timeout(5000)"
	defaultHTTPAddr     = ":8080"
	defaultMetricsAddr  = ":9090"
	defaultGRPCAddr     = ":9091"
	defaultEngineConfig = "config/engine.yaml"
	envNATSURL          = "NATS_URL"
	envRedisURL         = "REDIS_URL"
	envStore            = "FLOWLOG_STORE"
	envSQLDSN           = "FLOWLOG_SQL_DSN"
	envHTTPAddr         = "FLOWLOG_HTTP_ADDR"
	envMetricsAddr      = "FLOWLOG_METRICS_ADDR"
	envGRPCAddr         = "FLOWLOG_GRPC_ADDR"
	envEngineConfig     = "FLOWLOG_ENGINE_CONFIG"
)

// NATSDisabled as NATS_URL runs the engine without a message bus.
const NATSDisabled = "off"

// Event log backends selectable with FLOWLOG_STORE.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config holds process-level settings for the engine binary.
type Config struct {
	NatsURL          string
	RedisURL         string
	Store            string
	SQLDSN           string
	HTTPAddr         string
	MetricsAddr      string
	GRPCAddr         string
	EngineConfigPath string
}

// Load returns configuration using environment variables with sane defaults.
func Load() *Config {
	store := strings.ToLower(envOr(envStore, defaultStore))
	switch store {
	case StoreMemory, StoreRedis, StoreSQLite, StorePostgres:
	default:
		store = defaultStore
	}
	return &Config{
		NatsURL:          envOr(envNATSURL, defaultNATSURL),
		RedisURL:         envOr(envRedisURL, defaultRedisURL),
		Store:            store,
		SQLDSN:           envOr(envSQLDSN, defaultSQLDSN),
		HTTPAddr:         envOr(envHTTPAddr, defaultHTTPAddr),
		MetricsAddr:      envOr(envMetricsAddr, defaultMetricsAddr),
		GRPCAddr:         envOr(envGRPCAddr, defaultGRPCAddr),
		EngineConfigPath: envOr(envEngineConfig, defaultEngineConfig),
	}
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
