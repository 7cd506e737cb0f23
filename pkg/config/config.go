// Package config loads runtime configuration from environment variables
// with development defaults.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the control-plane configuration.
type Config struct {
	Port     string
	LogLevel string

	// Event store. SQLite is used when EventDBPath is set and DatabaseURL
	// is empty; Postgres otherwise.
	DatabaseURL string
	EventDBPath string

	// Redis backs the event bus, semantic cache, and sync tokens. Empty
	// selects the in-process backends.
	RedisAddr string

	// Provider credentials.
	OpenAIAPIKey  string
	OpenAIBaseURL string
	DefaultModel  string
	ProviderRPS   float64

	// Optional YAML model catalog; empty uses the built-in catalog.
	ModelCatalogPath string

	// Local state files.
	BanditStatePath string
	CertLedgerPath  string

	// Budgets in micro-USD.
	MaxRequestMicroUSD    int64
	SessionBudgetMicroUSD int64

	// Sandbox pool.
	SandboxWorkers int
	SandboxQueue   int

	// Certificate lifetime.
	CertTTL time.Duration

	// Telemetry.
	OTLPEndpoint string
	OTLPInsecure bool
}

// Load reads configuration from the environment.
func Load() *Config {
	return &Config{
		Port:                  getenv("PORT", "8080"),
		LogLevel:              getenv("LOG_LEVEL", "INFO"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		EventDBPath:           getenv("EVENT_DB_PATH", "forge.db"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		OpenAIAPIKey:          os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:         os.Getenv("OPENAI_BASE_URL"),
		DefaultModel:          getenv("DEFAULT_MODEL", "gpt-4o-mini"),
		ProviderRPS:           getFloat("PROVIDER_RPS", 10),
		ModelCatalogPath:      os.Getenv("MODEL_CATALOG"),
		BanditStatePath:       getenv("BANDIT_STATE_PATH", "bandit.json"),
		CertLedgerPath:        getenv("CERT_LEDGER_PATH", "certs.db"),
		MaxRequestMicroUSD:    getInt64("MAX_REQUEST_MICRO_USD", 500_000),
		SessionBudgetMicroUSD: getInt64("SESSION_BUDGET_MICRO_USD", 5_000_000),
		SandboxWorkers:        getInt("SANDBOX_WORKERS", 4),
		SandboxQueue:          getInt("SANDBOX_QUEUE", 64),
		CertTTL:               getDuration("CERT_TTL", 30*24*time.Hour),
		OTLPEndpoint:          os.Getenv("OTLP_ENDPOINT"),
		OTLPInsecure:          os.Getenv("OTLP_INSECURE") == "true",
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
