// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Blockchain settings
	RPCURL        string
	ChainID       int64
	PrivateKey    string // Paymaster signing key, hex-encoded, 0x prefix optional
	TokenContract string // BMT reward token (ERC-20)

	// Payout policy
	DailyPayoutCeiling  string        // Max tokens paid per signing wallet per calendar day
	MaxPayoutRetries    int           // Retry cap for failed payout transactions
	AllowHighRiskPayout bool          // Pay wallets whose risk tier is "high"
	BalanceMaxStaleness time.Duration // How old a cached signer balance may be before a live refresh
	ConfirmationTimeout time.Duration // How long to await on-chain confirmation before failing
	NonceLockTimeout    time.Duration // Max wait for a contended nonce lock; zero fails fast
	NonceLockGrace      time.Duration // Lock age past which a held lock is an integrity fault

	// IP/device reputation oracle
	OracleURL     string
	OracleAPIKey  string
	OracleTimeout time.Duration
	RiskCacheTTL  time.Duration // TTL written on fresh oracle results
	RiskCacheMax  time.Duration // Absolute age cap; older cache rows are never served

	// Anti-abuse thresholds
	ClusterBlockScore   float64       // Cluster risk score at which auto-block triggers
	SinkDumpWindow      time.Duration // First-hop transfers faster than this are suspicious
	CompletionTimeFloor float64       // Completion elapsed/expected ratio below which it's an anomaly

	// Security
	AdminSecret  string
	RateLimitRPS int

	// Observability
	OTLPEndpoint string
}

// Defaults
const (
	DefaultRPCURL       = "https://sepolia.base.org"
	DefaultChainID      = 84532
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultDailyCeiling = "100000" // 100k BMT per signing wallet per day
	DefaultRateLimit    = 100
	DefaultMaxRetries   = 3
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RPCURL:              getEnv("RPC_URL", DefaultRPCURL),
		ChainID:             getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:          os.Getenv("PRIVATE_KEY"), // Required, no default
		TokenContract:       os.Getenv("TOKEN_CONTRACT"),
		DailyPayoutCeiling:  getEnv("DAILY_PAYOUT_CEILING", DefaultDailyCeiling),
		MaxPayoutRetries:    int(getEnvInt64("MAX_PAYOUT_RETRIES", DefaultMaxRetries)),
		AllowHighRiskPayout: getEnvBool("ALLOW_HIGH_RISK_PAYOUT", false),
		BalanceMaxStaleness: getEnvDuration("BALANCE_MAX_STALENESS", 30*time.Second),
		ConfirmationTimeout: getEnvDuration("CONFIRMATION_TIMEOUT", 2*time.Minute),
		NonceLockTimeout:    getEnvDuration("NONCE_LOCK_TIMEOUT", 2*time.Second),
		NonceLockGrace:      getEnvDuration("NONCE_LOCK_GRACE", 5*time.Minute),
		OracleURL:           os.Getenv("ORACLE_URL"),
		OracleAPIKey:        os.Getenv("ORACLE_API_KEY"),
		OracleTimeout:       getEnvDuration("ORACLE_TIMEOUT", 5*time.Second),
		RiskCacheTTL:        getEnvDuration("RISK_CACHE_TTL", 24*time.Hour),
		RiskCacheMax:        getEnvDuration("RISK_CACHE_MAX_AGE", 7*24*time.Hour),
		ClusterBlockScore:   getEnvFloat("CLUSTER_BLOCK_SCORE", 75),
		SinkDumpWindow:      getEnvDuration("SINK_DUMP_WINDOW", 1*time.Hour),
		CompletionTimeFloor: getEnvFloat("COMPLETION_TIME_FLOOR", 0.25),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:        int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PrivateKey == "" {
		return fmt.Errorf("PRIVATE_KEY is required")
	}

	// Allow both with and without 0x prefix
	key := c.PrivateKey
	if len(key) == 66 && key[:2] == "0x" {
		key = key[2:]
	}
	if len(key) != 64 {
		return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.TokenContract == "" {
		return fmt.Errorf("TOKEN_CONTRACT is required")
	}
	if c.CompletionTimeFloor <= 0 || c.CompletionTimeFloor >= 1 {
		return fmt.Errorf("COMPLETION_TIME_FLOOR must be in (0, 1)")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
