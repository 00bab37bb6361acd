package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the engine
type Config struct {
	Server     ServerConfig
	Redis      RedisConfig
	Encryption EncryptionConfig
	Upbit      UpbitConfig
	Engine     EngineConfig
	Log        LogConfig
}

// ServerConfig holds the ops HTTP server configuration
type ServerConfig struct {
	Host         string
	Port         string
	Env          string
	OpsTokenHash string
	OpsRateLimit int
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// EncryptionConfig holds the key for stored exchange credentials
type EncryptionConfig struct {
	Key string
}

// UpbitConfig holds exchange endpoints and stream tuning
type UpbitConfig struct {
	APIURL            string
	WSURL             string
	PrivateWSURL      string
	RequestsPerSecond float64
	PingInterval      time.Duration
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	ReconnectAttempts int
}

// EngineConfig holds trading and scheduling parameters
type EngineConfig struct {
	PaperTrading        bool
	PaperBalanceKRW     float64
	FillNotifierEnabled bool
	FeeRate             float64

	ExecutionInterval time.Duration
	BotDelay          time.Duration
	SweepInterval     time.Duration
	BroadcastInterval time.Duration
	ReconcileInterval time.Duration
	ClaimTimeout      time.Duration
	SyncInterval      time.Duration
	FastPathCooldown  time.Duration

	RotationRetries    int
	RotationRetryDelay time.Duration
	TrimKeep           int
	RecentFillLimit    int
	StaleOrderAfter    time.Duration
	StaleOrderBatch    int

	PriceTTL         time.Duration
	VolatilityWindow time.Duration
	PriceFlush       time.Duration
	CredentialTTL    time.Duration
	DefaultSymbols   []string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string
	Format string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
			Port: getEnv("SERVER_PORT", "8081"),
			Env:  getEnv("SERVER_ENV", "development"),

			OpsTokenHash: getEnv("SERVER_OPS_TOKEN_HASH", ""),
			OpsRateLimit: getEnvAsInt("SERVER_OPS_RATE_LIMIT", 120),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Encryption: EncryptionConfig{
			Key: getEnv("ENCRYPTION_KEY", ""),
		},
		Upbit: UpbitConfig{
			APIURL:            getEnv("UPBIT_API_URL", "https://api.upbit.com"),
			WSURL:             getEnv("UPBIT_WS_URL", "wss://api.upbit.com/websocket/v1"),
			PrivateWSURL:      getEnv("UPBIT_PRIVATE_WS_URL", "wss://api.upbit.com/websocket/v1/private"),
			RequestsPerSecond: getEnvAsFloat("UPBIT_REQUESTS_PER_SECOND", 8),
			PingInterval:      getEnvAsDuration("UPBIT_PING_INTERVAL", 60*time.Second),
			ReconnectBase:     getEnvAsDuration("UPBIT_RECONNECT_BASE", time.Second),
			ReconnectMax:      getEnvAsDuration("UPBIT_RECONNECT_MAX", 30*time.Second),
			ReconnectAttempts: getEnvAsInt("UPBIT_RECONNECT_ATTEMPTS", 10),
		},
		Engine: EngineConfig{
			PaperTrading:        getEnvAsBool("ENGINE_PAPER_TRADING", false),
			PaperBalanceKRW:     getEnvAsFloat("ENGINE_PAPER_BALANCE_KRW", 0),
			FillNotifierEnabled: getEnvAsBool("ENGINE_FILL_NOTIFIER_ENABLED", true),
			FeeRate:             getEnvAsFloat("ENGINE_FEE_RATE", 0.0005),

			ExecutionInterval: getEnvAsDuration("ENGINE_EXECUTION_INTERVAL", 3*time.Second),
			BotDelay:          getEnvAsDuration("ENGINE_BOT_DELAY", 300*time.Millisecond),
			SweepInterval:     getEnvAsDuration("ENGINE_SWEEP_INTERVAL", 15*time.Second),
			BroadcastInterval: getEnvAsDuration("ENGINE_BROADCAST_INTERVAL", 10*time.Second),
			ReconcileInterval: getEnvAsDuration("ENGINE_RECONCILE_INTERVAL", time.Minute),
			ClaimTimeout:      getEnvAsDuration("ENGINE_CLAIM_TIMEOUT", 2*time.Minute),
			SyncInterval:      getEnvAsDuration("ENGINE_SYNC_INTERVAL", 30*time.Second),
			FastPathCooldown:  getEnvAsDuration("ENGINE_FAST_PATH_COOLDOWN", 3*time.Second),

			RotationRetries:    getEnvAsInt("ENGINE_ROTATION_RETRIES", 3),
			RotationRetryDelay: getEnvAsDuration("ENGINE_ROTATION_RETRY_DELAY", 5*time.Second),
			TrimKeep:           getEnvAsInt("ENGINE_TRIM_KEEP", 7),
			RecentFillLimit:    getEnvAsInt("ENGINE_RECENT_FILL_LIMIT", 100),
			StaleOrderAfter:    getEnvAsDuration("ENGINE_STALE_ORDER_AFTER", 30*time.Minute),
			StaleOrderBatch:    getEnvAsInt("ENGINE_STALE_ORDER_BATCH", 20),

			PriceTTL:         getEnvAsDuration("ENGINE_PRICE_TTL", 60*time.Second),
			VolatilityWindow: getEnvAsDuration("ENGINE_VOLATILITY_WINDOW", 60*time.Second),
			PriceFlush:       getEnvAsDuration("ENGINE_PRICE_FLUSH", time.Second),
			CredentialTTL:    getEnvAsDuration("ENGINE_CREDENTIAL_TTL", 5*time.Minute),
			DefaultSymbols:   getEnvAsSlice("ENGINE_DEFAULT_SYMBOLS", []string{"KRW-BTC", "KRW-ETH", "KRW-XRP"}, ","),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and value ranges
func (c *Config) Validate() error {
	if !c.Engine.PaperTrading {
		if c.Encryption.Key == "" {
			return fmt.Errorf("ENCRYPTION_KEY is required")
		}
		if len(c.Encryption.Key) != 32 {
			return fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes")
		}
	}
	if c.Engine.FeeRate < 0 || c.Engine.FeeRate >= 0.01 {
		return fmt.Errorf("ENGINE_FEE_RATE must be in [0, 0.01)")
	}
	if c.Server.IsProduction() && c.Server.OpsTokenHash == "" {
		return fmt.Errorf("SERVER_OPS_TOKEN_HASH is required in production")
	}
	if c.Upbit.ReconnectAttempts <= 0 {
		return fmt.Errorf("UPBIT_RECONNECT_ATTEMPTS must be positive")
	}
	return nil
}

// Address returns the full server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// Address returns the full Redis address
func (c *RedisConfig) Address() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// IsProduction returns true if running in production mode
func (c *ServerConfig) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key string, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsDuration accepts Go durations ("15s") or plain milliseconds
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string, separator string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, separator)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, strings.ToUpper(p))
		}
	}
	return out
}
