package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the JamAI backend.
type Config struct {
	Port    int
	Version string

	// Cloud mode enforces credit and quota gates; OSS mode meters usage
	// but never refuses work.
	Cloud bool

	Database   DatabaseConfig
	Redis      RedisConfig
	ClickHouse ClickHouseConfig
	S3         S3Config
	Auth       AuthConfig
	Telemetry  TelemetryConfig
	Generation GenerationConfig
	Billing    BillingConfig
}

type DatabaseConfig struct {
	// URL empty selects the in-memory store.
	URL            string
	MaxConnections int
}

type RedisConfig struct {
	// URL empty selects in-process locks.
	URL string
}

type ClickHouseConfig struct {
	// Addr empty disables the usage-event sink.
	Addr     string
	Database string
	Username string
	Password string
}

type S3Config struct {
	// Endpoint + Bucket empty selects the local directory store at FileDir.
	Endpoint       string
	Region         string
	Bucket         string
	AccessKeyID    string
	SecretKey      string
	ForcePathStyle bool
	FileDir        string
	PresignExpiry  time.Duration
}

type AuthConfig struct {
	// ServiceKey guards /api/admin. Empty disables auth entirely
	// (single-user OSS deployments).
	ServiceKey string
	// EncryptionKey (hex, 32 bytes) encrypts org external keys at rest.
	EncryptionKey string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type GenerationConfig struct {
	// MaxConcurrentCols bounds concurrent column generation per process.
	MaxConcurrentCols int
	// BackoffBase seeds the deployment cooldown schedule.
	BackoffBase time.Duration
	// CodeExecutorURL points at the sandboxed code runner. Empty disables
	// code columns.
	CodeExecutorURL string
	// ModelsConfigPath optionally seeds the model registry from a JSON file.
	ModelsConfigPath string
}

type BillingConfig struct {
	FlushInterval time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("PORT", 6969),
		Version: envStr("JAMAI_VERSION", "0.3.0"),
		Cloud:   envBool("IS_CLOUD", false),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 25),
		},
		Redis: RedisConfig{
			URL: envStr("REDIS_URL", ""),
		},
		ClickHouse: ClickHouseConfig{
			Addr:     envStr("CLICKHOUSE_ADDR", ""),
			Database: envStr("CLICKHOUSE_DATABASE", "jamai"),
			Username: envStr("CLICKHOUSE_USERNAME", "default"),
			Password: envStr("CLICKHOUSE_PASSWORD", ""),
		},
		S3: S3Config{
			Endpoint:       envStr("S3_ENDPOINT", ""),
			Region:         envStr("S3_REGION", "us-east-1"),
			Bucket:         envStr("S3_BUCKET", ""),
			AccessKeyID:    envStr("S3_ACCESS_KEY_ID", ""),
			SecretKey:      envStr("S3_SECRET_ACCESS_KEY", ""),
			ForcePathStyle: envBool("S3_FORCE_PATH_STYLE", true),
			FileDir:        envStr("FILE_DIR", "data/files"),
			PresignExpiry:  envDur("S3_PRESIGN_EXPIRY", time.Hour),
		},
		Auth: AuthConfig{
			ServiceKey:    envStr("SERVICE_KEY", ""),
			EncryptionKey: envStr("ENCRYPTION_KEY", ""),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "jamai-backend"),
		},
		Generation: GenerationConfig{
			MaxConcurrentCols: envInt("MAX_CONCURRENT_COLS", 8),
			BackoffBase:       envDur("BACKOFF_BASE", time.Second),
			CodeExecutorURL:   envStr("CODE_EXECUTOR_URL", ""),
			ModelsConfigPath:  envStr("OWL_MODELS_CONFIG", ""),
		},
		Billing: BillingConfig{
			FlushInterval: envDur("BILLING_FLUSH_INTERVAL", 10*time.Second),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
