package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// MinSigningKeyLength is the shortest accepted session signing key outside
// development.
const MinSigningKeyLength = 32

// devSigningKey is used when ENV=development and no key is configured.
const devSigningKey = "healthbook-development-signing-key"

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	StoreBackend   string        `mapstructure:"STORE_BACKEND"`
	StorePath      string        `mapstructure:"STORE_PATH"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL       string        `mapstructure:"REDIS_URL"`
	RedisKeyPrefix string        `mapstructure:"REDIS_KEY_PREFIX"`
	StoreTimeout   time.Duration `mapstructure:"STORE_TIMEOUT"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	SigningKey     string        `mapstructure:"SESSION_SIGNING_KEY"`
	SessionTTL     time.Duration `mapstructure:"SESSION_TTL"`
	EncryptionKey  string        `mapstructure:"STORE_ENCRYPTION_KEY"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	SeedOnEmpty    bool          `mapstructure:"SEED_ON_EMPTY"`

	ExportS3Bucket    string `mapstructure:"EXPORT_S3_BUCKET"`
	ExportS3Region    string `mapstructure:"EXPORT_S3_REGION"`
	ExportS3Endpoint  string `mapstructure:"EXPORT_S3_ENDPOINT"`
	ExportS3PathStyle bool   `mapstructure:"EXPORT_S3_PATH_STYLE"`

	Argon2MemoryKiB  uint32 `mapstructure:"ARGON2_MEMORY_KIB"`
	Argon2Iterations uint32 `mapstructure:"ARGON2_ITERATIONS"`
}

var keys = []string{
	"PORT", "ENV", "STORE_BACKEND", "STORE_PATH",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "REDIS_KEY_PREFIX",
	"STORE_TIMEOUT", "REQUEST_TIMEOUT",
	"SESSION_SIGNING_KEY", "SESSION_TTL", "STORE_ENCRYPTION_KEY",
	"CORS_ORIGINS", "SEED_ON_EMPTY",
	"EXPORT_S3_BUCKET", "EXPORT_S3_REGION", "EXPORT_S3_ENDPOINT", "EXPORT_S3_PATH_STYLE",
	"ARGON2_MEMORY_KIB", "ARGON2_ITERATIONS",
}

// Load reads configuration from the environment and an optional .env file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE_BACKEND", BackendMemory)
	v.SetDefault("STORE_PATH", "./data")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("REDIS_KEY_PREFIX", "healthbook:")
	v.SetDefault("STORE_TIMEOUT", "5s")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("SESSION_TTL", "12h")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("SEED_ON_EMPTY", true)
	v.SetDefault("EXPORT_S3_REGION", "us-east-1")
	v.SetDefault("ARGON2_MEMORY_KIB", 64*1024)
	v.SetDefault("ARGON2_ITERATIONS", 3)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if origins := v.GetString("CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = splitList(origins)
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	if cfg.SigningKey == "" && cfg.IsDev() {
		cfg.SigningKey = devSigningKey
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// EncryptionKeyBytes decodes STORE_ENCRYPTION_KEY. It returns nil when no
// key is configured.
func (c *Config) EncryptionKeyBytes() ([]byte, error) {
	if c.EncryptionKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("STORE_ENCRYPTION_KEY is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("STORE_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(key))
	}
	return key, nil
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory, BackendFile, BackendSQLite:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is %q", BackendPostgres)
		}
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when STORE_BACKEND is %q", BackendRedis)
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be one of memory, file, sqlite, postgres, redis; got %q", c.StoreBackend)
	}
	if (c.StoreBackend == BackendFile || c.StoreBackend == BackendSQLite) && c.StorePath == "" {
		return fmt.Errorf("STORE_PATH is required when STORE_BACKEND is %q", c.StoreBackend)
	}

	if c.SigningKey == "" {
		return fmt.Errorf("SESSION_SIGNING_KEY is required")
	}
	if !c.IsDev() && len(c.SigningKey) < MinSigningKeyLength {
		return fmt.Errorf("SESSION_SIGNING_KEY must be at least %d bytes outside development", MinSigningKeyLength)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive")
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be positive")
	}

	if c.IsProduction() && c.EncryptionKey == "" && c.StoreBackend != BackendMemory {
		return fmt.Errorf("STORE_ENCRYPTION_KEY is required in production")
	}
	if _, err := c.EncryptionKeyBytes(); err != nil {
		return err
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}
