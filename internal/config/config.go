package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Store backends
const (
	BackendBadger      = "badger"
	BackendDistributed = "distributed"
)

// MaxChunkSizeBytes bounds CHUNK_SIZE_BYTES
const MaxChunkSizeBytes = 16 * 1024 * 1024

// Config holds all application configuration
type Config struct {
	// Service configuration
	ServicePort          string `mapstructure:"SERVICE_PORT"`
	ServiceName          string `mapstructure:"SERVICE_NAME"`
	AppEnv               string `mapstructure:"APP_ENV"`
	LogLevel             string `mapstructure:"LOG_LEVEL"`
	MaxConcurrentUploads int64  `mapstructure:"MAX_CONCURRENT_UPLOADS"`

	// Storage configuration
	StoreBackend     string `mapstructure:"STORE_BACKEND"`
	BadgerPath       string `mapstructure:"BADGER_PATH"`
	ChunkSizeBytes   int64  `mapstructure:"CHUNK_SIZE_BYTES"`
	ChunkCompression bool   `mapstructure:"CHUNK_COMPRESSION"`
	ChunkPutAttempts int    `mapstructure:"CHUNK_PUT_ATTEMPTS"`

	// Catalog database configuration
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	CatalogDriver string `mapstructure:"CATALOG_DRIVER"`
	TiDBHost      string `mapstructure:"TIDB_HOST"`
	TiDBPort      string `mapstructure:"TIDB_PORT"`
	TiDBUser      string `mapstructure:"TIDB_USER"`
	TiDBPassword  string `mapstructure:"TIDB_PASSWORD"`
	TiDBDatabase  string `mapstructure:"TIDB_DATABASE"`

	// MinIO configuration
	MinIOEndpoint   string `mapstructure:"MINIO_ENDPOINT"`
	MinIOAccessKey  string `mapstructure:"MINIO_ACCESS_KEY"`
	MinIOSecretKey  string `mapstructure:"MINIO_SECRET_KEY"`
	MinIOBucketName string `mapstructure:"MINIO_BUCKET_NAME"`
	MinIOUseSSL     bool   `mapstructure:"MINIO_USE_SSL"`

	// Redis configuration
	RedisEnabled  bool   `mapstructure:"REDIS_ENABLED"`
	RedisHost     string `mapstructure:"REDIS_HOST"`
	RedisPort     string `mapstructure:"REDIS_PORT"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	// Janitor configuration
	GCInterval time.Duration `mapstructure:"GC_INTERVAL"`
	GCGrace    time.Duration `mapstructure:"GC_GRACE"`

	// Tracing configuration
	TracingExporter string `mapstructure:"TRACING_EXPORTER"`
	JaegerEndpoint  string `mapstructure:"JAEGER_ENDPOINT"`
}

var defaults = map[string]any{
	"SERVICE_PORT":           "8080",
	"SERVICE_NAME":           "gridvault",
	"APP_ENV":                "production",
	"LOG_LEVEL":              "info",
	"MAX_CONCURRENT_UPLOADS": 64,

	"STORE_BACKEND":      BackendBadger,
	"BADGER_PATH":        "./data/badger",
	"CHUNK_SIZE_BYTES":   261120,
	"CHUNK_COMPRESSION":  false,
	"CHUNK_PUT_ATTEMPTS": 3,

	"DATABASE_URL":   "",
	"CATALOG_DRIVER": "mysql",
	"TIDB_HOST":      "localhost",
	"TIDB_PORT":      "4000",
	"TIDB_USER":      "root",
	"TIDB_PASSWORD":  "",
	"TIDB_DATABASE":  "gridvault",

	"MINIO_ENDPOINT":    "localhost:9000",
	"MINIO_ACCESS_KEY":  "minioadmin",
	"MINIO_SECRET_KEY":  "minioadmin",
	"MINIO_BUCKET_NAME": "uploads",
	"MINIO_USE_SSL":     false,

	"REDIS_ENABLED":  false,
	"REDIS_HOST":     "localhost",
	"REDIS_PORT":     "6379",
	"REDIS_PASSWORD": "",
	"REDIS_DB":       0,

	"GC_INTERVAL": "10m",
	"GC_GRACE":    "1h",

	"TRACING_EXPORTER": "otlp",
	"JAEGER_ENDPOINT":  "localhost:4318",
}

// LoadConfig reads .env when present, then the environment, over the defaults
func LoadConfig() (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	// a variable set to "" overrides its default; BADGER_PATH= selects an in-memory store
	v.AllowEmptyEnv(true)
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot start with
func (c *Config) Validate() error {
	var errs []error

	if c.ChunkSizeBytes < 1 || c.ChunkSizeBytes > MaxChunkSizeBytes {
		errs = append(errs, fmt.Errorf("CHUNK_SIZE_BYTES must be between 1 and %d, got %d", MaxChunkSizeBytes, c.ChunkSizeBytes))
	}
	if c.ChunkPutAttempts < 1 {
		errs = append(errs, fmt.Errorf("CHUNK_PUT_ATTEMPTS must be at least 1, got %d", c.ChunkPutAttempts))
	}
	if c.MaxConcurrentUploads < 1 {
		errs = append(errs, fmt.Errorf("MAX_CONCURRENT_UPLOADS must be at least 1, got %d", c.MaxConcurrentUploads))
	}
	switch c.StoreBackend {
	case BackendBadger, BackendDistributed:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}
	switch c.CatalogDriver {
	case "mysql", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unknown CATALOG_DRIVER %q", c.CatalogDriver))
	}
	switch c.TracingExporter {
	case "otlp", "stdout", "none":
	default:
		errs = append(errs, fmt.Errorf("unknown TRACING_EXPORTER %q", c.TracingExporter))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// IsDevelopment reports whether APP_ENV selects development logging
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.AppEnv, "development")
}

// GetDSN returns the catalog connection string, building one from the TIDB_* settings when DATABASE_URL is empty
func (c *Config) GetDSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	if c.CatalogDriver == "postgres" {
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
			c.TiDBUser,
			c.TiDBPassword,
			c.TiDBHost,
			c.TiDBPort,
			c.TiDBDatabase,
		)
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.TiDBUser,
		c.TiDBPassword,
		c.TiDBHost,
		c.TiDBPort,
		c.TiDBDatabase,
	)
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

func mask(secret string) string {
	if secret == "" {
		return "(empty)"
	}
	return "********"
}

// String renders the config with secrets masked
func (c *Config) String() string {
	var sb strings.Builder
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "  ServicePort: %s\n", c.ServicePort)
	fmt.Fprintf(&sb, "  ServiceName: %s\n", c.ServiceName)
	fmt.Fprintf(&sb, "  AppEnv: %s\n", c.AppEnv)
	fmt.Fprintf(&sb, "  LogLevel: %s\n", c.LogLevel)
	fmt.Fprintf(&sb, "  MaxConcurrentUploads: %d\n", c.MaxConcurrentUploads)
	fmt.Fprintf(&sb, "  StoreBackend: %s\n", c.StoreBackend)
	fmt.Fprintf(&sb, "  BadgerPath: %s\n", c.BadgerPath)
	fmt.Fprintf(&sb, "  ChunkSizeBytes: %d\n", c.ChunkSizeBytes)
	fmt.Fprintf(&sb, "  ChunkCompression: %v\n", c.ChunkCompression)
	fmt.Fprintf(&sb, "  ChunkPutAttempts: %d\n", c.ChunkPutAttempts)

	if c.DatabaseURL != "" {
		sb.WriteString("  DatabaseURL: ********\n")
	}
	fmt.Fprintf(&sb, "  CatalogDriver: %s\n", c.CatalogDriver)
	fmt.Fprintf(&sb, "  TiDBHost: %s\n", c.TiDBHost)
	fmt.Fprintf(&sb, "  TiDBPort: %s\n", c.TiDBPort)
	fmt.Fprintf(&sb, "  TiDBUser: %s\n", c.TiDBUser)
	fmt.Fprintf(&sb, "  TiDBPassword: %s\n", mask(c.TiDBPassword))
	fmt.Fprintf(&sb, "  TiDBDatabase: %s\n", c.TiDBDatabase)

	fmt.Fprintf(&sb, "  MinIOEndpoint: %s\n", c.MinIOEndpoint)
	fmt.Fprintf(&sb, "  MinIOAccessKey: %s\n", mask(c.MinIOAccessKey))
	fmt.Fprintf(&sb, "  MinIOSecretKey: %s\n", mask(c.MinIOSecretKey))
	fmt.Fprintf(&sb, "  MinIOBucketName: %s\n", c.MinIOBucketName)
	fmt.Fprintf(&sb, "  MinIOUseSSL: %v\n", c.MinIOUseSSL)

	fmt.Fprintf(&sb, "  RedisEnabled: %v\n", c.RedisEnabled)
	fmt.Fprintf(&sb, "  RedisAddr: %s\n", c.GetRedisAddr())
	fmt.Fprintf(&sb, "  RedisPassword: %s\n", mask(c.RedisPassword))
	fmt.Fprintf(&sb, "  RedisDB: %d\n", c.RedisDB)

	fmt.Fprintf(&sb, "  GCInterval: %s\n", c.GCInterval)
	fmt.Fprintf(&sb, "  GCGrace: %s\n", c.GCGrace)
	fmt.Fprintf(&sb, "  TracingExporter: %s\n", c.TracingExporter)
	fmt.Fprintf(&sb, "  JaegerEndpoint: %s\n", c.JaegerEndpoint)

	return sb.String()
}
