package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.ServicePort)
	assert.Equal(t, BackendBadger, cfg.StoreBackend)
	assert.Equal(t, int64(261120), cfg.ChunkSizeBytes)
	assert.Equal(t, 3, cfg.ChunkPutAttempts)
	assert.Equal(t, int64(64), cfg.MaxConcurrentUploads)
	assert.Equal(t, 10*time.Minute, cfg.GCInterval)
	assert.Equal(t, time.Hour, cfg.GCGrace)
	assert.False(t, cfg.RedisEnabled)
	assert.False(t, cfg.IsDevelopment())
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("SERVICE_PORT", "9191")
	t.Setenv("STORE_BACKEND", BackendDistributed)
	t.Setenv("CHUNK_SIZE_BYTES", "4")
	t.Setenv("CHUNK_COMPRESSION", "true")
	t.Setenv("GC_GRACE", "90s")
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("APP_ENV", "development")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "9191", cfg.ServicePort)
	assert.Equal(t, BackendDistributed, cfg.StoreBackend)
	assert.Equal(t, int64(4), cfg.ChunkSizeBytes)
	assert.True(t, cfg.ChunkCompression)
	assert.Equal(t, 90*time.Second, cfg.GCGrace)
	assert.True(t, cfg.RedisEnabled)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoadConfigEmptyEnvOverridesDefault(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "./data/badger", cfg.BadgerPath)

	t.Setenv("BADGER_PATH", "")
	cfg, err = LoadConfig()
	require.NoError(t, err)
	assert.Empty(t, cfg.BadgerPath)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"CHUNK_SIZE_BYTES":   "0",
		"CHUNK_PUT_ATTEMPTS": "0",
		"STORE_BACKEND":      "floppy",
		"CATALOG_DRIVER":     "sqlite",
		"TRACING_EXPORTER":   "zipkin",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := LoadConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestValidateChunkSizeUpperBound(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	cfg.ChunkSizeBytes = MaxChunkSizeBytes
	assert.NoError(t, cfg.Validate())

	cfg.ChunkSizeBytes = MaxChunkSizeBytes + 1
	assert.Error(t, cfg.Validate())
}

func TestGetDSN(t *testing.T) {
	cfg := &Config{
		CatalogDriver: "mysql",
		TiDBUser:      "root",
		TiDBPassword:  "pw",
		TiDBHost:      "db",
		TiDBPort:      "4000",
		TiDBDatabase:  "gridvault",
	}
	assert.Equal(t, "root:pw@tcp(db:4000)/gridvault?charset=utf8mb4&parseTime=True&loc=UTC", cfg.GetDSN())

	cfg.CatalogDriver = "postgres"
	assert.Equal(t, "postgres://root:pw@db:4000/gridvault?sslmode=disable", cfg.GetDSN())

	cfg.DatabaseURL = "postgres://elsewhere/db"
	assert.Equal(t, "postgres://elsewhere/db", cfg.GetDSN())
}

func TestStringMasksSecrets(t *testing.T) {
	cfg := &Config{
		TiDBPassword:   "hunter2",
		MinIOSecretKey: "topsecret",
		RedisPassword:  "redispw",
		DatabaseURL:    "mysql://u:p@h/db",
	}
	out := cfg.String()
	for _, secret := range []string{"hunter2", "topsecret", "redispw", "u:p@h"} {
		assert.False(t, strings.Contains(out, secret), secret)
	}
	assert.Contains(t, out, "********")
}
