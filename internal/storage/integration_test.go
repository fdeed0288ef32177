package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/maneesh/gridvault/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// These tests run against real services and skip unless their address is configured.

func TestMinioChunkStore(t *testing.T) {
	endpoint := os.Getenv("GRIDVAULT_TEST_MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("GRIDVAULT_TEST_MINIO_ENDPOINT not set")
	}

	store, err := NewMinioClient(context.Background(), MinioConfig{
		Endpoint:  endpoint,
		AccessKey: envOr("GRIDVAULT_TEST_MINIO_ACCESS_KEY", "minioadmin"),
		SecretKey: envOr("GRIDVAULT_TEST_MINIO_SECRET_KEY", "minioadmin"),
		Bucket:    "gridvault-test",
	}, zap.NewNop())
	require.NoError(t, err)

	runChunkStoreContract(t, store)
}

func TestMySQLCatalog(t *testing.T) {
	runSQLCatalogContract(t, DriverMySQL, os.Getenv("GRIDVAULT_TEST_MYSQL_DSN"))
}

func TestPostgresCatalog(t *testing.T) {
	runSQLCatalogContract(t, DriverPostgres, os.Getenv("GRIDVAULT_TEST_POSTGRES_DSN"))
}

func runSQLCatalogContract(t *testing.T, driver, dsn string) {
	if dsn == "" {
		t.Skipf("%s test DSN not set", driver)
	}
	ctx := context.Background()

	catalog, err := NewSQLCatalog(ctx, driver, dsn)
	require.NoError(t, err)
	defer catalog.Close()

	require.NoError(t, catalog.EnsureSchema(ctx))
	_, err = catalog.db.ExecContext(ctx, `DELETE FROM files`)
	require.NoError(t, err)

	runCatalogContract(t, catalog)
}

func TestRedisCachedCatalog(t *testing.T) {
	addr := os.Getenv("GRIDVAULT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("GRIDVAULT_TEST_REDIS_ADDR not set")
	}

	cache, err := NewRedisClient(context.Background(), addr, "", 15)
	require.NoError(t, err)
	defer cache.Close()
	require.NoError(t, cache.client.FlushDB(context.Background()).Err())

	runCatalogContract(t, NewCachedCatalog(openTestBadger(t), cache, zap.NewNop()))
}

func TestRedisCacheRefusesRecordLoadedBeforeDelete(t *testing.T) {
	addr := os.Getenv("GRIDVAULT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("GRIDVAULT_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()

	cache, err := NewRedisClient(ctx, addr, "", 15)
	require.NoError(t, err)
	defer cache.Close()
	require.NoError(t, cache.client.FlushDB(ctx).Err())

	cached := NewCachedCatalog(openTestBadger(t), cache, zap.NewNop())
	record := testRecord(newFileID()+".pdf", time.Now())
	require.NoError(t, cached.Put(ctx, record))

	// a reader loads the record, then loses the race with Delete
	stale, err := cached.Catalog.GetByName(ctx, record.Name)
	require.NoError(t, err)
	require.NoError(t, cached.Delete(ctx, record.ID))
	require.NoError(t, cache.SetFileRecord(ctx, stale))

	_, err = cached.GetByName(ctx, record.Name)
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = cached.GetByID(ctx, record.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)

	got, err := cache.GetFileRecord(ctx, nameCacheKey(record.Name))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
