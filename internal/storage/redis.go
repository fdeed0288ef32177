package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/maneesh/gridvault/internal/models"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	// CacheTTL is the time-to-live for cached file records (5 minutes)
	CacheTTL = 5 * time.Minute
)

// RedisClient wraps Redis operations with tracing
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient initializes a new Redis client
func NewRedisClient(ctx context.Context, addr, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &RedisClient{client: client}, nil
}

// Close closes the Redis connection
func (rc *RedisClient) Close() error {
	return rc.client.Close()
}

func nameCacheKey(name string) string    { return "file:name:" + name }
func idCacheKey(id string) string        { return "file:id:" + id }
func tombstoneCacheKey(id string) string { return "file:deleted:" + id }

// GetFileRecord retrieves a cached record; a miss returns (nil, nil)
func (rc *RedisClient) GetFileRecord(ctx context.Context, key string) (*models.FileRecord, error) {
	ctx, span := tracer.Start(ctx, "redis.get_file_record",
		trace.WithAttributes(
			attribute.String("cache_key", key),
		),
	)
	defer span.End()

	data, err := rc.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		span.SetAttributes(
			attribute.Bool("cache_hit", false),
			attribute.String("cache_status", "miss"),
		)
		return nil, nil
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get from cache: %w", err)
	}

	var record models.FileRecord
	if err := json.Unmarshal(data, &record); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to unmarshal cached data: %w", err)
	}

	span.SetAttributes(
		attribute.Bool("cache_hit", true),
		attribute.String("cache_status", "hit"),
	)
	return &record, nil
}

// SetFileRecord caches a record under both its name and id keys.
// Records whose id carries a deletion tombstone are not cached.
func (rc *RedisClient) SetFileRecord(ctx context.Context, record *models.FileRecord) error {
	ctx, span := tracer.Start(ctx, "redis.set_file_record",
		trace.WithAttributes(
			attribute.String("file_id", record.ID),
			attribute.String("file_name", record.Name),
		),
	)
	defer span.End()

	data, err := json.Marshal(record)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal file record: %w", err)
	}

	tombstone := tombstoneCacheKey(record.ID)
	err = rc.client.Watch(ctx, func(tx *redis.Tx) error {
		deleted, err := tx.Exists(ctx, tombstone).Result()
		if err != nil {
			return err
		}
		if deleted > 0 {
			span.SetAttributes(attribute.Bool("tombstoned", true))
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, nameCacheKey(record.Name), data, CacheTTL)
			pipe.Set(ctx, idCacheKey(record.ID), data, CacheTTL)
			return nil
		})
		return err
	}, tombstone)
	if errors.Is(err, redis.TxFailedErr) {
		// the tombstone appeared while we were writing
		span.SetAttributes(attribute.Bool("tombstoned", true))
		return nil
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to set cache: %w", err)
	}

	span.SetAttributes(attribute.Int64("ttl_seconds", int64(CacheTTL.Seconds())))
	return nil
}

// ForgetFileRecord tombstones a deleted record's id for one CacheTTL and removes its cache keys.
// A read that loaded the record before the delete cannot cache it again while the tombstone lives.
func (rc *RedisClient) ForgetFileRecord(ctx context.Context, record *models.FileRecord) error {
	ctx, span := tracer.Start(ctx, "redis.forget_file_record",
		trace.WithAttributes(
			attribute.String("file_id", record.ID),
		),
	)
	defer span.End()

	pipe := rc.client.TxPipeline()
	pipe.Set(ctx, tombstoneCacheKey(record.ID), 1, CacheTTL)
	pipe.Del(ctx, nameCacheKey(record.Name), idCacheKey(record.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to invalidate cache: %w", err)
	}
	return nil
}

// CachedCatalog is a read-through Redis cache in front of another Catalog.
// Cache failures are logged and never fail the call.
type CachedCatalog struct {
	Catalog
	cache  *RedisClient
	logger *zap.Logger
}

// NewCachedCatalog wraps inner with a Redis read-through cache
func NewCachedCatalog(inner Catalog, cache *RedisClient, logger *zap.Logger) *CachedCatalog {
	return &CachedCatalog{Catalog: inner, cache: cache, logger: logger}
}

// GetByName serves from the cache and falls back to the wrapped catalog
func (cc *CachedCatalog) GetByName(ctx context.Context, name string) (*models.FileRecord, error) {
	return cc.readThrough(ctx, nameCacheKey(name), func() (*models.FileRecord, error) {
		return cc.Catalog.GetByName(ctx, name)
	})
}

// GetByID serves from the cache and falls back to the wrapped catalog
func (cc *CachedCatalog) GetByID(ctx context.Context, id string) (*models.FileRecord, error) {
	return cc.readThrough(ctx, idCacheKey(id), func() (*models.FileRecord, error) {
		return cc.Catalog.GetByID(ctx, id)
	})
}

func (cc *CachedCatalog) readThrough(ctx context.Context, key string, load func() (*models.FileRecord, error)) (*models.FileRecord, error) {
	record, err := cc.cache.GetFileRecord(ctx, key)
	if err != nil {
		cc.logger.Warn("cache lookup failed", zap.String("key", key), zap.Error(err))
	}
	if record != nil {
		return record, nil
	}

	record, err = load()
	if err != nil {
		return nil, err
	}

	if err := cc.cache.SetFileRecord(ctx, record); err != nil {
		cc.logger.Warn("failed to update cache", zap.String("key", key), zap.Error(err))
	}
	return record, nil
}

// Delete removes the record and then tombstones its cache entries
func (cc *CachedCatalog) Delete(ctx context.Context, id string) error {
	record, err := cc.Catalog.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := cc.Catalog.Delete(ctx, id); err != nil {
		return err
	}
	if err := cc.cache.ForgetFileRecord(ctx, record); err != nil {
		cc.logger.Warn("failed to invalidate cache", zap.String("file_id", id), zap.Error(err))
	}
	return nil
}
