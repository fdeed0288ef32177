package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maneesh/gridvault/internal/blob"
	"github.com/maneesh/gridvault/internal/chunker"
	"github.com/maneesh/gridvault/internal/config"
	"github.com/maneesh/gridvault/internal/handlers"
	"github.com/maneesh/gridvault/internal/janitor"
	"github.com/maneesh/gridvault/internal/logging"
	"github.com/maneesh/gridvault/internal/metrics"
	"github.com/maneesh/gridvault/internal/storage"
	"github.com/maneesh/gridvault/internal/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.InitLogger(cfg.IsDevelopment(), cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting GridVault service",
		zap.String("service", cfg.ServiceName),
		zap.String("port", cfg.ServicePort),
	)
	logger.Debug("loaded config", zap.Stringer("config", cfg))

	if err := run(cfg, logger); err != nil {
		logger.Fatal("service failed", zap.Error(err))
	}
	logger.Info("server exited")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize OpenTelemetry tracing
	shutdownTracer, err := tracing.InitTracer(ctx, cfg.ServiceName, cfg.TracingExporter, cfg.JaegerEndpoint, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			logger.Error("error shutting down tracer", zap.Error(err))
		}
	}()

	m, err := metrics.New(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	store, catalog, closers, err := openStores(ctx, cfg, logger)
	// Store handles close only after the HTTP server has drained.
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				logger.Error("error closing store", zap.Error(err))
			}
		}
	}()
	if err != nil {
		return err
	}

	if cfg.ChunkCompression {
		store = storage.NewCompressingChunkStore(store)
	}
	store = storage.NewRetryingChunkStore(store, cfg.ChunkPutAttempts,
		storage.WithRetryObserver(func(op string, err error) {
			m.ChunkRetried(op, err)
			logger.Warn("retrying chunk store operation", zap.String("op", op), zap.Error(err))
		}),
	)

	writer := blob.NewWriter(store, catalog, chunker.NewChunker(cfg.ChunkSizeBytes), logger)
	reader := blob.NewReader(store, catalog, logger)

	writeHandler := handlers.NewWriteHandler(writer, cfg.MaxConcurrentUploads, m, logger)
	readHandler := handlers.NewReadHandler(reader, store, catalog, m, logger)
	router := handlers.NewRouter(writeHandler, readHandler, m.Handler(), logger)

	gc := janitor.New(store, catalog, janitor.Config{
		Interval: cfg.GCInterval,
		Grace:    cfg.GCGrace,
	}, logger, m)
	gc.Start(ctx)
	defer gc.Stop()

	// Uploads and downloads stream for as long as they need; only headers are time-bounded.
	srv := &http.Server{
		Addr:              ":" + cfg.ServicePort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", zap.String("port", cfg.ServicePort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server forced to shutdown", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}

// openStores builds the chunk store and catalog for the configured backend.
// The returned closers are valid even when err is non-nil.
func openStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (storage.ChunkStore, storage.Catalog, []io.Closer, error) {
	var (
		store   storage.ChunkStore
		catalog storage.Catalog
		closers []io.Closer
	)

	switch cfg.StoreBackend {
	case config.BackendBadger:
		// An empty path keeps everything in memory.
		if cfg.BadgerPath != "" {
			if err := os.MkdirAll(cfg.BadgerPath, 0o755); err != nil {
				return nil, nil, closers, fmt.Errorf("failed to create badger directory: %w", err)
			}
		}
		badgerStore, err := storage.OpenBadgerStore(cfg.BadgerPath)
		if err != nil {
			return nil, nil, closers, fmt.Errorf("failed to open badger store: %w", err)
		}
		closers = append(closers, badgerStore)
		store, catalog = badgerStore, badgerStore
		logger.Info("badger store opened", zap.String("path", cfg.BadgerPath))

	case config.BackendDistributed:
		minioClient, err := storage.NewMinioClient(ctx, storage.MinioConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucketName,
			UseSSL:    cfg.MinIOUseSSL,
		}, logger)
		if err != nil {
			return nil, nil, closers, fmt.Errorf("failed to initialize MinIO client: %w", err)
		}
		logger.Info("MinIO client initialized", zap.String("endpoint", cfg.MinIOEndpoint))

		sqlCatalog, err := storage.NewSQLCatalog(ctx, cfg.CatalogDriver, cfg.GetDSN())
		if err != nil {
			return nil, nil, closers, fmt.Errorf("failed to initialize %s catalog: %w", cfg.CatalogDriver, err)
		}
		closers = append(closers, sqlCatalog)
		if err := sqlCatalog.EnsureSchema(ctx); err != nil {
			return nil, nil, closers, fmt.Errorf("failed to create catalog schema: %w", err)
		}
		logger.Info("SQL catalog initialized", zap.String("driver", cfg.CatalogDriver))

		store, catalog = minioClient, sqlCatalog

	default:
		return nil, nil, closers, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	if cfg.RedisEnabled {
		redisClient, err := storage.NewRedisClient(ctx, cfg.GetRedisAddr(), cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, nil, closers, fmt.Errorf("failed to initialize Redis client: %w", err)
		}
		closers = append(closers, redisClient)
		catalog = storage.NewCachedCatalog(catalog, redisClient, logger)
		logger.Info("Redis cache enabled", zap.String("addr", cfg.GetRedisAddr()))
	}

	return store, catalog, closers, nil
}
