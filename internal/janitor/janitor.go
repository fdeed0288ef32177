package janitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/maneesh/gridvault/internal/metrics"
	"github.com/maneesh/gridvault/internal/models"
	"github.com/maneesh/gridvault/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("gridvault-janitor")

// Config controls how often the janitor runs and how long an orphan must sit idle
type Config struct {
	Interval time.Duration
	Grace    time.Duration
}

// Janitor deletes chunk sets that never became a file record.
// These are left behind when an upload's own cleanup failed or the process died mid-upload.
type Janitor struct {
	store   storage.ChunkStore
	catalog storage.Catalog
	config  Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a Janitor. Zero Interval or Grace fall back to 10 minutes and one hour.
func New(store storage.ChunkStore, catalog storage.Catalog, config Config, logger *zap.Logger, m *metrics.Metrics) *Janitor {
	if config.Interval <= 0 {
		config.Interval = 10 * time.Minute
	}
	if config.Grace <= 0 {
		config.Grace = time.Hour
	}
	return &Janitor{
		store:   store,
		catalog: catalog,
		config:  config,
		logger:  logger,
		metrics: m,
		now:     time.Now,
		done:    make(chan struct{}),
	}
}

// Start runs the sweep loop in the background until Stop is called or ctx is done
func (j *Janitor) Start(ctx context.Context) {
	j.wg.Add(1)
	go j.run(ctx)
	j.logger.Info("janitor started",
		zap.Duration("interval", j.config.Interval),
		zap.Duration("grace", j.config.Grace),
	)
}

// Stop ends the loop and waits for an in-flight sweep to return
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() { close(j.done) })
	j.wg.Wait()
	j.logger.Info("janitor stopped")
}

func (j *Janitor) run(ctx context.Context) {
	defer j.wg.Done()

	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := j.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				j.logger.Error("janitor sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce deletes every orphan that has not been written to within the grace
// period and returns how many were removed.
// A failure on one orphan does not stop the sweep; the first error is returned.
func (j *Janitor) SweepOnce(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "janitor_sweep")
	defer span.End()

	reclaimed, err := j.sweep(ctx)
	span.SetAttributes(attribute.Int("reclaimed", reclaimed))
	if err != nil {
		span.RecordError(err)
	}
	j.metrics.SweepFinished(reclaimed, err)
	return reclaimed, err
}

func (j *Janitor) sweep(ctx context.Context) (int, error) {
	uploads, err := j.store.ListUploads(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := j.now().Add(-j.config.Grace)
	reclaimed := 0
	var firstErr error

	for _, upload := range uploads {
		if err := ctx.Err(); err != nil {
			return reclaimed, err
		}
		if upload.LastWriteAt.After(cutoff) {
			continue
		}

		_, err := j.catalog.GetByID(ctx, upload.FileID)
		if err == nil {
			continue
		}
		if !errors.Is(err, models.ErrNotFound) {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		if err := j.store.DeleteChunks(ctx, upload.FileID); err != nil {
			j.logger.Warn("failed to delete orphaned chunks",
				zap.String("file_id", upload.FileID),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		reclaimed++
		j.logger.Info("deleted orphaned chunks",
			zap.String("file_id", upload.FileID),
			zap.Time("last_write_at", upload.LastWriteAt),
		)
	}

	return reclaimed, firstErr
}
