package blob

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/maneesh/gridvault/internal/chunker"
	"github.com/maneesh/gridvault/internal/models"
	"github.com/maneesh/gridvault/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("gridvault-blob")

const (
	defaultCleanupTimeout = 30 * time.Second
	maxExtensionLength    = 16
)

// Metadata is what the uploader tells us about a stream
type Metadata struct {
	ContentType  string
	OriginalName string
}

// Writer turns a byte stream into chunks plus one file record, all or nothing
type Writer struct {
	store          storage.ChunkStore
	catalog        storage.Catalog
	chunker        *chunker.Chunker
	logger         *zap.Logger
	cleanupTimeout time.Duration
	now            func() time.Time
}

// NewWriter creates a blob writer
func NewWriter(store storage.ChunkStore, catalog storage.Catalog, c *chunker.Chunker, logger *zap.Logger) *Writer {
	return &Writer{
		store:          store,
		catalog:        catalog,
		chunker:        c,
		logger:         logger,
		cleanupTimeout: defaultCleanupTimeout,
		now:            time.Now,
	}
}

// NewFileID returns 128 random bits, hex-encoded
func NewFileID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// DeriveName builds the stored name from the file id and the original extension.
// Extensions that are not short and alphanumeric are dropped.
func DeriveName(fileID, originalName string) string {
	base := path.Base(strings.ReplaceAll(originalName, "\\", "/"))
	ext := strings.ToLower(path.Ext(base))
	if len(ext) < 2 || len(ext) > maxExtensionLength+1 {
		return fileID
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return fileID
		}
	}
	return fileID + ext
}

// sanitize fits uploader metadata into the catalog columns so a bad header
// cannot fail the upload after every chunk has been stored.
func (m Metadata) sanitize() Metadata {
	name := strings.ToValidUTF8(m.OriginalName, "\uFFFD")
	if len(name) > models.MaxOriginalNameLength {
		cut := models.MaxOriginalNameLength
		for cut > 0 && !utf8.RuneStart(name[cut]) {
			cut--
		}
		name = name[:cut]
	}

	contentType := strings.TrimSpace(m.ContentType)
	if len(contentType) > models.MaxContentTypeLength || !utf8.ValidString(contentType) {
		contentType = ""
	} else if _, _, err := mime.ParseMediaType(contentType); err != nil {
		contentType = ""
	}
	if contentType == "" {
		contentType = models.DefaultContentType
	}

	return Metadata{ContentType: contentType, OriginalName: name}
}

type failedStage int

const (
	stageChunks failedStage = iota
	stageFinalize
)

type writeError struct {
	stage failedStage
	err   error
}

func (e *writeError) Error() string { return e.err.Error() }
func (e *writeError) Unwrap() error { return e.err }

// Write streams src into the chunk store and finalizes a file record once every
// chunk is durable. Metadata that does not fit the catalog is truncated or replaced
// with defaults before any chunk is written. On failure the partial chunks are removed and an
// *models.UploadError is returned; no record is left behind.
func (w *Writer) Write(ctx context.Context, src io.Reader, meta Metadata) (*models.FileRecord, error) {
	fileID := NewFileID()
	meta = meta.sanitize()
	ctx, span := tracer.Start(ctx, "write_blob")
	defer span.End()

	span.SetAttributes(
		attribute.String("file_id", fileID),
		attribute.String("original_name", meta.OriginalName),
	)

	record, err := w.write(ctx, fileID, src, meta)
	if err != nil {
		span.RecordError(err)
		w.cleanup(ctx, fileID, err)
		return nil, &models.UploadError{FileID: fileID, Err: err}
	}

	span.SetAttributes(
		attribute.String("file_name", record.Name),
		attribute.Int64("file_size", record.SizeBytes),
		attribute.Int("chunk_count", record.ChunkCount),
	)
	w.logger.Info("blob stored",
		zap.String("file_id", record.ID),
		zap.String("file_name", record.Name),
		zap.Int64("size_bytes", record.SizeBytes),
		zap.Int("chunk_count", record.ChunkCount),
	)
	return record, nil
}

func (w *Writer) write(ctx context.Context, fileID string, src io.Reader, meta Metadata) (*models.FileRecord, error) {
	chunkCtx, chunkSpan := tracer.Start(ctx, "upload_chunks")
	res, err := w.chunker.Split(chunkCtx, src, func(chunk *models.ChunkData) error {
		if err := w.store.PutChunk(chunkCtx, fileID, chunk.OrderIndex, chunk.Data); err != nil {
			return fmt.Errorf("failed to store chunk %d: %w", chunk.OrderIndex, err)
		}
		return nil
	})
	chunkSpan.SetAttributes(attribute.Int("chunks_uploaded", res.ChunkCount))
	chunkSpan.End()
	if err != nil {
		return nil, &writeError{stage: stageChunks, err: err}
	}

	record := &models.FileRecord{
		ID:           fileID,
		Name:         DeriveName(fileID, meta.OriginalName),
		OriginalName: meta.OriginalName,
		ContentType:  meta.ContentType,
		SizeBytes:    res.TotalSize,
		ChunkSize:    w.chunker.ChunkSize(),
		ChunkCount:   res.ChunkCount,
		SHA256:       res.SHA256,
		CreatedAt:    w.now().UTC().Truncate(time.Microsecond),
	}

	if err := w.catalog.Put(ctx, record); err != nil {
		return nil, &writeError{stage: stageFinalize, err: fmt.Errorf("failed to create file record: %w", err)}
	}
	return record, nil
}

// cleanup runs on a context detached from the request so a disconnected client
// still gets its partial chunks removed.
func (w *Writer) cleanup(ctx context.Context, fileID string, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cleanupTimeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "cleanup_upload")
	defer span.End()

	// A failed insert may still have committed; never leave a record pointing at deleted chunks.
	var we *writeError
	if errors.As(cause, &we) && we.stage == stageFinalize && !errors.Is(cause, models.ErrDuplicateName) {
		if err := w.catalog.Delete(ctx, fileID); err != nil && !errors.Is(err, models.ErrNotFound) {
			span.RecordError(err)
			w.logger.Error("failed to remove file record of aborted upload", zap.String("file_id", fileID), zap.Error(err))
		}
	}

	if err := w.store.DeleteChunks(ctx, fileID); err != nil {
		span.RecordError(err)
		w.logger.Error("failed to remove chunks of aborted upload; janitor will retry",
			zap.String("file_id", fileID),
			zap.Error(err),
		)
		return
	}

	w.logger.Warn("upload aborted",
		zap.String("file_id", fileID),
		zap.Error(cause),
	)
}
