package handlers

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/maneesh/gridvault/internal/blob"
	"github.com/maneesh/gridvault/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var tracer = otel.Tracer("gridvault-handlers")

// UploadField is the multipart form field carrying the file
const UploadField = "file"

const defaultAcquireTimeout = 30 * time.Second

var errNoFilePart = errors.New("no file part")

// WriteHandler handles file upload requests
type WriteHandler struct {
	writer         *blob.Writer
	uploads        *semaphore.Weighted
	acquireTimeout time.Duration
	metrics        *metrics.Metrics
	logger         *zap.Logger
}

// NewWriteHandler creates a new write handler admitting at most maxUploads concurrent uploads
func NewWriteHandler(writer *blob.Writer, maxUploads int64, m *metrics.Metrics, logger *zap.Logger) *WriteHandler {
	return &WriteHandler{
		writer:         writer,
		uploads:        semaphore.NewWeighted(maxUploads),
		acquireTimeout: defaultAcquireTimeout,
		metrics:        m,
		logger:         logger,
	}
}

// ServeHTTP handles POST /uploads/upload with a multipart "file" field.
// The part is streamed straight into the blob writer; nothing is spooled to disk.
func (wh *WriteHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "upload_file",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	part, err := filePart(r)
	if err != nil {
		writeMessage(w, wh.logger, http.StatusBadRequest, "No file uploaded")
		return
	}
	defer part.Close()

	acquireCtx, cancel := context.WithTimeout(ctx, wh.acquireTimeout)
	err = wh.uploads.Acquire(acquireCtx, 1)
	cancel()
	if err != nil {
		writeMessage(w, wh.logger, http.StatusServiceUnavailable, "Too many concurrent uploads, try again later")
		return
	}
	defer wh.uploads.Release(1)

	span.SetAttributes(attribute.String("original_name", part.FileName()))

	start := time.Now()
	record, err := wh.writer.Write(ctx, part, blob.Metadata{
		ContentType:  part.Header.Get("Content-Type"),
		OriginalName: part.FileName(),
	})
	if err != nil {
		span.RecordError(err)
		wh.metrics.UploadFinished(time.Since(start).Seconds(), 0, err)
		wh.logger.Error("upload failed",
			zap.String("original_name", part.FileName()),
			zap.Error(err),
		)
		writeServerError(w, wh.logger, "File upload failed", err)
		return
	}
	wh.metrics.UploadFinished(time.Since(start).Seconds(), record.SizeBytes, nil)

	span.SetAttributes(
		attribute.String("file_id", record.ID),
		attribute.String("file_name", record.Name),
	)

	writeJSON(w, wh.logger, http.StatusCreated, UploadResponse{
		Filename: record.Name,
		Message:  "File uploaded successfully",
		File:     toSummary(record),
	})
}

// filePart advances the multipart stream to the upload field, skipping other fields
func filePart(r *http.Request) (*multipart.Part, error) {
	reader, err := r.MultipartReader()
	if err != nil {
		return nil, err
	}
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, errNoFilePart
		}
		if err != nil {
			return nil, err
		}
		if part.FormName() == UploadField && part.FileName() != "" {
			return part, nil
		}
		part.Close()
	}
}
