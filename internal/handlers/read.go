package handlers

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/maneesh/gridvault/internal/blob"
	"github.com/maneesh/gridvault/internal/metrics"
	"github.com/maneesh/gridvault/internal/models"
	"github.com/maneesh/gridvault/internal/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const copyBufferSize = 32 * 1024

// ReadHandler serves listing, lookup, download and delete of stored files
type ReadHandler struct {
	reader  *blob.Reader
	store   storage.ChunkStore
	catalog storage.Catalog
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewReadHandler creates a new read handler
func NewReadHandler(
	reader *blob.Reader,
	store storage.ChunkStore,
	catalog storage.Catalog,
	m *metrics.Metrics,
	logger *zap.Logger,
) *ReadHandler {
	return &ReadHandler{
		reader:  reader,
		store:   store,
		catalog: catalog,
		metrics: m,
		logger:  logger,
	}
}

// List handles GET /uploads/files
func (rh *ReadHandler) List(w http.ResponseWriter, r *http.Request) {
	records, err := rh.catalog.List(r.Context())
	if err != nil {
		rh.logger.Error("failed to list files", zap.Error(err))
		writeServerError(w, rh.logger, "Failed to list files", err)
		return
	}

	summaries := make([]FileSummary, 0, len(records))
	for _, record := range records {
		summaries = append(summaries, toSummary(record))
	}
	writeJSON(w, rh.logger, http.StatusOK, summaries)
}

// Get handles GET /uploads/file/{filename}
func (rh *ReadHandler) Get(w http.ResponseWriter, r *http.Request) {
	filename := mux.Vars(r)["filename"]

	record, err := rh.reader.Lookup(r.Context(), filename)
	if err != nil {
		rh.lookupFailed(w, filename, err)
		return
	}
	writeJSON(w, rh.logger, http.StatusOK, []FileSummary{toSummary(record)})
}

// Download handles GET /uploads/download/{filename}.
// Once the body has started, a read failure aborts the connection instead of
// letting the client see a truncated file as complete.
func (rh *ReadHandler) Download(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "download_file",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	filename := mux.Vars(r)["filename"]
	span.SetAttributes(attribute.String("file_name", filename))

	record, stream, err := rh.reader.Open(ctx, filename)
	if err != nil {
		span.RecordError(err)
		rh.metrics.DownloadFinished(0, err)
		rh.lookupFailed(w, filename, err)
		return
	}
	defer stream.Close()

	downloadName := record.OriginalName
	if downloadName == "" {
		downloadName = record.Name
	}

	header := w.Header()
	header.Set("Content-Type", record.ContentType)
	header.Set("Content-Length", strconv.FormatInt(record.SizeBytes, 10))
	header.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": downloadName}))
	if record.SHA256 != "" {
		header.Set("ETag", `"`+record.SHA256+`"`)
	}
	w.WriteHeader(http.StatusOK)

	written, readErr, writeErr := copyStream(w, stream)
	span.SetAttributes(attribute.Int64("bytes_written", written))

	switch {
	case ctx.Err() != nil && (readErr != nil || writeErr != nil):
		// the client left; a read failing on the cancelled context is not corruption
		rh.metrics.DownloadFinished(written, ctx.Err())
		rh.logger.Info("client went away during download",
			zap.String("file_id", record.ID),
			zap.Int64("bytes_written", written),
			zap.Error(ctx.Err()),
		)
	case readErr != nil:
		span.RecordError(readErr)
		rh.metrics.DownloadFinished(written, readErr)
		rh.logger.Error("download aborted",
			zap.String("file_id", record.ID),
			zap.String("file_name", record.Name),
			zap.Int64("bytes_written", written),
			zap.Error(readErr),
		)
		panic(http.ErrAbortHandler)
	case writeErr != nil:
		rh.metrics.DownloadFinished(written, writeErr)
		rh.logger.Info("client went away during download",
			zap.String("file_id", record.ID),
			zap.Int64("bytes_written", written),
			zap.Error(writeErr),
		)
	default:
		rh.metrics.DownloadFinished(written, nil)
	}
}

// copyStream copies src to dst and reports which side failed
func copyStream(dst io.Writer, src io.Reader) (written int64, readErr, writeErr error) {
	buf := make([]byte, copyBufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			m, werr := dst.Write(buf[:n])
			written += int64(m)
			if werr != nil {
				return written, nil, werr
			}
		}
		if errors.Is(err, io.EOF) {
			return written, nil, nil
		}
		if err != nil {
			return written, err, nil
		}
	}
}

// Delete handles DELETE /uploads/file/{filename}
func (rh *ReadHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	filename := mux.Vars(r)["filename"]

	record, err := rh.reader.Lookup(ctx, filename)
	if err != nil {
		rh.lookupFailed(w, filename, err)
		return
	}

	if err := blob.Delete(ctx, rh.store, rh.catalog, record); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			writeMessage(w, rh.logger, http.StatusNotFound, "File not found")
			return
		}
		rh.logger.Error("failed to delete file", zap.String("file_id", record.ID), zap.Error(err))
		writeServerError(w, rh.logger, "Failed to delete file", err)
		return
	}

	rh.logger.Info("file deleted", zap.String("file_id", record.ID), zap.String("file_name", record.Name))
	writeJSON(w, rh.logger, http.StatusOK, DeleteResponse{
		Filename: record.Name,
		Message:  "File deleted successfully",
	})
}

func (rh *ReadHandler) lookupFailed(w http.ResponseWriter, filename string, err error) {
	if errors.Is(err, models.ErrNotFound) {
		writeMessage(w, rh.logger, http.StatusNotFound, "File not found")
		return
	}
	rh.logger.Error("failed to look up file", zap.String("file_name", filename), zap.Error(err))
	writeServerError(w, rh.logger, "Failed to look up file", err)
}
