package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/maneesh/gridvault/internal/chunker"
	"github.com/maneesh/gridvault/internal/models"
	"github.com/maneesh/gridvault/internal/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var errStreamClosed = errors.New("blob stream closed")

// Reader resolves file records and streams their bytes back out of the chunk store
type Reader struct {
	store   storage.ChunkStore
	catalog storage.Catalog
	logger  *zap.Logger
}

// NewReader creates a blob reader
func NewReader(store storage.ChunkStore, catalog storage.Catalog, logger *zap.Logger) *Reader {
	return &Reader{
		store:   store,
		catalog: catalog,
		logger:  logger,
	}
}

// Lookup finds a record by stored name, falling back to file id
func (r *Reader) Lookup(ctx context.Context, nameOrID string) (*models.FileRecord, error) {
	record, err := r.catalog.GetByName(ctx, nameOrID)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	return r.catalog.GetByID(ctx, nameOrID)
}

// Open looks up nameOrID and returns a stream over its bytes.
// Chunks are fetched one at a time as the stream is read. A stream that does not
// match its record fails with a *models.CorruptBlobError.
func (r *Reader) Open(ctx context.Context, nameOrID string) (*models.FileRecord, io.ReadCloser, error) {
	record, err := r.Lookup(ctx, nameOrID)
	if err != nil {
		return nil, nil, err
	}
	return record, r.Stream(ctx, record), nil
}

// Stream returns a verifying stream over an already resolved record.
// The stream owns a span that ends on Close.
func (r *Reader) Stream(ctx context.Context, record *models.FileRecord) io.ReadCloser {
	ctx, span := tracer.Start(ctx, "read_blob")
	span.SetAttributes(
		attribute.String("file_id", record.ID),
		attribute.String("file_name", record.Name),
		attribute.Int("chunk_count", record.ChunkCount),
	)

	return &blobStream{
		ctx:    ctx,
		span:   span,
		record: record,
		it:     r.store.GetChunksOrdered(record.ID),
		hash:   sha256.New(),
		logger: r.logger,
	}
}

type blobStream struct {
	ctx    context.Context
	span   trace.Span
	record *models.FileRecord
	it     storage.ChunkIterator
	hash   hash.Hash
	logger *zap.Logger

	buf     []byte
	emitted int
	read    int64
	err     error
}

func (s *blobStream) Read(p []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}

	if s.emitted == 0 && len(s.buf) == 0 {
		if err := s.checkLayout(); err != nil {
			s.fail(err)
			return 0, err
		}
	}

	for len(s.buf) == 0 {
		if s.emitted == s.record.ChunkCount {
			s.err = s.finish()
			return 0, s.err
		}
		if err := s.nextChunk(); err != nil {
			s.fail(err)
			return 0, err
		}
	}

	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// checkLayout rejects records whose size and chunk count disagree
func (s *blobStream) checkLayout() error {
	if s.record.ChunkSize <= 0 {
		return nil
	}
	want := chunker.ExpectedChunkCount(s.record.SizeBytes, s.record.ChunkSize)
	if want != s.record.ChunkCount {
		return s.corrupt(fmt.Sprintf("record lists %d chunks, %d bytes at chunk size %d needs %d",
			s.record.ChunkCount, s.record.SizeBytes, s.record.ChunkSize, want))
	}
	return nil
}

func (s *blobStream) nextChunk() error {
	chunk, err := s.it.Next(s.ctx)
	if errors.Is(err, io.EOF) {
		return s.corrupt(fmt.Sprintf("found %d of %d chunks", s.emitted, s.record.ChunkCount))
	}
	if err != nil {
		return err
	}
	if chunk.SequenceNumber != s.emitted {
		return s.corrupt(fmt.Sprintf("expected chunk %d, got %d", s.emitted, chunk.SequenceNumber))
	}

	if size := s.record.ChunkSize; size > 0 {
		n := int64(len(chunk.Data))
		last := s.emitted == s.record.ChunkCount-1
		if n > size || (!last && n != size) {
			return s.corrupt(fmt.Sprintf("chunk %d holds %d bytes, chunk size is %d", chunk.SequenceNumber, n, size))
		}
	}

	s.emitted++
	s.read += int64(len(chunk.Data))
	if s.read > s.record.SizeBytes {
		return s.corrupt(fmt.Sprintf("chunks exceed recorded length %d", s.record.SizeBytes))
	}

	s.hash.Write(chunk.Data)
	s.buf = chunk.Data
	return nil
}

// finish runs once every recorded chunk has been delivered
func (s *blobStream) finish() error {
	if s.read != s.record.SizeBytes {
		err := s.corrupt(fmt.Sprintf("read %d bytes, recorded length is %d", s.read, s.record.SizeBytes))
		s.fail(err)
		return err
	}
	if s.record.SHA256 != "" {
		if sum := hex.EncodeToString(s.hash.Sum(nil)); sum != s.record.SHA256 {
			err := s.corrupt("sha256 mismatch")
			s.fail(err)
			return err
		}
	}
	return io.EOF
}

func (s *blobStream) corrupt(reason string) error {
	return &models.CorruptBlobError{FileID: s.record.ID, Reason: reason}
}

func (s *blobStream) fail(err error) {
	s.err = err
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
	if errors.Is(err, models.ErrCorruptBlob) {
		s.logger.Error("corrupt blob detected",
			zap.String("file_id", s.record.ID),
			zap.String("file_name", s.record.Name),
			zap.Error(err),
		)
	}
}

// Close ends the stream's span and releases the chunk iterator
func (s *blobStream) Close() error {
	if errors.Is(s.err, errStreamClosed) {
		return nil
	}
	s.err = errStreamClosed
	s.span.SetAttributes(attribute.Int64("bytes_read", s.read))
	s.span.End()
	return s.it.Close()
}
