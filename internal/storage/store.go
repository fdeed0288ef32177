package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/maneesh/gridvault/internal/models"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("gridvault-storage")

// ChunkStore persists the chunks of a blob keyed by file id and sequence number.
// Writes for one file id must arrive in strictly increasing sequence order
// starting at zero; anything else fails with models.ErrSequenceViolation.
type ChunkStore interface {
	PutChunk(ctx context.Context, fileID string, seq int, data []byte) error
	// GetChunksOrdered returns a lazy iterator; nothing is fetched until Next is called.
	GetChunksOrdered(fileID string) ChunkIterator
	DeleteChunks(ctx context.Context, fileID string) error
	ListUploads(ctx context.Context) ([]models.UploadInfo, error)
}

// ChunkIterator yields the chunks of one file in sequence order.
// Next returns io.EOF once the next sequence number does not exist.
type ChunkIterator interface {
	Next(ctx context.Context) (*models.Chunk, error)
	Close() error
}

// Catalog stores file records
type Catalog interface {
	Put(ctx context.Context, record *models.FileRecord) error
	GetByName(ctx context.Context, name string) (*models.FileRecord, error)
	GetByID(ctx context.Context, id string) (*models.FileRecord, error)
	List(ctx context.Context) ([]*models.FileRecord, error)
	Delete(ctx context.Context, id string) error
}

var errIteratorClosed = errors.New("chunk iterator closed")

// fetchFunc loads one chunk; found is false when the key does not exist.
type fetchFunc func(ctx context.Context, fileID string, seq int) (data []byte, found bool, err error)

// seqIterator fetches sequence numbers 0, 1, 2... one per Next call.
type seqIterator struct {
	fileID string
	next   int
	fetch  fetchFunc
	done   bool
	closed bool
}

func newSeqIterator(fileID string, fetch fetchFunc) *seqIterator {
	return &seqIterator{fileID: fileID, fetch: fetch}
}

func (it *seqIterator) Next(ctx context.Context) (*models.Chunk, error) {
	if it.closed {
		return nil, errIteratorClosed
	}
	if it.done {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, found, err := it.fetch(ctx, it.fileID, it.next)
	if err != nil {
		return nil, err
	}
	if !found {
		it.done = true
		return nil, io.EOF
	}

	chunk := &models.Chunk{FileID: it.fileID, SequenceNumber: it.next, Data: data}
	it.next++
	return chunk, nil
}

func (it *seqIterator) Close() error {
	it.closed = true
	return nil
}

func sequenceViolation(fileID string, seq int, reason string) error {
	return fmt.Errorf("%w: file %s seq %d: %s", models.ErrSequenceViolation, fileID, seq, reason)
}

func chunkKey(fileID string, seq int) string {
	return fmt.Sprintf("%s/%010d", fileID, seq)
}
