package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/maneesh/gridvault/internal/models"
	"github.com/pierrec/lz4/v4"
)

// CompressingChunkStore lz4-frames chunk data at rest. Callers always see raw bytes,
// so chunk lengths and file sizes are unaffected.
type CompressingChunkStore struct {
	ChunkStore
}

// NewCompressingChunkStore wraps inner with lz4 compression
func NewCompressingChunkStore(inner ChunkStore) *CompressingChunkStore {
	return &CompressingChunkStore{ChunkStore: inner}
}

// PutChunk stores data lz4-compressed
func (c *CompressingChunkStore) PutChunk(ctx context.Context, fileID string, seq int, data []byte) error {
	compressed, err := CompressChunk(data)
	if err != nil {
		return err
	}
	return c.ChunkStore.PutChunk(ctx, fileID, seq, compressed)
}

// GetChunksOrdered returns an iterator that decompresses each chunk
func (c *CompressingChunkStore) GetChunksOrdered(fileID string) ChunkIterator {
	return &decompressingIterator{ChunkIterator: c.ChunkStore.GetChunksOrdered(fileID)}
}

type decompressingIterator struct {
	ChunkIterator
}

func (it *decompressingIterator) Next(ctx context.Context) (*models.Chunk, error) {
	chunk, err := it.ChunkIterator.Next(ctx)
	if err != nil {
		return nil, err
	}
	data, err := DecompressChunk(chunk.Data)
	if err != nil {
		return nil, &models.CorruptBlobError{
			FileID: chunk.FileID,
			Reason: fmt.Sprintf("chunk %d: %v", chunk.SequenceNumber, err),
		}
	}
	chunk.Data = data
	return chunk, nil
}

// CompressChunk encodes data as one lz4 frame
func CompressChunk(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := lz4.NewWriter(&buf)
	if _, err := writer.Write(data); err != nil {
		return nil, fmt.Errorf("compression failed: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("compression failed: %w", err)
	}
	return buf.Bytes(), nil
}

// DecompressChunk decodes one lz4 frame
func DecompressChunk(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, lz4.NewReader(bytes.NewReader(data))); err != nil {
		return nil, fmt.Errorf("decompression failed: %w", err)
	}
	return buf.Bytes(), nil
}
