package chunker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/maneesh/gridvault/internal/models"
)

// Chunker splits streams into fixed-size chunks
type Chunker struct {
	chunkSize int64
}

// Result summarises a fully split stream
type Result struct {
	TotalSize  int64
	ChunkCount int
	SHA256     string
}

// NewChunker creates a new chunker with the specified chunk size
func NewChunker(chunkSize int64) *Chunker {
	return &Chunker{
		chunkSize: chunkSize,
	}
}

// ChunkSize returns the configured chunk size in bytes
func (c *Chunker) ChunkSize() int64 {
	return c.chunkSize
}

// Split reads reader until EOF and calls fn once per chunk, in order.
// A single buffer is reused for every chunk, so fn must not retain chunk.Data.
// An empty stream produces exactly one zero-length chunk.
// Split stops at the first error from the reader, from fn or from ctx.
func (c *Chunker) Split(ctx context.Context, reader io.Reader, fn func(chunk *models.ChunkData) error) (Result, error) {
	var res Result
	buffer := make([]byte, c.chunkSize)
	whole := sha256.New()

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		n, err := io.ReadFull(reader, buffer)
		last := errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
		if err != nil && !last {
			return res, fmt.Errorf("error reading chunk: %w", err)
		}

		if n > 0 || res.ChunkCount == 0 && last {
			data := buffer[:n]
			whole.Write(data)

			chunk := &models.ChunkData{
				Data:       data,
				OrderIndex: res.ChunkCount,
			}
			if err := fn(chunk); err != nil {
				return res, err
			}

			res.TotalSize += int64(n)
			res.ChunkCount++
		}

		if last {
			break
		}
	}

	res.SHA256 = hex.EncodeToString(whole.Sum(nil))
	return res, nil
}

// ComputeHash computes SHA256 hash of data
func ComputeHash(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// VerifyChunkHash verifies that chunk data matches the expected hash
func VerifyChunkHash(data []byte, expectedHash string) bool {
	return ComputeHash(data) == expectedHash
}

// ExpectedChunkCount is the number of chunks Split produces for size bytes
func ExpectedChunkCount(size, chunkSize int64) int {
	if size == 0 {
		return 1
	}
	return int((size + chunkSize - 1) / chunkSize)
}
