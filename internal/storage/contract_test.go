package storage

import (
	"context"
	"encoding/hex"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/maneesh/gridvault/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFileID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

func readAll(t *testing.T, it ChunkIterator) []*models.Chunk {
	t.Helper()
	defer it.Close()

	var chunks []*models.Chunk
	for {
		chunk, err := it.Next(context.Background())
		if err == io.EOF {
			return chunks
		}
		require.NoError(t, err)
		chunks = append(chunks, chunk)
	}
}

// runChunkStoreContract checks behaviour every ChunkStore backend must share.
func runChunkStoreContract(t *testing.T, store ChunkStore) {
	ctx := context.Background()

	t.Run("ordered round trip", func(t *testing.T) {
		fileID := newFileID()
		parts := []string{"ABCD", "EFGH", "I"}
		for i, p := range parts {
			require.NoError(t, store.PutChunk(ctx, fileID, i, []byte(p)))
		}

		chunks := readAll(t, store.GetChunksOrdered(fileID))
		require.Len(t, chunks, 3)
		for i, c := range chunks {
			assert.Equal(t, i, c.SequenceNumber)
			assert.Equal(t, fileID, c.FileID)
			assert.Equal(t, parts[i], string(c.Data))
		}
	})

	t.Run("zero length chunk", func(t *testing.T) {
		fileID := newFileID()
		require.NoError(t, store.PutChunk(ctx, fileID, 0, []byte{}))

		chunks := readAll(t, store.GetChunksOrdered(fileID))
		require.Len(t, chunks, 1)
		assert.Empty(t, chunks[0].Data)
	})

	t.Run("unknown file yields nothing", func(t *testing.T) {
		assert.Empty(t, readAll(t, store.GetChunksOrdered(newFileID())))
	})

	t.Run("duplicate sequence rejected", func(t *testing.T) {
		fileID := newFileID()
		require.NoError(t, store.PutChunk(ctx, fileID, 0, []byte("a")))
		err := store.PutChunk(ctx, fileID, 0, []byte("b"))
		assert.ErrorIs(t, err, models.ErrSequenceViolation)

		chunks := readAll(t, store.GetChunksOrdered(fileID))
		require.Len(t, chunks, 1)
		assert.Equal(t, "a", string(chunks[0].Data))
	})

	t.Run("gap rejected", func(t *testing.T) {
		fileID := newFileID()
		require.NoError(t, store.PutChunk(ctx, fileID, 0, []byte("a")))
		assert.ErrorIs(t, store.PutChunk(ctx, fileID, 2, []byte("c")), models.ErrSequenceViolation)
		assert.ErrorIs(t, store.PutChunk(ctx, newFileID(), 1, []byte("x")), models.ErrSequenceViolation)
	})

	t.Run("delete removes all chunks", func(t *testing.T) {
		fileID := newFileID()
		other := newFileID()
		for i := 0; i < 3; i++ {
			require.NoError(t, store.PutChunk(ctx, fileID, i, []byte{byte(i)}))
		}
		require.NoError(t, store.PutChunk(ctx, other, 0, []byte("keep")))

		require.NoError(t, store.DeleteChunks(ctx, fileID))
		assert.Empty(t, readAll(t, store.GetChunksOrdered(fileID)))
		assert.Len(t, readAll(t, store.GetChunksOrdered(other)), 1)

		require.NoError(t, store.DeleteChunks(ctx, fileID), "deleting twice is a no-op")
		require.NoError(t, store.PutChunk(ctx, fileID, 0, []byte("again")), "sequence restarts after delete")
	})

	t.Run("list uploads", func(t *testing.T) {
		fileID := newFileID()
		before := time.Now().Add(-time.Minute)
		require.NoError(t, store.PutChunk(ctx, fileID, 0, []byte("x")))
		require.NoError(t, store.PutChunk(ctx, fileID, 1, []byte("y")))

		uploads, err := store.ListUploads(ctx)
		require.NoError(t, err)

		var found []models.UploadInfo
		for _, u := range uploads {
			if u.FileID == fileID {
				found = append(found, u)
			}
		}
		require.Len(t, found, 1)
		assert.True(t, found[0].LastWriteAt.After(before))
	})
}

func testRecord(name string, created time.Time) *models.FileRecord {
	id := newFileID()
	return &models.FileRecord{
		ID:           id,
		Name:         name,
		OriginalName: "report.pdf",
		ContentType:  "application/pdf",
		SizeBytes:    9,
		ChunkSize:    4,
		ChunkCount:   3,
		SHA256:       "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		CreatedAt:    created.UTC().Truncate(time.Microsecond),
	}
}

// runCatalogContract checks behaviour every Catalog backend must share.
// The catalog must start empty.
func runCatalogContract(t *testing.T, catalog Catalog) {
	ctx := context.Background()
	base := time.Now()

	first := testRecord(newFileID()+".pdf", base)
	second := testRecord(newFileID()+".png", base.Add(time.Second))

	t.Run("not found", func(t *testing.T) {
		_, err := catalog.GetByName(ctx, "missing.ext")
		assert.ErrorIs(t, err, models.ErrNotFound)
		_, err = catalog.GetByID(ctx, "missing")
		assert.ErrorIs(t, err, models.ErrNotFound)
		assert.ErrorIs(t, catalog.Delete(ctx, "missing"), models.ErrNotFound)
	})

	t.Run("put and get", func(t *testing.T) {
		require.NoError(t, catalog.Put(ctx, second))
		require.NoError(t, catalog.Put(ctx, first))

		got, err := catalog.GetByName(ctx, first.Name)
		require.NoError(t, err)
		assert.Equal(t, first.ID, got.ID)
		assert.Equal(t, first.SizeBytes, got.SizeBytes)
		assert.Equal(t, first.ChunkCount, got.ChunkCount)
		assert.True(t, first.CreatedAt.Equal(got.CreatedAt))

		got, err = catalog.GetByID(ctx, second.ID)
		require.NoError(t, err)
		assert.Equal(t, second.Name, got.Name)
	})

	t.Run("duplicate name rejected", func(t *testing.T) {
		dup := testRecord(first.Name, base)
		assert.ErrorIs(t, catalog.Put(ctx, dup), models.ErrDuplicateName)

		got, err := catalog.GetByName(ctx, first.Name)
		require.NoError(t, err)
		assert.Equal(t, first.ID, got.ID, "original record is not overwritten")
	})

	t.Run("list in creation order", func(t *testing.T) {
		records, err := catalog.List(ctx)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, first.ID, records[0].ID)
		assert.Equal(t, second.ID, records[1].ID)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, catalog.Delete(ctx, first.ID))
		_, err := catalog.GetByName(ctx, first.Name)
		assert.ErrorIs(t, err, models.ErrNotFound)

		records, err := catalog.List(ctx)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, second.ID, records[0].ID)

		require.NoError(t, catalog.Put(ctx, testRecord(first.Name, base)), "name is free again")
	})
}
