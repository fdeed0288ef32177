package storage

import (
	"context"
	"testing"
	"time"

	"github.com/maneesh/gridvault/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestBadger(t *testing.T) *BadgerStore {
	t.Helper()
	store, err := OpenBadgerStore("")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestBadgerChunkStore(t *testing.T) {
	runChunkStoreContract(t, openTestBadger(t))
}

func TestBadgerCatalog(t *testing.T) {
	runCatalogContract(t, openTestBadger(t))
}

func TestBadgerPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := OpenBadgerStore(dir)
	require.NoError(t, err)
	fileID := newFileID()
	require.NoError(t, store.PutChunk(ctx, fileID, 0, []byte("durable")))
	require.NoError(t, store.Close())

	store, err = OpenBadgerStore(dir)
	require.NoError(t, err)
	defer store.Close()

	chunks := readAll(t, store.GetChunksOrdered(fileID))
	require.Len(t, chunks, 1)
	assert.Equal(t, "durable", string(chunks[0].Data))
}

func TestBadgerIteratorIsLazy(t *testing.T) {
	store := openTestBadger(t)
	ctx := context.Background()
	fileID := newFileID()

	require.NoError(t, store.PutChunk(ctx, fileID, 0, []byte("a")))
	it := store.GetChunksOrdered(fileID)
	defer it.Close()

	// chunks written after the iterator was created are still seen
	require.NoError(t, store.PutChunk(ctx, fileID, 1, []byte("b")))

	first, err := it.Next(ctx)
	require.NoError(t, err)
	second, err := it.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", string(first.Data))
	assert.Equal(t, "b", string(second.Data))
}

func TestIteratorClosed(t *testing.T) {
	store := openTestBadger(t)
	it := store.GetChunksOrdered(newFileID())
	require.NoError(t, it.Close())

	_, err := it.Next(context.Background())
	assert.ErrorIs(t, err, errIteratorClosed)
}

func TestBadgerUploadMarkerFollowsLatestChunk(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := start
	store, err := OpenBadgerStore("", WithClock(func() time.Time { return clock }))
	require.NoError(t, err)
	defer store.Close()

	fileID := newFileID()
	require.NoError(t, store.PutChunk(ctx, fileID, 0, []byte("a")))
	clock = start.Add(90 * time.Minute)
	require.NoError(t, store.PutChunk(ctx, fileID, 1, []byte("b")))

	// rejected puts leave the marker alone
	clock = start.Add(3 * time.Hour)
	assert.ErrorIs(t, store.PutChunk(ctx, fileID, 1, []byte("b")), models.ErrSequenceViolation)

	uploads, err := store.ListUploads(ctx)
	require.NoError(t, err)
	require.Len(t, uploads, 1)
	assert.True(t, uploads[0].LastWriteAt.Equal(start.Add(90*time.Minute)))
}
