package janitor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/maneesh/gridvault/internal/blob"
	"github.com/maneesh/gridvault/internal/chunker"
	"github.com/maneesh/gridvault/internal/models"
	"github.com/maneesh/gridvault/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTestStore(t *testing.T) *storage.BadgerStore {
	t.Helper()
	store, err := storage.OpenBadgerStore("")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func uploadIDs(t *testing.T, store storage.ChunkStore) []string {
	t.Helper()
	uploads, err := store.ListUploads(context.Background())
	require.NoError(t, err)
	var ids []string
	for _, u := range uploads {
		ids = append(ids, u.FileID)
	}
	return ids
}

func TestSweepDeletesOnlyStaleOrphans(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	// finalized file
	w := blob.NewWriter(store, store, chunker.NewChunker(4), zap.NewNop())
	record, err := w.Write(ctx, strings.NewReader("ABCDEFGHI"), blob.Metadata{OriginalName: "kept.txt"})
	require.NoError(t, err)

	// abandoned upload
	orphan := blob.NewFileID()
	require.NoError(t, store.PutChunk(ctx, orphan, 0, []byte("ABCD")))
	require.NoError(t, store.PutChunk(ctx, orphan, 1, []byte("EF")))

	j := New(store, store, Config{Interval: time.Hour, Grace: time.Hour}, zap.NewNop(), nil)

	// too young to touch
	reclaimed, err := j.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, reclaimed)
	assert.ElementsMatch(t, []string{record.ID, orphan}, uploadIDs(t, store))

	j.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	reclaimed, err = j.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)
	assert.Equal(t, []string{record.ID}, uploadIDs(t, store))

	r := blob.NewReader(store, store, zap.NewNop())
	_, stream, err := r.Open(ctx, record.Name)
	require.NoError(t, err)
	defer stream.Close()
}

func TestSweepKeepsUploadStillReceivingChunks(t *testing.T) {
	ctx := context.Background()
	start := time.Now()
	clock := start
	store, err := storage.OpenBadgerStore("", storage.WithClock(func() time.Time { return clock }))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	upload := blob.NewFileID()
	require.NoError(t, store.PutChunk(ctx, upload, 0, []byte("ABCD")))

	// the upload is still streaming two hours after its first chunk
	clock = start.Add(2 * time.Hour)
	require.NoError(t, store.PutChunk(ctx, upload, 1, []byte("EFGH")))

	j := New(store, store, Config{Interval: time.Hour, Grace: time.Hour}, zap.NewNop(), nil)
	j.now = func() time.Time { return start.Add(2*time.Hour + 30*time.Minute) }

	reclaimed, err := j.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, reclaimed)
	assert.Equal(t, []string{upload}, uploadIDs(t, store))

	// idle past the grace period since the last chunk
	j.now = func() time.Time { return start.Add(3*time.Hour + time.Minute) }
	reclaimed, err = j.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)
	assert.Empty(t, uploadIDs(t, store))
}

// brokenCatalog fails lookups with a non-NotFound error
type brokenCatalog struct {
	storage.Catalog
}

func (b *brokenCatalog) GetByID(ctx context.Context, id string) (*models.FileRecord, error) {
	return nil, models.NewStorageError("get_by_id", errors.New("connection reset"))
}

func TestSweepKeepsChunksWhenCatalogUnavailable(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	orphan := blob.NewFileID()
	require.NoError(t, store.PutChunk(ctx, orphan, 0, []byte("x")))

	j := New(store, &brokenCatalog{Catalog: store}, Config{Grace: time.Minute}, zap.NewNop(), nil)
	j.now = func() time.Time { return time.Now().Add(time.Hour) }

	reclaimed, err := j.SweepOnce(ctx)
	assert.Error(t, err)
	assert.Equal(t, 0, reclaimed)
	assert.Equal(t, []string{orphan}, uploadIDs(t, store))
}

func TestStartStop(t *testing.T) {
	store := openTestStore(t)
	orphan := blob.NewFileID()
	require.NoError(t, store.PutChunk(context.Background(), orphan, 0, []byte("x")))

	j := New(store, store, Config{Interval: 10 * time.Millisecond, Grace: time.Nanosecond}, zap.NewNop(), nil)
	j.Start(context.Background())

	assert.Eventually(t, func() bool {
		uploads, err := store.ListUploads(context.Background())
		return err == nil && len(uploads) == 0
	}, 2*time.Second, 10*time.Millisecond)

	j.Stop()
	j.Stop()
}
