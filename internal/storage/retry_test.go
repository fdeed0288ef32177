package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/maneesh/gridvault/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyStore fails the first n PutChunk calls with err
type flakyStore struct {
	ChunkStore
	failures int
	err      error
	calls    int
}

func (f *flakyStore) PutChunk(ctx context.Context, fileID string, seq int, data []byte) error {
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return f.ChunkStore.PutChunk(ctx, fileID, seq, data)
}

func zeroBackOff() backoff.BackOff { return &backoff.ZeroBackOff{} }

func TestRetryAbsorbsTransientFailures(t *testing.T) {
	inner := &flakyStore{
		ChunkStore: openTestBadger(t),
		failures:   2,
		err:        models.NewStorageError("put_chunk", errors.New("i/o timeout")),
	}
	var retried []string
	store := NewRetryingChunkStore(inner, 3,
		WithBackOff(zeroBackOff),
		WithRetryObserver(func(op string, err error) { retried = append(retried, op) }),
	)

	require.NoError(t, store.PutChunk(context.Background(), newFileID(), 0, []byte("x")))
	assert.Equal(t, 3, inner.calls)
	assert.Equal(t, []string{"put_chunk", "put_chunk"}, retried)
}

func TestRetrySurfacesAfterBoundedAttempts(t *testing.T) {
	cause := errors.New("connection refused")
	inner := &flakyStore{
		ChunkStore: openTestBadger(t),
		failures:   10,
		err:        models.NewStorageError("put_chunk", cause),
	}
	store := NewRetryingChunkStore(inner, DefaultPutAttempts, WithBackOff(zeroBackOff))

	err := store.PutChunk(context.Background(), newFileID(), 0, []byte("x"))
	assert.ErrorIs(t, err, cause)

	var storageErr *models.StorageError
	assert.ErrorAs(t, err, &storageErr)
	assert.Equal(t, DefaultPutAttempts, inner.calls)
}

func TestRetryDoesNotRepeatSequenceViolations(t *testing.T) {
	inner := &flakyStore{ChunkStore: openTestBadger(t)}
	store := NewRetryingChunkStore(inner, 5, WithBackOff(zeroBackOff))

	err := store.PutChunk(context.Background(), newFileID(), 3, []byte("x"))
	assert.ErrorIs(t, err, models.ErrSequenceViolation)
	assert.Equal(t, 1, inner.calls)
}

func TestRetryStopsOnCancelledContext(t *testing.T) {
	inner := &flakyStore{ChunkStore: openTestBadger(t), failures: 10, err: context.Canceled}
	store := NewRetryingChunkStore(inner, 5, WithBackOff(zeroBackOff))

	err := store.PutChunk(context.Background(), newFileID(), 0, []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, inner.calls)
}

func TestRetryingStorePassesContract(t *testing.T) {
	runChunkStoreContract(t, NewRetryingChunkStore(openTestBadger(t), DefaultPutAttempts, WithBackOff(zeroBackOff)))
}
