package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/maneesh/gridvault/internal/models"
)

// DefaultPutAttempts is the number of tries a chunk write gets before the error surfaces
const DefaultPutAttempts = 3

// RetryingChunkStore retries transient PutChunk and DeleteChunks failures with exponential backoff
type RetryingChunkStore struct {
	ChunkStore
	attempts   int
	newBackOff func() backoff.BackOff
	onRetry    func(op string, err error)
}

// RetryOption configures a RetryingChunkStore
type RetryOption func(*RetryingChunkStore)

// WithBackOff replaces the default exponential policy; the attempt cap still applies
func WithBackOff(newBackOff func() backoff.BackOff) RetryOption {
	return func(r *RetryingChunkStore) {
		r.newBackOff = newBackOff
	}
}

// WithRetryObserver registers a callback invoked before every retry
func WithRetryObserver(fn func(op string, err error)) RetryOption {
	return func(r *RetryingChunkStore) {
		r.onRetry = fn
	}
}

// NewRetryingChunkStore wraps inner; attempts below one are treated as one
func NewRetryingChunkStore(inner ChunkStore, attempts int, opts ...RetryOption) *RetryingChunkStore {
	if attempts < 1 {
		attempts = 1
	}
	r := &RetryingChunkStore{
		ChunkStore: inner,
		attempts:   attempts,
		newBackOff: defaultBackOff,
		onRetry:    func(string, error) {},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 10 * time.Second
	return b
}

// PutChunk retries transient failures; sequence violations are returned at once
func (r *RetryingChunkStore) PutChunk(ctx context.Context, fileID string, seq int, data []byte) error {
	return r.do(ctx, "put_chunk", func() error {
		return r.ChunkStore.PutChunk(ctx, fileID, seq, data)
	})
}

// DeleteChunks retries transient failures
func (r *RetryingChunkStore) DeleteChunks(ctx context.Context, fileID string) error {
	return r.do(ctx, "delete_chunks", func() error {
		return r.ChunkStore.DeleteChunks(ctx, fileID)
	})
}

func (r *RetryingChunkStore) do(ctx context.Context, op string, fn func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(r.newBackOff(), uint64(r.attempts-1)), ctx)
	return backoff.RetryNotify(func() error {
		err := fn()
		if err != nil && !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, _ time.Duration) {
		r.onRetry(op, err)
	})
}

// isTransient reports whether a retry could change the outcome
func isTransient(err error) bool {
	switch {
	case errors.Is(err, models.ErrSequenceViolation),
		errors.Is(err, models.ErrDuplicateName),
		errors.Is(err, models.ErrCorruptBlob),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}
