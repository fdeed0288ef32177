package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/maneesh/gridvault/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	badgerChunkPrefix  = "chunk/"
	badgerUploadPrefix = "upload/"
	badgerFilePrefix   = "file/"
	badgerNamePrefix   = "name/"
	badgerOrderPrefix  = "order/"
)

// BadgerStore is an embedded backend implementing both ChunkStore and Catalog
type BadgerStore struct {
	db  *badger.DB
	now func() time.Time
}

// BadgerOption configures a BadgerStore
type BadgerOption func(*BadgerStore)

// WithClock sets the clock used to stamp upload markers
func WithClock(now func() time.Time) BadgerOption {
	return func(s *BadgerStore) {
		s.now = now
	}
}

// OpenBadgerStore opens (or creates) a BadgerDB at path. An empty path opens an in-memory database.
func OpenBadgerStore(path string, opts ...BadgerOption) (*BadgerStore, error) {
	dbOpts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		dbOpts = dbOpts.WithInMemory(true).WithMemTableSize(8 << 20)
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	s := &BadgerStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the BadgerDB
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func badgerChunkKey(fileID string, seq int) []byte {
	return []byte(badgerChunkPrefix + chunkKey(fileID, seq))
}

// PutChunk stores one chunk and restamps the upload marker.
// The sequence check, the marker and the write share a transaction.
func (s *BadgerStore) PutChunk(ctx context.Context, fileID string, seq int, data []byte) error {
	_, span := tracer.Start(ctx, "badger.put_chunk",
		trace.WithAttributes(
			attribute.String("file_id", fileID),
			attribute.Int("sequence_number", seq),
			attribute.Int("size_bytes", len(data)),
		),
	)
	defer span.End()

	if seq < 0 {
		return sequenceViolation(fileID, seq, "negative sequence number")
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		key := badgerChunkKey(fileID, seq)
		if _, err := txn.Get(key); err == nil {
			return sequenceViolation(fileID, seq, "duplicate")
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if seq > 0 {
			if _, err := txn.Get(badgerChunkKey(fileID, seq-1)); errors.Is(err, badger.ErrKeyNotFound) {
				return sequenceViolation(fileID, seq, "previous chunk missing")
			} else if err != nil {
				return err
			}
		}

		lastWrite := make([]byte, 8)
		binary.BigEndian.PutUint64(lastWrite, uint64(s.now().UnixNano()))
		if err := txn.Set([]byte(badgerUploadPrefix+fileID), lastWrite); err != nil {
			return err
		}

		return txn.Set(key, data)
	})
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, models.ErrSequenceViolation) {
			return err
		}
		return models.NewStorageError("put_chunk", err)
	}
	return nil
}

// GetChunksOrdered returns an iterator that reads one chunk per Next call
func (s *BadgerStore) GetChunksOrdered(fileID string) ChunkIterator {
	return newSeqIterator(fileID, s.fetchChunk)
}

func (s *BadgerStore) fetchChunk(ctx context.Context, fileID string, seq int) ([]byte, bool, error) {
	_, span := tracer.Start(ctx, "badger.get_chunk",
		trace.WithAttributes(
			attribute.String("file_id", fileID),
			attribute.Int("sequence_number", seq),
		),
	)
	defer span.End()

	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerChunkKey(fileID, seq))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, false, models.NewStorageError("get_chunk", err)
	}
	return data, true, nil
}

// DeleteChunks removes every chunk of fileID and its upload marker
func (s *BadgerStore) DeleteChunks(ctx context.Context, fileID string) error {
	_, span := tracer.Start(ctx, "badger.delete_chunks",
		trace.WithAttributes(attribute.String("file_id", fileID)),
	)
	defer span.End()

	keys, err := s.keysWithPrefix([]byte(badgerChunkPrefix + fileID + "/"))
	if err != nil {
		span.RecordError(err)
		return models.NewStorageError("delete_chunks", err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			span.RecordError(err)
			return models.NewStorageError("delete_chunks", err)
		}
	}
	if err := wb.Delete([]byte(badgerUploadPrefix + fileID)); err != nil {
		return models.NewStorageError("delete_chunks", err)
	}
	if err := wb.Flush(); err != nil {
		span.RecordError(err)
		return models.NewStorageError("delete_chunks", err)
	}

	span.SetAttributes(attribute.Int("chunks_deleted", len(keys)))
	return nil
}

// ListUploads returns every file id that has chunks, with the time its latest chunk was written
func (s *BadgerStore) ListUploads(ctx context.Context) ([]models.UploadInfo, error) {
	_, span := tracer.Start(ctx, "badger.list_uploads")
	defer span.End()

	var uploads []models.UploadInfo
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(badgerUploadPrefix)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true})
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			fileID := strings.TrimPrefix(string(item.Key()), badgerUploadPrefix)
			err := item.Value(func(val []byte) error {
				if len(val) != 8 {
					return fmt.Errorf("bad upload marker for %s", fileID)
				}
				uploads = append(uploads, models.UploadInfo{
					FileID:      fileID,
					LastWriteAt: time.Unix(0, int64(binary.BigEndian.Uint64(val))),
				})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, models.NewStorageError("list_uploads", err)
	}
	return uploads, nil
}

func (s *BadgerStore) keysWithPrefix(prefix []byte) ([][]byte, error) {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: false})
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	return keys, err
}

func badgerOrderKey(record *models.FileRecord) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", badgerOrderPrefix, record.CreatedAt.UnixNano(), record.ID))
}

// Put inserts a file record together with its name and ordering index entries
func (s *BadgerStore) Put(ctx context.Context, record *models.FileRecord) error {
	_, span := tracer.Start(ctx, "badger.put_file",
		trace.WithAttributes(
			attribute.String("file_id", record.ID),
			attribute.String("file_name", record.Name),
		),
	)
	defer span.End()

	val, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal file record: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		nameKey := []byte(badgerNamePrefix + record.Name)
		fileKey := []byte(badgerFilePrefix + record.ID)
		for _, key := range [][]byte{nameKey, fileKey} {
			if _, err := txn.Get(key); err == nil {
				return fmt.Errorf("%w: %s", models.ErrDuplicateName, record.Name)
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}

		if err := txn.Set(fileKey, val); err != nil {
			return err
		}
		if err := txn.Set(nameKey, []byte(record.ID)); err != nil {
			return err
		}
		return txn.Set(badgerOrderKey(record), []byte(record.ID))
	})
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, models.ErrDuplicateName) {
			return err
		}
		return models.NewStorageError("put_file", err)
	}
	return nil
}

// GetByName resolves the name index and loads the record
func (s *BadgerStore) GetByName(ctx context.Context, name string) (*models.FileRecord, error) {
	_, span := tracer.Start(ctx, "badger.get_file_by_name",
		trace.WithAttributes(attribute.String("file_name", name)),
	)
	defer span.End()

	var record *models.FileRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerNamePrefix + name))
		if err != nil {
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		record, err = getRecord(txn, string(id))
		return err
	})
	return record, s.lookupError("get_file_by_name", name, err)
}

// GetByID loads a record by its file id
func (s *BadgerStore) GetByID(ctx context.Context, id string) (*models.FileRecord, error) {
	_, span := tracer.Start(ctx, "badger.get_file",
		trace.WithAttributes(attribute.String("file_id", id)),
	)
	defer span.End()

	var record *models.FileRecord
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		record, err = getRecord(txn, id)
		return err
	})
	return record, s.lookupError("get_file", id, err)
}

// List returns every record in creation order
func (s *BadgerStore) List(ctx context.Context) ([]*models.FileRecord, error) {
	_, span := tracer.Start(ctx, "badger.list_files")
	defer span.End()

	records := []*models.FileRecord{}
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(badgerOrderPrefix)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true})
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			record, err := getRecord(txn, string(id))
			if err != nil {
				return err
			}
			records = append(records, record)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, models.NewStorageError("list_files", err)
	}

	span.SetAttributes(attribute.Int("file_count", len(records)))
	return records, nil
}

// Delete removes a record and its index entries
func (s *BadgerStore) Delete(ctx context.Context, id string) error {
	_, span := tracer.Start(ctx, "badger.delete_file",
		trace.WithAttributes(attribute.String("file_id", id)),
	)
	defer span.End()

	err := s.db.Update(func(txn *badger.Txn) error {
		record, err := getRecord(txn, id)
		if err != nil {
			return err
		}
		for _, key := range [][]byte{
			[]byte(badgerFilePrefix + id),
			[]byte(badgerNamePrefix + record.Name),
			badgerOrderKey(record),
		} {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	return s.lookupError("delete_file", id, err)
}

func getRecord(txn *badger.Txn, id string) (*models.FileRecord, error) {
	item, err := txn.Get([]byte(badgerFilePrefix + id))
	if err != nil {
		return nil, err
	}
	var record models.FileRecord
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &record)
	}); err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *BadgerStore) lookupError(op, key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", models.ErrNotFound, key)
	}
	return models.NewStorageError(op, err)
}
