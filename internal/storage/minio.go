package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/maneesh/gridvault/internal/chunker"
	"github.com/maneesh/gridvault/internal/models"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	minioChunkPrefix = "chunks/"
	chunkHashMetaKey = "Sha256"
)

// MinioClient is a ChunkStore keeping one object per chunk in a single bucket
type MinioClient struct {
	client     *minio.Client
	bucketName string
}

// MinioConfig holds connection settings for NewMinioClient
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// NewMinioClient initializes a new MinIO client and makes sure the bucket exists
func NewMinioClient(ctx context.Context, cfg MinioConfig, logger *zap.Logger) (*MinioClient, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		logger.Info("creating bucket", zap.String("bucket", cfg.Bucket))
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &MinioClient{
		client:     client,
		bucketName: cfg.Bucket,
	}, nil
}

func minioObjectKey(fileID string, seq int) string {
	return minioChunkPrefix + chunkKey(fileID, seq)
}

// PutChunk uploads one chunk object after checking that it extends the file's run of chunks
func (mc *MinioClient) PutChunk(ctx context.Context, fileID string, seq int, data []byte) error {
	objectKey := minioObjectKey(fileID, seq)
	ctx, span := tracer.Start(ctx, "minio.put_chunk",
		trace.WithAttributes(
			attribute.String("object_key", objectKey),
			attribute.Int("size_bytes", len(data)),
		),
	)
	defer span.End()

	if err := mc.checkSequence(ctx, fileID, seq); err != nil {
		span.RecordError(err)
		return err
	}

	_, err := mc.client.PutObject(ctx, mc.bucketName, objectKey, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  "application/octet-stream",
		UserMetadata: map[string]string{chunkHashMetaKey: chunker.ComputeHash(data)},
	})
	if err != nil {
		span.RecordError(err)
		return models.NewStorageError("put_chunk", err)
	}

	span.SetAttributes(attribute.Bool("upload_success", true))
	return nil
}

// checkSequence rejects a duplicate chunk or one whose predecessor is missing.
// Check-then-put: the blob writer is the only producer for a file id.
func (mc *MinioClient) checkSequence(ctx context.Context, fileID string, seq int) error {
	if seq < 0 {
		return sequenceViolation(fileID, seq, "negative sequence number")
	}

	exists, err := mc.objectExists(ctx, minioObjectKey(fileID, seq))
	if err != nil {
		return models.NewStorageError("put_chunk", err)
	}
	if exists {
		return sequenceViolation(fileID, seq, "duplicate")
	}

	if seq == 0 {
		return nil
	}
	prev, err := mc.objectExists(ctx, minioObjectKey(fileID, seq-1))
	if err != nil {
		return models.NewStorageError("put_chunk", err)
	}
	if !prev {
		return sequenceViolation(fileID, seq, "previous chunk missing")
	}
	return nil
}

func (mc *MinioClient) objectExists(ctx context.Context, objectKey string) (bool, error) {
	_, err := mc.client.StatObject(ctx, mc.bucketName, objectKey, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNoSuchKey(err) {
		return false, nil
	}
	return false, err
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

// GetChunksOrdered returns an iterator downloading one chunk object per Next call
func (mc *MinioClient) GetChunksOrdered(fileID string) ChunkIterator {
	return newSeqIterator(fileID, mc.downloadChunk)
}

func (mc *MinioClient) downloadChunk(ctx context.Context, fileID string, seq int) ([]byte, bool, error) {
	objectKey := minioObjectKey(fileID, seq)
	ctx, span := tracer.Start(ctx, "minio.download_chunk",
		trace.WithAttributes(
			attribute.String("object_key", objectKey),
		),
	)
	defer span.End()

	object, err := mc.client.GetObject(ctx, mc.bucketName, objectKey, minio.GetObjectOptions{})
	if err != nil {
		span.RecordError(err)
		return nil, false, models.NewStorageError("get_chunk", err)
	}
	defer object.Close()

	info, err := object.Stat()
	if err != nil {
		if isNoSuchKey(err) {
			return nil, false, nil
		}
		span.RecordError(err)
		return nil, false, models.NewStorageError("get_chunk", err)
	}

	data, err := io.ReadAll(object)
	if err != nil {
		span.RecordError(err)
		return nil, false, models.NewStorageError("get_chunk", err)
	}

	if want := info.UserMetadata[chunkHashMetaKey]; want != "" && !chunker.VerifyChunkHash(data, want) {
		err := &models.CorruptBlobError{FileID: fileID, Reason: fmt.Sprintf("hash mismatch for chunk %d", seq)}
		span.RecordError(err)
		return nil, false, err
	}

	span.SetAttributes(
		attribute.Int("size_bytes", len(data)),
		attribute.Bool("download_success", true),
	)
	return data, true, nil
}

// DeleteChunks removes every chunk object under the file's prefix
func (mc *MinioClient) DeleteChunks(ctx context.Context, fileID string) error {
	prefix := minioChunkPrefix + fileID + "/"
	ctx, span := tracer.Start(ctx, "minio.delete_chunks",
		trace.WithAttributes(
			attribute.String("prefix", prefix),
		),
	)
	defer span.End()

	var listErr error
	objects := make(chan minio.ObjectInfo)
	go func() {
		defer close(objects)
		for obj := range mc.client.ListObjects(ctx, mc.bucketName, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
			if obj.Err != nil {
				listErr = obj.Err
				return
			}
			objects <- obj
		}
	}()

	// RemoveObjects drains objects fully before its error channel closes,
	// so listErr is safe to read afterwards.
	var removeErr error
	for rerr := range mc.client.RemoveObjects(ctx, mc.bucketName, objects, minio.RemoveObjectsOptions{}) {
		span.RecordError(rerr.Err)
		if removeErr == nil {
			removeErr = fmt.Errorf("remove %s: %w", rerr.ObjectName, rerr.Err)
		}
	}
	if removeErr != nil {
		return models.NewStorageError("delete_chunks", removeErr)
	}
	if listErr != nil {
		span.RecordError(listErr)
		return models.NewStorageError("delete_chunks", listErr)
	}
	return nil
}

// ListUploads scans chunk objects and reports each file id with the newest LastModified among its chunks
func (mc *MinioClient) ListUploads(ctx context.Context) ([]models.UploadInfo, error) {
	ctx, span := tracer.Start(ctx, "minio.list_uploads")
	defer span.End()

	// stops the listing goroutine on early return
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lastWrite := make(map[string]int)
	var uploads []models.UploadInfo
	for obj := range mc.client.ListObjects(ctx, mc.bucketName, minio.ListObjectsOptions{Prefix: minioChunkPrefix, Recursive: true}) {
		if obj.Err != nil {
			span.RecordError(obj.Err)
			return nil, models.NewStorageError("list_uploads", obj.Err)
		}
		rest := strings.TrimPrefix(obj.Key, minioChunkPrefix)
		slash := strings.LastIndex(rest, "/")
		if slash <= 0 {
			continue
		}
		fileID := rest[:slash]
		if i, ok := lastWrite[fileID]; ok {
			if obj.LastModified.After(uploads[i].LastWriteAt) {
				uploads[i].LastWriteAt = obj.LastModified
			}
			continue
		}
		lastWrite[fileID] = len(uploads)
		uploads = append(uploads, models.UploadInfo{FileID: fileID, LastWriteAt: obj.LastModified})
	}

	span.SetAttributes(attribute.Int("upload_count", len(uploads)))
	return uploads, nil
}
