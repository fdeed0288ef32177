package models

import "time"

// DefaultContentType is recorded when the uploader does not supply one.
const DefaultContentType = "application/octet-stream"

// Catalog column limits, in bytes.
const (
	MaxOriginalNameLength = 1024
	MaxContentTypeLength  = 255
)

// FileRecord is the catalog entry describing one stored blob
type FileRecord struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	OriginalName string    `json:"original_name"`
	ContentType  string    `json:"content_type"`
	SizeBytes    int64     `json:"size_bytes"`
	ChunkSize    int64     `json:"chunk_size"`
	ChunkCount   int       `json:"chunk_count"`
	SHA256       string    `json:"sha256"`
	CreatedAt    time.Time `json:"created_at"`
}

// Chunk is one stored slice of a blob
type Chunk struct {
	FileID         string `json:"file_id"`
	SequenceNumber int    `json:"sequence_number"`
	Data           []byte `json:"-"`
}

// ChunkData holds chunk information while a stream is being split.
// Data aliases the chunker's buffer and is only valid until the callback returns.
type ChunkData struct {
	Data       []byte
	OrderIndex int
}

// UploadInfo describes a chunk set as seen by the chunk store, finalized or not.
// LastWriteAt is when its most recent chunk was stored.
type UploadInfo struct {
	FileID      string
	LastWriteAt time.Time
}
