package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/maneesh/gridvault/internal/models"
	"go.uber.org/zap"
)

// FileSummary is the public JSON view of a file record
type FileSummary struct {
	ID           string    `json:"id"`
	Filename     string    `json:"filename"`
	OriginalName string    `json:"originalName"`
	Length       int64     `json:"length"`
	ChunkSize    int64     `json:"chunkSize"`
	ChunkCount   int       `json:"chunkCount"`
	ContentType  string    `json:"contentType"`
	SHA256       string    `json:"sha256"`
	UploadDate   time.Time `json:"uploadDate"`
}

func toSummary(record *models.FileRecord) FileSummary {
	return FileSummary{
		ID:           record.ID,
		Filename:     record.Name,
		OriginalName: record.OriginalName,
		Length:       record.SizeBytes,
		ChunkSize:    record.ChunkSize,
		ChunkCount:   record.ChunkCount,
		ContentType:  record.ContentType,
		SHA256:       record.SHA256,
		UploadDate:   record.CreatedAt,
	}
}

// UploadResponse is returned by a successful upload
type UploadResponse struct {
	Filename string      `json:"filename"`
	Message  string      `json:"message"`
	File     FileSummary `json:"file"`
}

// DeleteResponse is returned by a successful delete
type DeleteResponse struct {
	Filename string `json:"filename"`
	Message  string `json:"message"`
}

// ErrorResponse carries a user-facing message and, for server errors, the cause
type ErrorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warn("failed to write response", zap.Error(err))
	}
}

func writeMessage(w http.ResponseWriter, logger *zap.Logger, status int, message string) {
	writeJSON(w, logger, status, ErrorResponse{Message: message})
}

func writeServerError(w http.ResponseWriter, logger *zap.Logger, message string, err error) {
	writeJSON(w, logger, http.StatusInternalServerError, ErrorResponse{Message: message, Error: err.Error()})
}
