package blob

import (
	"context"
	"fmt"

	"github.com/maneesh/gridvault/internal/models"
	"github.com/maneesh/gridvault/internal/storage"
	"go.opentelemetry.io/otel/attribute"
)

// Delete removes a blob's chunks, then its record.
// If the record removal fails the delete can be repeated; reads fail as corrupt until then.
func Delete(ctx context.Context, store storage.ChunkStore, catalog storage.Catalog, record *models.FileRecord) error {
	ctx, span := tracer.Start(ctx, "delete_blob")
	defer span.End()

	span.SetAttributes(
		attribute.String("file_id", record.ID),
		attribute.String("file_name", record.Name),
	)

	if err := store.DeleteChunks(ctx, record.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	if err := catalog.Delete(ctx, record.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete file record: %w", err)
	}
	return nil
}
