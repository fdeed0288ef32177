package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/maneesh/gridvault/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Supported catalog drivers
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

const fileColumns = `id, name, original_name, content_type, size_bytes, chunk_size, chunk_count, sha256, created_at`

var schemas = map[string][]string{
	DriverMySQL: {
		`CREATE TABLE IF NOT EXISTS files (
			id            VARCHAR(32)   NOT NULL PRIMARY KEY,
			name          VARCHAR(64)   NOT NULL,
			original_name VARCHAR(1024) NOT NULL,
			content_type  VARCHAR(255)  NOT NULL,
			size_bytes    BIGINT        NOT NULL,
			chunk_size    BIGINT        NOT NULL,
			chunk_count   INT           NOT NULL,
			sha256        CHAR(64)      NOT NULL,
			created_at    DATETIME(6)   NOT NULL,
			UNIQUE KEY uq_files_name (name),
			KEY idx_files_created (created_at, id)
		)`,
	},
	DriverPostgres: {
		`CREATE TABLE IF NOT EXISTS files (
			id            VARCHAR(32)   PRIMARY KEY,
			name          VARCHAR(64)   NOT NULL UNIQUE,
			original_name VARCHAR(1024) NOT NULL,
			content_type  VARCHAR(255)  NOT NULL,
			size_bytes    BIGINT        NOT NULL,
			chunk_size    BIGINT        NOT NULL,
			chunk_count   INTEGER       NOT NULL,
			sha256        CHAR(64)      NOT NULL,
			created_at    TIMESTAMPTZ   NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_files_created ON files (created_at, id)`,
	},
}

// SQLCatalog stores file records in MySQL/TiDB or PostgreSQL
type SQLCatalog struct {
	db     *sql.DB
	driver string
}

// NewSQLCatalog opens and pings the database
func NewSQLCatalog(ctx context.Context, driver, dsn string) (*SQLCatalog, error) {
	if _, ok := schemas[driver]; !ok {
		return nil, fmt.Errorf("unsupported catalog driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	return &SQLCatalog{db: db, driver: driver}, nil
}

// Close closes the database connection
func (sc *SQLCatalog) Close() error {
	return sc.db.Close()
}

// EnsureSchema creates the files table if it is missing
func (sc *SQLCatalog) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemas[sc.driver] {
		if _, err := sc.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres
func (sc *SQLCatalog) rebind(query string) string {
	if sc.driver != DriverPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// Put inserts a file record; a unique violation on name is reported as ErrDuplicateName
func (sc *SQLCatalog) Put(ctx context.Context, record *models.FileRecord) error {
	ctx, span := tracer.Start(ctx, "sql.create_file",
		trace.WithAttributes(
			attribute.String("file_id", record.ID),
			attribute.String("file_name", record.Name),
			attribute.Int64("file_size", record.SizeBytes),
		),
	)
	defer span.End()

	query := sc.rebind(`INSERT INTO files (` + fileColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := sc.db.ExecContext(ctx, query,
		record.ID,
		record.Name,
		record.OriginalName,
		record.ContentType,
		record.SizeBytes,
		record.ChunkSize,
		record.ChunkCount,
		record.SHA256,
		record.CreatedAt.UTC(),
	)
	if err != nil {
		span.RecordError(err)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", models.ErrDuplicateName, record.Name)
		}
		return models.NewStorageError("create_file", err)
	}

	span.SetAttributes(attribute.Bool("insert_success", true))
	return nil
}

func isUniqueViolation(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == 1062 {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return true
	}
	return false
}

// GetByName retrieves a file record by its stored name
func (sc *SQLCatalog) GetByName(ctx context.Context, name string) (*models.FileRecord, error) {
	ctx, span := tracer.Start(ctx, "sql.get_file_by_name",
		trace.WithAttributes(attribute.String("file_name", name)),
	)
	defer span.End()

	return sc.getOne(ctx, span, "name", name)
}

// GetByID retrieves a file record by id
func (sc *SQLCatalog) GetByID(ctx context.Context, id string) (*models.FileRecord, error) {
	ctx, span := tracer.Start(ctx, "sql.get_file",
		trace.WithAttributes(attribute.String("file_id", id)),
	)
	defer span.End()

	return sc.getOne(ctx, span, "id", id)
}

func (sc *SQLCatalog) getOne(ctx context.Context, span trace.Span, column, value string) (*models.FileRecord, error) {
	query := sc.rebind(`SELECT ` + fileColumns + ` FROM files WHERE ` + column + ` = ?`)

	record, err := scanRecord(sc.db.QueryRowContext(ctx, query, value))
	if errors.Is(err, sql.ErrNoRows) {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, fmt.Errorf("%w: %s", models.ErrNotFound, value)
	} else if err != nil {
		span.RecordError(err)
		return nil, models.NewStorageError("get_file", err)
	}

	span.SetAttributes(attribute.Bool("found", true))
	return record, nil
}

// List returns every record ordered by creation time
func (sc *SQLCatalog) List(ctx context.Context) ([]*models.FileRecord, error) {
	ctx, span := tracer.Start(ctx, "sql.list_files")
	defer span.End()

	rows, err := sc.db.QueryContext(ctx, `SELECT `+fileColumns+` FROM files ORDER BY created_at ASC, id ASC`)
	if err != nil {
		span.RecordError(err)
		return nil, models.NewStorageError("list_files", err)
	}
	defer rows.Close()

	records := []*models.FileRecord{}
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			span.RecordError(err)
			return nil, models.NewStorageError("list_files", fmt.Errorf("failed to scan file: %w", err))
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, models.NewStorageError("list_files", err)
	}

	span.SetAttributes(attribute.Int("file_count", len(records)))
	return records, nil
}

// Delete removes a file record by id
func (sc *SQLCatalog) Delete(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "sql.delete_file",
		trace.WithAttributes(attribute.String("file_id", id)),
	)
	defer span.End()

	result, err := sc.db.ExecContext(ctx, sc.rebind(`DELETE FROM files WHERE id = ?`), id)
	if err != nil {
		span.RecordError(err)
		return models.NewStorageError("delete_file", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return models.NewStorageError("delete_file", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.FileRecord, error) {
	var record models.FileRecord
	err := row.Scan(
		&record.ID,
		&record.Name,
		&record.OriginalName,
		&record.ContentType,
		&record.SizeBytes,
		&record.ChunkSize,
		&record.ChunkCount,
		&record.SHA256,
		&record.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	record.CreatedAt = record.CreatedAt.UTC()
	return &record, nil
}
