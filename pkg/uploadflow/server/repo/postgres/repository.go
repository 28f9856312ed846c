// Package postgres provides an upload repository backed by PostgreSQL.
//
// Expected schema:
//
//	CREATE TABLE uploads (
//	    id          UUID PRIMARY KEY,
//	    file_name   TEXT NOT NULL,
//	    mime_type   TEXT NOT NULL DEFAULT '',
//	    size_bytes  BIGINT NOT NULL DEFAULT 0,
//	    status      TEXT NOT NULL,
//	    staging_key TEXT NOT NULL,
//	    created_at  TIMESTAMPTZ NOT NULL,
//	    updated_at  TIMESTAMPTZ NOT NULL
//	);
//
//	CREATE TABLE images (
//	    id          UUID PRIMARY KEY,
//	    storage_key TEXT NOT NULL UNIQUE,
//	    file_name   TEXT NOT NULL,
//	    mime_type   TEXT NOT NULL DEFAULT '',
//	    size_bytes  BIGINT NOT NULL DEFAULT 0,
//	    created_at  TIMESTAMPTZ NOT NULL
//	);
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openkiln/uploadflow/pkg/uploadflow/server"
)

// DBTX accepts either a connection pool or a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository implements server.Repository using PostgreSQL.
type Repository struct {
	db DBTX
}

// New creates a repository over an existing connection or transaction.
func New(db DBTX) *Repository {
	return &Repository{db: db}
}

// NewWithPool creates a repository over a connection pool.
func NewWithPool(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

var _ server.Repository = (*Repository)(nil)

func wrapError(operation string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%s: duplicate entry", operation)
		case "23502":
			return fmt.Errorf("%s: required column %s is missing", operation, pgErr.ColumnName)
		case "42P01":
			return fmt.Errorf("%s: table does not exist, database migration required", operation)
		}
	}
	return fmt.Errorf("database error in %s: %w", operation, err)
}

func (r *Repository) CreateUpload(ctx context.Context, upload *server.Upload) error {
	query := `
		INSERT INTO uploads (id, file_name, mime_type, size_bytes, status, staging_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.db.Exec(ctx, query,
		upload.ID, upload.FileName, upload.MIMEType, upload.SizeBytes,
		upload.Status, upload.StagingKey, upload.CreatedAt, upload.UpdatedAt)
	if err != nil {
		return wrapError("create upload", err)
	}
	return nil
}

func (r *Repository) GetUpload(ctx context.Context, id string) (*server.Upload, error) {
	query := `
		SELECT id, file_name, mime_type, size_bytes, status, staging_key, created_at, updated_at
		FROM uploads WHERE id = $1`
	var upload server.Upload
	err := r.db.QueryRow(ctx, query, id).Scan(
		&upload.ID, &upload.FileName, &upload.MIMEType, &upload.SizeBytes,
		&upload.Status, &upload.StagingKey, &upload.CreatedAt, &upload.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, server.ErrUploadNotFound
	}
	if err != nil {
		return nil, wrapError("get upload", err)
	}
	return &upload, nil
}

func (r *Repository) UpdateUpload(ctx context.Context, upload *server.Upload) error {
	query := `
		UPDATE uploads
		SET file_name = $2, mime_type = $3, size_bytes = $4, status = $5, staging_key = $6, updated_at = $7
		WHERE id = $1`
	tag, err := r.db.Exec(ctx, query,
		upload.ID, upload.FileName, upload.MIMEType, upload.SizeBytes,
		upload.Status, upload.StagingKey, upload.UpdatedAt)
	if err != nil {
		return wrapError("update upload", err)
	}
	if tag.RowsAffected() == 0 {
		return server.ErrUploadNotFound
	}
	return nil
}

func (r *Repository) DeleteUpload(ctx context.Context, id string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM uploads WHERE id = $1`, id); err != nil {
		return wrapError("delete upload", err)
	}
	return nil
}

func (r *Repository) ListStaleUploads(ctx context.Context, olderThan time.Time) ([]*server.Upload, error) {
	query := `
		SELECT id, file_name, mime_type, size_bytes, status, staging_key, created_at, updated_at
		FROM uploads
		WHERE status <> $1 AND updated_at < $2
		ORDER BY updated_at`
	rows, err := r.db.Query(ctx, query, server.UploadStatusComplete, olderThan)
	if err != nil {
		return nil, wrapError("list stale uploads", err)
	}
	defer rows.Close()

	var stale []*server.Upload
	for rows.Next() {
		var upload server.Upload
		if err := rows.Scan(
			&upload.ID, &upload.FileName, &upload.MIMEType, &upload.SizeBytes,
			&upload.Status, &upload.StagingKey, &upload.CreatedAt, &upload.UpdatedAt); err != nil {
			return nil, wrapError("list stale uploads", err)
		}
		stale = append(stale, &upload)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError("list stale uploads", err)
	}
	return stale, nil
}

func (r *Repository) CreateImage(ctx context.Context, img *server.Image) error {
	query := `
		INSERT INTO images (id, storage_key, file_name, mime_type, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.db.Exec(ctx, query,
		img.ID, img.StorageKey, img.FileName, img.MIMEType, img.SizeBytes, img.CreatedAt)
	if err != nil {
		return wrapError("create image", err)
	}
	return nil
}

func (r *Repository) GetImage(ctx context.Context, id string) (*server.Image, error) {
	query := `
		SELECT id, storage_key, file_name, mime_type, size_bytes, created_at
		FROM images WHERE id = $1`
	var img server.Image
	err := r.db.QueryRow(ctx, query, id).Scan(
		&img.ID, &img.StorageKey, &img.FileName, &img.MIMEType, &img.SizeBytes, &img.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, server.ErrImageNotFound
	}
	if err != nil {
		return nil, wrapError("get image", err)
	}
	return &img, nil
}
