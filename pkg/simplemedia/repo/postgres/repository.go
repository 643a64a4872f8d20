package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tendant/simple-media/pkg/simplemedia"
)

// liveHashIndex is the partial unique index guarding content_hash.
const liveHashIndex = "media_assets_content_hash_live_idx"

// DBTX is an interface that allows us to use either a database connection or a transaction
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Repository implements simplemedia.Repository using PostgreSQL
type Repository struct {
	db DBTX
}

var _ simplemedia.Repository = (*Repository)(nil)

// New creates a new PostgreSQL repository
func New(db DBTX) *Repository {
	return &Repository{db: db}
}

// NewWithPool creates a new PostgreSQL repository with connection pool
func NewWithPool(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

// Error handling helper
func (r *Repository) handlePostgresError(operation string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return simplemedia.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("duplicate entry (%s): %w", pgErr.ConstraintName, err)
		case "23514": // check_violation
			return fmt.Errorf("invalid value for %s: %w", pgErr.ConstraintName, err)
		case "42P01": // undefined_table
			return fmt.Errorf("table does not exist - database migration required: %w", err)
		default:
			return fmt.Errorf("database error in %s: %s (code: %s): %w", operation, pgErr.Message, pgErr.Code, err)
		}
	}
	return fmt.Errorf("database error in %s: %w", operation, err)
}

func isLiveHashConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == liveHashIndex
}

const assetColumns = `id, content_hash, disk_key, backend_name, original_name, mime_type, size_bytes,
	uploaded_by, visibility, public_token, status, quarantine_key, created_at, updated_at`

func scanAsset(row pgx.Row) (*simplemedia.Asset, error) {
	var a simplemedia.Asset
	err := row.Scan(
		&a.ID, &a.ContentHash, &a.DiskKey, &a.BackendName, &a.OriginalName, &a.MimeType, &a.SizeBytes,
		&a.UploadedBy, &a.Visibility, &a.PublicToken, &a.Status, &a.QuarantineKey, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Claim inserts an uploading row. A violation of the live-hash index is
// the duplicate outcome, not an error.
func (r *Repository) Claim(ctx context.Context, a *simplemedia.Asset) (simplemedia.ClaimResult, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Visibility == "" {
		a.Visibility = simplemedia.VisibilityPrivate
	}
	var createdAt *time.Time
	if !a.CreatedAt.IsZero() {
		createdAt = &a.CreatedAt
	}

	query := `
		INSERT INTO media_assets (
			id, content_hash, disk_key, backend_name, original_name, mime_type, size_bytes,
			uploaded_by, visibility, public_token, status, quarantine_key, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'uploading', $11, COALESCE($12, now()), now())
		RETURNING status, created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		a.ID, a.ContentHash, a.DiskKey, a.BackendName, a.OriginalName, a.MimeType, a.SizeBytes,
		a.UploadedBy, a.Visibility, a.PublicToken, a.QuarantineKey, createdAt,
	).Scan(&a.Status, &a.CreatedAt, &a.UpdatedAt)
	if isLiveHashConflict(err) {
		return simplemedia.ClaimDuplicate, nil
	}
	if err != nil {
		return 0, r.handlePostgresError("claim", err)
	}
	return simplemedia.ClaimClaimed, nil
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*simplemedia.Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM media_assets WHERE id = $1`
	a, err := scanAsset(r.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, r.handlePostgresError("get asset", err)
	}
	return a, nil
}

func (r *Repository) GetByHash(ctx context.Context, contentHash string) (*simplemedia.Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM media_assets
		WHERE content_hash = $1 AND status IN ('uploading', 'ready')`
	a, err := scanAsset(r.db.QueryRow(ctx, query, contentHash))
	if err != nil {
		return nil, r.handlePostgresError("get asset by hash", err)
	}
	return a, nil
}

func (r *Repository) MarkReady(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE media_assets
		SET status = 'ready', quarantine_key = '', updated_at = now()
		WHERE id = $1 AND status = 'uploading'`
	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return r.handlePostgresError("mark ready", err)
	}
	if tag.RowsAffected() == 0 {
		return simplemedia.ErrNotFound
	}
	return nil
}

func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM media_assets WHERE id = $1`, id); err != nil {
		return r.handlePostgresError("delete asset", err)
	}
	return nil
}

func (r *Repository) DeleteUploading(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM media_assets WHERE id = $1 AND status = 'uploading'`, id)
	if err != nil {
		return false, r.handlePostgresError("delete uploading asset", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) ListStaleUploading(ctx context.Context, before time.Time) ([]*simplemedia.Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM media_assets
		WHERE status = 'uploading' AND created_at < $1
		ORDER BY created_at`
	rows, err := r.db.Query(ctx, query, before)
	if err != nil {
		return nil, r.handlePostgresError("list stale uploads", err)
	}
	defer rows.Close()

	var out []*simplemedia.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, r.handlePostgresError("scan stale upload", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, r.handlePostgresError("list stale uploads", err)
	}
	return out, nil
}

func (r *Repository) SetVisibility(ctx context.Context, id uuid.UUID, visibility simplemedia.Visibility, publicToken string) error {
	query := `
		UPDATE media_assets
		SET visibility = $2, public_token = $3, updated_at = now()
		WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, id, visibility, publicToken)
	if err != nil {
		return r.handlePostgresError("set visibility", err)
	}
	if tag.RowsAffected() == 0 {
		return simplemedia.ErrNotFound
	}
	return nil
}
