package assets

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tryonlab/backend/internal/models"
)

const assetCols = `id, user_id, kind, storage_key, original_file_name, mime_type, file_size,
	width, height, version, is_archived, replacement_history, uploaded_at, deleted_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

func (r *Repository) Create(ctx context.Context, a *models.Asset) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO assets (user_id, kind, storage_key, original_file_name, mime_type, file_size, width, height, version, replacement_history)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, uploaded_at
	`, a.UserID, a.Kind, a.StorageKey, a.OriginalFileName, a.MimeType, a.FileSize,
		a.Width, a.Height, a.Version, historyOrEmpty(a.ReplacementHistory)).
		Scan(&a.ID, &a.UploadedAt)
}

// CreateTx inserts within the caller's transaction; used by the referenced
// replacement path together with MarkArchivedTx.
func (r *Repository) CreateTx(ctx context.Context, tx pgx.Tx, a *models.Asset) error {
	return tx.QueryRow(ctx, `
		INSERT INTO assets (user_id, kind, storage_key, original_file_name, mime_type, file_size, width, height, version, replacement_history)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, uploaded_at
	`, a.UserID, a.Kind, a.StorageKey, a.OriginalFileName, a.MimeType, a.FileSize,
		a.Width, a.Height, a.Version, historyOrEmpty(a.ReplacementHistory)).
		Scan(&a.ID, &a.UploadedAt)
}

// GetOwned returns a non-deleted asset owned by userID.
func (r *Repository) GetOwned(ctx context.Context, userID, assetID uuid.UUID) (*models.Asset, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+assetCols+` FROM assets
		WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL
	`, assetID, userID)
	return scanAsset(row)
}

// Exists reports whether the row exists for this owner at all, deleted or not.
func (r *Repository) Exists(ctx context.Context, userID, assetID uuid.UUID) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM assets WHERE id = $1 AND user_id = $2)
	`, assetID, userID).Scan(&ok)
	return ok, err
}

// ListByKind returns the user's active assets of one kind, newest first.
// Archived rows stay out of the list; they exist only for history display.
func (r *Repository) ListByKind(ctx context.Context, userID uuid.UUID, kind string) ([]*models.Asset, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+assetCols+` FROM assets
		WHERE user_id = $1 AND kind = $2 AND deleted_at IS NULL AND is_archived = false
		ORDER BY uploaded_at DESC
	`, userID, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*models.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, rows.Err()
}

// SoftDelete stamps deleted_at and reports whether a live row was hit.
func (r *Repository) SoftDelete(ctx context.Context, userID, assetID uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE assets SET deleted_at = now()
		WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL
	`, assetID, userID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// CountLiveResultReferences counts non-deleted results that used this asset
// as either source.
func (r *Repository) CountLiveResultReferences(ctx context.Context, assetID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT count(*) FROM results
		WHERE (subject_asset_id = $1 OR garment_asset_id = $1) AND deleted_at IS NULL
	`, assetID).Scan(&n)
	return n, err
}

// UpdateInPlace overwrites the file columns of an existing row, bumping the
// version and appending to the replacement history. The unreferenced
// replacement path.
func (r *Repository) UpdateInPlace(ctx context.Context, a *models.Asset) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE assets
		SET storage_key = $1, original_file_name = $2, mime_type = $3, file_size = $4,
		    width = $5, height = $6, version = $7, replacement_history = $8, uploaded_at = now()
		WHERE id = $9 AND deleted_at IS NULL
	`, a.StorageKey, a.OriginalFileName, a.MimeType, a.FileSize,
		a.Width, a.Height, a.Version, historyOrEmpty(a.ReplacementHistory), a.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// MarkArchivedTx flags the row archived without touching its storage key.
func (r *Repository) MarkArchivedTx(ctx context.Context, tx pgx.Tx, assetID uuid.UUID) error {
	tag, err := tx.Exec(ctx, `
		UPDATE assets SET is_archived = true WHERE id = $1
	`, assetID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// SetStorageKey updates the key after the janitor moved the object.
func (r *Repository) SetStorageKey(ctx context.Context, assetID uuid.UUID, key string) error {
	_, err := r.pool.Exec(ctx, `UPDATE assets SET storage_key = $1 WHERE id = $2`, key, assetID)
	return err
}

// ListArchiveCandidates finds assets soft-deleted before the cutoff whose
// objects are still in the live namespace and are unreferenced by any
// non-deleted result.
func (r *Repository) ListArchiveCandidates(ctx context.Context, deletedBefore time.Time, limit int) ([]*models.Asset, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+assetCols+` FROM assets a
		WHERE a.deleted_at IS NOT NULL
		  AND a.deleted_at < $1
		  AND a.storage_key NOT LIKE 'archived/%'
		  AND NOT EXISTS (
			SELECT 1 FROM results res
			WHERE (res.subject_asset_id = a.id OR res.garment_asset_id = a.id)
			  AND res.deleted_at IS NULL
		  )
		ORDER BY a.deleted_at
		LIMIT $2
	`, deletedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*models.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, rows.Err()
}

func scanAsset(row pgx.Row) (*models.Asset, error) {
	var a models.Asset
	err := row.Scan(&a.ID, &a.UserID, &a.Kind, &a.StorageKey, &a.OriginalFileName, &a.MimeType,
		&a.FileSize, &a.Width, &a.Height, &a.Version, &a.IsArchived, &a.ReplacementHistory,
		&a.UploadedAt, &a.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAssetNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// historyOrEmpty keeps the jsonb column a [] instead of SQL NULL.
func historyOrEmpty(h []models.ReplacementEntry) []models.ReplacementEntry {
	if h == nil {
		return []models.ReplacementEntry{}
	}
	return h
}
