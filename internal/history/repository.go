package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tryonlab/backend/internal/models"
)

const resultCols = `id, user_id, subject_asset_id, garment_asset_id, storage_key, file_size,
	mime_type, width, height, processing_duration_ms, credits_used, is_retry, retry_from_id,
	created_at, deleted_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateTx inserts a result inside the caller's transaction, the one that
// also completes the session.
func (r *Repository) CreateTx(ctx context.Context, tx pgx.Tx, res *models.Result) error {
	return tx.QueryRow(ctx, `
		INSERT INTO results (user_id, subject_asset_id, garment_asset_id, storage_key, file_size,
			mime_type, width, height, processing_duration_ms, credits_used, is_retry, retry_from_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at
	`, res.UserID, res.SubjectAssetID, res.GarmentAssetID, res.StorageKey, res.FileSize,
		res.MimeType, res.Width, res.Height, res.ProcessingDurationMs, res.CreditsUsed,
		res.IsRetry, res.RetryFromID).
		Scan(&res.ID, &res.CreatedAt)
}

// GetOwned returns a non-deleted result owned by userID.
func (r *Repository) GetOwned(ctx context.Context, userID, resultID uuid.UUID) (*models.Result, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+resultCols+` FROM results
		WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL
	`, resultID, userID)
	return scanResult(row)
}

// ListPage returns up to limit live results, newest first, strictly after
// the cursor row when one is given.
func (r *Repository) ListPage(ctx context.Context, userID uuid.UUID, cursor *uuid.UUID, limit int) ([]*models.Result, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if cursor == nil {
		rows, err = r.pool.Query(ctx, fmt.Sprintf(`
			SELECT %s FROM results
			WHERE user_id = $1 AND deleted_at IS NULL
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		`, resultCols), userID, limit)
	} else {
		rows, err = r.pool.Query(ctx, fmt.Sprintf(`
			SELECT %s FROM results
			WHERE user_id = $1 AND deleted_at IS NULL
			  AND (created_at, id) < (SELECT created_at, id FROM results WHERE id = $2)
			ORDER BY created_at DESC, id DESC
			LIMIT $3
		`, resultCols), userID, *cursor, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*models.Result
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, res)
	}
	return list, rows.Err()
}

// CountLive returns the user's total number of non-deleted results.
func (r *Repository) CountLive(ctx context.Context, userID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT count(*) FROM results WHERE user_id = $1 AND deleted_at IS NULL
	`, userID).Scan(&n)
	return n, err
}

// SoftDelete stamps deleted_at and reports whether a live row was hit.
func (r *Repository) SoftDelete(ctx context.Context, userID, resultID uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE results SET deleted_at = now()
		WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL
	`, resultID, userID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Exists reports whether the row exists for this owner, deleted or not.
func (r *Repository) Exists(ctx context.Context, userID, resultID uuid.UUID) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM results WHERE id = $1 AND user_id = $2)
	`, resultID, userID).Scan(&ok)
	return ok, err
}

func scanResult(row pgx.Row) (*models.Result, error) {
	var res models.Result
	err := row.Scan(&res.ID, &res.UserID, &res.SubjectAssetID, &res.GarmentAssetID, &res.StorageKey,
		&res.FileSize, &res.MimeType, &res.Width, &res.Height, &res.ProcessingDurationMs,
		&res.CreditsUsed, &res.IsRetry, &res.RetryFromID, &res.CreatedAt, &res.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrResultNotFound
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}
