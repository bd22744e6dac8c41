package tryon

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tryonlab/backend/internal/models"
)

const sessionCols = `id, user_id, subject_asset_id, garment_asset_id, status,
	credit_transaction_id, credit_refund_transaction_id, error_message, result_id,
	created_at, completed_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// CreateTx inserts a session in the processing state inside the caller's
// transaction, the same one that debits the credits.
func (r *Repository) CreateTx(ctx context.Context, tx pgx.Tx, s *models.ProcessingSession) error {
	return tx.QueryRow(ctx, `
		INSERT INTO processing_sessions (user_id, subject_asset_id, garment_asset_id, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, s.UserID, s.SubjectAssetID, s.GarmentAssetID, models.SessionProcessing).
		Scan(&s.ID, &s.CreatedAt)
}

// SetCreditTransactionTx stamps the debit transaction onto the session.
func (r *Repository) SetCreditTransactionTx(ctx context.Context, tx pgx.Tx, sessionID, txnID uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		UPDATE processing_sessions SET credit_transaction_id = $1 WHERE id = $2
	`, txnID, sessionID)
	return err
}

func (r *Repository) GetOwned(ctx context.Context, userID, sessionID uuid.UUID) (*models.ProcessingSession, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+sessionCols+` FROM processing_sessions
		WHERE id = $1 AND user_id = $2
	`, sessionID, userID)
	return scanSession(row)
}

// CompleteTx flips processing -> completed. The status guard in the WHERE
// clause enforces the single-transition rule; it reports false when the
// session was already terminal.
func (r *Repository) CompleteTx(ctx context.Context, tx pgx.Tx, sessionID, resultID uuid.UUID) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE processing_sessions
		SET status = $1, result_id = $2, completed_at = now()
		WHERE id = $3 AND status = $4
	`, models.SessionCompleted, resultID, sessionID, models.SessionProcessing)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// MarkFailed flips processing -> failed with the same status guard.
func (r *Repository) MarkFailed(ctx context.Context, sessionID uuid.UUID, errMsg string, refundTxnID *uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE processing_sessions
		SET status = $1, error_message = $2, credit_refund_transaction_id = $3, completed_at = now()
		WHERE id = $4 AND status = $5
	`, models.SessionFailed, errMsg, refundTxnID, sessionID, models.SessionProcessing)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// SetRefundTransaction records a refund issued after the session already
// left processing (the sweeper path).
func (r *Repository) SetRefundTransaction(ctx context.Context, sessionID, txnID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE processing_sessions SET credit_refund_transaction_id = $1 WHERE id = $2
	`, txnID, sessionID)
	return err
}

// ListStaleProcessing finds sessions stuck in processing since before the
// cutoff. Candidates for the sweep.
func (r *Repository) ListStaleProcessing(ctx context.Context, olderThan time.Time, limit int) ([]*models.ProcessingSession, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+sessionCols+` FROM processing_sessions
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at
		LIMIT $3
	`, models.SessionProcessing, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*models.ProcessingSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

// DebitedCredits returns how many credits the session's debit charged.
func (r *Repository) DebitedCredits(ctx context.Context, sessionID uuid.UUID) (int, error) {
	var amount int
	err := r.pool.QueryRow(ctx, `
		SELECT -amount FROM credit_transactions
		WHERE session_id = $1 AND type = $2
		ORDER BY created_at
		LIMIT 1
	`, sessionID, models.TransactionDeduct).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, errors.New("session has no debit transaction")
	}
	return amount, err
}

func scanSession(row pgx.Row) (*models.ProcessingSession, error) {
	var s models.ProcessingSession
	err := row.Scan(&s.ID, &s.UserID, &s.SubjectAssetID, &s.GarmentAssetID, &s.Status,
		&s.CreditTransactionID, &s.CreditRefundTransactionID, &s.ErrorMessage, &s.ResultID,
		&s.CreatedAt, &s.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}
