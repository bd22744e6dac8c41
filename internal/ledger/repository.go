package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tryonlab/backend/internal/models"
)

// Balance is the denormalized read model of a user's ledger.
type Balance struct {
	CreditBalance      int       `json:"creditBalance"`
	TotalCreditsSpent  int       `json:"totalCreditsSpent"`
	TotalCreditsEarned int       `json:"totalCreditsEarned"`
	CreditUpdatedAt    time.Time `json:"creditUpdatedAt"`
}

// Repository is the pgx-backed ledger store. Balance mutations are
// conditional single-statement updates, so concurrent debits against one
// user cannot overdraw.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

func (r *Repository) GetBalance(ctx context.Context, userID uuid.UUID) (*Balance, error) {
	var b Balance
	err := r.pool.QueryRow(ctx, `
		SELECT credit_balance, total_credits_spent, total_credits_earned, credit_updated_at
		FROM users WHERE id = $1
	`, userID).Scan(&b.CreditBalance, &b.TotalCreditsSpent, &b.TotalCreditsEarned, &b.CreditUpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// GetBalanceForUpdate locks the user row for the remainder of tx and returns
// the current balance.
func (r *Repository) GetBalanceForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (int, error) {
	var balance int
	err := tx.QueryRow(ctx, `
		SELECT credit_balance FROM users WHERE id = $1 FOR UPDATE
	`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// Deduct subtracts amount if the balance covers it. The WHERE guard keeps
// the balance non-negative no matter how the callers interleave.
func (r *Repository) Deduct(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int) (int, error) {
	var newBalance int
	err := tx.QueryRow(ctx, `
		UPDATE users
		SET credit_balance = credit_balance - $1,
		    total_credits_spent = total_credits_spent + $1,
		    credit_updated_at = now(),
		    updated_at = now()
		WHERE id = $2 AND credit_balance >= $1
		RETURNING credit_balance
	`, amount, userID).Scan(&newBalance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrInsufficientCredits
	}
	if err != nil {
		return 0, err
	}
	return newBalance, nil
}

// Credit adds amount to the balance. Grants count toward
// total_credits_earned; refunds give back total_credits_spent instead.
func (r *Repository) Credit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int, asEarned bool) (int, error) {
	query := `
		UPDATE users
		SET credit_balance = credit_balance + $1,
		    total_credits_spent = total_credits_spent - $1,
		    credit_updated_at = now(),
		    updated_at = now()
		WHERE id = $2
		RETURNING credit_balance`
	if asEarned {
		query = `
		UPDATE users
		SET credit_balance = credit_balance + $1,
		    total_credits_earned = total_credits_earned + $1,
		    credit_updated_at = now(),
		    updated_at = now()
		WHERE id = $2
		RETURNING credit_balance`
	}
	var newBalance int
	err := tx.QueryRow(ctx, query, amount, userID).Scan(&newBalance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, err
	}
	return newBalance, nil
}

// CreateTx appends a ledger entry inside the caller's transaction.
func (r *Repository) CreateTx(ctx context.Context, tx pgx.Tx, t *models.CreditTransaction) error {
	return tx.QueryRow(ctx, `
		INSERT INTO credit_transactions (user_id, type, amount, balance_before, balance_after, session_id, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`, t.UserID, t.Type, t.Amount, t.BalanceBefore, t.BalanceAfter, t.SessionID, t.Description).
		Scan(&t.ID, &t.CreatedAt)
}

// ListPage returns up to limit transactions in reverse-chronological order,
// starting strictly after the cursor row when a cursor is given.
func (r *Repository) ListPage(ctx context.Context, userID uuid.UUID, cursor *uuid.UUID, limit int) ([]*models.CreditTransaction, error) {
	const cols = `id, user_id, type, amount, balance_before, balance_after, session_id, description, created_at`

	var (
		rows pgx.Rows
		err  error
	)
	if cursor == nil {
		rows, err = r.pool.Query(ctx, fmt.Sprintf(`
			SELECT %s FROM credit_transactions
			WHERE user_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		`, cols), userID, limit)
	} else {
		rows, err = r.pool.Query(ctx, fmt.Sprintf(`
			SELECT %s FROM credit_transactions
			WHERE user_id = $1
			  AND (created_at, id) < (SELECT created_at, id FROM credit_transactions WHERE id = $2)
			ORDER BY created_at DESC, id DESC
			LIMIT $3
		`, cols), userID, *cursor, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*models.CreditTransaction
	for rows.Next() {
		var t models.CreditTransaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.Amount, &t.BalanceBefore, &t.BalanceAfter,
			&t.SessionID, &t.Description, &t.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &t)
	}
	return list, rows.Err()
}
