package auth

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tryonlab/backend/internal/models"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// CreateTx inserts a new user inside the caller's transaction, the one that
// also credits the signup grant.
func (r *Repository) CreateTx(ctx context.Context, tx pgx.Tx, u *models.User) error {
	return tx.QueryRow(ctx, `
		INSERT INTO users (email, password_hash, display_name)
		VALUES ($1, $2, $3)
		RETURNING id, credit_balance, total_credits_spent, total_credits_earned,
			credit_updated_at, created_at, updated_at
	`, u.Email, u.PasswordHash, u.DisplayName).
		Scan(&u.ID, &u.CreditBalance, &u.TotalCreditsSpent, &u.TotalCreditsEarned,
			&u.CreditUpdatedAt, &u.CreatedAt, &u.UpdatedAt)
}

// GetByEmail returns the user for login. Returns nil when not found.
func (r *Repository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	err := r.pool.QueryRow(ctx, `
		SELECT id, email, password_hash, display_name, credit_balance, total_credits_spent,
			total_credits_earned, credit_updated_at, created_at, updated_at
		FROM users WHERE email = $1
	`, email).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.DisplayName, &u.CreditBalance,
		&u.TotalCreditsSpent, &u.TotalCreditsEarned, &u.CreditUpdatedAt, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
