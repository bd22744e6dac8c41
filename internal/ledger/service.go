// Package ledger owns credit balances and the append-only transaction log.
// Every balance change happens together with its log entry inside one
// database transaction, usually one shared with the caller.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tryonlab/backend/internal/models"
)

var (
	ErrUserNotFound        = errors.New("user not found")
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrInconsistent means a balance update did not add up against the
	// locked before-value. It aborts the surrounding transaction.
	ErrInconsistent = errors.New("ledger inconsistency")
)

const (
	defaultPageSize = 20
	maxPageSize     = 50
)

// UserBalances mutates per-user balance columns.
type UserBalances interface {
	GetBalance(ctx context.Context, userID uuid.UUID) (*Balance, error)
	GetBalanceForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (int, error)
	Deduct(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int) (int, error)
	Credit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int, asEarned bool) (int, error)
}

// TransactionLog appends and reads ledger entries.
type TransactionLog interface {
	CreateTx(ctx context.Context, tx pgx.Tx, t *models.CreditTransaction) error
	ListPage(ctx context.Context, userID uuid.UUID, cursor *uuid.UUID, limit int) ([]*models.CreditTransaction, error)
}

// TxBeginner starts database transactions for the operations that do not
// join a caller's transaction.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Service struct {
	users UserBalances
	txns  TransactionLog
	db    TxBeginner
	log   *slog.Logger
}

func NewService(users UserBalances, txns TransactionLog, db TxBeginner, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{users: users, txns: txns, db: db, log: log}
}

func (s *Service) GetBalance(ctx context.Context, userID uuid.UUID) (*Balance, error) {
	return s.users.GetBalance(ctx, userID)
}

// HasEnoughCredits is a cheap pre-check. The debit itself re-verifies under
// lock, so a stale answer here can only cause an early rejection.
func (s *Service) HasEnoughCredits(ctx context.Context, userID uuid.UUID, amount int) (bool, error) {
	b, err := s.users.GetBalance(ctx, userID)
	if err != nil {
		return false, err
	}
	return b.CreditBalance >= amount, nil
}

// GrantInitialTx credits the signup grant inside the caller's transaction,
// normally the same one that inserts the user row.
func (s *Service) GrantInitialTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int) (*models.CreditTransaction, error) {
	return s.creditTx(ctx, tx, userID, amount, models.TransactionInitialGrant, nil, "Initial signup grant", true)
}

// DebitTx charges amount within the caller's transaction. If anything later
// in that transaction fails and it rolls back, the charge vanishes with it.
func (s *Service) DebitTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int, sessionID *uuid.UUID, description string) (*models.CreditTransaction, error) {
	before, err := s.users.GetBalanceForUpdate(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if before < amount {
		return nil, ErrInsufficientCredits
	}
	after, err := s.users.Deduct(ctx, tx, userID, amount)
	if err != nil {
		return nil, err
	}
	if after != before-amount {
		return nil, fmt.Errorf("%w: debit of %d moved balance %d -> %d", ErrInconsistent, amount, before, after)
	}

	t := &models.CreditTransaction{
		UserID:        userID,
		Type:          models.TransactionDeduct,
		Amount:        -amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		SessionID:     sessionID,
		Description:   description,
	}
	if err := s.txns.CreateTx(ctx, tx, t); err != nil {
		return nil, err
	}
	s.log.Info("credits debited", "user_id", userID, "amount", amount, "balance", after)
	return t, nil
}

// RefundTx returns amount within the caller's transaction.
func (s *Service) RefundTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int, sessionID *uuid.UUID, description string) (*models.CreditTransaction, error) {
	return s.creditTx(ctx, tx, userID, amount, models.TransactionRefund, sessionID, description, false)
}

// Refund runs RefundTx in its own transaction, for callers with no
// transaction of their own (the failure path of a background job).
func (s *Service) Refund(ctx context.Context, userID uuid.UUID, amount int, sessionID *uuid.UUID, description string) (*models.CreditTransaction, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	t, err := s.RefundTx(ctx, tx, userID, amount, sessionID, description)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Service) creditTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int, txType string, sessionID *uuid.UUID, description string, asEarned bool) (*models.CreditTransaction, error) {
	before, err := s.users.GetBalanceForUpdate(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	after, err := s.users.Credit(ctx, tx, userID, amount, asEarned)
	if err != nil {
		return nil, err
	}
	if after != before+amount {
		return nil, fmt.Errorf("%w: credit of %d moved balance %d -> %d", ErrInconsistent, amount, before, after)
	}

	t := &models.CreditTransaction{
		UserID:        userID,
		Type:          txType,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		SessionID:     sessionID,
		Description:   description,
	}
	if err := s.txns.CreateTx(ctx, tx, t); err != nil {
		return nil, err
	}
	s.log.Info("credits added", "user_id", userID, "type", txType, "amount", amount, "balance", after)
	return t, nil
}

// TransactionPage is one page of ledger history.
type TransactionPage struct {
	Items      []*models.CreditTransaction `json:"items"`
	NextCursor *uuid.UUID                  `json:"nextCursor"`
	HasMore    bool                        `json:"hasMore"`
}

// ListTransactions pages through the user's history, newest first. The limit
// is clamped to [1, 50]; zero or negative means the default page size.
func (s *Service) ListTransactions(ctx context.Context, userID uuid.UUID, cursor *uuid.UUID, limit int) (*TransactionPage, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	// Fetch one extra row to learn whether another page exists.
	items, err := s.txns.ListPage(ctx, userID, cursor, limit+1)
	if err != nil {
		return nil, err
	}

	page := &TransactionPage{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		page.HasMore = true
		last := page.Items[len(page.Items)-1].ID
		page.NextCursor = &last
	}
	if page.Items == nil {
		page.Items = []*models.CreditTransaction{}
	}
	return page, nil
}
