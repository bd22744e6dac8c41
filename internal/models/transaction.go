package models

import (
	"time"

	"github.com/google/uuid"
)

// Credit transaction types. Transactions are append-only: the ledger creates
// them and nothing ever mutates or deletes one.
const (
	TransactionInitialGrant    = "INITIAL_GRANT"
	TransactionDeduct          = "DEDUCT"
	TransactionRefund          = "REFUND"
	TransactionAdminAdjustment = "ADMIN_ADJUSTMENT"
)

// CreditTransaction is one signed ledger entry. Amount is negative for
// deductions and positive for grants/refunds; BalanceAfter must always equal
// BalanceBefore + Amount.
type CreditTransaction struct {
	ID            uuid.UUID  `json:"id"`
	UserID        uuid.UUID  `json:"userId"`
	Type          string     `json:"type"`
	Amount        int        `json:"amount"`
	BalanceBefore int        `json:"balanceBefore"`
	BalanceAfter  int        `json:"balanceAfter"`
	SessionID     *uuid.UUID `json:"sessionId,omitempty"`
	Description   string     `json:"description"`
	CreatedAt     time.Time  `json:"createdAt"`
}
