/**
 * @description
 * This file defines the transaction domain models for the ledger-service:
 * the immutable ledger record itself, the closed set of transaction kinds,
 * and the request/result/filter DTOs exchanged with the HTTP layer.
 *
 * @notes
 * - TransactionType is a closed tagged variant. Delta computation and policy
 *   checks switch over it exhaustively, so adding a kind forces every
 *   component to handle it explicitly.
 * - Amounts use shopspring/decimal; money is never represented as a float.
 */

package domain

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionType is the closed set of supported money movements.
type TransactionType string

const (
	TypeDeposit     TransactionType = "deposit"
	TypeWithdrawal  TransactionType = "withdrawal"
	TypeTransfer    TransactionType = "transfer"
	TypeBillPayment TransactionType = "bill_payment"
	TypeInvestment  TransactionType = "investment"
	TypeRefund      TransactionType = "refund"
)

// ParseTransactionType validates a raw string against the closed type set.
func ParseTransactionType(raw string) (TransactionType, bool) {
	switch TransactionType(raw) {
	case TypeDeposit, TypeWithdrawal, TypeTransfer, TypeBillPayment, TypeInvestment, TypeRefund:
		return TransactionType(raw), true
	}
	return "", false
}

// Debits reports whether the type removes funds from the source account.
// Refund is the credit-side marker of a reversal; its per-leg effect depends
// on the original transaction and is resolved by the engine.
func (t TransactionType) Debits() bool {
	switch t {
	case TypeWithdrawal, TypeTransfer, TypeBillPayment, TypeInvestment:
		return true
	}
	return false
}

// TransactionStatus tracks the final disposition of a ledger record.
// Completed records are immutable; the single permitted mutation is the
// transition completed -> reversed when a reversing refund commits.
type TransactionStatus string

const (
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
	StatusReversed  TransactionStatus = "reversed"
)

// Transaction is one committed entry in the append-only ledger.
type Transaction struct {
	ID                   uuid.UUID         `json:"id"`
	Type                 TransactionType   `json:"type"`
	Status               TransactionStatus `json:"status"`
	Amount               decimal.Decimal   `json:"amount"`
	Fee                  decimal.Decimal   `json:"fee"`
	Currency             string            `json:"currency"`
	SourceAccountID      uuid.UUID         `json:"source_account_id"`
	DestinationAccountID *uuid.UUID        `json:"destination_account_id,omitempty"`
	// ReferenceID links a refund to the transaction it reverses.
	ReferenceID *uuid.UUID `json:"reference_id,omitempty"`
	// Payee names the external biller on bill payments. External payees are
	// not modeled as accounts.
	Payee       *string   `json:"payee,omitempty"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// CreateTransactionRequest is the DTO for submitting a money movement.
// Transfers address their destination by account number, matching the
// external-facing semantics; all other kinds are single-leg.
type CreateTransactionRequest struct {
	SourceAccountID   uuid.UUID       `json:"source_account_id"`
	DestinationNumber string          `json:"destination_account_number,omitempty"`
	Type              string          `json:"type"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Payee             string          `json:"payee,omitempty"`
	Description       string          `json:"description,omitempty"`
}

// TransactionResult is returned for every committed transaction: the ledger
// record plus the balances observed at commit time under the account locks.
type TransactionResult struct {
	Transaction        *Transaction     `json:"transaction"`
	SourceBalance      decimal.Decimal  `json:"source_balance"`
	DestinationBalance *decimal.Decimal `json:"destination_balance,omitempty"`
}

// PolicyDecision is the ephemeral outcome of validating a request against
// the business rules. It is never persisted.
type PolicyDecision struct {
	Allowed    bool
	Reason     string
	Fee        decimal.Decimal
	TotalDebit decimal.Decimal
}

// TransactionFilter narrows a ledger query. Nil fields are ignored.
type TransactionFilter struct {
	OwnerID   *uuid.UUID
	AccountID *uuid.UUID
	Type      *TransactionType
	From      *time.Time
	To        *time.Time
	MinAmount *decimal.Decimal
	MaxAmount *decimal.Decimal
}

// Cursor is a keyset pagination anchor: queries return entries strictly
// older than it, so pages already handed out never shift when new entries
// are appended concurrently.
type Cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// Encode serializes the cursor into an opaque page token.
func (c Cursor) Encode() string {
	raw := fmt.Sprintf("%s|%s", c.CreatedAt.UTC().Format(time.RFC3339Nano), c.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a page token produced by Encode.
func DecodeCursor(token string) (*Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("malformed page token: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("malformed page token")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return nil, fmt.Errorf("malformed page token timestamp: %w", err)
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return nil, fmt.Errorf("malformed page token id: %w", err)
	}
	return &Cursor{CreatedAt: ts, ID: id}, nil
}

// Page bounds one query result. A nil Cursor means the newest page.
type Page struct {
	Limit  int
	Cursor *Cursor
}
