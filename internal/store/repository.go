/**
 * @description
 * This file defines the data-access contracts for the ledger-service.
 * AccountStore exclusively owns account records and is the only component
 * permitted to mutate balances; TransactionLog exclusively owns the
 * append-only transaction history. Two implementations exist: a PostgreSQL
 * repository backed by pgx row locks, and an in-memory repository used by
 * unit tests and local runs.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/google/uuid: Account and transaction identifiers.
 * - github.com/shopspring/decimal: Fixed-point money.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/corebank/ledger-service/internal/domain"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrAccountNotActive    = errors.New("account is not active")
	ErrDuplicateNumber     = errors.New("account number already exists")
)

// AccountStore holds account records and grants scoped exclusive access to
// them. Balance mutation happens only through AccountTx.ApplyDelta inside a
// WithAccounts scope.
type AccountStore interface {
	CreateAccount(ctx context.Context, account *domain.Account) error
	GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error)
	GetAccountByNumber(ctx context.Context, number string) (*domain.Account, error)
	ListAccountsByOwner(ctx context.Context, ownerID uuid.UUID) ([]domain.Account, error)

	// WithAccounts runs fn with exclusive access to the named accounts. No
	// other caller can read-modify-write those accounts until fn returns.
	// Locks are always acquired in ascending id order regardless of the
	// order of ids, preventing circular waits between concurrent
	// opposite-direction transfers. If ctx is cancelled while waiting for a
	// lock, the operation is abandoned with no mutation applied. If fn
	// returns an error, every delta applied inside the scope is discarded.
	WithAccounts(ctx context.Context, ids []uuid.UUID, fn func(tx AccountTx) error) error
}

// AccountTx is the lock-scoped view handed to WithAccounts callbacks. It is
// only valid for the duration of the callback.
type AccountTx interface {
	// Account returns the current state of a locked account.
	Account(id uuid.UUID) (*domain.Account, error)

	// ApplyDelta is the single balance-mutation primitive. It atomically
	// verifies that the account is active and that balance+delta stays
	// non-negative, then writes the new balance. Returns the new balance,
	// or ErrInsufficientFunds / ErrAccountNotActive with no change.
	ApplyDelta(id uuid.UUID, delta decimal.Decimal) (decimal.Decimal, error)

	// SetStatus changes the account's lifecycle status. Running it inside
	// the lock scope lets callers check preconditions (a zero balance before
	// closing) without a concurrent commit slipping between check and write.
	SetStatus(id uuid.UUID, status domain.AccountStatus) error

	// AppendTransaction inserts one ledger record inside the lock scope, so
	// balances and log are never observably out of sync.
	AppendTransaction(tx *domain.Transaction) error

	// MarkReversed flips a completed transaction's status to reversed. This
	// is the only permitted mutation of an existing log entry.
	MarkReversed(id uuid.UUID) error
}

// TransactionLog is the append-only, immutable record of committed
// transactions. Inserts happen via AccountTx.AppendTransaction; this
// interface is read-only.
type TransactionLog interface {
	GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)

	// QueryTransactions returns entries matching the filter, newest first.
	// The returned cursor restarts the query at the next page; pagination
	// is stable under concurrent appends.
	QueryTransactions(ctx context.Context, filter domain.TransactionFilter, page domain.Page) ([]domain.Transaction, *domain.Cursor, error)

	// RecentTransactions returns all non-failed entries whose source is the
	// given account and whose creation time is at or after since. Used by
	// the policy layer for rolling-window limits.
	RecentTransactions(ctx context.Context, accountID uuid.UUID, since time.Time) ([]domain.Transaction, error)
}

// Repository is the full persistence surface required by the ledger engine.
type Repository interface {
	AccountStore
	TransactionLog
}
