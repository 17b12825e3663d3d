/**
 * @description
 * PostgreSQL implementation of the ledger repository using pgx. Account
 * exclusivity is provided by row locks: WithAccounts opens one database
 * transaction, locks the named rows with SELECT ... FOR UPDATE in ascending
 * id order, and commits or rolls back the whole scope as a unit, so balance
 * writes and log appends are never partially visible.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver and connection pooling.
 * - github.com/shopspring/decimal: Fixed-point money; numeric columns are
 *   scanned through their text representation.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/corebank/ledger-service/internal/domain"
)

// PostgresRepository implements Repository on top of a pgx connection pool.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new repository backed by the given pool.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const accountColumns = "id, owner_id, number, type, balance, currency, status, created_at, updated_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*domain.Account, error) {
	var a domain.Account
	var balance string
	err := row.Scan(&a.ID, &a.OwnerID, &a.Number, &a.Type, &balance, &a.Currency, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	a.Balance, err = decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("failed to parse stored balance: %w", err)
	}
	return &a, nil
}

func (r *PostgresRepository) CreateAccount(ctx context.Context, account *domain.Account) error {
	now := time.Now().UTC()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = account.CreatedAt
	_, err := r.db.Exec(ctx, `
		INSERT INTO accounts (id, owner_id, number, type, balance, currency, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		account.ID, account.OwnerID, account.Number, account.Type,
		account.Balance.String(), account.Currency, account.Status,
		account.CreatedAt, account.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateNumber
		}
		return err
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (r *PostgresRepository) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	row := r.db.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = $1", id)
	return scanAccount(row)
}

func (r *PostgresRepository) GetAccountByNumber(ctx context.Context, number string) (*domain.Account, error) {
	row := r.db.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE number = $1", number)
	return scanAccount(row)
}

func (r *PostgresRepository) ListAccountsByOwner(ctx context.Context, ownerID uuid.UUID) ([]domain.Account, error) {
	rows, err := r.db.Query(ctx, "SELECT "+accountColumns+" FROM accounts WHERE owner_id = $1 ORDER BY number", ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) WithAccounts(ctx context.Context, ids []uuid.UUID, fn func(tx AccountTx) error) error {
	ordered := canonicalOrder(ids)

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// ORDER BY id makes Postgres take the row locks in ascending id order,
	// the same canonical order every other call site uses.
	rows, err := tx.Query(ctx,
		"SELECT id FROM accounts WHERE id = ANY($1) ORDER BY id FOR UPDATE", ordered)
	if err != nil {
		return fmt.Errorf("failed to lock accounts: %w", err)
	}
	locked := 0
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		locked++
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if locked != len(ordered) {
		return ErrAccountNotFound
	}

	if err := fn(&postgresTx{ctx: ctx, tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// postgresTx is the lock-scoped view over rows locked by WithAccounts. All
// statements run inside the surrounding database transaction.
type postgresTx struct {
	ctx context.Context
	tx  pgx.Tx
}

func (t *postgresTx) Account(id uuid.UUID) (*domain.Account, error) {
	row := t.tx.QueryRow(t.ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = $1", id)
	return scanAccount(row)
}

func (t *postgresTx) ApplyDelta(id uuid.UUID, delta decimal.Decimal) (decimal.Decimal, error) {
	var balance string
	var status domain.AccountStatus
	err := t.tx.QueryRow(t.ctx, "SELECT balance, status FROM accounts WHERE id = $1", id).Scan(&balance, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, ErrAccountNotFound
		}
		return decimal.Zero, err
	}
	if status != domain.AccountActive {
		return decimal.Zero, ErrAccountNotActive
	}
	current, err := decimal.NewFromString(balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse stored balance: %w", err)
	}
	next := current.Add(delta)
	if next.IsNegative() {
		return decimal.Zero, ErrInsufficientFunds
	}
	_, err = t.tx.Exec(t.ctx,
		"UPDATE accounts SET balance = $1, updated_at = NOW() WHERE id = $2", next.String(), id)
	if err != nil {
		return decimal.Zero, err
	}
	return next, nil
}

func (t *postgresTx) SetStatus(id uuid.UUID, status domain.AccountStatus) error {
	tag, err := t.tx.Exec(t.ctx,
		"UPDATE accounts SET status = $1, updated_at = NOW() WHERE id = $2", status, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (t *postgresTx) AppendTransaction(txn *domain.Transaction) error {
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}
	_, err := t.tx.Exec(t.ctx, `
		INSERT INTO transactions (id, type, status, amount, fee, currency,
			source_account_id, destination_account_id, reference_id, payee, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		txn.ID, txn.Type, txn.Status, txn.Amount.String(), txn.Fee.String(), txn.Currency,
		txn.SourceAccountID, txn.DestinationAccountID, txn.ReferenceID, txn.Payee,
		txn.Description, txn.CreatedAt,
	)
	return err
}

func (t *postgresTx) MarkReversed(id uuid.UUID) error {
	tag, err := t.tx.Exec(t.ctx,
		"UPDATE transactions SET status = $1 WHERE id = $2 AND status = $3",
		domain.StatusReversed, id, domain.StatusCompleted)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transaction %s is not reversible: %w", id, ErrTransactionNotFound)
	}
	return nil
}

const transactionColumns = "id, type, status, amount, fee, currency, source_account_id, destination_account_id, reference_id, payee, description, created_at"

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	var amount, fee string
	err := row.Scan(&tx.ID, &tx.Type, &tx.Status, &amount, &fee, &tx.Currency,
		&tx.SourceAccountID, &tx.DestinationAccountID, &tx.ReferenceID, &tx.Payee,
		&tx.Description, &tx.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	if tx.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("failed to parse stored amount: %w", err)
	}
	if tx.Fee, err = decimal.NewFromString(fee); err != nil {
		return nil, fmt.Errorf("failed to parse stored fee: %w", err)
	}
	return &tx, nil
}

func (r *PostgresRepository) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	row := r.db.QueryRow(ctx, "SELECT "+transactionColumns+" FROM transactions WHERE id = $1", id)
	return scanTransaction(row)
}

func (r *PostgresRepository) QueryTransactions(ctx context.Context, filter domain.TransactionFilter, page domain.Page) ([]domain.Transaction, *domain.Cursor, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}

	var conditions []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.OwnerID != nil {
		p := arg(*filter.OwnerID)
		conditions = append(conditions, fmt.Sprintf(
			`(EXISTS (SELECT 1 FROM accounts a WHERE a.id = t.source_account_id AND a.owner_id = %s)
			  OR EXISTS (SELECT 1 FROM accounts a WHERE a.id = t.destination_account_id AND a.owner_id = %s))`, p, p))
	}
	if filter.AccountID != nil {
		p := arg(*filter.AccountID)
		conditions = append(conditions, fmt.Sprintf(
			"(t.source_account_id = %s OR t.destination_account_id = %s)", p, p))
	}
	if filter.Type != nil {
		conditions = append(conditions, "t.type = "+arg(*filter.Type))
	}
	if filter.From != nil {
		conditions = append(conditions, "t.created_at >= "+arg(*filter.From))
	}
	if filter.To != nil {
		conditions = append(conditions, "t.created_at <= "+arg(*filter.To))
	}
	if filter.MinAmount != nil {
		conditions = append(conditions, "t.amount >= "+arg(filter.MinAmount.String()))
	}
	if filter.MaxAmount != nil {
		conditions = append(conditions, "t.amount <= "+arg(filter.MaxAmount.String()))
	}
	if page.Cursor != nil {
		conditions = append(conditions, fmt.Sprintf("(t.created_at, t.id) < (%s, %s)",
			arg(page.Cursor.CreatedAt), arg(page.Cursor.ID)))
	}

	query := "SELECT t.id, t.type, t.status, t.amount, t.fee, t.currency, t.source_account_id, t.destination_account_id, t.reference_id, t.payee, t.description, t.created_at FROM transactions t"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY t.created_at DESC, t.id DESC LIMIT " + arg(limit)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, *tx)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var next *domain.Cursor
	if len(out) == limit {
		last := out[len(out)-1]
		next = &domain.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return out, next, nil
}

func (r *PostgresRepository) RecentTransactions(ctx context.Context, accountID uuid.UUID, since time.Time) ([]domain.Transaction, error) {
	rows, err := r.db.Query(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE source_account_id = $1 AND created_at >= $2 AND status <> $3",
		accountID, since, domain.StatusFailed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *tx)
	}
	return out, rows.Err()
}
