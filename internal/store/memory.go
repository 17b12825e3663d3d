/**
 * @description
 * In-memory implementation of the ledger repository. It backs the unit and
 * concurrency tests and local development runs, and mirrors the PostgreSQL
 * implementation's semantics: per-account exclusive locks acquired in
 * ascending id order, balance checks performed under the lock, and writes
 * that become visible only when the scope commits.
 *
 * @notes
 * - Per-account locks are capacity-1 channels rather than sync.Mutex so a
 *   waiter can be abandoned on context cancellation with nothing written.
 * - A WithAccounts scope behaves like a transaction: deltas and log appends
 *   accumulate on private working copies and are published together under
 *   the repository mutex on commit. A lock-free reader never observes an
 *   uncommitted delta or a balance change without its log entry.
 */

package store

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/corebank/ledger-service/internal/domain"
)

const defaultPageLimit = 50

// MemoryRepository is a process-local Repository implementation.
type MemoryRepository struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*domain.Account
	byNumber map[string]uuid.UUID
	locks    map[uuid.UUID]chan struct{}

	logMu    sync.RWMutex
	log      []domain.Transaction
	logIndex map[uuid.UUID]int
}

// NewMemoryRepository returns an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		accounts: make(map[uuid.UUID]*domain.Account),
		byNumber: make(map[string]uuid.UUID),
		locks:    make(map[uuid.UUID]chan struct{}),
		logIndex: make(map[uuid.UUID]int),
	}
}

func (r *MemoryRepository) CreateAccount(ctx context.Context, account *domain.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byNumber[account.Number]; exists {
		return ErrDuplicateNumber
	}
	now := time.Now().UTC()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = account.CreatedAt
	cp := *account
	r.accounts[account.ID] = &cp
	r.byNumber[account.Number] = account.ID
	return nil
}

func (r *MemoryRepository) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *MemoryRepository) GetAccountByNumber(ctx context.Context, number string) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byNumber[number]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *r.accounts[id]
	return &cp, nil
}

func (r *MemoryRepository) ListAccountsByOwner(ctx context.Context, ownerID uuid.UUID) ([]domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Account
	for _, a := range r.accounts {
		if a.OwnerID == ownerID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// lockFor returns the capacity-1 channel guarding one account, creating it
// on first use.
func (r *MemoryRepository) lockFor(id uuid.UUID) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[id]
	if !ok {
		l = make(chan struct{}, 1)
		r.locks[id] = l
	}
	return l
}

func canonicalOrder(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	ordered := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			ordered = append(ordered, id)
		}
	}
	sort.Slice(ordered, func(i, j int) bool {
		return bytes.Compare(ordered[i][:], ordered[j][:]) < 0
	})
	return ordered
}

func (r *MemoryRepository) WithAccounts(ctx context.Context, ids []uuid.UUID, fn func(tx AccountTx) error) error {
	ordered := canonicalOrder(ids)

	var held []chan struct{}
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i]
		}
	}
	for _, id := range ordered {
		l := r.lockFor(id)
		select {
		case l <- struct{}{}:
			held = append(held, l)
		case <-ctx.Done():
			release()
			return ctx.Err()
		}
	}
	defer release()

	tx := &memoryTx{repo: r, locked: make(map[uuid.UUID]struct{}, len(ordered))}
	for _, id := range ordered {
		tx.locked[id] = struct{}{}
	}
	tx.begin()

	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// memoryTx is the lock-scoped view over a set of locked accounts. All
// writes land on private working copies; commit publishes dirty accounts,
// buffered log appends and reversal marks together, so a lock-free reader
// only ever sees committed state. An erroring scope publishes nothing.
type memoryTx struct {
	repo     *MemoryRepository
	locked   map[uuid.UUID]struct{}
	pending  map[uuid.UUID]*domain.Account
	dirty    map[uuid.UUID]struct{}
	appends  []domain.Transaction
	reversed []uuid.UUID
}

func (t *memoryTx) begin() {
	t.pending = make(map[uuid.UUID]*domain.Account, len(t.locked))
	t.dirty = make(map[uuid.UUID]struct{}, len(t.locked))
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	for id := range t.locked {
		if a, ok := t.repo.accounts[id]; ok {
			cp := *a
			t.pending[id] = &cp
		}
	}
}

func (t *memoryTx) commit() {
	t.repo.mu.Lock()
	for id := range t.dirty {
		cp := *t.pending[id]
		t.repo.accounts[id] = &cp
	}
	t.repo.mu.Unlock()

	if len(t.appends) == 0 && len(t.reversed) == 0 {
		return
	}
	t.repo.logMu.Lock()
	defer t.repo.logMu.Unlock()
	for _, tx := range t.appends {
		t.repo.logIndex[tx.ID] = len(t.repo.log)
		t.repo.log = append(t.repo.log, tx)
	}
	for _, id := range t.reversed {
		if i, ok := t.repo.logIndex[id]; ok && t.repo.log[i].Status == domain.StatusCompleted {
			t.repo.log[i].Status = domain.StatusReversed
		}
	}
}

func (t *memoryTx) account(id uuid.UUID) (*domain.Account, error) {
	if _, ok := t.locked[id]; !ok {
		return nil, fmt.Errorf("account %s is not part of this lock scope", id)
	}
	a, ok := t.pending[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return a, nil
}

func (t *memoryTx) Account(id uuid.UUID) (*domain.Account, error) {
	a, err := t.account(id)
	if err != nil {
		return nil, err
	}
	cp := *a
	return &cp, nil
}

func (t *memoryTx) ApplyDelta(id uuid.UUID, delta decimal.Decimal) (decimal.Decimal, error) {
	a, err := t.account(id)
	if err != nil {
		return decimal.Zero, err
	}
	if !a.Active() {
		return decimal.Zero, ErrAccountNotActive
	}
	next := a.Balance.Add(delta)
	if next.IsNegative() {
		return decimal.Zero, ErrInsufficientFunds
	}
	a.Balance = next
	a.UpdatedAt = time.Now().UTC()
	t.dirty[id] = struct{}{}
	return next, nil
}

func (t *memoryTx) SetStatus(id uuid.UUID, status domain.AccountStatus) error {
	a, err := t.account(id)
	if err != nil {
		return err
	}
	a.Status = status
	a.UpdatedAt = time.Now().UTC()
	t.dirty[id] = struct{}{}
	return nil
}

func (t *memoryTx) AppendTransaction(tx *domain.Transaction) error {
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	t.appends = append(t.appends, *tx)
	return nil
}

func (t *memoryTx) MarkReversed(id uuid.UUID) error {
	t.repo.logMu.RLock()
	i, ok := t.repo.logIndex[id]
	var status domain.TransactionStatus
	if ok {
		status = t.repo.log[i].Status
	}
	t.repo.logMu.RUnlock()
	if !ok {
		return ErrTransactionNotFound
	}
	if status != domain.StatusCompleted {
		return fmt.Errorf("transaction %s is not reversible in status %s", id, status)
	}
	t.reversed = append(t.reversed, id)
	return nil
}

func (r *MemoryRepository) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	r.logMu.RLock()
	defer r.logMu.RUnlock()
	i, ok := r.logIndex[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := r.log[i]
	return &cp, nil
}

func olderThan(tx *domain.Transaction, c *domain.Cursor) bool {
	if tx.CreatedAt.Before(c.CreatedAt) {
		return true
	}
	if !tx.CreatedAt.Equal(c.CreatedAt) {
		return false
	}
	return bytes.Compare(tx.ID[:], c.ID[:]) < 0
}

func (r *MemoryRepository) matchesOwner(tx *domain.Transaction, ownerID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.accounts[tx.SourceAccountID]; ok && a.OwnerID == ownerID {
		return true
	}
	if tx.DestinationAccountID != nil {
		if a, ok := r.accounts[*tx.DestinationAccountID]; ok && a.OwnerID == ownerID {
			return true
		}
	}
	return false
}

func matchesFilter(tx *domain.Transaction, f domain.TransactionFilter) bool {
	if f.AccountID != nil {
		if tx.SourceAccountID != *f.AccountID &&
			(tx.DestinationAccountID == nil || *tx.DestinationAccountID != *f.AccountID) {
			return false
		}
	}
	if f.Type != nil && tx.Type != *f.Type {
		return false
	}
	if f.From != nil && tx.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && tx.CreatedAt.After(*f.To) {
		return false
	}
	if f.MinAmount != nil && tx.Amount.LessThan(*f.MinAmount) {
		return false
	}
	if f.MaxAmount != nil && tx.Amount.GreaterThan(*f.MaxAmount) {
		return false
	}
	return true
}

func (r *MemoryRepository) QueryTransactions(ctx context.Context, filter domain.TransactionFilter, page domain.Page) ([]domain.Transaction, *domain.Cursor, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}

	r.logMu.RLock()
	candidates := make([]domain.Transaction, len(r.log))
	copy(candidates, r.log)
	r.logMu.RUnlock()

	// Newest first, id as the tiebreaker so ordering is total.
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.After(candidates[j].CreatedAt)
		}
		return bytes.Compare(candidates[i].ID[:], candidates[j].ID[:]) > 0
	})

	var out []domain.Transaction
	for i := range candidates {
		tx := &candidates[i]
		if page.Cursor != nil && !olderThan(tx, page.Cursor) {
			continue
		}
		if !matchesFilter(tx, filter) {
			continue
		}
		if filter.OwnerID != nil && !r.matchesOwner(tx, *filter.OwnerID) {
			continue
		}
		out = append(out, *tx)
		if len(out) == limit {
			break
		}
	}

	var next *domain.Cursor
	if len(out) == limit {
		last := out[len(out)-1]
		next = &domain.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return out, next, nil
}

func (r *MemoryRepository) RecentTransactions(ctx context.Context, accountID uuid.UUID, since time.Time) ([]domain.Transaction, error) {
	r.logMu.RLock()
	defer r.logMu.RUnlock()
	var out []domain.Transaction
	for i := range r.log {
		tx := &r.log[i]
		if tx.SourceAccountID != accountID || tx.Status == domain.StatusFailed {
			continue
		}
		if tx.CreatedAt.Before(since) {
			continue
		}
		out = append(out, *tx)
	}
	return out, nil
}
