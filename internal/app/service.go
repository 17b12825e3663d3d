/**
 * @description
 * This file contains the ledger engine, the core business logic of the
 * service. A single Service orchestrates every money movement: it validates
 * the request shape, resolves the involved accounts, consults the policy
 * rules for fees and limits, takes exclusive locks on the account set in
 * canonical order, applies balance deltas as one unit, and appends the
 * ledger record before the locks are released. Rejections are typed and
 * leave no state behind; a failure after a partial apply is rolled back
 * inside the same lock scope.
 *
 * @dependencies
 * - github.com/google/uuid: Transaction and account identifiers.
 * - github.com/shopspring/decimal: Fixed-point money.
 * - internal/domain, internal/store: Domain models and data access.
 * - pkg/rabbitmq: Event payloads published after commits.
 */

package app

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/corebank/ledger-service/internal/domain"
	"github.com/corebank/ledger-service/internal/store"
	"github.com/corebank/ledger-service/pkg/rabbitmq"
)

// Publisher is the subset of the event producer the engine needs. A nil
// publisher disables event emission.
type Publisher interface {
	PublishTransactionEvent(ctx context.Context, routingKey string, event rabbitmq.TransactionEvent) error
}

// RateLimiter bounds how often a subject may perform an action within a
// window. A nil limiter disables rate limiting.
type RateLimiter interface {
	Consume(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Metrics receives engine outcomes. A nil collector disables metrics.
type Metrics interface {
	ObserveCommit(d time.Duration)
	ObserveRejection(code string)
}

// Service is the ledger engine.
type Service struct {
	repo         store.Repository
	policy       *PolicyRules
	producer     Publisher
	limiter      RateLimiter
	metrics      Metrics
	createPerMin int
}

// NewService creates a ledger engine. producer, limiter and metrics may be
// nil; the corresponding concern is then disabled.
func NewService(repo store.Repository, policy *PolicyRules, producer Publisher, limiter RateLimiter, metrics Metrics, createPerMinute int) *Service {
	return &Service{
		repo:         repo,
		policy:       policy,
		producer:     producer,
		limiter:      limiter,
		metrics:      metrics,
		createPerMin: createPerMinute,
	}
}

// OpenAccount creates a new account for the owner with a freshly generated
// account number. A positive initial deposit appears in the ledger like any
// other deposit; it is validated against policy and the rate budget BEFORE
// the account is created, so a rejected deposit leaves nothing behind. If
// the deposit fails after creation the account is returned alongside the
// error so the caller still learns its id.
func (s *Service) OpenAccount(ctx context.Context, ownerID uuid.UUID, req domain.OpenAccountRequest) (*domain.Account, error) {
	accountType, ok := domain.ParseAccountType(req.Type)
	if !ok {
		return nil, domain.NewError(domain.CodeValidation, fmt.Sprintf("unknown account type %q", req.Type))
	}
	currency, err := normalizeCurrency(req.Currency)
	if err != nil {
		return nil, err
	}
	if req.InitialDeposit.IsNegative() {
		return nil, domain.NewError(domain.CodeValidation, "initial deposit must not be negative")
	}

	account := &domain.Account{
		ID:       uuid.New(),
		OwnerID:  ownerID,
		Type:     accountType,
		Balance:  decimal.Zero,
		Currency: currency,
		Status:   domain.AccountActive,
	}

	if req.InitialDeposit.IsPositive() {
		if err := s.consumeCreateBudget(ctx, ownerID); err != nil {
			return nil, err
		}
		decision := s.policy.ValidateLimits(account, domain.TypeDeposit, req.InitialDeposit, nil)
		if !decision.Allowed {
			return nil, domain.NewError(domain.CodeLimitExceeded, decision.Reason)
		}
	}

	// The number space is sparse enough that collisions are rare; retry a
	// few times before giving up.
	for attempt := 0; ; attempt++ {
		account.Number = generateAccountNumber()
		err := s.repo.CreateAccount(ctx, account)
		if err == nil {
			break
		}
		if errors.Is(err, store.ErrDuplicateNumber) && attempt < 4 {
			continue
		}
		return nil, domain.WrapError(domain.CodeStoreFailure, "account could not be created", err)
	}

	if req.InitialDeposit.IsPositive() {
		record := &domain.Transaction{
			ID:              uuid.New(),
			Type:            domain.TypeDeposit,
			Status:          domain.StatusCompleted,
			Amount:          req.InitialDeposit,
			Fee:             decimal.Zero,
			Currency:        currency,
			SourceAccountID: account.ID,
			Description:     "initial deposit",
			CreatedAt:       time.Now().UTC(),
		}
		err := s.repo.WithAccounts(ctx, []uuid.UUID{account.ID}, func(tx store.AccountTx) error {
			balance, err := tx.ApplyDelta(account.ID, req.InitialDeposit)
			if err != nil {
				return mapStoreError(err)
			}
			account.Balance = balance
			if err := tx.AppendTransaction(record); err != nil {
				return domain.WrapError(domain.CodeStoreFailure, "transaction could not be recorded", err)
			}
			return nil
		})
		if err != nil {
			return account, mapLockError(err)
		}
		s.publish(ctx, "transaction.completed", record)
	}
	return account, nil
}

// ListAccounts returns all accounts owned by the caller.
func (s *Service) ListAccounts(ctx context.Context, ownerID uuid.UUID) ([]domain.Account, error) {
	return s.repo.ListAccountsByOwner(ctx, ownerID)
}

// GetAccount returns one account after an ownership check.
func (s *Service) GetAccount(ctx context.Context, ownerID, accountID uuid.UUID) (*domain.Account, error) {
	account, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		return nil, mapStoreError(err)
	}
	if account.OwnerID != ownerID {
		return nil, domain.NewError(domain.CodeForbidden, "account does not belong to the caller")
	}
	return account, nil
}

// SetAccountStatus freezes, unfreezes or closes an account. Closing
// requires a zero balance, checked inside the account's lock scope so a
// concurrent deposit cannot commit between check and close; the record
// itself is never deleted.
func (s *Service) SetAccountStatus(ctx context.Context, ownerID, accountID uuid.UUID, status domain.AccountStatus) (*domain.Account, error) {
	switch status {
	case domain.AccountActive, domain.AccountFrozen, domain.AccountClosed:
	default:
		return nil, domain.NewError(domain.CodeValidation, fmt.Sprintf("unknown account status %q", status))
	}
	account, err := s.GetAccount(ctx, ownerID, accountID)
	if err != nil {
		return nil, err
	}

	err = s.repo.WithAccounts(ctx, []uuid.UUID{accountID}, func(tx store.AccountTx) error {
		current, err := tx.Account(accountID)
		if err != nil {
			return mapStoreError(err)
		}
		if status == domain.AccountClosed && !current.Balance.IsZero() {
			return domain.NewError(domain.CodeValidation, "account balance must be zero before closing")
		}
		if err := tx.SetStatus(accountID, status); err != nil {
			return domain.WrapError(domain.CodeStoreFailure, "account status could not be updated", err)
		}
		*account = *current
		account.Status = status
		return nil
	})
	if err != nil {
		return nil, mapLockError(err)
	}
	return account, nil
}

// CreateTransaction validates and executes one money movement. It returns
// the committed ledger record and the balances observed at commit time, or
// a typed rejection with no state change.
func (s *Service) CreateTransaction(ctx context.Context, ownerID uuid.UUID, req domain.CreateTransactionRequest) (*domain.TransactionResult, error) {
	started := time.Now()
	result, err := s.execute(ctx, ownerID, req)
	if s.metrics != nil {
		if err != nil {
			s.metrics.ObserveRejection(string(domain.CodeOf(err)))
		} else {
			s.metrics.ObserveCommit(time.Since(started))
		}
	}
	if err != nil {
		return nil, err
	}
	s.publish(ctx, "transaction.completed", result.Transaction)
	return result, nil
}

func (s *Service) execute(ctx context.Context, ownerID uuid.UUID, req domain.CreateTransactionRequest) (*domain.TransactionResult, error) {
	if err := s.consumeCreateBudget(ctx, ownerID); err != nil {
		return nil, err
	}

	// Validate shape.
	txType, ok := domain.ParseTransactionType(req.Type)
	if !ok {
		return nil, domain.NewError(domain.CodeValidation, fmt.Sprintf("unknown transaction type %q", req.Type))
	}
	if txType == domain.TypeRefund {
		return nil, domain.NewError(domain.CodeValidation, "refunds are created by reversing a transaction")
	}
	if !req.Amount.IsPositive() {
		return nil, domain.NewError(domain.CodeValidation, "amount must be positive")
	}
	currency, err := normalizeCurrency(req.Currency)
	if err != nil {
		return nil, err
	}
	if txType == domain.TypeBillPayment && strings.TrimSpace(req.Payee) == "" {
		return nil, domain.NewError(domain.CodeValidation, "bill payments require a payee")
	}

	// Resolve the source account and check ownership and currency.
	source, err := s.repo.GetAccount(ctx, req.SourceAccountID)
	if err != nil {
		return nil, mapStoreError(err)
	}
	if source.OwnerID != ownerID {
		return nil, domain.NewError(domain.CodeForbidden, "source account does not belong to the caller")
	}
	if source.Currency != currency {
		return nil, domain.NewError(domain.CodeCurrencyMismatch,
			fmt.Sprintf("transaction currency %s does not match account currency %s", currency, source.Currency))
	}
	if !source.Active() {
		return nil, domain.NewError(domain.CodeAccountNotActive, "source account is frozen or closed")
	}

	// Resolve the destination for transfers, by account number.
	var destination *domain.Account
	if txType == domain.TypeTransfer {
		if strings.TrimSpace(req.DestinationNumber) == "" {
			return nil, domain.NewError(domain.CodeValidation, "transfers require a destination account number")
		}
		destination, err = s.repo.GetAccountByNumber(ctx, req.DestinationNumber)
		if err != nil {
			return nil, mapStoreError(err)
		}
		if destination.ID == source.ID {
			return nil, domain.NewError(domain.CodeSelfTransfer, "source and destination accounts must differ")
		}
		if destination.Currency != currency {
			return nil, domain.NewError(domain.CodeCurrencyMismatch,
				fmt.Sprintf("destination account currency %s does not match transaction currency %s", destination.Currency, currency))
		}
	}

	// Compute the fee and check limits against the rolling window.
	recent, err := s.repo.RecentTransactions(ctx, source.ID, time.Now().UTC().Add(-LimitWindow))
	if err != nil {
		return nil, domain.WrapError(domain.CodeStoreFailure, "transaction history unavailable", err)
	}
	decision := s.policy.ValidateLimits(source, txType, req.Amount, recent)
	if !decision.Allowed {
		return nil, domain.NewError(domain.CodeLimitExceeded, decision.Reason)
	}

	record := &domain.Transaction{
		ID:              uuid.New(),
		Type:            txType,
		Status:          domain.StatusCompleted,
		Amount:          req.Amount,
		Fee:             decision.Fee,
		Currency:        currency,
		SourceAccountID: source.ID,
		Description:     req.Description,
		CreatedAt:       time.Now().UTC(),
	}
	if destination != nil {
		id := destination.ID
		record.DestinationAccountID = &id
	}
	if txType == domain.TypeBillPayment {
		payee := strings.TrimSpace(req.Payee)
		record.Payee = &payee
	}

	// Source delta per kind. The debit is exactly what the policy checked:
	// amount plus fee.
	var sourceDelta decimal.Decimal
	switch txType {
	case domain.TypeDeposit:
		sourceDelta = req.Amount
	case domain.TypeWithdrawal, domain.TypeBillPayment, domain.TypeInvestment:
		sourceDelta = req.Amount.Neg()
	case domain.TypeTransfer:
		sourceDelta = decision.TotalDebit.Neg()
	default:
		return nil, domain.NewError(domain.CodeValidation, fmt.Sprintf("unhandled transaction type %q", txType))
	}

	ids := []uuid.UUID{source.ID}
	if destination != nil {
		ids = append(ids, destination.ID)
	}

	result := &domain.TransactionResult{Transaction: record}
	err = s.repo.WithAccounts(ctx, ids, func(tx store.AccountTx) error {
		newBalance, err := tx.ApplyDelta(source.ID, sourceDelta)
		if err != nil {
			return mapStoreError(err)
		}
		result.SourceBalance = newBalance

		if destination != nil {
			destBalance, err := tx.ApplyDelta(destination.ID, req.Amount)
			if err != nil {
				// Credits cannot fail on funds, but the destination may have
				// been frozen since resolution. Undo the debit before the
				// locks are released.
				if _, undoErr := tx.ApplyDelta(source.ID, sourceDelta.Neg()); undoErr != nil {
					log.Printf("level=error component=ledger msg=\"debit rollback failed\" account_id=%s err=%v", source.ID, undoErr)
				}
				return mapStoreError(err)
			}
			result.DestinationBalance = &destBalance
		}

		if err := tx.AppendTransaction(record); err != nil {
			return domain.WrapError(domain.CodeStoreFailure, "transaction could not be recorded", err)
		}
		return nil
	})
	if err != nil {
		return nil, mapLockError(err)
	}
	return result, nil
}

// ListTransactions returns the caller's ledger entries, newest first. The
// filter is always scoped to accounts the caller owns.
func (s *Service) ListTransactions(ctx context.Context, ownerID uuid.UUID, filter domain.TransactionFilter, page domain.Page) ([]domain.Transaction, *domain.Cursor, error) {
	if filter.AccountID != nil {
		if _, err := s.GetAccount(ctx, ownerID, *filter.AccountID); err != nil {
			return nil, nil, err
		}
	}
	filter.OwnerID = &ownerID
	txs, cursor, err := s.repo.QueryTransactions(ctx, filter, page)
	if err != nil {
		return nil, nil, domain.WrapError(domain.CodeStoreFailure, "transaction history unavailable", err)
	}
	return txs, cursor, nil
}

// GetTransaction returns one ledger entry if the caller owns either leg.
func (s *Service) GetTransaction(ctx context.Context, ownerID, transactionID uuid.UUID) (*domain.Transaction, error) {
	tx, err := s.repo.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, mapStoreError(err)
	}
	if owned, err := s.ownsLeg(ctx, ownerID, tx); err != nil {
		return nil, err
	} else if !owned {
		return nil, domain.NewError(domain.CodeForbidden, "transaction does not involve the caller's accounts")
	}
	return tx, nil
}

// ReverseTransaction undoes a completed transaction by committing a new
// refund entry that references it; the original record is marked reversed,
// never edited. Both legs of a transfer are restored under the same
// canonical lock discipline as the original.
func (s *Service) ReverseTransaction(ctx context.Context, ownerID, transactionID uuid.UUID) (*domain.TransactionResult, error) {
	original, err := s.repo.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, mapStoreError(err)
	}

	source, err := s.repo.GetAccount(ctx, original.SourceAccountID)
	if err != nil {
		return nil, mapStoreError(err)
	}
	if source.OwnerID != ownerID {
		return nil, domain.NewError(domain.CodeForbidden, "only the source account owner may reverse a transaction")
	}
	switch original.Status {
	case domain.StatusCompleted:
	case domain.StatusReversed:
		return nil, domain.NewError(domain.CodeValidation, "transaction has already been reversed")
	default:
		return nil, domain.NewError(domain.CodeValidation, "only completed transactions can be reversed")
	}
	if original.Type == domain.TypeRefund {
		return nil, domain.NewError(domain.CodeValidation, "refunds cannot be reversed")
	}

	refID := original.ID
	record := &domain.Transaction{
		ID:              uuid.New(),
		Type:            domain.TypeRefund,
		Status:          domain.StatusCompleted,
		Amount:          original.Amount,
		Fee:             original.Fee,
		Currency:        original.Currency,
		SourceAccountID: original.SourceAccountID,
		ReferenceID:     &refID,
		Description:     fmt.Sprintf("reversal of %s", original.ID),
		CreatedAt:       time.Now().UTC(),
	}

	ids := []uuid.UUID{original.SourceAccountID}
	if original.DestinationAccountID != nil {
		record.DestinationAccountID = original.DestinationAccountID
		ids = append(ids, *original.DestinationAccountID)
	}

	result := &domain.TransactionResult{Transaction: record}
	err = s.repo.WithAccounts(ctx, ids, func(tx store.AccountTx) error {
		switch original.Type {
		case domain.TypeDeposit:
			// Undoing a deposit debits the account it credited.
			balance, err := tx.ApplyDelta(original.SourceAccountID, original.Amount.Neg())
			if err != nil {
				return mapStoreError(err)
			}
			result.SourceBalance = balance

		case domain.TypeWithdrawal, domain.TypeBillPayment, domain.TypeInvestment:
			balance, err := tx.ApplyDelta(original.SourceAccountID, original.Amount)
			if err != nil {
				return mapStoreError(err)
			}
			result.SourceBalance = balance

		case domain.TypeTransfer:
			// Pull the credited amount back first; the destination may not
			// have the funds anymore, in which case nothing moves.
			destBalance, err := tx.ApplyDelta(*original.DestinationAccountID, original.Amount.Neg())
			if err != nil {
				return mapStoreError(err)
			}
			result.DestinationBalance = &destBalance

			balance, err := tx.ApplyDelta(original.SourceAccountID, original.Amount.Add(original.Fee))
			if err != nil {
				if _, undoErr := tx.ApplyDelta(*original.DestinationAccountID, original.Amount); undoErr != nil {
					log.Printf("level=error component=ledger msg=\"reversal rollback failed\" account_id=%s err=%v", *original.DestinationAccountID, undoErr)
				}
				return mapStoreError(err)
			}
			result.SourceBalance = balance

		default:
			return domain.NewError(domain.CodeValidation, fmt.Sprintf("transactions of type %q cannot be reversed", original.Type))
		}

		if err := tx.AppendTransaction(record); err != nil {
			return domain.WrapError(domain.CodeStoreFailure, "reversal could not be recorded", err)
		}
		if err := tx.MarkReversed(original.ID); err != nil {
			return domain.WrapError(domain.CodeStoreFailure, "original transaction could not be marked reversed", err)
		}
		return nil
	})
	if err != nil {
		return nil, mapLockError(err)
	}

	s.publish(ctx, "transaction.reversed", record)
	return result, nil
}

func (s *Service) ownsLeg(ctx context.Context, ownerID uuid.UUID, tx *domain.Transaction) (bool, error) {
	source, err := s.repo.GetAccount(ctx, tx.SourceAccountID)
	if err == nil && source.OwnerID == ownerID {
		return true, nil
	}
	if err != nil && !errors.Is(err, store.ErrAccountNotFound) {
		return false, domain.WrapError(domain.CodeStoreFailure, "account lookup failed", err)
	}
	if tx.DestinationAccountID == nil {
		return false, nil
	}
	destination, err := s.repo.GetAccount(ctx, *tx.DestinationAccountID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return false, nil
		}
		return false, domain.WrapError(domain.CodeStoreFailure, "account lookup failed", err)
	}
	return destination.OwnerID == ownerID, nil
}

func (s *Service) consumeCreateBudget(ctx context.Context, ownerID uuid.UUID) error {
	if s.limiter == nil || s.createPerMin <= 0 {
		return nil
	}
	count, retryAfter, err := s.limiter.Consume(ctx, "transactions:create", ownerID.String(), s.createPerMin, time.Minute)
	if err != nil {
		// The limiter is a guard rail, not a dependency; degrade open.
		log.Printf("level=warn component=ledger msg=\"rate limiter unavailable\" err=%v", err)
		return nil
	}
	if count > s.createPerMin {
		return domain.NewError(domain.CodeRateLimited,
			fmt.Sprintf("transaction rate limit exceeded, retry in %ds", retryAfter))
	}
	return nil
}

func (s *Service) publish(ctx context.Context, routingKey string, tx *domain.Transaction) {
	if s.producer == nil {
		return
	}
	event := rabbitmq.TransactionEvent{
		ID:              tx.ID,
		Type:            string(tx.Type),
		Status:          string(tx.Status),
		Amount:          tx.Amount.String(),
		Fee:             tx.Fee.String(),
		Currency:        tx.Currency,
		SourceAccountID: tx.SourceAccountID,
		CreatedAt:       tx.CreatedAt,
	}
	if tx.DestinationAccountID != nil {
		event.DestinationAccountID = tx.DestinationAccountID
	}
	if err := s.producer.PublishTransactionEvent(ctx, routingKey, event); err != nil {
		log.Printf("level=warn component=ledger msg=\"event publish failed\" routing_key=%s transaction_id=%s err=%v", routingKey, tx.ID, err)
	}
}

func mapStoreError(err error) error {
	switch {
	case errors.Is(err, store.ErrInsufficientFunds):
		return domain.NewError(domain.CodeInsufficientFunds, "insufficient funds to cover amount plus fee")
	case errors.Is(err, store.ErrAccountNotActive):
		return domain.NewError(domain.CodeAccountNotActive, "account is frozen or closed")
	case errors.Is(err, store.ErrAccountNotFound):
		return domain.NewError(domain.CodeNotFound, "account not found")
	case errors.Is(err, store.ErrTransactionNotFound):
		return domain.NewError(domain.CodeNotFound, "transaction not found")
	default:
		return domain.WrapError(domain.CodeStoreFailure, "operation could not be completed", err)
	}
}

// mapLockError classifies errors escaping a WithAccounts scope. Typed
// rejections pass through untouched; context cancellation while waiting for
// a lock means the request was abandoned with no mutation applied.
func mapLockError(err error) error {
	var typed *domain.Error
	if errors.As(err, &typed) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return domain.WrapError(domain.CodeStoreFailure, "request abandoned before any balance change", err)
	}
	return domain.WrapError(domain.CodeStoreFailure, "transaction could not be committed", err)
}

func normalizeCurrency(raw string) (string, error) {
	currency := strings.ToUpper(strings.TrimSpace(raw))
	if len(currency) != 3 {
		return "", domain.NewError(domain.CodeValidation, "currency must be a three-letter ISO code")
	}
	return currency, nil
}

// generateAccountNumber produces a fixed-format ten-digit account number.
func generateAccountNumber() string {
	var buf [10]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand only fails when the platform entropy source is broken.
		panic(fmt.Sprintf("account number generation failed: %v", err))
	}
	digits := make([]byte, 10)
	for i, b := range buf {
		digits[i] = '0' + b%10
	}
	if digits[0] == '0' {
		digits[0] = '1'
	}
	return string(digits)
}
