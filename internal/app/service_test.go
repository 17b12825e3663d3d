package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/corebank/ledger-service/internal/domain"
	"github.com/corebank/ledger-service/internal/store"
	"github.com/corebank/ledger-service/pkg/rabbitmq"
)

type capturingPublisher struct {
	mu     sync.Mutex
	events []rabbitmq.TransactionEvent
	keys   []string
}

func (p *capturingPublisher) PublishTransactionEvent(ctx context.Context, routingKey string, event rabbitmq.TransactionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	p.keys = append(p.keys, routingKey)
	return nil
}

type fixedLimiter struct {
	count      int
	retryAfter int
	err        error
}

func (l *fixedLimiter) Consume(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	return l.count, l.retryAfter, l.err
}

func newTestService(t *testing.T, cfg PolicyConfig) (*Service, *store.MemoryRepository) {
	t.Helper()
	repo := store.NewMemoryRepository()
	svc := NewService(repo, NewPolicyRules(cfg), nil, nil, nil, 0)
	return svc, repo
}

func seedAccount(t *testing.T, repo *store.MemoryRepository, ownerID uuid.UUID, number string, balance int64, status domain.AccountStatus) *domain.Account {
	t.Helper()
	account := &domain.Account{
		ID:       uuid.New(),
		OwnerID:  ownerID,
		Number:   number,
		Type:     domain.AccountChecking,
		Balance:  decimal.NewFromInt(balance),
		Currency: "USD",
		Status:   status,
	}
	if err := repo.CreateAccount(context.Background(), account); err != nil {
		t.Fatalf("seed account %s: %v", number, err)
	}
	return account
}

func TestCreateTransaction_TransferAppliesFeeAtomically(t *testing.T) {
	svc, repo := newTestService(t, PolicyConfig{TransferFeePercent: decimal.NewFromInt(1)})
	alice := uuid.New()
	bob := uuid.New()
	source := seedAccount(t, repo, alice, "1000000001", 1000, domain.AccountActive)
	dest := seedAccount(t, repo, bob, "1000000002", 0, domain.AccountActive)

	result, err := svc.CreateTransaction(context.Background(), alice, domain.CreateTransactionRequest{
		SourceAccountID:   source.ID,
		DestinationNumber: dest.Number,
		Type:              "transfer",
		Amount:            decimal.NewFromInt(200),
		Currency:          "USD",
	})
	if err != nil {
		t.Fatalf("transfer failed: %v", err)
	}

	if !result.Transaction.Fee.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("expected fee 2, got %s", result.Transaction.Fee)
	}
	if !result.SourceBalance.Equal(decimal.NewFromInt(798)) {
		t.Fatalf("expected source balance 798, got %s", result.SourceBalance)
	}
	if result.DestinationBalance == nil || !result.DestinationBalance.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("expected destination balance 200, got %v", result.DestinationBalance)
	}

	stored, err := repo.GetTransaction(context.Background(), result.Transaction.ID)
	if err != nil {
		t.Fatalf("ledger entry missing: %v", err)
	}
	if stored.Status != domain.StatusCompleted {
		t.Fatalf("expected completed ledger entry, got %s", stored.Status)
	}
	if stored.DestinationAccountID == nil || *stored.DestinationAccountID != dest.ID {
		t.Fatal("expected ledger entry to carry the destination account")
	}
}

func TestCreateTransaction_ConcurrentWithdrawalsNeverOverdraft(t *testing.T) {
	svc, repo := newTestService(t, PolicyConfig{})
	owner := uuid.New()
	account := seedAccount(t, repo, owner, "2000000001", 100, domain.AccountActive)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = svc.CreateTransaction(context.Background(), owner, domain.CreateTransactionRequest{
				SourceAccountID: account.ID,
				Type:            "withdrawal",
				Amount:          decimal.NewFromInt(80),
				Currency:        "USD",
			})
		}(i)
	}
	wg.Wait()

	succeeded, rejected := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, domain.NewError(domain.CodeInsufficientFunds, "")):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || rejected != 1 {
		t.Fatalf("expected exactly one success and one insufficient-funds rejection, got %d/%d", succeeded, rejected)
	}

	final, err := repo.GetAccount(context.Background(), account.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !final.Balance.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("expected final balance 20, got %s", final.Balance)
	}

	txs, _, err := repo.QueryTransactions(context.Background(), domain.TransactionFilter{}, domain.Page{})
	if err != nil {
		t.Fatal(err)
	}
	if len(txs) != 1 {
		t.Fatalf("expected exactly one ledger entry, got %d", len(txs))
	}
}

func TestCreateTransaction_OpposingTransfersBothComplete(t *testing.T) {
	svc, repo := newTestService(t, PolicyConfig{})
	alice := uuid.New()
	bob := uuid.New()
	a := seedAccount(t, repo, alice, "3000000001", 500, domain.AccountActive)
	b := seedAccount(t, repo, bob, "3000000002", 500, domain.AccountActive)

	// Opposing transfers grab the same two locks from opposite ends. With
	// canonical ordering both finish; without it this hangs.
	done := make(chan error, 2)
	go func() {
		_, err := svc.CreateTransaction(context.Background(), alice, domain.CreateTransactionRequest{
			SourceAccountID:   a.ID,
			DestinationNumber: b.Number,
			Type:              "transfer",
			Amount:            decimal.NewFromInt(100),
			Currency:          "USD",
		})
		done <- err
	}()
	go func() {
		_, err := svc.CreateTransaction(context.Background(), bob, domain.CreateTransactionRequest{
			SourceAccountID:   b.ID,
			DestinationNumber: a.Number,
			Type:              "transfer",
			Amount:            decimal.NewFromInt(50),
			Currency:          "USD",
		})
		done <- err
	}()

	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("transfer %d failed: %v", i, err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("opposing transfers deadlocked")
		}
	}

	finalA, _ := repo.GetAccount(context.Background(), a.ID)
	finalB, _ := repo.GetAccount(context.Background(), b.ID)
	if !finalA.Balance.Equal(decimal.NewFromInt(450)) {
		t.Fatalf("expected A balance 450, got %s", finalA.Balance)
	}
	if !finalB.Balance.Equal(decimal.NewFromInt(550)) {
		t.Fatalf("expected B balance 550, got %s", finalB.Balance)
	}
}

func TestCreateTransaction_InsufficientFundsLeavesNoTrace(t *testing.T) {
	svc, repo := newTestService(t, PolicyConfig{})
	owner := uuid.New()
	account := seedAccount(t, repo, owner, "4000000001", 50, domain.AccountActive)

	req := domain.CreateTransactionRequest{
		SourceAccountID: account.ID,
		Type:            "withdrawal",
		Amount:          decimal.NewFromInt(80),
		Currency:        "USD",
	}

	// Rejections leave no state behind, so the same request fails the same
	// way every time.
	for attempt := 0; attempt < 3; attempt++ {
		_, err := svc.CreateTransaction(context.Background(), owner, req)
		if !errors.Is(err, domain.NewError(domain.CodeInsufficientFunds, "")) {
			t.Fatalf("attempt %d: expected insufficient funds, got %v", attempt, err)
		}
	}

	final, _ := repo.GetAccount(context.Background(), account.ID)
	if !final.Balance.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected balance unchanged at 50, got %s", final.Balance)
	}
	txs, _, _ := repo.QueryTransactions(context.Background(), domain.TransactionFilter{}, domain.Page{})
	if len(txs) != 0 {
		t.Fatalf("expected empty ledger after rejections, got %d entries", len(txs))
	}
}

func TestCreateTransaction_Rejections(t *testing.T) {
	svc, repo := newTestService(t, PolicyConfig{})
	owner := uuid.New()
	stranger := uuid.New()
	active := seedAccount(t, repo, owner, "5000000001", 100, domain.AccountActive)
	frozen := seedAccount(t, repo, owner, "5000000002", 100, domain.AccountFrozen)
	euro := &domain.Account{
		ID: uuid.New(), OwnerID: owner, Number: "5000000003", Type: domain.AccountChecking,
		Balance: decimal.NewFromInt(100), Currency: "EUR", Status: domain.AccountActive,
	}
	if err := repo.CreateAccount(context.Background(), euro); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		caller uuid.UUID
		req    domain.CreateTransactionRequest
		code   domain.ErrorCode
	}{
		{
			name:   "unknown type",
			caller: owner,
			req: domain.CreateTransactionRequest{
				SourceAccountID: active.ID, Type: "wire", Amount: decimal.NewFromInt(10), Currency: "USD",
			},
			code: domain.CodeValidation,
		},
		{
			name:   "refund submitted directly",
			caller: owner,
			req: domain.CreateTransactionRequest{
				SourceAccountID: active.ID, Type: "refund", Amount: decimal.NewFromInt(10), Currency: "USD",
			},
			code: domain.CodeValidation,
		},
		{
			name:   "non-positive amount",
			caller: owner,
			req: domain.CreateTransactionRequest{
				SourceAccountID: active.ID, Type: "deposit", Amount: decimal.Zero, Currency: "USD",
			},
			code: domain.CodeValidation,
		},
		{
			name:   "foreign account",
			caller: stranger,
			req: domain.CreateTransactionRequest{
				SourceAccountID: active.ID, Type: "deposit", Amount: decimal.NewFromInt(10), Currency: "USD",
			},
			code: domain.CodeForbidden,
		},
		{
			name:   "frozen source rejects deposits",
			caller: owner,
			req: domain.CreateTransactionRequest{
				SourceAccountID: frozen.ID, Type: "deposit", Amount: decimal.NewFromInt(10), Currency: "USD",
			},
			code: domain.CodeAccountNotActive,
		},
		{
			name:   "currency mismatch",
			caller: owner,
			req: domain.CreateTransactionRequest{
				SourceAccountID: euro.ID, Type: "withdrawal", Amount: decimal.NewFromInt(10), Currency: "USD",
			},
			code: domain.CodeCurrencyMismatch,
		},
		{
			name:   "self transfer",
			caller: owner,
			req: domain.CreateTransactionRequest{
				SourceAccountID: active.ID, DestinationNumber: active.Number,
				Type: "transfer", Amount: decimal.NewFromInt(10), Currency: "USD",
			},
			code: domain.CodeSelfTransfer,
		},
		{
			name:   "transfer to unknown number",
			caller: owner,
			req: domain.CreateTransactionRequest{
				SourceAccountID: active.ID, DestinationNumber: "9999999999",
				Type: "transfer", Amount: decimal.NewFromInt(10), Currency: "USD",
			},
			code: domain.CodeNotFound,
		},
		{
			name:   "bill payment without payee",
			caller: owner,
			req: domain.CreateTransactionRequest{
				SourceAccountID: active.ID, Type: "bill_payment", Amount: decimal.NewFromInt(10), Currency: "USD",
			},
			code: domain.CodeValidation,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateTransaction(context.Background(), tc.caller, tc.req)
			if err == nil {
				t.Fatal("expected rejection")
			}
			if domain.CodeOf(err) != tc.code {
				t.Fatalf("expected code %s, got %s (%v)", tc.code, domain.CodeOf(err), err)
			}
		})
	}

	// None of the rejections may have left a ledger entry.
	txs, _, _ := repo.QueryTransactions(context.Background(), domain.TransactionFilter{}, domain.Page{})
	if len(txs) != 0 {
		t.Fatalf("expected empty ledger after rejections, got %d entries", len(txs))
	}
}

func TestCreateTransaction_DailyDebitCapEnforced(t *testing.T) {
	svc, repo := newTestService(t, PolicyConfig{DailyDebitCap: decimal.NewFromInt(100)})
	owner := uuid.New()
	account := seedAccount(t, repo, owner, "6000000001", 1000, domain.AccountActive)

	if _, err := svc.CreateTransaction(context.Background(), owner, domain.CreateTransactionRequest{
		SourceAccountID: account.ID, Type: "withdrawal", Amount: decimal.NewFromInt(70), Currency: "USD",
	}); err != nil {
		t.Fatalf("first withdrawal failed: %v", err)
	}

	_, err := svc.CreateTransaction(context.Background(), owner, domain.CreateTransactionRequest{
		SourceAccountID: account.ID, Type: "withdrawal", Amount: decimal.NewFromInt(40), Currency: "USD",
	})
	if domain.CodeOf(err) != domain.CodeLimitExceeded {
		t.Fatalf("expected limit rejection, got %v", err)
	}

	// Deposits are not debits and stay unaffected by the cap.
	if _, err := svc.CreateTransaction(context.Background(), owner, domain.CreateTransactionRequest{
		SourceAccountID: account.ID, Type: "deposit", Amount: decimal.NewFromInt(500), Currency: "USD",
	}); err != nil {
		t.Fatalf("deposit failed under debit cap: %v", err)
	}
}

func TestCreateTransaction_LogCompleteness(t *testing.T) {
	svc, repo := newTestService(t, PolicyConfig{})
	owner := uuid.New()
	account := seedAccount(t, repo, owner, "7000000001", 0, domain.AccountActive)

	const workers = 25
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.CreateTransaction(context.Background(), owner, domain.CreateTransactionRequest{
				SourceAccountID: account.ID, Type: "deposit", Amount: decimal.NewFromInt(10), Currency: "USD",
			}); err != nil {
				t.Errorf("concurrent deposit failed: %v", err)
			}
		}()
	}
	wg.Wait()

	final, _ := repo.GetAccount(context.Background(), account.ID)
	if !final.Balance.Equal(decimal.NewFromInt(workers * 10)) {
		t.Fatalf("expected balance %d, got %s", workers*10, final.Balance)
	}
	txs, _, _ := repo.QueryTransactions(context.Background(), domain.TransactionFilter{}, domain.Page{Limit: workers + 1})
	if len(txs) != workers {
		t.Fatalf("expected %d ledger entries, got %d", workers, len(txs))
	}
}

func TestCreateTransaction_RateLimited(t *testing.T) {
	repo := store.NewMemoryRepository()
	limiter := &fixedLimiter{count: 61, retryAfter: 30}
	svc := NewService(repo, NewPolicyRules(PolicyConfig{}), nil, limiter, nil, 60)
	owner := uuid.New()
	account := seedAccount(t, repo, owner, "8000000001", 100, domain.AccountActive)

	_, err := svc.CreateTransaction(context.Background(), owner, domain.CreateTransactionRequest{
		SourceAccountID: account.ID, Type: "deposit", Amount: decimal.NewFromInt(10), Currency: "USD",
	})
	if domain.CodeOf(err) != domain.CodeRateLimited {
		t.Fatalf("expected rate limit rejection, got %v", err)
	}

	// A broken limiter must not block money movement.
	limiter.err = errors.New("redis down")
	if _, err := svc.CreateTransaction(context.Background(), owner, domain.CreateTransactionRequest{
		SourceAccountID: account.ID, Type: "deposit", Amount: decimal.NewFromInt(10), Currency: "USD",
	}); err != nil {
		t.Fatalf("expected degrade-open on limiter failure, got %v", err)
	}
}

func TestCreateTransaction_PublishesEvent(t *testing.T) {
	repo := store.NewMemoryRepository()
	publisher := &capturingPublisher{}
	svc := NewService(repo, NewPolicyRules(PolicyConfig{}), publisher, nil, nil, 0)
	owner := uuid.New()
	account := seedAccount(t, repo, owner, "9000000001", 0, domain.AccountActive)

	result, err := svc.CreateTransaction(context.Background(), owner, domain.CreateTransactionRequest{
		SourceAccountID: account.ID, Type: "deposit", Amount: decimal.NewFromInt(25), Currency: "USD",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(publisher.events) != 1 {
		t.Fatalf("expected one published event, got %d", len(publisher.events))
	}
	if publisher.keys[0] != "transaction.completed" {
		t.Fatalf("expected routing key transaction.completed, got %s", publisher.keys[0])
	}
	if publisher.events[0].ID != result.Transaction.ID {
		t.Fatal("event does not reference the committed transaction")
	}
	if publisher.events[0].Amount != "25" {
		t.Fatalf("expected event amount 25, got %s", publisher.events[0].Amount)
	}
}

func TestReverseTransaction_TransferRestoresBothLegs(t *testing.T) {
	svc, repo := newTestService(t, PolicyConfig{TransferFeePercent: decimal.NewFromInt(1)})
	alice := uuid.New()
	bob := uuid.New()
	source := seedAccount(t, repo, alice, "1100000001", 1000, domain.AccountActive)
	dest := seedAccount(t, repo, bob, "1100000002", 0, domain.AccountActive)

	transfer, err := svc.CreateTransaction(context.Background(), alice, domain.CreateTransactionRequest{
		SourceAccountID:   source.ID,
		DestinationNumber: dest.Number,
		Type:              "transfer",
		Amount:            decimal.NewFromInt(200),
		Currency:          "USD",
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.ReverseTransaction(context.Background(), bob, transfer.Transaction.ID); domain.CodeOf(err) != domain.CodeForbidden {
		t.Fatalf("expected forbidden for non-source owner, got %v", err)
	}

	reversal, err := svc.ReverseTransaction(context.Background(), alice, transfer.Transaction.ID)
	if err != nil {
		t.Fatalf("reversal failed: %v", err)
	}
	if reversal.Transaction.Type != domain.TypeRefund {
		t.Fatalf("expected refund entry, got %s", reversal.Transaction.Type)
	}
	if reversal.Transaction.ReferenceID == nil || *reversal.Transaction.ReferenceID != transfer.Transaction.ID {
		t.Fatal("refund does not reference the original transaction")
	}

	// Both legs restored, fee included.
	finalSource, _ := repo.GetAccount(context.Background(), source.ID)
	finalDest, _ := repo.GetAccount(context.Background(), dest.ID)
	if !finalSource.Balance.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("expected source restored to 1000, got %s", finalSource.Balance)
	}
	if !finalDest.Balance.Equal(decimal.NewFromInt(0)) {
		t.Fatalf("expected destination restored to 0, got %s", finalDest.Balance)
	}

	original, _ := repo.GetTransaction(context.Background(), transfer.Transaction.ID)
	if original.Status != domain.StatusReversed {
		t.Fatalf("expected original marked reversed, got %s", original.Status)
	}

	if _, err := svc.ReverseTransaction(context.Background(), alice, transfer.Transaction.ID); domain.CodeOf(err) != domain.CodeValidation {
		t.Fatalf("expected second reversal to be rejected, got %v", err)
	}
	if _, err := svc.ReverseTransaction(context.Background(), alice, reversal.Transaction.ID); domain.CodeOf(err) != domain.CodeValidation {
		t.Fatalf("expected reversing a refund to be rejected, got %v", err)
	}
}

func TestReverseTransaction_TransferFailsWhenDestinationSpent(t *testing.T) {
	svc, repo := newTestService(t, PolicyConfig{})
	alice := uuid.New()
	bob := uuid.New()
	source := seedAccount(t, repo, alice, "1200000001", 500, domain.AccountActive)
	dest := seedAccount(t, repo, bob, "1200000002", 0, domain.AccountActive)

	transfer, err := svc.CreateTransaction(context.Background(), alice, domain.CreateTransactionRequest{
		SourceAccountID:   source.ID,
		DestinationNumber: dest.Number,
		Type:              "transfer",
		Amount:            decimal.NewFromInt(200),
		Currency:          "USD",
	})
	if err != nil {
		t.Fatal(err)
	}

	// Recipient spends the money before the reversal lands.
	if _, err := svc.CreateTransaction(context.Background(), bob, domain.CreateTransactionRequest{
		SourceAccountID: dest.ID, Type: "withdrawal", Amount: decimal.NewFromInt(150), Currency: "USD",
	}); err != nil {
		t.Fatal(err)
	}

	_, err = svc.ReverseTransaction(context.Background(), alice, transfer.Transaction.ID)
	if domain.CodeOf(err) != domain.CodeInsufficientFunds {
		t.Fatalf("expected insufficient funds on spent destination, got %v", err)
	}

	// Nothing moved and the original stays completed.
	finalDest, _ := repo.GetAccount(context.Background(), dest.ID)
	if !finalDest.Balance.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected destination balance 50 after failed reversal, got %s", finalDest.Balance)
	}
	original, _ := repo.GetTransaction(context.Background(), transfer.Transaction.ID)
	if original.Status != domain.StatusCompleted {
		t.Fatalf("expected original still completed, got %s", original.Status)
	}
}

func TestReverseTransaction_DepositDebitsTheAccount(t *testing.T) {
	svc, repo := newTestService(t, PolicyConfig{})
	owner := uuid.New()
	account := seedAccount(t, repo, owner, "1300000001", 0, domain.AccountActive)

	deposit, err := svc.CreateTransaction(context.Background(), owner, domain.CreateTransactionRequest{
		SourceAccountID: account.ID, Type: "deposit", Amount: decimal.NewFromInt(100), Currency: "USD",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ReverseTransaction(context.Background(), owner, deposit.Transaction.ID); err != nil {
		t.Fatalf("deposit reversal failed: %v", err)
	}
	final, _ := repo.GetAccount(context.Background(), account.ID)
	if !final.Balance.IsZero() {
		t.Fatalf("expected zero balance after deposit reversal, got %s", final.Balance)
	}
}

func TestOpenAccount(t *testing.T) {
	svc, repo := newTestService(t, PolicyConfig{})
	owner := uuid.New()

	account, err := svc.OpenAccount(context.Background(), owner, domain.OpenAccountRequest{
		Type:           "savings",
		Currency:       "usd",
		InitialDeposit: decimal.NewFromInt(250),
	})
	if err != nil {
		t.Fatalf("open account failed: %v", err)
	}
	if len(account.Number) != 10 {
		t.Fatalf("expected ten-digit account number, got %q", account.Number)
	}
	if account.Currency != "USD" {
		t.Fatalf("expected normalized currency USD, got %s", account.Currency)
	}
	if !account.Balance.Equal(decimal.NewFromInt(250)) {
		t.Fatalf("expected balance 250 after initial deposit, got %s", account.Balance)
	}

	// The initial deposit is an ordinary ledger entry.
	accountID := account.ID
	txs, _, err := repo.QueryTransactions(context.Background(), domain.TransactionFilter{AccountID: &accountID}, domain.Page{})
	if err != nil {
		t.Fatal(err)
	}
	if len(txs) != 1 || txs[0].Type != domain.TypeDeposit {
		t.Fatalf("expected one deposit ledger entry, got %+v", txs)
	}

	if _, err := svc.OpenAccount(context.Background(), owner, domain.OpenAccountRequest{
		Type: "offshore", Currency: "USD",
	}); domain.CodeOf(err) != domain.CodeValidation {
		t.Fatalf("expected validation rejection for unknown type, got %v", err)
	}
	if _, err := svc.OpenAccount(context.Background(), owner, domain.OpenAccountRequest{
		Type: "checking", Currency: "USD", InitialDeposit: decimal.NewFromInt(-5),
	}); domain.CodeOf(err) != domain.CodeValidation {
		t.Fatalf("expected validation rejection for negative deposit, got %v", err)
	}
}

func TestSetAccountStatus(t *testing.T) {
	svc, repo := newTestService(t, PolicyConfig{})
	owner := uuid.New()
	funded := seedAccount(t, repo, owner, "1400000001", 100, domain.AccountActive)
	empty := seedAccount(t, repo, owner, "1400000002", 0, domain.AccountActive)

	if _, err := svc.SetAccountStatus(context.Background(), owner, funded.ID, domain.AccountClosed); domain.CodeOf(err) != domain.CodeValidation {
		t.Fatalf("expected close on funded account to be rejected, got %v", err)
	}

	account, err := svc.SetAccountStatus(context.Background(), owner, empty.ID, domain.AccountClosed)
	if err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if account.Status != domain.AccountClosed {
		t.Fatalf("expected closed status, got %s", account.Status)
	}

	// Closed is terminal in practice: the record survives, mutations stop.
	if _, err := svc.CreateTransaction(context.Background(), owner, domain.CreateTransactionRequest{
		SourceAccountID: empty.ID, Type: "deposit", Amount: decimal.NewFromInt(10), Currency: "USD",
	}); domain.CodeOf(err) != domain.CodeAccountNotActive {
		t.Fatalf("expected closed account to reject deposits, got %v", err)
	}

	if _, err := svc.SetAccountStatus(context.Background(), owner, funded.ID, "suspended"); domain.CodeOf(err) != domain.CodeValidation {
		t.Fatalf("expected unknown status to be rejected, got %v", err)
	}
	if _, err := svc.SetAccountStatus(context.Background(), uuid.New(), funded.ID, domain.AccountFrozen); domain.CodeOf(err) != domain.CodeForbidden {
		t.Fatalf("expected foreign caller to be rejected, got %v", err)
	}
}

func TestSetAccountStatus_CloseObservesCommittedDeposits(t *testing.T) {
	svc, repo := newTestService(t, PolicyConfig{})
	owner := uuid.New()
	account := seedAccount(t, repo, owner, "1450000001", 0, domain.AccountActive)

	applied := make(chan struct{})
	proceed := make(chan struct{})
	depositDone := make(chan error, 1)
	go func() {
		depositDone <- repo.WithAccounts(context.Background(), []uuid.UUID{account.ID}, func(tx store.AccountTx) error {
			if _, err := tx.ApplyDelta(account.ID, decimal.NewFromInt(50)); err != nil {
				return err
			}
			close(applied)
			<-proceed
			return tx.AppendTransaction(&domain.Transaction{
				ID: uuid.New(), Type: domain.TypeDeposit, Status: domain.StatusCompleted,
				Amount: decimal.NewFromInt(50), Currency: "USD", SourceAccountID: account.ID,
			})
		})
	}()
	<-applied

	closeDone := make(chan error, 1)
	go func() {
		_, err := svc.SetAccountStatus(context.Background(), owner, account.ID, domain.AccountClosed)
		closeDone <- err
	}()

	// The zero-balance check runs under the account lock, so the close must
	// wait for the in-flight deposit instead of racing past it.
	select {
	case <-closeDone:
		t.Fatal("close completed while a deposit scope held the account lock")
	case <-time.After(100 * time.Millisecond):
	}

	close(proceed)
	if err := <-depositDone; err != nil {
		t.Fatal(err)
	}
	if err := <-closeDone; domain.CodeOf(err) != domain.CodeValidation {
		t.Fatalf("expected close to be rejected after the deposit committed, got %v", err)
	}

	final, _ := repo.GetAccount(context.Background(), account.ID)
	if final.Status != domain.AccountActive {
		t.Fatalf("expected account still active, got %s", final.Status)
	}
}

func TestOpenAccount_RejectedDepositCreatesNothing(t *testing.T) {
	svc, repo := newTestService(t, PolicyConfig{PerTransactionCap: decimal.NewFromInt(100)})
	owner := uuid.New()

	_, err := svc.OpenAccount(context.Background(), owner, domain.OpenAccountRequest{
		Type:           "checking",
		Currency:       "USD",
		InitialDeposit: decimal.NewFromInt(500),
	})
	if domain.CodeOf(err) != domain.CodeLimitExceeded {
		t.Fatalf("expected limit rejection, got %v", err)
	}

	// The deposit was rejected before the account existed.
	accounts, err := repo.ListAccountsByOwner(context.Background(), owner)
	if err != nil {
		t.Fatal(err)
	}
	if len(accounts) != 0 {
		t.Fatalf("expected no account after a rejected initial deposit, got %d", len(accounts))
	}
}

func TestOpenAccount_RateLimitedBeforeCreation(t *testing.T) {
	repo := store.NewMemoryRepository()
	limiter := &fixedLimiter{count: 61, retryAfter: 30}
	svc := NewService(repo, NewPolicyRules(PolicyConfig{}), nil, limiter, nil, 60)
	owner := uuid.New()

	_, err := svc.OpenAccount(context.Background(), owner, domain.OpenAccountRequest{
		Type:           "checking",
		Currency:       "USD",
		InitialDeposit: decimal.NewFromInt(10),
	})
	if domain.CodeOf(err) != domain.CodeRateLimited {
		t.Fatalf("expected rate limit rejection, got %v", err)
	}
	accounts, _ := repo.ListAccountsByOwner(context.Background(), owner)
	if len(accounts) != 0 {
		t.Fatalf("expected no account after a rate-limited open, got %d", len(accounts))
	}

	// Without a deposit there is nothing to budget; the open still succeeds.
	if _, err := svc.OpenAccount(context.Background(), owner, domain.OpenAccountRequest{
		Type:     "checking",
		Currency: "USD",
	}); err != nil {
		t.Fatalf("expected depositless open to bypass the create budget, got %v", err)
	}
}

func TestListTransactions_ScopedToOwner(t *testing.T) {
	svc, repo := newTestService(t, PolicyConfig{})
	alice := uuid.New()
	bob := uuid.New()
	aliceAcct := seedAccount(t, repo, alice, "1500000001", 0, domain.AccountActive)
	bobAcct := seedAccount(t, repo, bob, "1500000002", 0, domain.AccountActive)

	for _, c := range []struct {
		owner   uuid.UUID
		account uuid.UUID
	}{{alice, aliceAcct.ID}, {bob, bobAcct.ID}} {
		if _, err := svc.CreateTransaction(context.Background(), c.owner, domain.CreateTransactionRequest{
			SourceAccountID: c.account, Type: "deposit", Amount: decimal.NewFromInt(10), Currency: "USD",
		}); err != nil {
			t.Fatal(err)
		}
	}

	txs, _, err := svc.ListTransactions(context.Background(), alice, domain.TransactionFilter{}, domain.Page{})
	if err != nil {
		t.Fatal(err)
	}
	if len(txs) != 1 {
		t.Fatalf("expected alice to see one entry, got %d", len(txs))
	}
	if txs[0].SourceAccountID != aliceAcct.ID {
		t.Fatal("alice saw a foreign ledger entry")
	}

	bobID := bobAcct.ID
	if _, _, err := svc.ListTransactions(context.Background(), alice, domain.TransactionFilter{AccountID: &bobID}, domain.Page{}); domain.CodeOf(err) != domain.CodeForbidden {
		t.Fatalf("expected forbidden filtering on a foreign account, got %v", err)
	}
}

func TestGetTransaction_EitherLegGrantsAccess(t *testing.T) {
	svc, repo := newTestService(t, PolicyConfig{})
	alice := uuid.New()
	bob := uuid.New()
	carol := uuid.New()
	source := seedAccount(t, repo, alice, "1600000001", 100, domain.AccountActive)
	dest := seedAccount(t, repo, bob, "1600000002", 0, domain.AccountActive)

	transfer, err := svc.CreateTransaction(context.Background(), alice, domain.CreateTransactionRequest{
		SourceAccountID:   source.ID,
		DestinationNumber: dest.Number,
		Type:              "transfer",
		Amount:            decimal.NewFromInt(50),
		Currency:          "USD",
	})
	if err != nil {
		t.Fatal(err)
	}

	for _, owner := range []uuid.UUID{alice, bob} {
		if _, err := svc.GetTransaction(context.Background(), owner, transfer.Transaction.ID); err != nil {
			t.Fatalf("leg owner %s denied: %v", owner, err)
		}
	}
	if _, err := svc.GetTransaction(context.Background(), carol, transfer.Transaction.ID); domain.CodeOf(err) != domain.CodeForbidden {
		t.Fatalf("expected forbidden for uninvolved caller, got %v", err)
	}
}
