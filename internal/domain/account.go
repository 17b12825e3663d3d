/**
 * @description
 * This file defines the account domain model for the ledger-service.
 * Accounts are the unit of balance ownership: every committed transaction
 * is a movement against exactly one or two of them.
 *
 * @notes
 * - Balances use shopspring/decimal to avoid floating-point drift on money.
 * - Account numbers are the external-facing handle (transfers address their
 *   destination by number, never by internal id).
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AccountType classifies an account. The set is closed; parsing rejects
// anything outside it.
type AccountType string

const (
	AccountChecking   AccountType = "checking"
	AccountSavings    AccountType = "savings"
	AccountInvestment AccountType = "investment"
	AccountBusiness   AccountType = "business"
)

// ParseAccountType validates a raw string against the closed account type set.
func ParseAccountType(raw string) (AccountType, bool) {
	switch AccountType(raw) {
	case AccountChecking, AccountSavings, AccountInvestment, AccountBusiness:
		return AccountType(raw), true
	}
	return "", false
}

// AccountStatus tracks an account's lifecycle. Closure is a status change,
// never a row deletion; closed and frozen accounts reject all mutations.
type AccountStatus string

const (
	AccountActive AccountStatus = "active"
	AccountFrozen AccountStatus = "frozen"
	AccountClosed AccountStatus = "closed"
)

// Account represents a single balance-bearing account.
type Account struct {
	ID        uuid.UUID       `json:"id"`
	OwnerID   uuid.UUID       `json:"owner_id"`
	Number    string          `json:"account_number"`
	Type      AccountType     `json:"type"`
	Balance   decimal.Decimal `json:"balance"`
	Currency  string          `json:"currency"`
	Status    AccountStatus   `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Active reports whether the account may participate in transactions.
func (a *Account) Active() bool {
	return a.Status == AccountActive
}

// OpenAccountRequest is the DTO for opening a new account.
type OpenAccountRequest struct {
	Type           string          `json:"type"`
	Currency       string          `json:"currency"`
	InitialDeposit decimal.Decimal `json:"initial_deposit"`
}
