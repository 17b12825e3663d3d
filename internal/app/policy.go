/**
 * @description
 * Business rules for the ledger engine: the fee schedule, per-transaction
 * and rolling 24-hour limits, and the allowed-type table. Everything here is
 * a pure function of its inputs so decisions are testable and replayable
 * from the audit log.
 */

package app

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/corebank/ledger-service/internal/domain"
)

// LimitWindow is the rolling window over which cumulative debits are capped.
const LimitWindow = 24 * time.Hour

// PolicyConfig carries the configurable knobs of the rule set. Zero caps
// mean unlimited.
type PolicyConfig struct {
	// TransferFeePercent is the transfer fee as a percentage, e.g. 1.0 for 1%.
	TransferFeePercent decimal.Decimal
	PerTransactionCap  decimal.Decimal
	DailyDebitCap      decimal.Decimal
}

// PolicyRules evaluates requests against the configured rule set.
type PolicyRules struct {
	cfg PolicyConfig
}

// NewPolicyRules creates a rule set from the given configuration.
func NewPolicyRules(cfg PolicyConfig) *PolicyRules {
	return &PolicyRules{cfg: cfg}
}

var oneHundred = decimal.NewFromInt(100)

// FeeFor returns the fee charged for a movement of the given kind and
// amount. Only transfers carry a fee; it is a percentage of the amount,
// rounded to two decimal places.
func (p *PolicyRules) FeeFor(t domain.TransactionType, amount decimal.Decimal) decimal.Decimal {
	switch t {
	case domain.TypeTransfer:
		return amount.Mul(p.cfg.TransferFeePercent).Div(oneHundred).Round(2)
	case domain.TypeDeposit, domain.TypeWithdrawal, domain.TypeBillPayment, domain.TypeInvestment, domain.TypeRefund:
		return decimal.Zero
	}
	return decimal.Zero
}

// ValidateLimits checks a proposed movement against the per-transaction cap
// and the rolling 24-hour cumulative debit cap. recent must hold the source
// account's non-failed transactions inside the window. The returned
// decision carries the computed fee and total debit so the engine debits
// exactly what was checked.
func (p *PolicyRules) ValidateLimits(account *domain.Account, t domain.TransactionType, amount decimal.Decimal, recent []domain.Transaction) domain.PolicyDecision {
	fee := p.FeeFor(t, amount)
	total := decimal.Zero
	if t.Debits() {
		total = amount.Add(fee)
	}
	decision := domain.PolicyDecision{Allowed: true, Fee: fee, TotalDebit: total}

	if p.cfg.PerTransactionCap.IsPositive() && amount.GreaterThan(p.cfg.PerTransactionCap) {
		decision.Allowed = false
		decision.Reason = fmt.Sprintf("per-transaction limit of %s exceeded", p.cfg.PerTransactionCap)
		return decision
	}

	if t.Debits() && p.cfg.DailyDebitCap.IsPositive() {
		window := decimal.Zero
		for i := range recent {
			prior := &recent[i]
			if prior.Type.Debits() {
				window = window.Add(prior.Amount).Add(prior.Fee)
			}
		}
		if window.Add(total).GreaterThan(p.cfg.DailyDebitCap) {
			decision.Allowed = false
			decision.Reason = fmt.Sprintf("daily debit limit of %s exceeded", p.cfg.DailyDebitCap)
			return decision
		}
	}

	return decision
}

// AllowedType reports membership in the closed set of transaction kinds.
func (p *PolicyRules) AllowedType(t domain.TransactionType) bool {
	_, ok := domain.ParseTransactionType(string(t))
	return ok
}
