package ledger

import (
	"fmt"
	"sort"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateNoNegativeBalance verifies every account is >= 0
func (v *InvariantValidator) ValidateNoNegativeBalance() error {
	for key, balance := range v.tracker.balances {
		if balance < 0 {
			return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
		}
	}
	return nil
}

// ValidateEscrowAccount verifies the escrow account holds exactly the sum of
// HOLDING escrows for the currency.
func (v *InvariantValidator) ValidateEscrowAccount(currency string, holdingTotal int64) error {
	held := v.tracker.GetBalance(NewSystemAccountKey(SystemEscrow, currency))
	if held != holdingTotal {
		return fmt.Errorf("escrow account for %s holds %d, open escrows total %d", currency, held, holdingTotal)
	}
	return nil
}

// ValidateGlobalBalance verifies that internal movements are zero-sum: the sum
// of all balances equals what entered minus what left the platform.
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()
	currencies := make([]string, 0, len(totals))
	for c := range totals {
		currencies = append(currencies, c)
	}
	sort.Strings(currencies)

	for _, c := range currencies {
		if totals[c] != v.tracker.ExternalNet(c) {
			return fmt.Errorf("global balance for %s is %d, external net is %d", c, totals[c], v.tracker.ExternalNet(c))
		}
	}
	return nil
}
