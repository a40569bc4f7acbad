package ledger

import (
	"MarketLedger/internal/apperr"
	"fmt"
)

// BalanceTracker maintains in-memory account balances as a fold over entries
type BalanceTracker struct {
	balances map[AccountKey]int64
	// external is the net amount that crossed the platform boundary per currency.
	external map[string]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
		external: make(map[string]int64),
	}
}

// ApplyEntry applies a single entry to balances
func (bt *BalanceTracker) ApplyEntry(e Entry) {
	bt.balances[e.Account()] += e.Amount
}

// ApplyBatch validates and applies all entries in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, e := range batch.Entries {
		bt.ApplyEntry(e)
	}
	if batch.External {
		for currency, net := range batch.Net() {
			bt.external[currency] += net
		}
	}
	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// ValidateSufficient checks the account can cover a debit of required
func (bt *BalanceTracker) ValidateSufficient(key AccountKey, required int64) error {
	available := bt.GetBalance(key)
	if available < required {
		return apperr.New(apperr.ErrInsufficientBalance, "%s: have=%d, need=%d", key.AccountPath(), available, required)
	}
	return nil
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances per currency
func (bt *BalanceTracker) ComputeGlobalBalance() map[string]int64 {
	totals := make(map[string]int64)
	for key, balance := range bt.balances {
		totals[key.Currency] += balance
	}
	return totals
}

// ExternalNet returns the net external inflow for a currency
func (bt *BalanceTracker) ExternalNet(currency string) int64 {
	return bt.external[currency]
}

// Snapshot returns a copy of all balances
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	snapshot := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}

// TrackerFromBalances seeds a tracker with balances read from a store, for
// invariant checks over persisted state. External net is unknown and left zero.
func TrackerFromBalances(balances map[AccountKey]int64) *BalanceTracker {
	bt := NewBalanceTracker()
	for k, v := range balances {
		bt.balances[k] = v
	}
	return bt
}
