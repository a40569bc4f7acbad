package ledger

import (
	"MarketLedger/internal/apperr"
	"time"

	"github.com/google/uuid"
)

// EntryKind represents the purpose of a ledger entry
type EntryKind string

const (
	EntryKindDeposit          EntryKind = "DEPOSIT"
	EntryKindWithdrawal       EntryKind = "WITHDRAWAL"
	EntryKindEscrowHold       EntryKind = "ESCROW_HOLD"
	EntryKindEscrowRelease    EntryKind = "ESCROW_RELEASE"
	EntryKindCommissionCredit EntryKind = "COMMISSION_CREDIT"
	EntryKindRoyaltyCredit    EntryKind = "ROYALTY_CREDIT"
	EntryKindSellerCredit     EntryKind = "SELLER_CREDIT"
	EntryKindReversal         EntryKind = "REVERSAL"
)

// ParseEntryKind maps a stored kind string back to an EntryKind.
func ParseEntryKind(s string) (EntryKind, bool) {
	switch k := EntryKind(s); k {
	case EntryKindDeposit, EntryKindWithdrawal, EntryKindEscrowHold, EntryKindEscrowRelease,
		EntryKindCommissionCredit, EntryKindRoyaltyCredit, EntryKindSellerCredit, EntryKindReversal:
		return k, true
	}
	return "", false
}

// IsCredit reports whether entries of this kind always increase a balance.
func (k EntryKind) IsCredit() bool {
	switch k {
	case EntryKindDeposit, EntryKindCommissionCredit, EntryKindRoyaltyCredit,
		EntryKindSellerCredit, EntryKindReversal:
		return true
	}
	return false
}

// Entry is one immutable, signed balance change on a (user, currency) account.
// Corrections are new compensating entries; an Entry is never updated.
type Entry struct {
	EntryID     uuid.UUID
	BatchID     uuid.UUID // Groups the entries written by one operation
	UserID      uuid.UUID
	Currency    string
	Blockchain  string // Empty for marketplace entries
	Amount      int64  // Signed minor units
	Kind        EntryKind
	ReferenceID uuid.UUID // Payment request or escrow id
	CreatedAt   time.Time
}

// Account returns the key of the balance this entry changes.
func (e Entry) Account() AccountKey {
	return AccountKey{UserID: e.UserID, Currency: e.Currency}
}

// Validate checks the shape of the entry and that its sign matches its kind.
//
// ESCROW_HOLD is a debit on a user account and the matching credit on the
// escrow system account; ESCROW_RELEASE only ever debits the escrow account.
func (e Entry) Validate() error {
	if e.Amount == 0 {
		return apperr.New(apperr.ErrInvalidEntry, "entry %s has zero amount", e.EntryID)
	}
	if e.UserID == uuid.Nil {
		return apperr.New(apperr.ErrInvalidEntry, "entry %s has no user", e.EntryID)
	}
	if e.Currency == "" {
		return apperr.New(apperr.ErrInvalidEntry, "entry %s has no currency", e.EntryID)
	}

	escrowAccount := e.UserID == EscrowAccountID
	switch {
	case e.Kind.IsCredit():
		if e.Amount < 0 {
			return apperr.New(apperr.ErrInvalidEntry, "%s entry %s must be positive", e.Kind, e.EntryID)
		}
	case e.Kind == EntryKindWithdrawal:
		if e.Amount > 0 {
			return apperr.New(apperr.ErrInvalidEntry, "WITHDRAWAL entry %s must be negative", e.EntryID)
		}
	case e.Kind == EntryKindEscrowHold:
		if escrowAccount != (e.Amount > 0) {
			return apperr.New(apperr.ErrInvalidEntry, "ESCROW_HOLD entry %s debits the buyer and credits escrow", e.EntryID)
		}
	case e.Kind == EntryKindEscrowRelease:
		if !escrowAccount || e.Amount > 0 {
			return apperr.New(apperr.ErrInvalidEntry, "ESCROW_RELEASE entry %s must debit the escrow account", e.EntryID)
		}
	default:
		return apperr.New(apperr.ErrInvalidEntry, "entry %s has unknown kind %q", e.EntryID, e.Kind)
	}
	return nil
}

// Batch is the set of entries one operation appends.
type Batch struct {
	BatchID     uuid.UUID
	ReferenceID uuid.UUID
	// External batches move funds across the platform boundary (deposits,
	// withdrawals and their reversals) and need not net to zero.
	External bool
	Entries  []Entry
}

// Net returns the signed sum of the batch per currency.
func (b *Batch) Net() map[string]int64 {
	net := make(map[string]int64)
	for _, e := range b.Entries {
		net[e.Currency] += e.Amount
	}
	return net
}

// Validate ensures the batch is well-formed: every entry valid, consistent
// batch id, and internal batches netting to zero per currency.
func (b *Batch) Validate() error {
	if len(b.Entries) == 0 {
		return apperr.New(apperr.ErrInvalidEntry, "batch %s is empty", b.BatchID)
	}

	for _, e := range b.Entries {
		if err := e.Validate(); err != nil {
			return err
		}
		if e.BatchID != b.BatchID {
			return apperr.New(apperr.ErrInvalidEntry, "entry %s has mismatched batch_id", e.EntryID)
		}
	}

	if !b.External {
		for currency, net := range b.Net() {
			if net != 0 {
				return apperr.New(apperr.ErrInvalidEntry, "batch %s is unbalanced for %s: %d", b.BatchID, currency, net)
			}
		}
	}
	return nil
}
