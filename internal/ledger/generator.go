package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EntryGenerator builds the entry batches for each balance-affecting operation.
// It never checks balances; callers hold the account lock and check first.
type EntryGenerator struct {
	now func() time.Time
}

func NewEntryGenerator(now func() time.Time) *EntryGenerator {
	if now == nil {
		now = time.Now
	}
	return &EntryGenerator{now: now}
}

func (g *EntryGenerator) newBatch(ref uuid.UUID, external bool, capacity int) *Batch {
	return &Batch{
		BatchID:     uuid.New(),
		ReferenceID: ref,
		External:    external,
		Entries:     make([]Entry, 0, capacity),
	}
}

func (g *EntryGenerator) add(b *Batch, userID uuid.UUID, currency, blockchain string, amount int64, kind EntryKind, ts time.Time) {
	b.Entries = append(b.Entries, Entry{
		EntryID:     uuid.New(),
		BatchID:     b.BatchID,
		UserID:      userID,
		Currency:    currency,
		Blockchain:  blockchain,
		Amount:      amount,
		Kind:        kind,
		ReferenceID: b.ReferenceID,
		CreatedAt:   ts,
	})
}

// GenerateDeposit credits a confirmed deposit to the user.
func (g *EntryGenerator) GenerateDeposit(userID uuid.UUID, currency, blockchain string, amount int64, paymentID uuid.UUID) (*Batch, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("deposit %s: non-positive amount %d", paymentID, amount)
	}
	b := g.newBatch(paymentID, true, 1)
	g.add(b, userID, currency, blockchain, amount, EntryKindDeposit, g.now())
	return b, b.Validate()
}

// GenerateWithdrawal debits a withdrawal at request time (pessimistic hold).
func (g *EntryGenerator) GenerateWithdrawal(userID uuid.UUID, currency, blockchain string, amount int64, paymentID uuid.UUID) (*Batch, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("withdrawal %s: non-positive amount %d", paymentID, amount)
	}
	b := g.newBatch(paymentID, true, 1)
	g.add(b, userID, currency, blockchain, -amount, EntryKindWithdrawal, g.now())
	return b, b.Validate()
}

// GenerateWithdrawalReversal returns a failed or cancelled withdrawal to the user.
func (g *EntryGenerator) GenerateWithdrawalReversal(userID uuid.UUID, currency, blockchain string, amount int64, paymentID uuid.UUID) (*Batch, error) {
	b := g.newBatch(paymentID, true, 1)
	g.add(b, userID, currency, blockchain, amount, EntryKindReversal, g.now())
	return b, b.Validate()
}

// GenerateEscrowHold moves the full offer amount from the buyer into escrow.
// Moves funds: user:<buyer> -> system:escrow
func (g *EntryGenerator) GenerateEscrowHold(buyerID uuid.UUID, currency string, amount int64, escrowID uuid.UUID) (*Batch, error) {
	ts := g.now()
	b := g.newBatch(escrowID, false, 2)
	g.add(b, buyerID, currency, "", -amount, EntryKindEscrowHold, ts)
	g.add(b, EscrowAccountID, currency, "", amount, EntryKindEscrowHold, ts)
	return b, b.Validate()
}

// SettlementLegs describes where a settled escrow's funds go.
type SettlementLegs struct {
	EscrowID     uuid.UUID
	Currency     string
	CreatorID    uuid.UUID
	SellerID     uuid.UUID
	Commission   int64
	Royalty      int64
	SellerAmount int64
}

// Total is the held amount the legs distribute.
func (l SettlementLegs) Total() int64 {
	return l.Commission + l.Royalty + l.SellerAmount
}

// GenerateSettlement releases escrow to platform, creator and seller.
// Zero legs are omitted; the credits always sum to the released amount.
func (g *EntryGenerator) GenerateSettlement(legs SettlementLegs) (*Batch, error) {
	if legs.Commission < 0 || legs.Royalty < 0 || legs.SellerAmount < 0 {
		return nil, fmt.Errorf("escrow %s: negative settlement leg", legs.EscrowID)
	}
	total := legs.Total()
	if total <= 0 {
		return nil, fmt.Errorf("escrow %s: nothing to settle", legs.EscrowID)
	}

	ts := g.now()
	b := g.newBatch(legs.EscrowID, false, 4)
	g.add(b, EscrowAccountID, legs.Currency, "", -total, EntryKindEscrowRelease, ts)
	if legs.Commission > 0 {
		g.add(b, PlatformAccountID, legs.Currency, "", legs.Commission, EntryKindCommissionCredit, ts)
	}
	if legs.Royalty > 0 {
		g.add(b, legs.CreatorID, legs.Currency, "", legs.Royalty, EntryKindRoyaltyCredit, ts)
	}
	if legs.SellerAmount > 0 {
		g.add(b, legs.SellerID, legs.Currency, "", legs.SellerAmount, EntryKindSellerCredit, ts)
	}
	return b, b.Validate()
}

// GenerateEscrowReversal returns the full held amount to the buyer.
// Moves funds: system:escrow -> user:<buyer>
func (g *EntryGenerator) GenerateEscrowReversal(buyerID uuid.UUID, currency string, amount int64, escrowID uuid.UUID) (*Batch, error) {
	ts := g.now()
	b := g.newBatch(escrowID, false, 2)
	g.add(b, EscrowAccountID, currency, "", -amount, EntryKindEscrowRelease, ts)
	g.add(b, buyerID, currency, "", amount, EntryKindReversal, ts)
	return b, b.Validate()
}
