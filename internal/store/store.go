// Package store defines the transactional persistence contract of the
// settlement core. Every mutating operation runs inside one Tx; a returned
// error rolls the whole transaction back.
package store

import (
	"MarketLedger/internal/ledger"
	"MarketLedger/internal/state"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store opens transactions against the shared durable state.
type Store interface {
	// WithTx runs fn in a read-write transaction, committing if fn returns nil.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	// View runs fn against a consistent read-only view.
	View(ctx context.Context, fn func(r Reader) error) error
	Close() error
}

// Reader is the read surface shared by transactions and views.
//
// Get* return apperr.ErrNotFound when the row is missing. Find* return
// (nil, nil) instead, for existence checks.
type Reader interface {
	Balance(ctx context.Context, key ledger.AccountKey) (int64, error)
	AllBalances(ctx context.Context) (map[ledger.AccountKey]int64, error)
	Entries(ctx context.Context, f EntryFilter) ([]ledger.Entry, error)

	GetListing(ctx context.Context, id uuid.UUID) (*state.Listing, error)
	ListListings(ctx context.Context, f ListingFilter) ([]state.Listing, error)
	GetOffer(ctx context.Context, id uuid.UUID) (*state.Offer, error)
	ListOffers(ctx context.Context, f OfferFilter) ([]state.Offer, error)
	GetEscrow(ctx context.Context, id uuid.UUID) (*state.Escrow, error)
	ListEscrows(ctx context.Context, f EscrowFilter) ([]state.Escrow, error)
	GetPayment(ctx context.Context, id uuid.UUID) (*state.PaymentRequest, error)
	ListPayments(ctx context.Context, f PaymentFilter) ([]state.PaymentRequest, error)

	HasConfirmation(ctx context.Context, eventType, key string) (bool, error)
}

// Tx is a read-write transaction.
//
// Lock order inside one transaction: listing, then escrow/offer/payment,
// then at most one account.
type Tx interface {
	Reader

	// LockAccount serializes balance check-and-debit for one account until commit.
	LockAccount(ctx context.Context, key ledger.AccountKey) error
	// AppendEntry is the only ledger write. Entries are never updated or deleted.
	AppendEntry(ctx context.Context, e ledger.Entry) error

	GetListingForUpdate(ctx context.Context, id uuid.UUID) (*state.Listing, error)
	FindActiveListing(ctx context.Context, nftID string) (*state.Listing, error)
	InsertListing(ctx context.Context, l *state.Listing) error
	UpdateListing(ctx context.Context, l *state.Listing) error

	GetOfferForUpdate(ctx context.Context, id uuid.UUID) (*state.Offer, error)
	PendingOffersForUpdate(ctx context.Context, listingID uuid.UUID) ([]state.Offer, error)
	ExpiredOffersForUpdate(ctx context.Context, now time.Time, limit int) ([]state.Offer, error)
	InsertOffer(ctx context.Context, o *state.Offer) error
	UpdateOffer(ctx context.Context, o *state.Offer) error

	GetEscrowForUpdate(ctx context.Context, id uuid.UUID) (*state.Escrow, error)
	FindHoldingEscrow(ctx context.Context, nftID string) (*state.Escrow, error)
	InsertEscrow(ctx context.Context, e *state.Escrow) error
	UpdateEscrow(ctx context.Context, e *state.Escrow) error

	GetPaymentForUpdate(ctx context.Context, id uuid.UUID) (*state.PaymentRequest, error)
	FindPaymentByTxRef(ctx context.Context, txRef string) (*state.PaymentRequest, error)
	// FindClaimedDepositForUpdate returns the user's open deposit that claimed txHash.
	FindClaimedDepositForUpdate(ctx context.Context, userID uuid.UUID, blockchain, txHash string) (*state.PaymentRequest, error)
	// FindOpenDepositForUpdate returns the user's oldest open deposit without a claimed hash.
	FindOpenDepositForUpdate(ctx context.Context, userID uuid.UUID, blockchain, walletID string) (*state.PaymentRequest, error)
	InsertPayment(ctx context.Context, p *state.PaymentRequest) error
	UpdatePayment(ctx context.Context, p *state.PaymentRequest) error

	// RecordConfirmation fails with apperr.ErrAlreadyFinalized when the
	// (eventType, key) pair was already recorded.
	RecordConfirmation(ctx context.Context, eventType, key string, at time.Time) error
}

// AppendBatch validates b and appends its entries in order.
func AppendBatch(ctx context.Context, tx Tx, b *ledger.Batch) error {
	if err := b.Validate(); err != nil {
		return err
	}
	for _, e := range b.Entries {
		if err := tx.AppendEntry(ctx, e); err != nil {
			return fmt.Errorf("append entry %s: %w", e.EntryID, err)
		}
	}
	return nil
}

// DefaultListLimit caps list queries that do not set a limit.
const DefaultListLimit = 100

type EntryFilter struct {
	UserID      uuid.UUID // Nil means any
	Currency    string
	ReferenceID uuid.UUID
	Limit       int
}

type ListingFilter struct {
	Status   state.ListingStatus
	SellerID uuid.UUID
	NFTID    string
	Limit    int
}

type OfferFilter struct {
	ListingID uuid.UUID
	BuyerID   uuid.UUID
	Status    state.OfferStatus
	Limit     int
}

type EscrowFilter struct {
	Status   state.EscrowStatus
	UserID   uuid.UUID // Matches buyer or seller
	Currency string
	Limit    int
}

type PaymentFilter struct {
	UserID    uuid.UUID
	Direction state.PaymentDirection
	Status    state.PaymentStatus
	Limit     int
}

// EffectiveLimit returns limit, or DefaultListLimit when unset.
func EffectiveLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}
