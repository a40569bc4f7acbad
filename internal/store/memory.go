package store

import (
	"MarketLedger/internal/apperr"
	"MarketLedger/internal/ledger"
	"MarketLedger/internal/state"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. One read-write transaction runs at a
// time, which subsumes every row and account lock of the contract. Writes
// are staged and only become visible on commit.
type MemoryStore struct {
	mu sync.RWMutex

	entries       []ledger.Entry
	tracker       *ledger.BalanceTracker
	listings      map[uuid.UUID]state.Listing
	offers        map[uuid.UUID]state.Offer
	escrows       map[uuid.UUID]state.Escrow
	payments      map[uuid.UUID]state.PaymentRequest
	confirmations map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tracker:       ledger.NewBalanceTracker(),
		listings:      make(map[uuid.UUID]state.Listing),
		offers:        make(map[uuid.UUID]state.Offer),
		escrows:       make(map[uuid.UUID]state.Escrow),
		payments:      make(map[uuid.UUID]state.PaymentRequest),
		confirmations: make(map[string]time.Time),
	}
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := s.begin()
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *MemoryStore) View(ctx context.Context, fn func(r Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.begin())
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) begin() *memTx {
	return &memTx{
		s:             s,
		listings:      newOverlay(s.listings),
		offers:        newOverlay(s.offers),
		escrows:       newOverlay(s.escrows),
		payments:      newOverlay(s.payments),
		confirmations: newOverlay(s.confirmations),
	}
}

func newOverlay[K comparable, V any](base map[K]V) *overlayOf[K, V] {
	return &overlayOf[K, V]{base: base, pending: make(map[K]V)}
}

// overlayOf stages writes over a committed map.
type overlayOf[K comparable, V any] struct {
	base    map[K]V
	pending map[K]V
}

func (o *overlayOf[K, V]) get(k K) (V, bool) {
	if v, ok := o.pending[k]; ok {
		return v, true
	}
	v, ok := o.base[k]
	return v, ok
}

func (o *overlayOf[K, V]) put(k K, v V) {
	o.pending[k] = v
}

// each visits the merged view. Iteration order is unspecified.
func (o *overlayOf[K, V]) each(fn func(V)) {
	for k, v := range o.base {
		if p, ok := o.pending[k]; ok {
			v = p
		}
		fn(v)
	}
	for k, v := range o.pending {
		if _, ok := o.base[k]; !ok {
			fn(v)
		}
	}
}

func (o *overlayOf[K, V]) commit() {
	for k, v := range o.pending {
		o.base[k] = v
	}
}

type memTx struct {
	s             *MemoryStore
	entries       []ledger.Entry
	listings      *overlayOf[uuid.UUID, state.Listing]
	offers        *overlayOf[uuid.UUID, state.Offer]
	escrows       *overlayOf[uuid.UUID, state.Escrow]
	payments      *overlayOf[uuid.UUID, state.PaymentRequest]
	confirmations *overlayOf[string, time.Time]
}

func (tx *memTx) commit() {
	for _, e := range tx.entries {
		tx.s.tracker.ApplyEntry(e)
	}
	tx.s.entries = append(tx.s.entries, tx.entries...)
	tx.listings.commit()
	tx.offers.commit()
	tx.escrows.commit()
	tx.payments.commit()
	tx.confirmations.commit()
}

// === Ledger ===

func (tx *memTx) LockAccount(ctx context.Context, key ledger.AccountKey) error {
	// The store mutex already serializes transactions.
	return ctx.Err()
}

func (tx *memTx) AppendEntry(ctx context.Context, e ledger.Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	tx.entries = append(tx.entries, e)
	return nil
}

func (tx *memTx) Balance(ctx context.Context, key ledger.AccountKey) (int64, error) {
	balance := tx.s.tracker.GetBalance(key)
	for _, e := range tx.entries {
		if e.Account() == key {
			balance += e.Amount
		}
	}
	return balance, nil
}

func (tx *memTx) AllBalances(ctx context.Context) (map[ledger.AccountKey]int64, error) {
	balances := tx.s.tracker.Snapshot()
	for _, e := range tx.entries {
		balances[e.Account()] += e.Amount
	}
	return balances, nil
}

func (tx *memTx) Entries(ctx context.Context, f EntryFilter) ([]ledger.Entry, error) {
	all := make([]ledger.Entry, 0, len(tx.s.entries)+len(tx.entries))
	all = append(all, tx.s.entries...)
	all = append(all, tx.entries...)

	limit := EffectiveLimit(f.Limit)
	out := make([]ledger.Entry, 0)
	// Newest first.
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		e := all[i]
		if f.UserID != uuid.Nil && e.UserID != f.UserID {
			continue
		}
		if f.Currency != "" && e.Currency != f.Currency {
			continue
		}
		if f.ReferenceID != uuid.Nil && e.ReferenceID != f.ReferenceID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// === Listings ===

func (tx *memTx) GetListing(ctx context.Context, id uuid.UUID) (*state.Listing, error) {
	l, ok := tx.listings.get(id)
	if !ok {
		return nil, apperr.New(apperr.ErrNotFound, "listing %s", id)
	}
	return &l, nil
}

func (tx *memTx) GetListingForUpdate(ctx context.Context, id uuid.UUID) (*state.Listing, error) {
	return tx.GetListing(ctx, id)
}

func (tx *memTx) FindActiveListing(ctx context.Context, nftID string) (*state.Listing, error) {
	var found *state.Listing
	tx.listings.each(func(l state.Listing) {
		if l.NFTID == nftID && l.Status == state.ListingActive {
			found = &l
		}
	})
	return found, nil
}

func (tx *memTx) ListListings(ctx context.Context, f ListingFilter) ([]state.Listing, error) {
	var out []state.Listing
	tx.listings.each(func(l state.Listing) {
		if (f.Status == "" || l.Status == f.Status) &&
			(f.SellerID == uuid.Nil || l.SellerID == f.SellerID) &&
			(f.NFTID == "" || l.NFTID == f.NFTID) {
			out = append(out, l)
		}
	})
	sort.Slice(out, func(i, j int) bool { return newerFirst(out[i].CreatedAt, out[j].CreatedAt, out[i].ListingID, out[j].ListingID) })
	return truncate(out, f.Limit), nil
}

func (tx *memTx) InsertListing(ctx context.Context, l *state.Listing) error {
	if _, ok := tx.listings.get(l.ListingID); ok {
		return apperr.New(apperr.ErrInvalidArgument, "listing %s already exists", l.ListingID)
	}
	return tx.putListing(l)
}

func (tx *memTx) UpdateListing(ctx context.Context, l *state.Listing) error {
	if _, ok := tx.listings.get(l.ListingID); !ok {
		return apperr.New(apperr.ErrNotFound, "listing %s", l.ListingID)
	}
	return tx.putListing(l)
}

func (tx *memTx) putListing(l *state.Listing) error {
	if l.Status == state.ListingActive {
		active, _ := tx.FindActiveListing(context.Background(), l.NFTID)
		if active != nil && active.ListingID != l.ListingID {
			return apperr.New(apperr.ErrAlreadyListed, "nft %s already has active listing %s", l.NFTID, active.ListingID)
		}
	}
	tx.listings.put(l.ListingID, *l)
	return nil
}

// === Offers ===

func (tx *memTx) GetOffer(ctx context.Context, id uuid.UUID) (*state.Offer, error) {
	o, ok := tx.offers.get(id)
	if !ok {
		return nil, apperr.New(apperr.ErrNotFound, "offer %s", id)
	}
	return &o, nil
}

func (tx *memTx) GetOfferForUpdate(ctx context.Context, id uuid.UUID) (*state.Offer, error) {
	return tx.GetOffer(ctx, id)
}

func (tx *memTx) ListOffers(ctx context.Context, f OfferFilter) ([]state.Offer, error) {
	var out []state.Offer
	tx.offers.each(func(o state.Offer) {
		if (f.ListingID == uuid.Nil || o.ListingID == f.ListingID) &&
			(f.BuyerID == uuid.Nil || o.BuyerID == f.BuyerID) &&
			(f.Status == "" || o.Status == f.Status) {
			out = append(out, o)
		}
	})
	sort.Slice(out, func(i, j int) bool { return newerFirst(out[i].CreatedAt, out[j].CreatedAt, out[i].OfferID, out[j].OfferID) })
	return truncate(out, f.Limit), nil
}

func (tx *memTx) PendingOffersForUpdate(ctx context.Context, listingID uuid.UUID) ([]state.Offer, error) {
	var out []state.Offer
	tx.offers.each(func(o state.Offer) {
		if o.ListingID == listingID && o.Status == state.OfferPending {
			out = append(out, o)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].OfferID.String() < out[j].OfferID.String() })
	return out, nil
}

func (tx *memTx) ExpiredOffersForUpdate(ctx context.Context, now time.Time, limit int) ([]state.Offer, error) {
	var out []state.Offer
	tx.offers.each(func(o state.Offer) {
		if o.Status == state.OfferPending && o.ExpiredAt(now) {
			out = append(out, o)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return truncate(out, limit), nil
}

func (tx *memTx) InsertOffer(ctx context.Context, o *state.Offer) error {
	if _, ok := tx.offers.get(o.OfferID); ok {
		return apperr.New(apperr.ErrInvalidArgument, "offer %s already exists", o.OfferID)
	}
	tx.offers.put(o.OfferID, *o)
	return nil
}

func (tx *memTx) UpdateOffer(ctx context.Context, o *state.Offer) error {
	if _, ok := tx.offers.get(o.OfferID); !ok {
		return apperr.New(apperr.ErrNotFound, "offer %s", o.OfferID)
	}
	tx.offers.put(o.OfferID, *o)
	return nil
}

// === Escrows ===

func (tx *memTx) GetEscrow(ctx context.Context, id uuid.UUID) (*state.Escrow, error) {
	e, ok := tx.escrows.get(id)
	if !ok {
		return nil, apperr.New(apperr.ErrNotFound, "escrow %s", id)
	}
	return &e, nil
}

func (tx *memTx) GetEscrowForUpdate(ctx context.Context, id uuid.UUID) (*state.Escrow, error) {
	return tx.GetEscrow(ctx, id)
}

func (tx *memTx) FindHoldingEscrow(ctx context.Context, nftID string) (*state.Escrow, error) {
	var found *state.Escrow
	tx.escrows.each(func(e state.Escrow) {
		if e.NFTID == nftID && e.Status == state.EscrowHolding {
			found = &e
		}
	})
	return found, nil
}

func (tx *memTx) ListEscrows(ctx context.Context, f EscrowFilter) ([]state.Escrow, error) {
	var out []state.Escrow
	tx.escrows.each(func(e state.Escrow) {
		if (f.Status == "" || e.Status == f.Status) &&
			(f.UserID == uuid.Nil || e.BuyerID == f.UserID || e.SellerID == f.UserID) &&
			(f.Currency == "" || e.Currency == f.Currency) {
			out = append(out, e)
		}
	})
	sort.Slice(out, func(i, j int) bool { return newerFirst(out[i].CreatedAt, out[j].CreatedAt, out[i].EscrowID, out[j].EscrowID) })
	return truncate(out, f.Limit), nil
}

func (tx *memTx) InsertEscrow(ctx context.Context, e *state.Escrow) error {
	if _, ok := tx.escrows.get(e.EscrowID); ok {
		return apperr.New(apperr.ErrInvalidArgument, "escrow %s already exists", e.EscrowID)
	}
	var dup bool
	tx.escrows.each(func(x state.Escrow) {
		if x.OfferID == e.OfferID {
			dup = true
		}
	})
	if dup {
		return apperr.New(apperr.ErrAlreadyFinalized, "offer %s already has an escrow", e.OfferID)
	}
	tx.escrows.put(e.EscrowID, *e)
	return nil
}

func (tx *memTx) UpdateEscrow(ctx context.Context, e *state.Escrow) error {
	if _, ok := tx.escrows.get(e.EscrowID); !ok {
		return apperr.New(apperr.ErrNotFound, "escrow %s", e.EscrowID)
	}
	tx.escrows.put(e.EscrowID, *e)
	return nil
}

// === Payments ===

func (tx *memTx) GetPayment(ctx context.Context, id uuid.UUID) (*state.PaymentRequest, error) {
	p, ok := tx.payments.get(id)
	if !ok {
		return nil, apperr.New(apperr.ErrNotFound, "payment %s", id)
	}
	return &p, nil
}

func (tx *memTx) GetPaymentForUpdate(ctx context.Context, id uuid.UUID) (*state.PaymentRequest, error) {
	return tx.GetPayment(ctx, id)
}

func (tx *memTx) FindPaymentByTxRef(ctx context.Context, txRef string) (*state.PaymentRequest, error) {
	var found *state.PaymentRequest
	tx.payments.each(func(p state.PaymentRequest) {
		if p.TxRef != nil && *p.TxRef == txRef {
			found = &p
		}
	})
	return found, nil
}

func openDeposit(p state.PaymentRequest, userID uuid.UUID, blockchain string) bool {
	if p.Direction != state.DirectionDeposit || p.UserID != userID || p.Blockchain != blockchain {
		return false
	}
	return p.Status == state.PaymentInitiated || p.Status == state.PaymentAwaitingConfirmation
}

func (tx *memTx) FindClaimedDepositForUpdate(ctx context.Context, userID uuid.UUID, blockchain, txHash string) (*state.PaymentRequest, error) {
	var found *state.PaymentRequest
	tx.payments.each(func(p state.PaymentRequest) {
		if !openDeposit(p, userID, blockchain) || p.ClaimedTxHash != txHash {
			return
		}
		if found == nil || p.CreatedAt.Before(found.CreatedAt) {
			found = &p
		}
	})
	return found, nil
}

func (tx *memTx) FindOpenDepositForUpdate(ctx context.Context, userID uuid.UUID, blockchain, walletID string) (*state.PaymentRequest, error) {
	var found *state.PaymentRequest
	tx.payments.each(func(p state.PaymentRequest) {
		if !openDeposit(p, userID, blockchain) || p.ClaimedTxHash != "" {
			return
		}
		if walletID != "" && p.WalletID != walletID {
			return
		}
		if found == nil || p.CreatedAt.Before(found.CreatedAt) {
			found = &p
		}
	})
	return found, nil
}

func (tx *memTx) ListPayments(ctx context.Context, f PaymentFilter) ([]state.PaymentRequest, error) {
	var out []state.PaymentRequest
	tx.payments.each(func(p state.PaymentRequest) {
		if (f.UserID == uuid.Nil || p.UserID == f.UserID) &&
			(f.Direction == "" || p.Direction == f.Direction) &&
			(f.Status == "" || p.Status == f.Status) {
			out = append(out, p)
		}
	})
	sort.Slice(out, func(i, j int) bool {
		return newerFirst(out[i].CreatedAt, out[j].CreatedAt, out[i].PaymentID, out[j].PaymentID)
	})
	return truncate(out, f.Limit), nil
}

func (tx *memTx) InsertPayment(ctx context.Context, p *state.PaymentRequest) error {
	if _, ok := tx.payments.get(p.PaymentID); ok {
		return apperr.New(apperr.ErrInvalidArgument, "payment %s already exists", p.PaymentID)
	}
	return tx.putPayment(p)
}

func (tx *memTx) UpdatePayment(ctx context.Context, p *state.PaymentRequest) error {
	if _, ok := tx.payments.get(p.PaymentID); !ok {
		return apperr.New(apperr.ErrNotFound, "payment %s", p.PaymentID)
	}
	return tx.putPayment(p)
}

func (tx *memTx) putPayment(p *state.PaymentRequest) error {
	if p.TxRef != nil {
		other, _ := tx.FindPaymentByTxRef(context.Background(), *p.TxRef)
		if other != nil && other.PaymentID != p.PaymentID {
			return apperr.New(apperr.ErrAlreadyFinalized, "transaction %s already recorded on payment %s", *p.TxRef, other.PaymentID)
		}
	}
	tx.payments.put(p.PaymentID, *p)
	return nil
}

// === Confirmation log ===

func confirmationKey(eventType, key string) string {
	return eventType + "|" + key
}

func (tx *memTx) HasConfirmation(ctx context.Context, eventType, key string) (bool, error) {
	_, ok := tx.confirmations.get(confirmationKey(eventType, key))
	return ok, nil
}

func (tx *memTx) RecordConfirmation(ctx context.Context, eventType, key string, at time.Time) error {
	k := confirmationKey(eventType, key)
	if _, ok := tx.confirmations.get(k); ok {
		return apperr.New(apperr.ErrAlreadyFinalized, "%s %s already applied", eventType, key)
	}
	tx.confirmations.put(k, at)
	return nil
}

func newerFirst(a, b time.Time, aID, bID uuid.UUID) bool {
	if !a.Equal(b) {
		return a.After(b)
	}
	return aID.String() < bID.String()
}

func truncate[T any](s []T, limit int) []T {
	limit = EffectiveLimit(limit)
	if len(s) > limit {
		return s[:limit]
	}
	return s
}
