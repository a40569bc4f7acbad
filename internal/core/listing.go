package core

import (
	"MarketLedger/internal/apperr"
	"MarketLedger/internal/event"
	"MarketLedger/internal/ledger"
	"MarketLedger/internal/state"
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	opCreateListing = "create_listing"
	opCancelListing = "cancel_listing"
	opCreateOffer   = "create_offer"
	opRejectOffer   = "reject_offer"
	opCancelOffer   = "cancel_offer"
	opAcceptOffer   = "accept_offer"
	opBuyNow        = "buy_now"
	opExpireOffers  = "expire_offers"
)

type CreateListingRequest struct {
	SellerID uuid.UUID
	NFTID    string
	Currency string
	Price    int64 // Minor units
}

// CreateListing puts an NFT the seller owns up for sale.
//
// The ownership lookup runs before the transaction opens; the store's
// one-active-listing-per-NFT constraint closes the race with a concurrent listing.
func (e *Engine) CreateListing(ctx context.Context, req CreateListingRequest) (*state.Listing, error) {
	nftID := strings.TrimSpace(req.NFTID)
	if nftID == "" || req.SellerID == uuid.Nil {
		return nil, apperr.New(apperr.ErrInvalidArgument, "listing needs a seller and an nft")
	}
	if _, err := e.cfg.Precision(req.Currency); err != nil {
		return nil, err
	}
	if req.Price <= 0 {
		return nil, apperr.New(apperr.ErrInvalidAmount, "price must be positive")
	}

	info, err := e.nfts.Lookup(ctx, nftID)
	if err != nil {
		e.reject(opCreateListing, err)
		if apperr.KindOf(err) == apperr.KindNotFound {
			return nil, err
		}
		return nil, apperr.Wrap(apperr.ErrExternal, err, "nft registry lookup %s", nftID)
	}
	if info.Owner != req.SellerID {
		return nil, apperr.New(apperr.ErrNotOwner, "nft %s is not owned by %s", nftID, req.SellerID)
	}
	// Reject royalty rates that could never settle at list time.
	if _, err := e.calc.Quote(req.Price, info.RoyaltyRate); err != nil {
		return nil, err
	}

	var listing *state.Listing
	err = e.run(ctx, opCreateListing, func(s *txScope) error {
		held, err := s.tx.FindHoldingEscrow(ctx, nftID)
		if err != nil {
			return err
		}
		if held != nil {
			return apperr.New(apperr.ErrNFTEscrowed, "nft %s is held by escrow %s", nftID, held.EscrowID)
		}
		active, err := s.tx.FindActiveListing(ctx, nftID)
		if err != nil {
			return err
		}
		if active != nil {
			return apperr.New(apperr.ErrAlreadyListed, "nft %s already listed as %s", nftID, active.ListingID)
		}

		listing = &state.Listing{
			ListingID:   uuid.New(),
			NFTID:       nftID,
			SellerID:    req.SellerID,
			CreatorID:   info.Creator,
			RoyaltyRate: info.RoyaltyRate,
			Currency:    req.Currency,
			Price:       req.Price,
			Status:      state.ListingActive,
			CreatedAt:   s.now,
			UpdatedAt:   s.now,
		}
		if err := s.tx.InsertListing(ctx, listing); err != nil {
			return err
		}
		s.emit(event.DomainEvent{
			Type: event.ListingCreated, AggregateID: listing.ListingID, UserIDs: []uuid.UUID{req.SellerID},
			Currency: listing.Currency, Amount: listing.Price, NFTID: nftID,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return listing, nil
}

// CancelListing withdraws an ACTIVE listing and rejects its pending offers.
func (e *Engine) CancelListing(ctx context.Context, sellerID, listingID uuid.UUID) (*state.Listing, error) {
	var listing *state.Listing
	err := e.run(ctx, opCancelListing, func(s *txScope) error {
		var err error
		listing, err = s.tx.GetListingForUpdate(ctx, listingID)
		if err != nil {
			return err
		}
		if listing.SellerID != sellerID {
			return apperr.New(apperr.ErrNotOwner, "listing %s belongs to another seller", listingID)
		}
		if !listing.IsActive() {
			return apperr.New(apperr.ErrListingNotActive, "listing %s is %s", listingID, listing.Status)
		}

		listing.Status = state.ListingCancelled
		listing.Note = "cancelled by seller"
		listing.UpdatedAt = s.now
		if err := s.tx.UpdateListing(ctx, listing); err != nil {
			return err
		}
		if err := rejectPending(s, listing, uuid.Nil, "listing cancelled"); err != nil {
			return err
		}
		s.emit(event.DomainEvent{
			Type: event.ListingCancelled, AggregateID: listingID, UserIDs: []uuid.UUID{sellerID}, NFTID: listing.NFTID,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return listing, nil
}

type CreateOfferRequest struct {
	BuyerID   uuid.UUID
	ListingID uuid.UUID
	Amount    int64 // Minor units, in the listing's currency
}

// CreateOffer records a bid. The buyer must be able to cover it now, but no
// funds move until the seller accepts.
func (e *Engine) CreateOffer(ctx context.Context, req CreateOfferRequest) (*state.Offer, error) {
	if req.BuyerID == uuid.Nil {
		return nil, apperr.New(apperr.ErrInvalidArgument, "offer needs a buyer")
	}
	if req.Amount <= 0 {
		return nil, apperr.New(apperr.ErrInvalidAmount, "offer amount must be positive")
	}

	var offer *state.Offer
	err := e.run(ctx, opCreateOffer, func(s *txScope) error {
		// The listing lock orders this insert against a concurrent accept.
		listing, err := s.tx.GetListingForUpdate(ctx, req.ListingID)
		if err != nil {
			return err
		}
		if !listing.IsActive() {
			return apperr.New(apperr.ErrListingNotActive, "listing %s is %s", listing.ListingID, listing.Status)
		}
		if listing.SellerID == req.BuyerID {
			return apperr.New(apperr.ErrInvalidArgument, "seller cannot bid on own listing")
		}
		bal, err := s.tx.Balance(ctx, ledger.NewUserAccountKey(req.BuyerID, listing.Currency))
		if err != nil {
			return err
		}
		if bal < req.Amount {
			return apperr.New(apperr.ErrInsufficientBalance, "buyer %s has %d, offer is %d", req.BuyerID, bal, req.Amount)
		}

		offer = e.newOffer(s, listing, req.BuyerID, req.Amount)
		if err := s.tx.InsertOffer(ctx, offer); err != nil {
			return err
		}
		s.emit(event.DomainEvent{
			Type: event.OfferCreated, AggregateID: offer.OfferID, UserIDs: []uuid.UUID{req.BuyerID, listing.SellerID},
			Currency: listing.Currency, Amount: offer.Amount, NFTID: listing.NFTID,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return offer, nil
}

func (e *Engine) newOffer(s *txScope, listing *state.Listing, buyerID uuid.UUID, amount int64) *state.Offer {
	o := &state.Offer{
		OfferID:   uuid.New(),
		ListingID: listing.ListingID,
		BuyerID:   buyerID,
		Amount:    amount,
		Status:    state.OfferPending,
		CreatedAt: s.now,
		UpdatedAt: s.now,
	}
	if e.cfg.OfferTTL > 0 {
		o.ExpiresAt = s.now.Add(e.cfg.OfferTTL)
	}
	return o
}

// lockOffer locks the offer's listing, then the offer.
func lockOffer(s *txScope, offerID uuid.UUID) (*state.Listing, *state.Offer, error) {
	peek, err := s.tx.GetOffer(s.ctx, offerID)
	if err != nil {
		return nil, nil, err
	}
	listing, err := s.tx.GetListingForUpdate(s.ctx, peek.ListingID)
	if err != nil {
		return nil, nil, err
	}
	offer, err := s.tx.GetOfferForUpdate(s.ctx, offerID)
	if err != nil {
		return nil, nil, err
	}
	return listing, offer, nil
}

func decideOffer(s *txScope, listing *state.Listing, offer *state.Offer, to state.OfferStatus, note string) error {
	if !offer.Status.CanTransitionTo(to) {
		return apperr.New(apperr.ErrOfferNotPending, "offer %s is %s", offer.OfferID, offer.Status)
	}
	offer.Status = to
	offer.Note = note
	offer.UpdatedAt = s.now
	if err := s.tx.UpdateOffer(s.ctx, offer); err != nil {
		return err
	}

	var typ event.DomainEventType
	switch to {
	case state.OfferAccepted:
		typ = event.OfferAccepted
	case state.OfferRejected:
		typ = event.OfferRejected
	case state.OfferExpired:
		typ = event.OfferExpired
	default:
		typ = event.OfferCancelled
	}
	s.emit(event.DomainEvent{
		Type: typ, AggregateID: offer.OfferID, UserIDs: []uuid.UUID{offer.BuyerID, listing.SellerID},
		Currency: listing.Currency, Amount: offer.Amount, NFTID: listing.NFTID, Note: note,
	})
	return nil
}

// rejectPending rejects every PENDING offer on the listing except keep.
func rejectPending(s *txScope, listing *state.Listing, keep uuid.UUID, note string) error {
	pending, err := s.tx.PendingOffersForUpdate(s.ctx, listing.ListingID)
	if err != nil {
		return err
	}
	for i := range pending {
		if pending[i].OfferID == keep {
			continue
		}
		if err := decideOffer(s, listing, &pending[i], state.OfferRejected, note); err != nil {
			return err
		}
	}
	return nil
}

// RejectOffer declines a PENDING offer on the seller's listing.
func (e *Engine) RejectOffer(ctx context.Context, sellerID, offerID uuid.UUID) (*state.Offer, error) {
	var offer *state.Offer
	err := e.run(ctx, opRejectOffer, func(s *txScope) error {
		listing, o, err := lockOffer(s, offerID)
		if err != nil {
			return err
		}
		if listing.SellerID != sellerID {
			return apperr.New(apperr.ErrNotOwner, "offer %s is on another seller's listing", offerID)
		}
		offer = o
		return decideOffer(s, listing, offer, state.OfferRejected, "rejected by seller")
	})
	if err != nil {
		return nil, err
	}
	return offer, nil
}

// CancelOffer withdraws the buyer's own PENDING offer.
func (e *Engine) CancelOffer(ctx context.Context, buyerID, offerID uuid.UUID) (*state.Offer, error) {
	var offer *state.Offer
	err := e.run(ctx, opCancelOffer, func(s *txScope) error {
		listing, o, err := lockOffer(s, offerID)
		if err != nil {
			return err
		}
		if o.BuyerID != buyerID {
			return apperr.New(apperr.ErrNotOwner, "offer %s belongs to another buyer", offerID)
		}
		offer = o
		return decideOffer(s, listing, offer, state.OfferCancelled, "cancelled by buyer")
	})
	if err != nil {
		return nil, err
	}
	return offer, nil
}

// ExpireOffers moves up to limit PENDING offers past their expiry to EXPIRED.
func (e *Engine) ExpireOffers(ctx context.Context, limit int) (int, error) {
	var n int
	err := e.run(ctx, opExpireOffers, func(s *txScope) error {
		n = 0
		expired, err := s.tx.ExpiredOffersForUpdate(ctx, s.now, limit)
		if err != nil {
			return err
		}
		for i := range expired {
			// Read without a listing lock: the offer row lock is enough to
			// decide it, and the listing is only used for event fields.
			listing, err := s.tx.GetListing(ctx, expired[i].ListingID)
			if err != nil {
				return err
			}
			if err := decideOffer(s, listing, &expired[i], state.OfferExpired, "expired"); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err == nil && n > 0 && e.metrics != nil {
		e.metrics.OffersExpired.Add(float64(n))
	}
	return n, err
}

// AcceptOffer sells the listing to one offer: the buyer's funds move into
// escrow, sibling offers are rejected and the listing becomes SOLD, all in
// one transaction scoped by the listing lock.
func (e *Engine) AcceptOffer(ctx context.Context, sellerID, offerID uuid.UUID) (*state.Escrow, error) {
	var escrow *state.Escrow
	err := e.run(ctx, opAcceptOffer, func(s *txScope) error {
		listing, offer, err := lockOffer(s, offerID)
		if err != nil {
			return err
		}
		if listing.SellerID != sellerID {
			return apperr.New(apperr.ErrNotOwner, "offer %s is on another seller's listing", offerID)
		}
		escrow, err = e.acceptLocked(s, listing, offer)
		return err
	})
	if err != nil {
		return nil, err
	}
	return escrow, nil
}

// BuyNow creates an offer at the asking price and accepts it at once.
func (e *Engine) BuyNow(ctx context.Context, buyerID, listingID uuid.UUID) (*state.Escrow, error) {
	var escrow *state.Escrow
	err := e.run(ctx, opBuyNow, func(s *txScope) error {
		listing, err := s.tx.GetListingForUpdate(ctx, listingID)
		if err != nil {
			return err
		}
		if listing.SellerID == buyerID {
			return apperr.New(apperr.ErrInvalidArgument, "seller cannot buy own listing")
		}
		if !listing.IsActive() {
			return apperr.New(apperr.ErrListingNotActive, "listing %s is %s", listing.ListingID, listing.Status)
		}
		offer := e.newOffer(s, listing, buyerID, listing.Price)
		offer.Note = "buy now"
		if err := s.tx.InsertOffer(ctx, offer); err != nil {
			return err
		}
		escrow, err = e.acceptLocked(s, listing, offer)
		return err
	})
	if err != nil {
		return nil, err
	}
	return escrow, nil
}

// acceptLocked runs the accept sequence. The caller holds the listing lock.
func (e *Engine) acceptLocked(s *txScope, listing *state.Listing, offer *state.Offer) (*state.Escrow, error) {
	if offer.ListingID != listing.ListingID {
		return nil, fmt.Errorf("offer %s does not belong to listing %s", offer.OfferID, listing.ListingID)
	}
	if !listing.IsActive() {
		return nil, apperr.New(apperr.ErrListingNotActive, "listing %s is %s", listing.ListingID, listing.Status)
	}
	if offer.Status != state.OfferPending {
		return nil, apperr.New(apperr.ErrOfferNotPending, "offer %s is %s", offer.OfferID, offer.Status)
	}
	if offer.ExpiredAt(s.now) {
		return nil, apperr.New(apperr.ErrOfferExpired, "offer %s expired at %s", offer.OfferID, offer.ExpiresAt)
	}

	split, err := e.calc.Quote(offer.Amount, listing.RoyaltyRate)
	if err != nil {
		return nil, err
	}

	// The buyer's balance may have moved since the offer was made.
	buyerKey := ledger.NewUserAccountKey(offer.BuyerID, listing.Currency)
	if err := requireBalance(s, buyerKey, offer.Amount); err != nil {
		return nil, err
	}

	escrow := &state.Escrow{
		EscrowID:     uuid.New(),
		OfferID:      offer.OfferID,
		ListingID:    listing.ListingID,
		NFTID:        listing.NFTID,
		BuyerID:      offer.BuyerID,
		SellerID:     listing.SellerID,
		CreatorID:    listing.CreatorID,
		Currency:     listing.Currency,
		Total:        offer.Amount,
		Commission:   split.Commission,
		Royalty:      split.Royalty,
		SellerAmount: split.Seller,
		Status:       state.EscrowHolding,
		CreatedAt:    s.now,
		UpdatedAt:    s.now,
	}
	if err := s.appendBatch(e.gen.GenerateEscrowHold(offer.BuyerID, listing.Currency, offer.Amount, escrow.EscrowID)); err != nil {
		return nil, err
	}
	if err := s.tx.InsertEscrow(s.ctx, escrow); err != nil {
		return nil, err
	}

	if err := decideOffer(s, listing, offer, state.OfferAccepted, offer.Note); err != nil {
		return nil, err
	}
	if err := rejectPending(s, listing, offer.OfferID, fmt.Sprintf("listing sold to offer %s", offer.OfferID)); err != nil {
		return nil, err
	}

	listing.Status = state.ListingSold
	listing.UpdatedAt = s.now
	if err := s.tx.UpdateListing(s.ctx, listing); err != nil {
		return nil, err
	}

	s.emit(event.DomainEvent{
		Type: event.EscrowHeld, AggregateID: escrow.EscrowID, UserIDs: []uuid.UUID{escrow.BuyerID, escrow.SellerID},
		Currency: escrow.Currency, Amount: escrow.Total, NFTID: escrow.NFTID,
	})
	return escrow, nil
}
