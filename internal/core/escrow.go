package core

import (
	"MarketLedger/internal/apperr"
	"MarketLedger/internal/event"
	"MarketLedger/internal/ledger"
	"MarketLedger/internal/state"
	"context"

	"github.com/google/uuid"
)

const (
	opSettleEscrow  = "settle_escrow"
	opReverseEscrow = "reverse_escrow"
	opCancelEscrow  = "cancel_escrow"
	opBeginTransfer = "begin_transfer"
)

// SettleEscrow distributes a HOLDING escrow to platform, creator and seller.
func (e *Engine) SettleEscrow(ctx context.Context, escrowID uuid.UUID) (*state.Escrow, error) {
	var escrow *state.Escrow
	err := e.run(ctx, opSettleEscrow, func(s *txScope) error {
		var err error
		escrow, err = e.settleIn(s, escrowID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return escrow, nil
}

// ReverseEscrow returns a HOLDING escrow's funds to the buyer and reopens the listing.
func (e *Engine) ReverseEscrow(ctx context.Context, escrowID uuid.UUID, reason string) (*state.Escrow, error) {
	var escrow *state.Escrow
	err := e.run(ctx, opReverseEscrow, func(s *txScope) error {
		var err error
		escrow, err = e.reverseIn(s, escrowID, reason, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return escrow, nil
}

// CancelEscrow is the seller backing out before the transfer starts. Once
// BeginTransfer has run the escrow waits for the transfer outcome instead.
func (e *Engine) CancelEscrow(ctx context.Context, sellerID, escrowID uuid.UUID) (*state.Escrow, error) {
	var escrow *state.Escrow
	err := e.run(ctx, opCancelEscrow, func(s *txScope) error {
		var err error
		escrow, err = e.reverseIn(s, escrowID, "cancelled by seller", func(esc *state.Escrow) error {
			if esc.SellerID != sellerID {
				return apperr.New(apperr.ErrNotOwner, "escrow %s belongs to another seller", escrowID)
			}
			if esc.TransferStarted() {
				return apperr.New(apperr.ErrInvalidTransition, "escrow %s: nft transfer already in progress", escrowID)
			}
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return escrow, nil
}

// BeginTransfer marks a HOLDING escrow as handed to the NFT registry and
// returns it. Calling it again for the same escrow is a no-op, so recovery can
// re-dispatch transfers that started before a restart.
func (e *Engine) BeginTransfer(ctx context.Context, escrowID uuid.UUID) (*state.Escrow, error) {
	var escrow *state.Escrow
	err := e.run(ctx, opBeginTransfer, func(s *txScope) error {
		var err error
		if _, escrow, err = lockEscrow(s, escrowID); err != nil {
			return err
		}
		if escrow.TransferStarted() {
			return nil
		}
		at := s.now
		escrow.TransferStartedAt = &at
		escrow.UpdatedAt = at
		return s.tx.UpdateEscrow(s.ctx, escrow)
	})
	if err != nil {
		return nil, err
	}
	return escrow, nil
}

// lockEscrow locks the escrow's listing, then the escrow, and checks it is
// still HOLDING.
func lockEscrow(s *txScope, escrowID uuid.UUID) (*state.Listing, *state.Escrow, error) {
	peek, err := s.tx.GetEscrow(s.ctx, escrowID)
	if err != nil {
		return nil, nil, err
	}
	listing, err := s.tx.GetListingForUpdate(s.ctx, peek.ListingID)
	if err != nil {
		return nil, nil, err
	}
	escrow, err := s.tx.GetEscrowForUpdate(s.ctx, escrowID)
	if err != nil {
		return nil, nil, err
	}
	if escrow.Status != state.EscrowHolding {
		return nil, nil, apperr.New(apperr.ErrAlreadyFinalized, "escrow %s is %s", escrowID, escrow.Status)
	}
	return listing, escrow, nil
}

func (e *Engine) settleIn(s *txScope, escrowID uuid.UUID) (*state.Escrow, error) {
	listing, escrow, err := lockEscrow(s, escrowID)
	if err != nil {
		return nil, err
	}

	err = s.appendBatch(e.gen.GenerateSettlement(ledger.SettlementLegs{
		EscrowID:     escrow.EscrowID,
		Currency:     escrow.Currency,
		CreatorID:    escrow.CreatorID,
		SellerID:     escrow.SellerID,
		Commission:   escrow.Commission,
		Royalty:      escrow.Royalty,
		SellerAmount: escrow.SellerAmount,
	}))
	if err != nil {
		return nil, err
	}

	if err := finalizeEscrow(s, escrow, state.EscrowSettled, ""); err != nil {
		return nil, err
	}
	if listing.Status != state.ListingSold {
		if !listing.Status.CanTransitionTo(state.ListingSold) {
			return nil, apperr.New(apperr.ErrInvalidTransition, "listing %s is %s", listing.ListingID, listing.Status)
		}
		listing.Status = state.ListingSold
		listing.UpdatedAt = s.now
		if err := s.tx.UpdateListing(s.ctx, listing); err != nil {
			return nil, err
		}
	}

	users := []uuid.UUID{escrow.BuyerID, escrow.SellerID}
	if escrow.Royalty > 0 && escrow.CreatorID != escrow.SellerID {
		users = append(users, escrow.CreatorID)
	}
	s.emit(event.DomainEvent{
		Type: event.EscrowSettled, AggregateID: escrow.EscrowID, UserIDs: users,
		Currency: escrow.Currency, Amount: escrow.Total, NFTID: escrow.NFTID,
	})
	return escrow, nil
}

func (e *Engine) reverseIn(s *txScope, escrowID uuid.UUID, reason string, check func(*state.Escrow) error) (*state.Escrow, error) {
	listing, escrow, err := lockEscrow(s, escrowID)
	if err != nil {
		return nil, err
	}
	if check != nil {
		if err := check(escrow); err != nil {
			return nil, err
		}
	}
	if reason == "" {
		reason = "transfer failed"
	}

	if err := s.appendBatch(e.gen.GenerateEscrowReversal(escrow.BuyerID, escrow.Currency, escrow.Total, escrow.EscrowID)); err != nil {
		return nil, err
	}
	if err := finalizeEscrow(s, escrow, state.EscrowReversed, reason); err != nil {
		return nil, err
	}

	// The NFT never left the seller, so the listing goes back on sale. Its
	// other offers were rejected at accept time and stay rejected.
	if listing.Status == state.ListingSold {
		listing.Status = state.ListingActive
		listing.Note = "reopened: " + reason
		listing.UpdatedAt = s.now
		if err := s.tx.UpdateListing(s.ctx, listing); err != nil {
			return nil, err
		}
		s.emit(event.DomainEvent{
			Type: event.ListingReopened, AggregateID: listing.ListingID, UserIDs: []uuid.UUID{listing.SellerID},
			Currency: listing.Currency, Amount: listing.Price, NFTID: listing.NFTID, Note: reason,
		})
	}

	s.emit(event.DomainEvent{
		Type: event.EscrowReversed, AggregateID: escrow.EscrowID, UserIDs: []uuid.UUID{escrow.BuyerID, escrow.SellerID},
		Currency: escrow.Currency, Amount: escrow.Total, NFTID: escrow.NFTID, Note: reason,
	})
	return escrow, nil
}

func finalizeEscrow(s *txScope, escrow *state.Escrow, to state.EscrowStatus, note string) error {
	if !escrow.Status.CanTransitionTo(to) {
		return apperr.New(apperr.ErrAlreadyFinalized, "escrow %s is %s", escrow.EscrowID, escrow.Status)
	}
	at := s.now
	escrow.Status = to
	escrow.FailureNote = note
	escrow.UpdatedAt = at
	escrow.FinalizedAt = &at
	return s.tx.UpdateEscrow(s.ctx, escrow)
}
