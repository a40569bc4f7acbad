package state

import (
	"time"

	"github.com/google/uuid"
)

// EscrowStatus is the lifecycle state of an escrow
type EscrowStatus string

const (
	EscrowHolding  EscrowStatus = "HOLDING"
	EscrowSettled  EscrowStatus = "SETTLED"
	EscrowReversed EscrowStatus = "REVERSED"
)

var escrowTransitions = transitions[EscrowStatus]{
	EscrowHolding: {EscrowSettled, EscrowReversed},
}

// CanTransitionTo validates state transitions
func (s EscrowStatus) CanTransitionTo(next EscrowStatus) bool {
	return escrowTransitions.allows(s, next)
}

func (s EscrowStatus) IsTerminal() bool {
	return escrowTransitions.terminal(s)
}

func (s EscrowStatus) Valid() bool {
	switch s {
	case EscrowHolding, EscrowSettled, EscrowReversed:
		return true
	}
	return false
}

// Escrow holds an accepted offer's funds until the NFT transfer resolves.
// Commission+Royalty+SellerAmount == Total.
type Escrow struct {
	EscrowID     uuid.UUID
	OfferID      uuid.UUID
	ListingID    uuid.UUID
	NFTID        string
	BuyerID      uuid.UUID
	SellerID     uuid.UUID
	CreatorID    uuid.UUID
	Currency     string
	Total        int64
	Commission   int64
	Royalty      int64
	SellerAmount int64
	Status       EscrowStatus
	FailureNote  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	// TransferStartedAt is set once the NFT transfer has been handed to the
	// registry. From then on only the transfer outcome resolves the escrow.
	TransferStartedAt *time.Time
	FinalizedAt       *time.Time // Nullable until terminal
}

// TransferStarted reports whether the NFT transfer may already be in flight.
func (e *Escrow) TransferStarted() bool {
	return e.TransferStartedAt != nil
}
