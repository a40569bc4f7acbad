package state

import (
	"time"

	"github.com/google/uuid"
)

// ListingStatus is the lifecycle state of a listing
type ListingStatus string

const (
	ListingActive    ListingStatus = "ACTIVE"
	ListingSold      ListingStatus = "SOLD"
	ListingCancelled ListingStatus = "CANCELLED"
)

// SOLD -> ACTIVE is the reopen path of a reversed escrow; a sold listing stays
// SOLD once its escrow settles.
var listingTransitions = transitions[ListingStatus]{
	ListingActive: {ListingSold, ListingCancelled},
	ListingSold:   {ListingActive},
}

// CanTransitionTo validates state transitions
func (s ListingStatus) CanTransitionTo(next ListingStatus) bool {
	return listingTransitions.allows(s, next)
}

func (s ListingStatus) Valid() bool {
	switch s {
	case ListingActive, ListingSold, ListingCancelled:
		return true
	}
	return false
}

// Listing offers one NFT for sale at an asking price.
type Listing struct {
	ListingID   uuid.UUID
	NFTID       string
	SellerID    uuid.UUID
	CreatorID   uuid.UUID
	RoyaltyRate int64 // RateScale fixed point, from the NFT registry
	Currency    string
	Price       int64 // Minor units
	Status      ListingStatus
	Note        string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (l *Listing) IsActive() bool {
	return l.Status == ListingActive
}
