package state

import (
	"time"

	"github.com/google/uuid"
)

// OfferStatus is the lifecycle state of an offer
type OfferStatus string

const (
	OfferPending   OfferStatus = "PENDING"
	OfferAccepted  OfferStatus = "ACCEPTED"
	OfferRejected  OfferStatus = "REJECTED"
	OfferExpired   OfferStatus = "EXPIRED"
	OfferCancelled OfferStatus = "CANCELLED" // withdrawn by the buyer
)

var offerTransitions = transitions[OfferStatus]{
	OfferPending: {OfferAccepted, OfferRejected, OfferExpired, OfferCancelled},
}

// CanTransitionTo validates state transitions
func (s OfferStatus) CanTransitionTo(next OfferStatus) bool {
	return offerTransitions.allows(s, next)
}

func (s OfferStatus) IsTerminal() bool {
	return offerTransitions.terminal(s)
}

func (s OfferStatus) Valid() bool {
	switch s {
	case OfferPending, OfferAccepted, OfferRejected, OfferExpired, OfferCancelled:
		return true
	}
	return false
}

// Offer is a buyer's bid on a listing. Funds are not held until acceptance.
type Offer struct {
	OfferID   uuid.UUID
	ListingID uuid.UUID
	BuyerID   uuid.UUID
	Amount    int64
	Status    OfferStatus
	Note      string
	ExpiresAt time.Time // Zero means no expiry
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ExpiredAt reports whether the offer has passed its expiry at now.
func (o *Offer) ExpiredAt(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && !now.Before(o.ExpiresAt)
}
