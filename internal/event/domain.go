package event

import (
	"time"

	"github.com/google/uuid"
)

// DomainEventType names a committed state change published to consumers.
type DomainEventType string

const (
	ListingCreated   DomainEventType = "listing.created"
	ListingCancelled DomainEventType = "listing.cancelled"
	ListingReopened  DomainEventType = "listing.reopened"

	OfferCreated   DomainEventType = "offer.created"
	OfferAccepted  DomainEventType = "offer.accepted"
	OfferRejected  DomainEventType = "offer.rejected"
	OfferExpired   DomainEventType = "offer.expired"
	OfferCancelled DomainEventType = "offer.cancelled"

	EscrowHeld     DomainEventType = "escrow.held"
	EscrowSettled  DomainEventType = "escrow.settled"
	EscrowReversed DomainEventType = "escrow.reversed"

	DepositInitiated    DomainEventType = "deposit.initiated"
	DepositConfirmed    DomainEventType = "deposit.confirmed"
	WithdrawalRequested DomainEventType = "withdrawal.requested"
	WithdrawalApproved  DomainEventType = "withdrawal.approved"
	WithdrawalConfirmed DomainEventType = "withdrawal.confirmed"
	WithdrawalFailed    DomainEventType = "withdrawal.failed"
	PaymentCancelled    DomainEventType = "payment.cancelled"
)

// DomainEvent is emitted after the transaction that produced it commits.
type DomainEvent struct {
	EventID     uuid.UUID       `json:"event_id"`
	Type        DomainEventType `json:"type"`
	AggregateID uuid.UUID       `json:"aggregate_id"`
	// Users whose activity feed shows the event
	UserIDs    []uuid.UUID `json:"user_ids"`
	Currency   string      `json:"currency,omitempty"`
	Amount     int64       `json:"amount,omitempty"`
	NFTID      string      `json:"nft_id,omitempty"`
	Blockchain string      `json:"blockchain,omitempty"`
	Address    string      `json:"address,omitempty"`
	Note       string      `json:"note,omitempty"`
	OccurredAt time.Time   `json:"occurred_at"`
}

// Subject returns the NATS subject the event is published on.
func (e DomainEvent) Subject(prefix string) string {
	return prefix + "." + string(e.Type)
}
