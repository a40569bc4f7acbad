package event

import (
	"time"
)

// EventType discriminator for confirmation payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeTransferOutcome
	EventTypeDepositObserved
	EventTypePayoutOutcome
)

// EventEnvelope wraps every confirmation as received from a transport
type EventEnvelope struct {
	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Transport the confirmation arrived on: nats, grpc, http, dispatch
	Source string

	ReceivedAt time.Time

	// JSON-encoded event-specific data
	Payload []byte
}

// Confirmation is an external outcome the core reacts to. Delivery is
// at-least-once; IdempotencyKey is the dedup key.
type Confirmation interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Reference names the entity the confirmation resolves
	Reference() string
}

func (et EventType) String() string {
	switch et {
	case EventTypeTransferOutcome:
		return "transfer_outcome"
	case EventTypeDepositObserved:
		return "deposit_observed"
	case EventTypePayoutOutcome:
		return "payout_outcome"
	default:
		return "unknown"
	}
}

// ParseEventType maps a wire name back to its EventType.
func ParseEventType(s string) EventType {
	switch s {
	case "transfer_outcome":
		return EventTypeTransferOutcome
	case "deposit_observed":
		return EventTypeDepositObserved
	case "payout_outcome":
		return EventTypePayoutOutcome
	default:
		return EventTypeUnknown
	}
}
