package event

import (
	"github.com/google/uuid"
)

// PayoutOutcome reports the result of executing a withdrawal payout.
type PayoutOutcome struct {
	PaymentID uuid.UUID
	Success   bool
	TxHash    string // Set on success
	Reason    string // Failure detail
}

func (p *PayoutOutcome) IdempotencyKey() string {
	return "payment:" + p.PaymentID.String()
}

func (p *PayoutOutcome) EventType() EventType {
	return EventTypePayoutOutcome
}

func (p *PayoutOutcome) Reference() string {
	return p.PaymentID.String()
}
