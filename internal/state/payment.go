package state

import (
	"time"

	"github.com/google/uuid"
)

// PaymentDirection distinguishes deposits from withdrawals
type PaymentDirection string

const (
	DirectionDeposit    PaymentDirection = "DEPOSIT"
	DirectionWithdrawal PaymentDirection = "WITHDRAWAL"
)

// PaymentStatus is the gateway state of a payment request
type PaymentStatus string

const (
	PaymentInitiated            PaymentStatus = "INITIATED"
	PaymentAwaitingConfirmation PaymentStatus = "AWAITING_CONFIRMATION"
	PaymentConfirmed            PaymentStatus = "CONFIRMED"
	PaymentFailed               PaymentStatus = "FAILED"
	PaymentCancelled            PaymentStatus = "CANCELLED"
)

// A deposit may be confirmed straight from INITIATED when the chain observer
// sees the funds before the user claims to have sent them.
var paymentTransitions = transitions[PaymentStatus]{
	PaymentInitiated:            {PaymentAwaitingConfirmation, PaymentConfirmed, PaymentFailed, PaymentCancelled},
	PaymentAwaitingConfirmation: {PaymentConfirmed, PaymentFailed},
}

// CanTransitionTo validates state transitions
func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	return paymentTransitions.allows(s, next)
}

func (s PaymentStatus) IsTerminal() bool {
	return paymentTransitions.terminal(s)
}

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentInitiated, PaymentAwaitingConfirmation, PaymentConfirmed, PaymentFailed, PaymentCancelled:
		return true
	}
	return false
}

// PaymentRequest is a deposit or withdrawal moving funds across the chain boundary.
type PaymentRequest struct {
	PaymentID          uuid.UUID
	UserID             uuid.UUID
	WalletID           string
	Blockchain         string
	Currency           string
	Amount             int64
	Direction          PaymentDirection
	Status             PaymentStatus
	DepositAddress     string // Platform wallet, deposits only
	DestinationAddress string // User wallet, withdrawals only
	// TxRef is the observed chain transaction, set once the request is final.
	// Unique across requests.
	TxRef *string
	// ClaimedTxHash is the hash the user reported for a deposit. Not unique;
	// it only matches observations credited to the same user.
	ClaimedTxHash string
	Note          string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (p *PaymentRequest) IsDeposit() bool {
	return p.Direction == DirectionDeposit
}
