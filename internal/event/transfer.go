package event

import (
	"github.com/google/uuid"
)

// TransferOutcome reports whether the NFT ownership transfer for an escrow
// completed. Success settles the escrow; failure or timeout reverses it.
type TransferOutcome struct {
	EscrowID uuid.UUID
	Success  bool
	Reason   string // Failure detail, recorded on the escrow
}

// One outcome per escrow: a later outcome for the same escrow is a duplicate.
func (t *TransferOutcome) IdempotencyKey() string {
	return "escrow:" + t.EscrowID.String()
}

func (t *TransferOutcome) EventType() EventType {
	return EventTypeTransferOutcome
}

func (t *TransferOutcome) Reference() string {
	return t.EscrowID.String()
}
