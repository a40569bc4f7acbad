// Package collab holds the clients for the services the settlement core
// depends on but does not own: the NFT ownership registry and the payout
// executor. Both are reached over HTTP/JSON.
package collab

import (
	"context"

	"github.com/google/uuid"
)

// NFTInfo is the registry's view of one NFT.
type NFTInfo struct {
	NFTID   string
	Owner   uuid.UUID
	Creator uuid.UUID
	// RoyaltyRate in math.RateScale fixed point.
	RoyaltyRate int64
}

// NFTRegistry answers ownership questions and moves ownership.
type NFTRegistry interface {
	Lookup(ctx context.Context, nftID string) (NFTInfo, error)
	// Transfer moves ownership to the buyer. A nil error means the transfer completed.
	Transfer(ctx context.Context, nftID string, from, to uuid.UUID, reference string) error
}

// PayoutRequest asks the payout collaborator to send funds on chain.
// PaymentID doubles as the executor's idempotency key, so a re-dispatched
// payout is never sent twice.
type PayoutRequest struct {
	PaymentID   uuid.UUID
	Blockchain  string
	Currency    string
	Destination string
	Amount      int64 // Minor units
}

// PayoutExecutor sends withdrawals and returns the chain transaction hash.
type PayoutExecutor interface {
	Execute(ctx context.Context, req PayoutRequest) (txHash string, err error)
}
