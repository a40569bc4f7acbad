package event

import (
	"strings"

	"github.com/google/uuid"
)

// DepositObserved is the chain observer's report of an inbound transfer.
type DepositObserved struct {
	TxHash        string
	UserID        uuid.UUID
	WalletID      string
	Blockchain    string
	Currency      string
	Amount        int64 // Minor units
	Confirmations int
}

// Keyed by chain and hash so a re-delivered observation never credits twice.
func (d *DepositObserved) IdempotencyKey() string {
	return d.Blockchain + ":" + NormalizeTxHash(d.TxHash)
}

func (d *DepositObserved) EventType() EventType {
	return EventTypeDepositObserved
}

func (d *DepositObserved) Reference() string {
	return NormalizeTxHash(d.TxHash)
}

// NormalizeTxHash lowercases hex hashes so 0xABC and 0xabc are one transaction.
func NormalizeTxHash(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}
