package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
)

// System account names. Their ids are derived, so they can be queried like users.
const (
	SystemPlatform = "platform" // commission revenue
	SystemEscrow   = "escrow"   // funds held for HOLDING escrows
)

// systemNamespace seeds the UUID v5 ids of system accounts.
var systemNamespace = uuid.MustParse("6f1c4a52-9d0e-4b7a-8f43-2c5e7d1a9b60")

var (
	PlatformAccountID = SystemAccountID(SystemPlatform)
	EscrowAccountID   = SystemAccountID(SystemEscrow)
)

// SystemAccountID returns the deterministic id of a named system account.
func SystemAccountID(name string) uuid.UUID {
	return uuid.NewSHA1(systemNamespace, []byte("system:"+name))
}

// AccountKey identifies one balance: a (user, currency) pair.
type AccountKey struct {
	UserID   uuid.UUID
	Currency string
}

// NewUserAccountKey creates a key for user accounts
func NewUserAccountKey(userID uuid.UUID, currency string) AccountKey {
	return AccountKey{UserID: userID, Currency: currency}
}

// NewSystemAccountKey creates a key for system accounts
func NewSystemAccountKey(name, currency string) AccountKey {
	return AccountKey{UserID: SystemAccountID(name), Currency: currency}
}

// Scope reports whether the key belongs to a system account.
func (k AccountKey) Scope() AccountScope {
	if k.UserID == PlatformAccountID || k.UserID == EscrowAccountID {
		return AccountScopeSystem
	}
	return AccountScopeUser
}

// AccountPath returns the string representation for storage/logging/locking
func (k AccountKey) AccountPath() string {
	switch k.UserID {
	case PlatformAccountID:
		return fmt.Sprintf("system:%s:%s", SystemPlatform, k.Currency)
	case EscrowAccountID:
		return fmt.Sprintf("system:%s:%s", SystemEscrow, k.Currency)
	}
	return fmt.Sprintf("user:%s:%s", k.UserID.String(), k.Currency)
}

func (k AccountKey) String() string {
	return k.AccountPath()
}
