// Package chain describes the blockchains the platform accepts funds on and
// validates addresses per chain family.
package chain

import (
	"MarketLedger/internal/apperr"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/fbsobreira/gotron-sdk/pkg/address"
)

// Family groups chains that share an address format.
type Family string

const (
	FamilyEVM  Family = "evm"
	FamilyTron Family = "tron"
)

// Limits bounds request amounts in minor units. A zero maximum means unbounded.
type Limits struct {
	MinDeposit    int64
	MaxDeposit    int64
	MinWithdrawal int64
	MaxWithdrawal int64
}

// Chain is one supported rail, e.g. TRC20 USDT.
type Chain struct {
	Name           string // TRC20, ERC20, BEP20
	Family         Family
	Currency       string
	PlatformWallet string
	Confirmations  int
	Limits         Limits
}

// ValidateAddress checks addr against the chain family's format.
func (c *Chain) ValidateAddress(addr string) error {
	var err error
	switch c.Family {
	case FamilyEVM:
		err = validateEVMAddress(addr)
	case FamilyTron:
		err = validateTronAddress(addr)
	default:
		return apperr.New(apperr.ErrUnsupported, "chain %s has unknown family %q", c.Name, c.Family)
	}
	if err != nil {
		return apperr.Wrap(apperr.ErrInvalidAddress, err, "%s address %q", c.Name, addr)
	}
	return nil
}

// CheckDeposit enforces the deposit limits.
func (c *Chain) CheckDeposit(amount int64) error {
	return checkLimits(c.Name, "deposit", amount, c.Limits.MinDeposit, c.Limits.MaxDeposit)
}

// CheckWithdrawal enforces the withdrawal limits.
func (c *Chain) CheckWithdrawal(amount int64) error {
	return checkLimits(c.Name, "withdrawal", amount, c.Limits.MinWithdrawal, c.Limits.MaxWithdrawal)
}

func checkLimits(chainName, what string, amount, min, max int64) error {
	if amount <= 0 {
		return apperr.New(apperr.ErrInvalidAmount, "%s amount must be positive", what)
	}
	if amount < min {
		return apperr.New(apperr.ErrBelowMinimum, "%s %s of %d below minimum %d", chainName, what, amount, min)
	}
	if max > 0 && amount > max {
		return apperr.New(apperr.ErrAboveMaximum, "%s %s of %d above maximum %d", chainName, what, amount, max)
	}
	return nil
}

func validateEVMAddress(addr string) error {
	if !common.IsHexAddress(addr) {
		return errInvalidFormat
	}
	// Mixed case carries an EIP-55 checksum that must match.
	body := strings.TrimPrefix(strings.TrimPrefix(addr, "0x"), "0X")
	if body != strings.ToLower(body) && body != strings.ToUpper(body) {
		if common.HexToAddress(addr).Hex() != addr {
			return errBadChecksum
		}
	}
	return nil
}

func validateTronAddress(addr string) error {
	parsed, err := address.Base58ToAddress(addr)
	if err != nil {
		return err
	}
	if len(parsed) != 21 || parsed[0] != 0x41 {
		return errInvalidFormat
	}
	return nil
}
