package core

import (
	"MarketLedger/internal/apperr"
	"MarketLedger/internal/chain"
	fpmath "MarketLedger/internal/math"
	"fmt"
	"time"
)

// Config is the explicit configuration of the engine. Nothing in the core
// reads ambient global settings.
type Config struct {
	// CommissionRate in math.RateScale fixed point (0.02 == 2_000_000).
	CommissionRate int64
	// Currencies maps each accepted currency to its minor-unit precision.
	Currencies map[string]fpmath.DecimalConfig
	// OfferTTL bounds how long a PENDING offer lives. Zero disables expiry.
	OfferTTL time.Duration
	// AutoApproveWithdrawals dispatches payouts without an admin approval step.
	AutoApproveWithdrawals bool
	// DedupCapacity is the size of the confirmation dedup LRU.
	DedupCapacity int
}

// DefaultConfig is a USDT-only configuration with a 2% commission.
func DefaultConfig() Config {
	return Config{
		CommissionRate: 2_000_000,
		Currencies:     map[string]fpmath.DecimalConfig{"USDT": fpmath.USDTConfig},
		OfferTTL:       72 * time.Hour,
		DedupCapacity:  100_000,
	}
}

// Validate checks the config against the registered chains: every chain's
// currency must have a configured precision.
func (c Config) Validate(chains *chain.Registry) error {
	if c.CommissionRate < 0 || c.CommissionRate > fpmath.RateScale {
		return fmt.Errorf("commission rate %d outside [0, %d]", c.CommissionRate, fpmath.RateScale)
	}
	if len(c.Currencies) == 0 {
		return fmt.Errorf("no currencies configured")
	}
	for name, dc := range c.Currencies {
		if dc.DecimalPrecision < 0 || dc.DecimalPrecision > fpmath.MaxPrecision {
			return fmt.Errorf("currency %s: precision %d out of range", name, dc.DecimalPrecision)
		}
	}
	if c.OfferTTL < 0 {
		return fmt.Errorf("negative offer TTL")
	}
	if chains != nil {
		for _, name := range chains.List() {
			ch, _ := chains.Get(name)
			if _, ok := c.Currencies[ch.Currency]; !ok {
				return fmt.Errorf("chain %s uses unconfigured currency %s", name, ch.Currency)
			}
		}
	}
	return nil
}

// Precision returns the minor-unit config of currency.
func (c Config) Precision(currency string) (fpmath.DecimalConfig, error) {
	dc, ok := c.Currencies[currency]
	if !ok {
		return fpmath.DecimalConfig{}, apperr.New(apperr.ErrUnsupported, "currency %q", currency)
	}
	return dc, nil
}
