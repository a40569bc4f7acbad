// Package settlement computes how a sale price is divided between the
// platform, the NFT creator and the seller.
package settlement

import (
	"MarketLedger/internal/apperr"
	fpmath "MarketLedger/internal/math"
)

// Split is the three-way division of a price. Commission+Royalty+Seller == Price.
type Split struct {
	Price      int64
	Commission int64
	Royalty    int64
	Seller     int64
}

// Calculator is the single authority for settlement splits. Callers supply a
// price and the NFT's royalty rate, never amounts.
type Calculator struct {
	commissionRate int64 // RateScale fixed point
}

// NewCalculator validates the commission rate once at construction.
func NewCalculator(commissionRate int64) (*Calculator, error) {
	if err := checkRate(commissionRate, "commission"); err != nil {
		return nil, err
	}
	return &Calculator{commissionRate: commissionRate}, nil
}

// CommissionRate returns the configured rate in RateScale fixed point.
func (c *Calculator) CommissionRate() int64 {
	return c.commissionRate
}

// Quote splits price using the configured commission rate.
func (c *Calculator) Quote(price, royaltyRate int64) (Split, error) {
	return Compute(price, c.commissionRate, royaltyRate)
}

// Compute splits price: commission and royalty are floored to the minor
// unit and the seller receives the remainder, so nothing leaks to rounding.
func Compute(price, commissionRate, royaltyRate int64) (Split, error) {
	if price <= 0 {
		return Split{}, apperr.New(apperr.ErrInvalidRate, "price must be positive, got %d", price)
	}
	if err := checkRate(commissionRate, "commission"); err != nil {
		return Split{}, err
	}
	if err := checkRate(royaltyRate, "royalty"); err != nil {
		return Split{}, err
	}
	if commissionRate+royaltyRate > fpmath.RateScale {
		return Split{}, apperr.New(apperr.ErrInvalidRate, "commission %s + royalty %s exceeds 1",
			fpmath.FormatRate(commissionRate), fpmath.FormatRate(royaltyRate))
	}

	commission := fpmath.FloorMulRate(price, commissionRate)
	royalty := fpmath.FloorMulRate(price, royaltyRate)
	return Split{
		Price:      price,
		Commission: commission,
		Royalty:    royalty,
		Seller:     price - commission - royalty,
	}, nil
}

func checkRate(rate int64, name string) error {
	if rate < 0 || rate > fpmath.RateScale {
		return apperr.New(apperr.ErrInvalidRate, "%s rate %s outside [0, 1]", name, fpmath.FormatRate(rate))
	}
	return nil
}
