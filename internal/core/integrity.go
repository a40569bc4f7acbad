package core

import (
	"MarketLedger/internal/ledger"
	"MarketLedger/internal/state"
	"MarketLedger/internal/store"
	"context"
	"math"
	"sort"
	"time"
)

// IntegrityReport is the outcome of one ledger integrity check.
type IntegrityReport struct {
	OK         bool             `json:"ok"`
	CheckedAt  time.Time        `json:"checked_at"`
	Problems   []string         `json:"problems,omitempty"`
	EscrowHeld map[string]int64 `json:"escrow_held"`
	OpenEscrow map[string]int64 `json:"open_escrow"`
}

// CheckIntegrity verifies against one consistent view that no account is
// negative and that each escrow account holds exactly its HOLDING escrows.
func (e *Engine) CheckIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{
		OK:         true,
		CheckedAt:  e.now(),
		EscrowHeld: make(map[string]int64),
		OpenEscrow: make(map[string]int64),
	}

	err := e.store.View(ctx, func(r store.Reader) error {
		balances, err := r.AllBalances(ctx)
		if err != nil {
			return err
		}
		holding, err := r.ListEscrows(ctx, store.EscrowFilter{Status: state.EscrowHolding, Limit: math.MaxInt32})
		if err != nil {
			return err
		}

		validator := ledger.NewInvariantValidator(ledger.TrackerFromBalances(balances))
		if err := validator.ValidateNoNegativeBalance(); err != nil {
			report.Problems = append(report.Problems, err.Error())
		}

		currencies := make(map[string]struct{}, len(e.cfg.Currencies))
		for c := range e.cfg.Currencies {
			currencies[c] = struct{}{}
		}
		for _, esc := range holding {
			report.OpenEscrow[esc.Currency] += esc.Total
			currencies[esc.Currency] = struct{}{}
		}
		names := make([]string, 0, len(currencies))
		for c := range currencies {
			names = append(names, c)
		}
		sort.Strings(names)

		for _, c := range names {
			report.EscrowHeld[c] = balances[ledger.NewSystemAccountKey(ledger.SystemEscrow, c)]
			if err := validator.ValidateEscrowAccount(c, report.OpenEscrow[c]); err != nil {
				report.Problems = append(report.Problems, err.Error())
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	report.OK = len(report.Problems) == 0
	if e.metrics != nil {
		result := "ok"
		status := 1.0
		if !report.OK {
			result, status = "violation", 0
		}
		e.metrics.IntegrityChecks.WithLabelValues(result).Inc()
		e.metrics.LastIntegrityStatus.Set(status)
		for c, held := range report.EscrowHeld {
			e.metrics.EscrowHeldAmount.WithLabelValues(c).Set(float64(held))
		}
	}
	if !report.OK {
		e.log.Error().Strs("problems", report.Problems).Msg("ledger integrity violated")
	}
	return report, nil
}
