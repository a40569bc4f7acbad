package dispatch

import (
	"MarketLedger/internal/collab"
	"MarketLedger/internal/event"
	"MarketLedger/internal/observability"
	"MarketLedger/internal/state"
	"MarketLedger/internal/store"
	"context"
	"math"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// PayoutDispatcher executes approved withdrawals and reports each result as a
// PayoutOutcome. The executor is keyed by payment id, so re-dispatching a
// withdrawal after a restart cannot pay it twice.
type PayoutDispatcher struct {
	executor collab.PayoutExecutor
	store    store.Store
	engine   Applier
	pool     *pool
	log      zerolog.Logger
}

func NewPayoutDispatcher(executor collab.PayoutExecutor, st store.Store, engine Applier, opts Options, metrics *observability.Metrics, log zerolog.Logger) *PayoutDispatcher {
	d := &PayoutDispatcher{
		executor: executor,
		store:    st,
		engine:   engine,
		log:      log,
	}
	d.pool = newPool("payout", opts, metrics, log, d.Dispatch)
	return d
}

// Run re-dispatches withdrawals left AWAITING_CONFIRMATION, then dispatches
// withdrawal.approved events from in until ctx is done.
func (d *PayoutDispatcher) Run(ctx context.Context, in <-chan event.DomainEvent) error {
	backlog, err := d.Recover(ctx)
	if err != nil {
		return err
	}
	return d.pool.run(ctx, in, event.WithdrawalApproved, backlog)
}

// Recover lists every approved withdrawal without an outcome.
func (d *PayoutDispatcher) Recover(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := d.store.View(ctx, func(r store.Reader) error {
		payments, err := r.ListPayments(ctx, store.PaymentFilter{
			Direction: state.DirectionWithdrawal,
			Status:    state.PaymentAwaitingConfirmation,
			Limit:     math.MaxInt32,
		})
		if err != nil {
			return err
		}
		for _, p := range payments {
			ids = append(ids, p.PaymentID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.log.Info().Int("withdrawals", len(ids)).Msg("recovering approved withdrawals")
	return ids, nil
}

// Dispatch executes one withdrawal and applies the outcome.
func (d *PayoutDispatcher) Dispatch(ctx context.Context, paymentID uuid.UUID) {
	var p *state.PaymentRequest
	err := d.store.View(ctx, func(r store.Reader) error {
		var err error
		p, err = r.GetPayment(ctx, paymentID)
		return err
	})
	if err != nil {
		d.log.Error().Err(err).Str("payment_id", paymentID.String()).Msg("load withdrawal for payout")
		return
	}
	if p.IsDeposit() || p.Status != state.PaymentAwaitingConfirmation {
		return
	}

	var txHash string
	outcome, err := d.pool.call(ctx, func(cctx context.Context) error {
		var err error
		txHash, err = d.executor.Execute(cctx, collab.PayoutRequest{
			PaymentID:   p.PaymentID,
			Blockchain:  p.Blockchain,
			Currency:    p.Currency,
			Destination: p.DestinationAddress,
			Amount:      p.Amount,
		})
		return err
	})

	result := &event.PayoutOutcome{PaymentID: p.PaymentID, Success: err == nil, TxHash: txHash}
	if err != nil {
		result.Reason = "payout " + outcome + ": " + err.Error()
		d.log.Warn().Err(err).Str("payment_id", paymentID.String()).Str("outcome", outcome).Msg("payout failed")
	}
	d.pool.report(ctx, d.engine, result)
}
