package dispatch

import (
	"MarketLedger/internal/apperr"
	"MarketLedger/internal/collab"
	"MarketLedger/internal/event"
	"MarketLedger/internal/observability"
	"MarketLedger/internal/state"
	"MarketLedger/internal/store"
	"context"
	"errors"
	"math"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TransferDispatcher moves the NFT of every HOLDING escrow to its buyer and
// reports the result as a TransferOutcome.
//
// The registry must treat the escrow id as an idempotency reference: after a
// restart Recover re-dispatches escrows whose outcome was never applied.
type TransferDispatcher struct {
	registry collab.NFTRegistry
	store    store.Store
	engine   TransferEngine
	pool     *pool
	log      zerolog.Logger
}

func NewTransferDispatcher(registry collab.NFTRegistry, st store.Store, engine TransferEngine, opts Options, metrics *observability.Metrics, log zerolog.Logger) *TransferDispatcher {
	d := &TransferDispatcher{
		registry: registry,
		store:    st,
		engine:   engine,
		log:      log,
	}
	d.pool = newPool("nft_transfer", opts, metrics, log, d.Dispatch)
	return d
}

// Run re-dispatches escrows left HOLDING by a previous process, then
// dispatches escrow.held events from in until ctx is done.
func (d *TransferDispatcher) Run(ctx context.Context, in <-chan event.DomainEvent) error {
	backlog, err := d.Recover(ctx)
	if err != nil {
		return err
	}
	return d.pool.run(ctx, in, event.EscrowHeld, backlog)
}

// Recover lists every escrow still HOLDING.
func (d *TransferDispatcher) Recover(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := d.store.View(ctx, func(r store.Reader) error {
		escrows, err := r.ListEscrows(ctx, store.EscrowFilter{Status: state.EscrowHolding, Limit: math.MaxInt32})
		if err != nil {
			return err
		}
		for _, e := range escrows {
			ids = append(ids, e.EscrowID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.log.Info().Int("escrows", len(ids)).Msg("recovering holding escrows")
	return ids, nil
}

// Dispatch performs the transfer for one escrow and applies the outcome. The
// escrow is marked as transferring before the registry is called, which stops
// the seller from cancelling it underneath the transfer.
func (d *TransferDispatcher) Dispatch(ctx context.Context, escrowID uuid.UUID) {
	esc, err := d.engine.BeginTransfer(ctx, escrowID)
	switch {
	case errors.Is(err, apperr.ErrAlreadyFinalized):
		d.log.Debug().Str("escrow_id", escrowID.String()).Msg("escrow resolved before transfer")
		return
	case err != nil:
		d.log.Error().Err(err).Str("escrow_id", escrowID.String()).Msg("begin nft transfer")
		return
	}

	outcome, err := d.pool.call(ctx, func(cctx context.Context) error {
		return d.registry.Transfer(cctx, esc.NFTID, esc.SellerID, esc.BuyerID, "escrow:"+esc.EscrowID.String())
	})

	result := &event.TransferOutcome{EscrowID: esc.EscrowID, Success: err == nil}
	if err != nil {
		result.Reason = "nft transfer " + outcome + ": " + err.Error()
		d.log.Warn().Err(err).Str("escrow_id", escrowID.String()).Str("outcome", outcome).Msg("nft transfer failed")
	}
	d.pool.report(ctx, d.engine, result)
}
