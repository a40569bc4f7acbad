package core

import (
	"MarketLedger/internal/apperr"
	"MarketLedger/internal/event"
	"context"
	"errors"
	"fmt"
)

const (
	opTransferOutcome = "transfer_outcome"
	opPayoutOutcome   = "payout_outcome"
)

// Apply is the single entry point for external confirmations. Delivery is
// at-least-once: a confirmation already applied fails with AlreadyFinalized
// and changes nothing.
func (e *Engine) Apply(ctx context.Context, c event.Confirmation) error {
	switch evt := c.(type) {
	case *event.TransferOutcome:
		return e.confirm(ctx, opTransferOutcome, evt, func(s *txScope) error {
			var err error
			if evt.Success {
				_, err = e.settleIn(s, evt.EscrowID)
			} else {
				_, err = e.reverseIn(s, evt.EscrowID, evt.Reason, nil)
			}
			return err
		})

	case *event.DepositObserved:
		_, err := e.ConfirmDeposit(ctx, evt)
		return err

	case *event.PayoutOutcome:
		return e.confirm(ctx, opPayoutOutcome, evt, func(s *txScope) error {
			var err error
			if evt.Success {
				_, err = e.completeIn(s, evt.PaymentID, evt.TxHash)
			} else {
				_, err = e.failIn(s, evt.PaymentID, evt.Reason)
			}
			return err
		})

	default:
		return apperr.New(apperr.ErrUnsupported, "confirmation %T", c)
	}
}

// confirm applies fn and records the confirmation in the same transaction.
func (e *Engine) confirm(ctx context.Context, op string, c event.Confirmation, fn func(s *txScope) error) error {
	eventType := c.EventType().String()
	key := c.IdempotencyKey()
	if key == "" {
		return apperr.New(apperr.ErrInvalidArgument, "%s without idempotency key", eventType)
	}

	if e.idempotency.IsDuplicate(ctx, eventType, key) {
		e.countConfirmation(eventType, "duplicate")
		e.log.Info().Str("event_type", eventType).Str("key", key).Msg("duplicate confirmation skipped")
		return apperr.New(apperr.ErrAlreadyFinalized, "%s %s already applied", eventType, key)
	}

	err := e.run(ctx, op, func(s *txScope) error {
		if err := s.tx.RecordConfirmation(ctx, eventType, key, s.now); err != nil {
			return err
		}
		if err := fn(s); err != nil {
			return fmt.Errorf("apply %s %s: %w", eventType, c.Reference(), err)
		}
		return nil
	})

	switch {
	case err == nil:
		e.idempotency.MarkProcessed(eventType, key)
		e.countConfirmation(eventType, "applied")
	case errors.Is(err, apperr.ErrAlreadyFinalized):
		// The target already reached a terminal state some other way.
		e.idempotency.MarkProcessed(eventType, key)
		e.countConfirmation(eventType, "duplicate")
	default:
		e.countConfirmation(eventType, "rejected")
	}
	return err
}

func (e *Engine) countConfirmation(eventType, outcome string) {
	if e.metrics != nil {
		e.metrics.ConfirmationsApplied.WithLabelValues(eventType, outcome).Inc()
	}
}

// WarmDedup preloads recently applied confirmation keys ("type:key").
func (e *Engine) WarmDedup(keys []string) {
	e.idempotency.Warm(keys)
}
