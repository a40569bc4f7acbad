package core

import (
	"MarketLedger/internal/apperr"
	"MarketLedger/internal/chain"
	"MarketLedger/internal/event"
	"MarketLedger/internal/ledger"
	"MarketLedger/internal/state"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	opInitiateDeposit    = "initiate_deposit"
	opMarkDepositSent    = "mark_deposit_sent"
	opConfirmDeposit     = "confirm_deposit"
	opCancelPayment      = "cancel_payment"
	opRequestWithdrawal  = "request_withdrawal"
	opApproveWithdrawal  = "approve_withdrawal"
	opCompleteWithdrawal = "complete_withdrawal"
	opFailWithdrawal     = "fail_withdrawal"
)

type DepositRequest struct {
	UserID     uuid.UUID
	WalletID   string
	Blockchain string
	Amount     int64
}

// InitiateDeposit records the intent to deposit and returns the request with
// the platform wallet the user should pay into.
func (e *Engine) InitiateDeposit(ctx context.Context, req DepositRequest) (*state.PaymentRequest, error) {
	if req.UserID == uuid.Nil {
		return nil, apperr.New(apperr.ErrInvalidArgument, "deposit needs a user")
	}
	ch, err := e.chains.Get(req.Blockchain)
	if err != nil {
		return nil, err
	}
	if err := ch.CheckDeposit(req.Amount); err != nil {
		return nil, err
	}

	var p *state.PaymentRequest
	err = e.run(ctx, opInitiateDeposit, func(s *txScope) error {
		p = &state.PaymentRequest{
			PaymentID:      uuid.New(),
			UserID:         req.UserID,
			WalletID:       req.WalletID,
			Blockchain:     ch.Name,
			Currency:       ch.Currency,
			Amount:         req.Amount,
			Direction:      state.DirectionDeposit,
			Status:         state.PaymentInitiated,
			DepositAddress: ch.PlatformWallet,
			CreatedAt:      s.now,
			UpdatedAt:      s.now,
		}
		if err := s.tx.InsertPayment(ctx, p); err != nil {
			return err
		}
		s.emit(paymentEvent(event.DepositInitiated, p, p.DepositAddress))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// MarkDepositSent records the user's claim that funds are on the way. The
// optional hash is a matching hint for this user's observations only; the
// request gets its TxRef when the transaction is actually observed.
func (e *Engine) MarkDepositSent(ctx context.Context, userID, paymentID uuid.UUID, txHash string) (*state.PaymentRequest, error) {
	var p *state.PaymentRequest
	err := e.run(ctx, opMarkDepositSent, func(s *txScope) error {
		var err error
		p, err = lockOwnPayment(s, userID, paymentID)
		if err != nil {
			return err
		}
		if !p.IsDeposit() {
			return apperr.New(apperr.ErrInvalidArgument, "payment %s is not a deposit", paymentID)
		}
		if err := transitionPayment(s, p, state.PaymentAwaitingConfirmation, p.Note); err != nil {
			return err
		}
		p.ClaimedTxHash = event.NormalizeTxHash(txHash)
		return s.tx.UpdatePayment(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ConfirmDeposit credits an observed on-chain deposit exactly once per
// transaction hash. See applyDeposit for how the request is matched.
func (e *Engine) ConfirmDeposit(ctx context.Context, obs *event.DepositObserved) (*state.PaymentRequest, error) {
	ch, err := e.checkObservation(obs)
	if err != nil {
		e.reject(opConfirmDeposit, err)
		return nil, err
	}
	var p *state.PaymentRequest
	err = e.confirm(ctx, opConfirmDeposit, obs, func(s *txScope) error {
		var err error
		p, err = e.applyDeposit(s, ch, obs)
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (e *Engine) checkObservation(obs *event.DepositObserved) (*chain.Chain, error) {
	if obs.UserID == uuid.Nil || event.NormalizeTxHash(obs.TxHash) == "" {
		return nil, apperr.New(apperr.ErrInvalidArgument, "deposit observation needs a user and a tx hash")
	}
	if obs.Amount <= 0 {
		return nil, apperr.New(apperr.ErrInvalidAmount, "observed deposit amount %d", obs.Amount)
	}
	ch, err := e.chains.Get(obs.Blockchain)
	if err != nil {
		return nil, err
	}
	if obs.Currency != "" && obs.Currency != ch.Currency {
		return nil, apperr.New(apperr.ErrInvalidArgument, "%s carries %s, observed %s", ch.Name, ch.Currency, obs.Currency)
	}
	// Not recorded as applied: a later, deeper observation of the same hash goes through.
	if obs.Confirmations < ch.Confirmations {
		return nil, apperr.New(apperr.ErrInvalidArgument, "tx %s has %d of %d confirmations", obs.TxHash, obs.Confirmations, ch.Confirmations)
	}
	return ch, nil
}

// applyDeposit matches the observation to a request of the observed user: the
// one that claimed the hash, else the oldest unclaimed open request for the
// same chain and wallet, else a new unsolicited request. Claims by other users
// are never consulted. Amounts below the chain minimum mark the request FAILED
// without a credit.
func (e *Engine) applyDeposit(s *txScope, ch *chain.Chain, obs *event.DepositObserved) (*state.PaymentRequest, error) {
	hash := event.NormalizeTxHash(obs.TxHash)

	// TxRef is only written when a request is finalized.
	p, err := s.tx.FindPaymentByTxRef(s.ctx, hash)
	if err != nil {
		return nil, err
	}
	if p != nil {
		return nil, apperr.New(apperr.ErrAlreadyFinalized, "tx %s already recorded on payment %s", hash, p.PaymentID)
	}

	if p, err = s.tx.FindClaimedDepositForUpdate(s.ctx, obs.UserID, ch.Name, hash); err != nil {
		return nil, err
	}
	if p == nil {
		if p, err = s.tx.FindOpenDepositForUpdate(s.ctx, obs.UserID, ch.Name, obs.WalletID); err != nil {
			return nil, err
		}
	}

	isNew := p == nil
	if isNew {
		p = &state.PaymentRequest{
			PaymentID:      uuid.New(),
			UserID:         obs.UserID,
			WalletID:       obs.WalletID,
			Blockchain:     ch.Name,
			Currency:       ch.Currency,
			Amount:         obs.Amount,
			Direction:      state.DirectionDeposit,
			Status:         state.PaymentInitiated,
			DepositAddress: ch.PlatformWallet,
			Note:           "unsolicited deposit",
			CreatedAt:      s.now,
		}
	}
	p.TxRef = &hash
	p.UpdatedAt = s.now

	var notes []string
	if p.Note != "" {
		notes = append(notes, p.Note)
	}
	if p.Amount != obs.Amount {
		notes = append(notes, fmt.Sprintf("requested %d, observed %d", p.Amount, obs.Amount))
		p.Amount = obs.Amount
	}

	limitErr := ch.CheckDeposit(obs.Amount)
	switch {
	case errors.Is(limitErr, apperr.ErrBelowMinimum):
		notes = append(notes, "below minimum deposit")
		p.Status = state.PaymentFailed
	case errors.Is(limitErr, apperr.ErrAboveMaximum):
		// The funds are already on the platform wallet; credit them.
		notes = append(notes, "above maximum deposit")
		p.Status = state.PaymentConfirmed
	default:
		p.Status = state.PaymentConfirmed
	}
	p.Note = strings.Join(notes, "; ")

	if p.Status == state.PaymentConfirmed {
		if err := s.appendBatch(e.gen.GenerateDeposit(p.UserID, p.Currency, p.Blockchain, p.Amount, p.PaymentID)); err != nil {
			return nil, err
		}
	}
	if isNew {
		err = s.tx.InsertPayment(s.ctx, p)
	} else {
		err = s.tx.UpdatePayment(s.ctx, p)
	}
	if err != nil {
		return nil, err
	}

	if p.Status == state.PaymentConfirmed {
		s.emit(paymentEvent(event.DepositConfirmed, p, hash))
	} else {
		e.log.Warn().Str("payment_id", p.PaymentID.String()).Str("tx", hash).Int64("amount", p.Amount).
			Msg("deposit below minimum, not credited")
	}
	return p, nil
}

// CancelPayment cancels the owner's INITIATED request. A cancelled withdrawal
// returns its held funds.
func (e *Engine) CancelPayment(ctx context.Context, userID, paymentID uuid.UUID) (*state.PaymentRequest, error) {
	var p *state.PaymentRequest
	err := e.run(ctx, opCancelPayment, func(s *txScope) error {
		var err error
		p, err = lockOwnPayment(s, userID, paymentID)
		if err != nil {
			return err
		}
		if p.Status != state.PaymentInitiated {
			if p.Status.IsTerminal() {
				return apperr.New(apperr.ErrAlreadyFinalized, "payment %s is %s", paymentID, p.Status)
			}
			return apperr.New(apperr.ErrInvalidTransition, "payment %s is %s and can no longer be cancelled", paymentID, p.Status)
		}
		if !p.IsDeposit() {
			if err := s.appendBatch(e.gen.GenerateWithdrawalReversal(p.UserID, p.Currency, p.Blockchain, p.Amount, p.PaymentID)); err != nil {
				return err
			}
		}
		if err := transitionPayment(s, p, state.PaymentCancelled, "cancelled by user"); err != nil {
			return err
		}
		if err := s.tx.UpdatePayment(ctx, p); err != nil {
			return err
		}
		s.emit(paymentEvent(event.PaymentCancelled, p, ""))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

type WithdrawalRequest struct {
	UserID      uuid.UUID
	WalletID    string
	Blockchain  string
	Destination string
	Amount      int64
}

// RequestWithdrawal validates the destination and limits, then debits the
// user at once. The debit is reversed if the payout fails or is cancelled.
func (e *Engine) RequestWithdrawal(ctx context.Context, req WithdrawalRequest) (*state.PaymentRequest, error) {
	if req.UserID == uuid.Nil {
		return nil, apperr.New(apperr.ErrInvalidArgument, "withdrawal needs a user")
	}
	ch, err := e.chains.Get(req.Blockchain)
	if err != nil {
		return nil, err
	}
	destination := strings.TrimSpace(req.Destination)
	if err := ch.ValidateAddress(destination); err != nil {
		return nil, err
	}
	if err := ch.CheckWithdrawal(req.Amount); err != nil {
		return nil, err
	}

	var p *state.PaymentRequest
	err = e.run(ctx, opRequestWithdrawal, func(s *txScope) error {
		if err := requireBalance(s, ledger.NewUserAccountKey(req.UserID, ch.Currency), req.Amount); err != nil {
			return err
		}
		p = &state.PaymentRequest{
			PaymentID:          uuid.New(),
			UserID:             req.UserID,
			WalletID:           req.WalletID,
			Blockchain:         ch.Name,
			Currency:           ch.Currency,
			Amount:             req.Amount,
			Direction:          state.DirectionWithdrawal,
			Status:             state.PaymentInitiated,
			DestinationAddress: destination,
			CreatedAt:          s.now,
			UpdatedAt:          s.now,
		}
		if err := s.appendBatch(e.gen.GenerateWithdrawal(p.UserID, p.Currency, p.Blockchain, p.Amount, p.PaymentID)); err != nil {
			return err
		}
		s.emit(paymentEvent(event.WithdrawalRequested, p, destination))

		if e.cfg.AutoApproveWithdrawals {
			if err := transitionPayment(s, p, state.PaymentAwaitingConfirmation, "auto-approved"); err != nil {
				return err
			}
			s.emit(paymentEvent(event.WithdrawalApproved, p, destination))
		}
		return s.tx.InsertPayment(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ApproveWithdrawal releases an INITIATED withdrawal to the payout dispatcher.
func (e *Engine) ApproveWithdrawal(ctx context.Context, paymentID uuid.UUID) (*state.PaymentRequest, error) {
	var p *state.PaymentRequest
	err := e.run(ctx, opApproveWithdrawal, func(s *txScope) error {
		var err error
		if p, err = lockWithdrawal(s, paymentID); err != nil {
			return err
		}
		if err := transitionPayment(s, p, state.PaymentAwaitingConfirmation, "approved"); err != nil {
			return err
		}
		if err := s.tx.UpdatePayment(ctx, p); err != nil {
			return err
		}
		s.emit(paymentEvent(event.WithdrawalApproved, p, p.DestinationAddress))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// CompleteWithdrawal records a successful payout. The debit was taken at
// request time, so the ledger does not change.
func (e *Engine) CompleteWithdrawal(ctx context.Context, paymentID uuid.UUID, txHash string) (*state.PaymentRequest, error) {
	var p *state.PaymentRequest
	err := e.run(ctx, opCompleteWithdrawal, func(s *txScope) error {
		var err error
		p, err = e.completeIn(s, paymentID, txHash)
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// FailWithdrawal records a failed payout and returns the funds to the user.
func (e *Engine) FailWithdrawal(ctx context.Context, paymentID uuid.UUID, reason string) (*state.PaymentRequest, error) {
	var p *state.PaymentRequest
	err := e.run(ctx, opFailWithdrawal, func(s *txScope) error {
		var err error
		p, err = e.failIn(s, paymentID, reason)
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (e *Engine) completeIn(s *txScope, paymentID uuid.UUID, txHash string) (*state.PaymentRequest, error) {
	p, err := lockWithdrawal(s, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status == state.PaymentInitiated {
		return nil, apperr.New(apperr.ErrInvalidTransition, "withdrawal %s was never approved", paymentID)
	}
	if err := transitionPayment(s, p, state.PaymentConfirmed, p.Note); err != nil {
		return nil, err
	}
	if h := event.NormalizeTxHash(txHash); h != "" {
		p.TxRef = &h
	}
	if err := s.tx.UpdatePayment(s.ctx, p); err != nil {
		return nil, err
	}
	s.emit(paymentEvent(event.WithdrawalConfirmed, p, p.DestinationAddress))
	return p, nil
}

func (e *Engine) failIn(s *txScope, paymentID uuid.UUID, reason string) (*state.PaymentRequest, error) {
	p, err := lockWithdrawal(s, paymentID)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "payout failed"
	}
	if err := transitionPayment(s, p, state.PaymentFailed, reason); err != nil {
		return nil, err
	}
	if err := s.appendBatch(e.gen.GenerateWithdrawalReversal(p.UserID, p.Currency, p.Blockchain, p.Amount, p.PaymentID)); err != nil {
		return nil, err
	}
	if err := s.tx.UpdatePayment(s.ctx, p); err != nil {
		return nil, err
	}
	s.emit(paymentEvent(event.WithdrawalFailed, p, p.DestinationAddress))
	return p, nil
}

func lockOwnPayment(s *txScope, userID, paymentID uuid.UUID) (*state.PaymentRequest, error) {
	p, err := s.tx.GetPaymentForUpdate(s.ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.UserID != userID {
		return nil, apperr.New(apperr.ErrNotOwner, "payment %s belongs to another user", paymentID)
	}
	return p, nil
}

func lockWithdrawal(s *txScope, paymentID uuid.UUID) (*state.PaymentRequest, error) {
	p, err := s.tx.GetPaymentForUpdate(s.ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.IsDeposit() {
		return nil, apperr.New(apperr.ErrInvalidArgument, "payment %s is not a withdrawal", paymentID)
	}
	return p, nil
}

// transitionPayment moves p to status in memory; callers persist it.
func transitionPayment(s *txScope, p *state.PaymentRequest, to state.PaymentStatus, note string) error {
	if !p.Status.CanTransitionTo(to) {
		if p.Status.IsTerminal() {
			return apperr.New(apperr.ErrAlreadyFinalized, "payment %s is %s", p.PaymentID, p.Status)
		}
		return apperr.New(apperr.ErrInvalidTransition, "payment %s: %s -> %s", p.PaymentID, p.Status, to)
	}
	p.Status = to
	p.Note = note
	p.UpdatedAt = s.now
	return nil
}

func paymentEvent(typ event.DomainEventType, p *state.PaymentRequest, address string) event.DomainEvent {
	return event.DomainEvent{
		Type: typ, AggregateID: p.PaymentID, UserIDs: []uuid.UUID{p.UserID},
		Currency: p.Currency, Amount: p.Amount, Blockchain: p.Blockchain, Address: address, Note: p.Note,
	}
}
