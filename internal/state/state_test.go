package state_test

import (
	"MarketLedger/internal/state"
	"testing"
	"time"
)

func TestEscrowStatus_TerminalStates(t *testing.T) {
	if !state.EscrowHolding.CanTransitionTo(state.EscrowSettled) {
		t.Error("HOLDING -> SETTLED should be allowed")
	}
	if !state.EscrowHolding.CanTransitionTo(state.EscrowReversed) {
		t.Error("HOLDING -> REVERSED should be allowed")
	}
	for _, s := range []state.EscrowStatus{state.EscrowSettled, state.EscrowReversed} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
		if s.CanTransitionTo(state.EscrowHolding) || s.CanTransitionTo(state.EscrowSettled) {
			t.Errorf("%s must not transition", s)
		}
	}
}

func TestListingStatus_Transitions(t *testing.T) {
	cases := []struct {
		from, to state.ListingStatus
		ok       bool
	}{
		{state.ListingActive, state.ListingSold, true},
		{state.ListingActive, state.ListingCancelled, true},
		{state.ListingSold, state.ListingActive, true},
		{state.ListingCancelled, state.ListingActive, false},
		{state.ListingSold, state.ListingCancelled, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.ok {
			t.Errorf("%s -> %s: got %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestOfferStatus_OnlyPendingMoves(t *testing.T) {
	for _, s := range []state.OfferStatus{state.OfferAccepted, state.OfferRejected, state.OfferExpired, state.OfferCancelled} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
		if !state.OfferPending.CanTransitionTo(s) {
			t.Errorf("PENDING -> %s should be allowed", s)
		}
	}
}

func TestPaymentStatus_Transitions(t *testing.T) {
	if !state.PaymentInitiated.CanTransitionTo(state.PaymentCancelled) {
		t.Error("INITIATED -> CANCELLED should be allowed")
	}
	if state.PaymentAwaitingConfirmation.CanTransitionTo(state.PaymentCancelled) {
		t.Error("AWAITING_CONFIRMATION -> CANCELLED must not be allowed")
	}
	if state.PaymentConfirmed.CanTransitionTo(state.PaymentFailed) {
		t.Error("CONFIRMED is terminal")
	}
}

func TestOffer_ExpiredAt(t *testing.T) {
	now := time.Now()
	o := state.Offer{ExpiresAt: now.Add(time.Minute)}
	if o.ExpiredAt(now) {
		t.Error("offer should not be expired yet")
	}
	if !o.ExpiredAt(now.Add(time.Minute)) {
		t.Error("offer should expire at ExpiresAt")
	}
	if (&state.Offer{}).ExpiredAt(now) {
		t.Error("zero ExpiresAt never expires")
	}
}

func TestStatus_Valid(t *testing.T) {
	if state.ListingStatus("DRAFT").Valid() || state.OfferStatus("").Valid() ||
		state.EscrowStatus("OPEN").Valid() || state.PaymentStatus("DONE").Valid() {
		t.Error("unknown statuses must be invalid")
	}
}
