package store_test

import (
	"MarketLedger/internal/apperr"
	"MarketLedger/internal/ledger"
	"MarketLedger/internal/state"
	"MarketLedger/internal/store"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func deposit(userID uuid.UUID, amount int64) ledger.Entry {
	return ledger.Entry{
		EntryID: uuid.New(), BatchID: uuid.New(), UserID: userID, Currency: "USDT",
		Amount: amount, Kind: ledger.EntryKindDeposit, CreatedAt: time.Now(),
	}
}

func TestMemoryStore_RollbackDiscardsWrites(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	user := uuid.New()
	key := ledger.NewUserAccountKey(user, "USDT")
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.AppendEntry(ctx, deposit(user, 100)); err != nil {
			return err
		}
		bal, _ := tx.Balance(ctx, key)
		if bal != 100 {
			t.Errorf("tx should see its own write, got %d", bal)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	_ = s.View(ctx, func(r store.Reader) error {
		bal, _ := r.Balance(ctx, key)
		if bal != 0 {
			t.Errorf("rolled back entry leaked: balance %d", bal)
		}
		entries, _ := r.Entries(ctx, store.EntryFilter{UserID: user})
		if len(entries) != 0 {
			t.Errorf("rolled back entries visible: %d", len(entries))
		}
		return nil
	})
}

func TestMemoryStore_CommitAppliesEntries(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	user := uuid.New()

	for _, amt := range []int64{100, 250} {
		if err := s.WithTx(ctx, func(tx store.Tx) error {
			return tx.AppendEntry(ctx, deposit(user, amt))
		}); err != nil {
			t.Fatal(err)
		}
	}

	_ = s.View(ctx, func(r store.Reader) error {
		bal, _ := r.Balance(ctx, ledger.NewUserAccountKey(user, "USDT"))
		if bal != 350 {
			t.Errorf("balance: got %d, want 350", bal)
		}
		entries, _ := r.Entries(ctx, store.EntryFilter{UserID: user, Limit: 1})
		if len(entries) != 1 || entries[0].Amount != 250 {
			t.Errorf("newest entry first: got %+v", entries)
		}
		return nil
	})
}

func TestMemoryStore_AppendRejectsInvalidEntry(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	err := s.WithTx(ctx, func(tx store.Tx) error {
		return tx.AppendEntry(ctx, deposit(uuid.New(), 0))
	})
	if !errors.Is(err, apperr.ErrInvalidEntry) {
		t.Errorf("expected InvalidEntry, got %v", err)
	}
}

func TestMemoryStore_OneActiveListingPerNFT(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	first := &state.Listing{ListingID: uuid.New(), NFTID: "nft-1", Status: state.ListingActive}
	second := &state.Listing{ListingID: uuid.New(), NFTID: "nft-1", Status: state.ListingActive}

	if err := s.WithTx(ctx, func(tx store.Tx) error { return tx.InsertListing(ctx, first) }); err != nil {
		t.Fatal(err)
	}
	err := s.WithTx(ctx, func(tx store.Tx) error { return tx.InsertListing(ctx, second) })
	if !errors.Is(err, apperr.ErrAlreadyListed) {
		t.Fatalf("expected AlreadyListed, got %v", err)
	}

	// Cancel the first, then the second may go live.
	err = s.WithTx(ctx, func(tx store.Tx) error {
		first.Status = state.ListingCancelled
		if err := tx.UpdateListing(ctx, first); err != nil {
			return err
		}
		return tx.InsertListing(ctx, second)
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestMemoryStore_TxRefUnique(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	hash := "0xabc"
	p1 := &state.PaymentRequest{PaymentID: uuid.New(), TxRef: &hash}
	p2 := &state.PaymentRequest{PaymentID: uuid.New(), TxRef: &hash}

	_ = s.WithTx(ctx, func(tx store.Tx) error { return tx.InsertPayment(ctx, p1) })
	err := s.WithTx(ctx, func(tx store.Tx) error { return tx.InsertPayment(ctx, p2) })
	if !errors.Is(err, apperr.ErrAlreadyFinalized) {
		t.Errorf("expected AlreadyFinalized, got %v", err)
	}
}

func TestMemoryStore_RecordConfirmationOnce(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	record := func() error {
		return s.WithTx(ctx, func(tx store.Tx) error {
			return tx.RecordConfirmation(ctx, "transfer_outcome", "k1", time.Now())
		})
	}
	if err := record(); err != nil {
		t.Fatal(err)
	}
	if err := record(); !errors.Is(err, apperr.ErrAlreadyFinalized) {
		t.Errorf("expected AlreadyFinalized, got %v", err)
	}
	_ = s.View(ctx, func(r store.Reader) error {
		ok, _ := r.HasConfirmation(ctx, "transfer_outcome", "k1")
		if !ok {
			t.Error("confirmation should be recorded")
		}
		return nil
	})
}

func TestMemoryStore_FindOpenDepositOldestFirst(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	user := uuid.New()
	now := time.Now()
	older := &state.PaymentRequest{PaymentID: uuid.New(), UserID: user, Blockchain: "TRC20", WalletID: "w",
		Direction: state.DirectionDeposit, Status: state.PaymentAwaitingConfirmation, CreatedAt: now.Add(-time.Hour)}
	newer := &state.PaymentRequest{PaymentID: uuid.New(), UserID: user, Blockchain: "TRC20", WalletID: "w",
		Direction: state.DirectionDeposit, Status: state.PaymentInitiated, CreatedAt: now}

	_ = s.WithTx(ctx, func(tx store.Tx) error {
		_ = tx.InsertPayment(ctx, newer)
		return tx.InsertPayment(ctx, older)
	})
	_ = s.WithTx(ctx, func(tx store.Tx) error {
		p, err := tx.FindOpenDepositForUpdate(ctx, user, "TRC20", "w")
		if err != nil || p == nil || p.PaymentID != older.PaymentID {
			t.Errorf("expected oldest open deposit, got %+v (%v)", p, err)
		}
		return nil
	})
}

func TestMemoryStore_ClaimedDepositsMatchOnlyByOwner(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	owner, other := uuid.New(), uuid.New()
	now := time.Now()
	claimed := &state.PaymentRequest{PaymentID: uuid.New(), UserID: owner, Blockchain: "TRC20",
		Direction: state.DirectionDeposit, Status: state.PaymentAwaitingConfirmation, ClaimedTxHash: "0xaa", CreatedAt: now.Add(-time.Hour)}
	// Claims are hints, so a second request may repeat the hash.
	copycat := &state.PaymentRequest{PaymentID: uuid.New(), UserID: other, Blockchain: "TRC20",
		Direction: state.DirectionDeposit, Status: state.PaymentAwaitingConfirmation, ClaimedTxHash: "0xaa", CreatedAt: now}

	err := s.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertPayment(ctx, claimed); err != nil {
			return err
		}
		return tx.InsertPayment(ctx, copycat)
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	_ = s.WithTx(ctx, func(tx store.Tx) error {
		p, err := tx.FindClaimedDepositForUpdate(ctx, owner, "TRC20", "0xaa")
		if err != nil || p == nil || p.PaymentID != claimed.PaymentID {
			t.Errorf("owner claim: got %+v (%v)", p, err)
		}
		if p, _ := tx.FindClaimedDepositForUpdate(ctx, uuid.New(), "TRC20", "0xaa"); p != nil {
			t.Errorf("stranger matched %s", p.PaymentID)
		}
		// Claimed requests are not handed to other transactions.
		if p, _ := tx.FindOpenDepositForUpdate(ctx, owner, "TRC20", ""); p != nil {
			t.Errorf("claimed request returned as open: %s", p.PaymentID)
		}
		return nil
	})
}
