package persistence_test

import (
	"MarketLedger/internal/apperr"
	"MarketLedger/internal/chain"
	"MarketLedger/internal/collab"
	"MarketLedger/internal/core"
	"MarketLedger/internal/event"
	"MarketLedger/internal/ledger"
	"MarketLedger/internal/persistence"
	"MarketLedger/internal/state"
	"MarketLedger/internal/store"
	"MarketLedger/internal/testutil"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const tronWallet = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"

type staticNFTs map[string]uuid.UUID

func (s staticNFTs) Lookup(ctx context.Context, nftID string) (collab.NFTInfo, error) {
	owner, ok := s[nftID]
	if !ok {
		return collab.NFTInfo{}, apperr.New(apperr.ErrNotFound, "nft %s", nftID)
	}
	return collab.NFTInfo{NFTID: nftID, Owner: owner, Creator: owner}, nil
}

func newPostgresEngine(t *testing.T, nfts staticNFTs) (*core.Engine, *persistence.PostgresStore) {
	t.Helper()
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)

	chains := chain.NewRegistry()
	if err := chains.Register(chain.Chain{Name: "TRC20", Family: chain.FamilyTron, Currency: "USDT", PlatformWallet: tronWallet, Confirmations: 1}); err != nil {
		t.Fatalf("register: %v", err)
	}
	st := persistence.NewPostgresStore(db, nil, zerolog.Nop())
	engine, err := core.NewEngine(core.Deps{
		Store:   st,
		Chains:  chains,
		NFTs:    nfts,
		DedupDB: persistence.NewConfirmationLog(db),
	}, core.DefaultConfig())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return engine, st
}

func deposit(t *testing.T, e *core.Engine, user uuid.UUID, amount int64) {
	t.Helper()
	if _, err := e.ConfirmDeposit(context.Background(), &event.DepositObserved{
		TxHash: uuid.NewString(), UserID: user, Blockchain: "TRC20", Amount: amount, Confirmations: 1,
	}); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

// ============================================================================
// Test: Postgres integration
// ============================================================================

func TestPostgres_SaleSettles(t *testing.T) {
	seller, buyer := uuid.New(), uuid.New()
	engine, st := newPostgresEngine(t, staticNFTs{"nft-pg": seller})
	ctx := context.Background()

	l, err := engine.CreateListing(ctx, core.CreateListingRequest{SellerID: seller, NFTID: "nft-pg", Currency: "USDT", Price: 50_000_000})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if _, err := engine.CreateListing(ctx, core.CreateListingRequest{SellerID: seller, NFTID: "nft-pg", Currency: "USDT", Price: 1}); !errors.Is(err, apperr.ErrAlreadyListed) {
		t.Fatalf("second listing: %v", err)
	}

	deposit(t, engine, buyer, 50_000_000)
	esc, err := engine.BuyNow(ctx, buyer, l.ListingID)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if err := engine.Apply(ctx, &event.TransferOutcome{EscrowID: esc.EscrowID, Success: true}); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if err := engine.Apply(ctx, &event.TransferOutcome{EscrowID: esc.EscrowID, Success: true}); !errors.Is(err, apperr.ErrAlreadyFinalized) {
		t.Fatalf("redelivery: %v", err)
	}

	var got *state.Escrow
	var entries []ledger.Entry
	err = st.View(ctx, func(r store.Reader) error {
		var err error
		if got, err = r.GetEscrow(ctx, esc.EscrowID); err != nil {
			return err
		}
		entries, err = r.Entries(ctx, store.EntryFilter{ReferenceID: esc.EscrowID})
		return err
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if got.Status != state.EscrowSettled || got.FinalizedAt == nil {
		t.Errorf("escrow: %s finalized=%v", got.Status, got.FinalizedAt)
	}
	// Hold (2) + release (1) + commission and seller credits (2).
	if len(entries) != 5 {
		t.Errorf("entries: %d", len(entries))
	}
	if bal, _ := engine.Balance(ctx, seller, "USDT"); bal != 49_000_000 {
		t.Errorf("seller balance: %d", bal)
	}

	report, err := engine.CheckIntegrity(ctx)
	if err != nil || !report.OK {
		t.Fatalf("integrity: %+v %v", report, err)
	}
}

func TestPostgres_ConcurrentAcceptsSellOnce(t *testing.T) {
	seller := uuid.New()
	engine, _ := newPostgresEngine(t, staticNFTs{"nft-race": seller})
	ctx := context.Background()

	l, err := engine.CreateListing(ctx, core.CreateListingRequest{SellerID: seller, NFTID: "nft-race", Currency: "USDT", Price: 10_000_000})
	if err != nil {
		t.Fatalf("list: %v", err)
	}

	const buyers = 8
	var wg sync.WaitGroup
	results := make(chan error, buyers)
	for i := 0; i < buyers; i++ {
		buyer := uuid.New()
		deposit(t, engine, buyer, 10_000_000)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.BuyNow(ctx, buyer, l.ListingID)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var sold int
	for err := range results {
		switch {
		case err == nil:
			sold++
		case errors.Is(err, apperr.ErrListingNotActive):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if sold != 1 {
		t.Fatalf("listing sold %d times", sold)
	}
}

func TestPostgres_ConcurrentWithdrawalsNeverOverdraw(t *testing.T) {
	engine, _ := newPostgresEngine(t, staticNFTs{})
	ctx := context.Background()
	user := uuid.New()
	deposit(t, engine, user, 100_000_000)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			engine.RequestWithdrawal(ctx, core.WithdrawalRequest{
				UserID: user, Blockchain: "TRC20", Destination: tronWallet, Amount: 30_000_000,
			})
		}()
	}
	wg.Wait()

	bal, err := engine.Balance(ctx, user, "USDT")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal != 10_000_000 {
		t.Errorf("three withdrawals fit, balance should be 10 USDT, got %d", bal)
	}
}

func TestPostgres_ForeignClaimIgnored(t *testing.T) {
	engine, _ := newPostgresEngine(t, staticNFTs{})
	ctx := context.Background()
	victim, squatter := uuid.New(), uuid.New()

	sq, err := engine.InitiateDeposit(ctx, core.DepositRequest{UserID: squatter, Blockchain: "TRC20", Amount: 5_000_000})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := engine.MarkDepositSent(ctx, squatter, sq.PaymentID, "0xpg-victim"); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	got, err := engine.ConfirmDeposit(ctx, &event.DepositObserved{
		TxHash: "0xPG-VICTIM", UserID: victim, Blockchain: "TRC20", Amount: 5_000_000, Confirmations: 1,
	})
	if err != nil {
		t.Fatalf("victim deposit: %v", err)
	}
	if got.UserID != victim {
		t.Errorf("credited %s", got.UserID)
	}
	if bal, _ := engine.Balance(ctx, victim, "USDT"); bal != 5_000_000 {
		t.Errorf("victim balance: %d", bal)
	}
	if bal, _ := engine.Balance(ctx, squatter, "USDT"); bal != 0 {
		t.Errorf("squatter balance: %d", bal)
	}
}

func TestConfirmationLog_LoadRecentKeys(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	st := persistence.NewPostgresStore(db, nil, zerolog.Nop())
	ctx := context.Background()
	err := st.WithTx(ctx, func(tx store.Tx) error {
		return tx.RecordConfirmation(ctx, "transfer_outcome", "escrow:1", time.Now())
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	err = st.WithTx(ctx, func(tx store.Tx) error {
		return tx.RecordConfirmation(ctx, "transfer_outcome", "escrow:1", time.Now())
	})
	if !errors.Is(err, apperr.ErrAlreadyFinalized) {
		t.Fatalf("duplicate record: %v", err)
	}

	log := persistence.NewConfirmationLog(db)
	dup, err := log.IsDuplicate(ctx, "transfer_outcome", "escrow:1")
	if err != nil || !dup {
		t.Fatalf("is duplicate: %v %v", dup, err)
	}
	keys, err := log.LoadRecentKeys(ctx, time.Now().Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(keys) != 1 || keys[0] != "transfer_outcome:escrow:1" {
		t.Errorf("keys: %v", keys)
	}
}
