package ledger_test

import (
	"MarketLedger/internal/apperr"
	"MarketLedger/internal/ledger"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func fixedNow() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_UserPath(t *testing.T) {
	userID := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	key := ledger.NewUserAccountKey(userID, "USDT")

	path := key.AccountPath()
	expected := "user:550e8400-e29b-41d4-a716-446655440000:USDT"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
	if key.Scope() != ledger.AccountScopeUser {
		t.Error("user key should have user scope")
	}
}

func TestAccountKey_SystemPath(t *testing.T) {
	key := ledger.NewSystemAccountKey(ledger.SystemPlatform, "USDT")
	if path := key.AccountPath(); path != "system:platform:USDT" {
		t.Errorf("got %q, want %q", path, "system:platform:USDT")
	}
	if key.Scope() != ledger.AccountScopeSystem {
		t.Error("platform key should have system scope")
	}
}

func TestSystemAccountID_Deterministic(t *testing.T) {
	if ledger.SystemAccountID("platform") != ledger.PlatformAccountID {
		t.Error("platform id should be derived from its name")
	}
	if ledger.PlatformAccountID == ledger.EscrowAccountID {
		t.Error("system accounts must not collide")
	}
}

// ============================================================================
// Test: Entry validation
// ============================================================================

func TestEntryValidate_ZeroAmount_Fails(t *testing.T) {
	e := ledger.Entry{EntryID: uuid.New(), UserID: uuid.New(), Currency: "USDT", Kind: ledger.EntryKindDeposit}
	if err := e.Validate(); !errors.Is(err, apperr.ErrInvalidEntry) {
		t.Errorf("expected InvalidEntry, got %v", err)
	}
}

func TestEntryValidate_MissingUserOrCurrency_Fails(t *testing.T) {
	noUser := ledger.Entry{EntryID: uuid.New(), Currency: "USDT", Amount: 1, Kind: ledger.EntryKindDeposit}
	if err := noUser.Validate(); !errors.Is(err, apperr.ErrInvalidEntry) {
		t.Errorf("missing user: got %v", err)
	}
	noCurrency := ledger.Entry{EntryID: uuid.New(), UserID: uuid.New(), Amount: 1, Kind: ledger.EntryKindDeposit}
	if err := noCurrency.Validate(); !errors.Is(err, apperr.ErrInvalidEntry) {
		t.Errorf("missing currency: got %v", err)
	}
}

func TestEntryValidate_SignMustMatchKind(t *testing.T) {
	user := uuid.New()
	cases := []struct {
		name  string
		entry ledger.Entry
		ok    bool
	}{
		{"positive deposit", ledger.Entry{UserID: user, Amount: 5, Kind: ledger.EntryKindDeposit}, true},
		{"negative deposit", ledger.Entry{UserID: user, Amount: -5, Kind: ledger.EntryKindDeposit}, false},
		{"negative withdrawal", ledger.Entry{UserID: user, Amount: -5, Kind: ledger.EntryKindWithdrawal}, true},
		{"positive withdrawal", ledger.Entry{UserID: user, Amount: 5, Kind: ledger.EntryKindWithdrawal}, false},
		{"hold debits buyer", ledger.Entry{UserID: user, Amount: -5, Kind: ledger.EntryKindEscrowHold}, true},
		{"hold credits buyer", ledger.Entry{UserID: user, Amount: 5, Kind: ledger.EntryKindEscrowHold}, false},
		{"hold credits escrow", ledger.Entry{UserID: ledger.EscrowAccountID, Amount: 5, Kind: ledger.EntryKindEscrowHold}, true},
		{"release on user", ledger.Entry{UserID: user, Amount: -5, Kind: ledger.EntryKindEscrowRelease}, false},
		{"release on escrow", ledger.Entry{UserID: ledger.EscrowAccountID, Amount: -5, Kind: ledger.EntryKindEscrowRelease}, true},
		{"negative reversal", ledger.Entry{UserID: user, Amount: -5, Kind: ledger.EntryKindReversal}, false},
		{"unknown kind", ledger.Entry{UserID: user, Amount: 5, Kind: "BONUS"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.entry.EntryID = uuid.New()
			tc.entry.Currency = "USDT"
			err := tc.entry.Validate()
			if tc.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tc.ok && !errors.Is(err, apperr.ErrInvalidEntry) {
				t.Errorf("expected InvalidEntry, got %v", err)
			}
		})
	}
}

func TestParseEntryKind(t *testing.T) {
	if k, ok := ledger.ParseEntryKind("SELLER_CREDIT"); !ok || k != ledger.EntryKindSellerCredit {
		t.Errorf("got %q, %v", k, ok)
	}
	if _, ok := ledger.ParseEntryKind("FEE"); ok {
		t.Error("FEE is not an entry kind")
	}
}

// ============================================================================
// Test: EntryGenerator
// ============================================================================

func TestGenerateEscrowHold_Balanced(t *testing.T) {
	g := ledger.NewEntryGenerator(fixedNow)
	buyer := uuid.New()
	escrowID := uuid.New()

	b, err := g.GenerateEscrowHold(buyer, "USDT", 50_000_000, escrowID)
	if err != nil {
		t.Fatalf("GenerateEscrowHold: %v", err)
	}
	if len(b.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(b.Entries))
	}
	if b.Entries[0].UserID != buyer || b.Entries[0].Amount != -50_000_000 {
		t.Errorf("first entry should debit the buyer: %+v", b.Entries[0])
	}
	for _, e := range b.Entries {
		if e.ReferenceID != escrowID || !e.CreatedAt.Equal(fixedNow()) {
			t.Errorf("entry not stamped with reference/time: %+v", e)
		}
	}
}

func TestGenerateSettlement_OmitsZeroRoyalty(t *testing.T) {
	g := ledger.NewEntryGenerator(fixedNow)
	legs := ledger.SettlementLegs{
		EscrowID:     uuid.New(),
		Currency:     "USDT",
		CreatorID:    uuid.New(),
		SellerID:     uuid.New(),
		Commission:   1_000_000,
		Royalty:      0,
		SellerAmount: 49_000_000,
	}

	b, err := g.GenerateSettlement(legs)
	if err != nil {
		t.Fatalf("GenerateSettlement: %v", err)
	}

	var credits int
	for _, e := range b.Entries {
		if e.Kind == ledger.EntryKindRoyaltyCredit {
			t.Error("zero royalty leg must be omitted")
		}
		if e.Kind.IsCredit() {
			credits++
		}
	}
	if credits != 2 {
		t.Errorf("expected 2 credits, got %d", credits)
	}
	if net := b.Net()["USDT"]; net != 0 {
		t.Errorf("settlement batch should net to zero, got %d", net)
	}
}

func TestGenerateDeposit_External(t *testing.T) {
	g := ledger.NewEntryGenerator(fixedNow)
	b, err := g.GenerateDeposit(uuid.New(), "USDT", "TRC20", 10, uuid.New())
	if err != nil {
		t.Fatal(err)
	}
	if !b.External || b.Entries[0].Blockchain != "TRC20" {
		t.Errorf("deposit batch should be external and carry the chain: %+v", b)
	}
	if _, err := g.GenerateDeposit(uuid.New(), "USDT", "TRC20", 0, uuid.New()); err == nil {
		t.Error("zero deposit should fail")
	}
}

// ============================================================================
// Test: Batch Validation
// ============================================================================

func TestBatchValidate_EmptyBatch_Fails(t *testing.T) {
	batch := &ledger.Batch{BatchID: uuid.New()}
	if err := batch.Validate(); err == nil {
		t.Error("expected error for empty batch")
	}
}

func TestBatchValidate_Unbalanced_Fails(t *testing.T) {
	batchID := uuid.New()
	batch := &ledger.Batch{
		BatchID: batchID,
		Entries: []ledger.Entry{{
			EntryID: uuid.New(), BatchID: batchID, UserID: uuid.New(),
			Currency: "USDT", Amount: 10, Kind: ledger.EntryKindSellerCredit,
		}},
	}
	if err := batch.Validate(); !errors.Is(err, apperr.ErrInvalidEntry) {
		t.Errorf("expected InvalidEntry for unbalanced internal batch, got %v", err)
	}
}

func TestBatchValidate_MismatchedBatchID_Fails(t *testing.T) {
	batch := &ledger.Batch{
		BatchID:  uuid.New(),
		External: true,
		Entries: []ledger.Entry{{
			EntryID: uuid.New(), BatchID: uuid.New(), UserID: uuid.New(),
			Currency: "USDT", Amount: 10, Kind: ledger.EntryKindDeposit,
		}},
	}
	if err := batch.Validate(); err == nil {
		t.Error("expected error for mismatched batch id")
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_InitialBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	if got := bt.GetBalance(ledger.NewUserAccountKey(uuid.New(), "USDT")); got != 0 {
		t.Errorf("initial balance should be 0, got %d", got)
	}
}

func TestBalanceTracker_HoldSettleLifecycle(t *testing.T) {
	g := ledger.NewEntryGenerator(fixedNow)
	bt := ledger.NewBalanceTracker()
	buyer, seller, creator := uuid.New(), uuid.New(), uuid.New()
	escrowID := uuid.New()

	mustApply := func(b *ledger.Batch, err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
		if err := bt.ApplyBatch(b); err != nil {
			t.Fatal(err)
		}
	}

	mustApply(g.GenerateDeposit(buyer, "USDT", "", 100_000_000, uuid.New()))
	mustApply(g.GenerateEscrowHold(buyer, "USDT", 100_000_000, escrowID))

	v := ledger.NewInvariantValidator(bt)
	if err := v.ValidateEscrowAccount("USDT", 100_000_000); err != nil {
		t.Error(err)
	}

	mustApply(g.GenerateSettlement(ledger.SettlementLegs{
		EscrowID: escrowID, Currency: "USDT", CreatorID: creator, SellerID: seller,
		Commission: 2_000_000, Royalty: 5_000_000, SellerAmount: 93_000_000,
	}))

	checks := map[ledger.AccountKey]int64{
		ledger.NewUserAccountKey(buyer, "USDT"):                   0,
		ledger.NewUserAccountKey(seller, "USDT"):                  93_000_000,
		ledger.NewUserAccountKey(creator, "USDT"):                 5_000_000,
		ledger.NewSystemAccountKey(ledger.SystemPlatform, "USDT"): 2_000_000,
		ledger.NewSystemAccountKey(ledger.SystemEscrow, "USDT"):   0,
	}
	for key, want := range checks {
		if got := bt.GetBalance(key); got != want {
			t.Errorf("%s: got %d, want %d", key, got, want)
		}
	}

	if err := v.ValidateGlobalBalance(); err != nil {
		t.Error(err)
	}
	if err := v.ValidateNoNegativeBalance(); err != nil {
		t.Error(err)
	}
}

func TestBalanceTracker_ValidateSufficient(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	key := ledger.NewUserAccountKey(uuid.New(), "USDT")

	if err := bt.ValidateSufficient(key, 100); !errors.Is(err, apperr.ErrInsufficientBalance) {
		t.Errorf("expected InsufficientBalance, got %v", err)
	}

	bt.ApplyEntry(ledger.Entry{UserID: key.UserID, Currency: "USDT", Amount: 1_000, Kind: ledger.EntryKindDeposit})

	if err := bt.ValidateSufficient(key, 1_000); err != nil {
		t.Errorf("should have sufficient balance: %v", err)
	}
	if err := bt.ValidateSufficient(key, 1_001); err == nil {
		t.Error("expected error for 1_001 > 1_000")
	}
}

func TestBalanceTracker_Snapshot(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	key := ledger.NewUserAccountKey(uuid.New(), "USDT")
	bt.ApplyEntry(ledger.Entry{UserID: key.UserID, Currency: "USDT", Amount: 999, Kind: ledger.EntryKindDeposit})

	snap := bt.Snapshot()
	if len(snap) == 0 {
		t.Fatal("snapshot should not be empty")
	}

	// Mutating snapshot should not affect tracker
	for k := range snap {
		snap[k] = 0
	}

	if bt.GetBalance(key) != 999 {
		t.Error("tracker balance should not be affected by snapshot mutation")
	}
}

func TestInvariantValidator_DetectsEscrowMismatch(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)
	if err := v.ValidateEscrowAccount("USDT", 5); err == nil {
		t.Error("empty escrow account should not match 5 held")
	}
}
