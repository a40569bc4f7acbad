package ingestion_test

import (
	"MarketLedger/internal/apperr"
	"MarketLedger/internal/chain"
	"MarketLedger/internal/core"
	"MarketLedger/internal/event"
	"MarketLedger/internal/ingestion"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
)

const tronWallet = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"

func newParser(t *testing.T) *ingestion.Parser {
	t.Helper()
	chains := chain.NewRegistry()
	if err := chains.Register(chain.Chain{Name: "TRC20", Family: chain.FamilyTron, Currency: "USDT", PlatformWallet: tronWallet, Confirmations: 19}); err != nil {
		t.Fatalf("register: %v", err)
	}
	return ingestion.NewParser(chains, core.DefaultConfig())
}

func payload(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

// ============================================================================
// Test: Parser
// ============================================================================

func TestParseTransferOutcome(t *testing.T) {
	p := newParser(t)
	id := uuid.New()
	c, err := p.Parse(event.EventTypeTransferOutcome, payload(t, map[string]interface{}{
		"escrow_id": id.String(),
		"success":   false,
		"reason":    "registry timeout",
	}))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	to, ok := c.(*event.TransferOutcome)
	if !ok {
		t.Fatalf("expected *event.TransferOutcome, got %T", c)
	}
	if to.EscrowID != id || to.Success || to.Reason != "registry timeout" {
		t.Errorf("got %+v", to)
	}
	if to.IdempotencyKey() != "escrow:"+id.String() {
		t.Errorf("key: %s", to.IdempotencyKey())
	}
}

func TestParseDepositObserved_DecimalAmount(t *testing.T) {
	p := newParser(t)
	user := uuid.New()
	c, err := p.Parse(event.EventTypeDepositObserved, payload(t, map[string]interface{}{
		"tx_hash":       "0xABC123",
		"user_id":       user.String(),
		"wallet_id":     "w-1",
		"blockchain":    "TRC20",
		"amount":        "12.5",
		"confirmations": 20,
	}))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	d := c.(*event.DepositObserved)
	if d.Amount != 12_500_000 {
		t.Errorf("amount: got %d, want 12_500_000", d.Amount)
	}
	if d.UserID != user || d.WalletID != "w-1" || d.Confirmations != 20 {
		t.Errorf("got %+v", d)
	}
	if d.IdempotencyKey() != "TRC20:0xabc123" {
		t.Errorf("key: %s", d.IdempotencyKey())
	}
}

func TestParseDepositObserved_MinorAmount(t *testing.T) {
	p := newParser(t)
	c, err := p.Parse(event.EventTypeDepositObserved, payload(t, map[string]interface{}{
		"tx_hash":      "0x1",
		"user_id":      uuid.NewString(),
		"blockchain":   "TRC20",
		"amount_minor": int64(7_000_000),
	}))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if got := c.(*event.DepositObserved).Amount; got != 7_000_000 {
		t.Errorf("amount: got %d", got)
	}
}

func TestParseDepositObserved_Rejects(t *testing.T) {
	p := newParser(t)
	user := uuid.NewString()

	cases := []struct {
		name string
		body map[string]interface{}
		want *apperr.Error
	}{
		{"too many decimals", map[string]interface{}{"tx_hash": "0x1", "user_id": user, "blockchain": "TRC20", "amount": "1.0000001"}, apperr.ErrInvalidAmount},
		{"both amounts", map[string]interface{}{"tx_hash": "0x1", "user_id": user, "blockchain": "TRC20", "amount": "1", "amount_minor": 1}, apperr.ErrInvalidArgument},
		{"unknown chain", map[string]interface{}{"tx_hash": "0x1", "user_id": user, "blockchain": "SOL", "amount": "1"}, apperr.ErrUnsupported},
		{"bad user", map[string]interface{}{"tx_hash": "0x1", "user_id": "bob", "blockchain": "TRC20", "amount": "1"}, apperr.ErrInvalidArgument},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := p.Parse(event.EventTypeDepositObserved, payload(t, tc.body))
			if !errors.Is(err, tc.want) {
				t.Errorf("got %v, want %s", err, tc.want.Code)
			}
		})
	}
}

func TestParsePayoutOutcome(t *testing.T) {
	p := newParser(t)
	id := uuid.New()
	c, err := p.Parse(event.EventTypePayoutOutcome, payload(t, map[string]interface{}{
		"payment_id": id.String(),
		"success":    true,
		"tx_hash":    "0xpaid",
	}))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	po := c.(*event.PayoutOutcome)
	if po.PaymentID != id || !po.Success || po.TxHash != "0xpaid" {
		t.Errorf("got %+v", po)
	}

	_, err = p.Parse(event.EventTypePayoutOutcome, payload(t, map[string]interface{}{
		"payment_id": id.String(),
		"success":    true,
	}))
	if !errors.Is(err, apperr.ErrInvalidArgument) {
		t.Errorf("success without hash: %v", err)
	}
}

func TestParse_MalformedJSON(t *testing.T) {
	p := newParser(t)
	_, err := p.Parse(event.EventTypeTransferOutcome, []byte("{not json"))
	if !errors.Is(err, apperr.ErrInvalidArgument) {
		t.Errorf("got %v", err)
	}
}

func TestParse_UnknownType(t *testing.T) {
	p := newParser(t)
	_, err := p.Parse(event.EventTypeUnknown, []byte("{}"))
	if !errors.Is(err, apperr.ErrUnsupported) {
		t.Errorf("got %v", err)
	}
}

func TestParseEnvelope_KeyMismatch(t *testing.T) {
	p := newParser(t)
	id := uuid.New()
	body := payload(t, map[string]interface{}{"escrow_id": id.String(), "success": true})

	_, err := p.ParseEnvelope(event.EventEnvelope{
		IdempotencyKey: "escrow:" + uuid.NewString(),
		EventType:      event.EventTypeTransferOutcome,
		Payload:        body,
	})
	if !errors.Is(err, apperr.ErrInvalidArgument) {
		t.Errorf("mismatched key: %v", err)
	}

	if _, err := p.ParseEnvelope(event.EventEnvelope{
		IdempotencyKey: "escrow:" + id.String(),
		EventType:      event.EventTypeTransferOutcome,
		Payload:        body,
	}); err != nil {
		t.Errorf("matching key: %v", err)
	}
}
