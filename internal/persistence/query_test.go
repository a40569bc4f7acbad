package persistence

import (
	"MarketLedger/internal/apperr"
	"errors"
	"strings"
	"testing"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// ============================================================================
// Test: Query builder
// ============================================================================

func TestSelectQuery_NumbersPlaceholdersInOrder(t *testing.T) {
	q := newQuery("SELECT * FROM market.escrows")
	q.where("status = ?", "HOLDING")
	q.where("(buyer_id = ? OR seller_id = ?)", "u", "u")
	q.where("nft_id IS NOT NULL")
	q.tail("ORDER BY created_at DESC LIMIT ?", 10)

	want := "SELECT * FROM market.escrows WHERE status = $1 AND (buyer_id = $2 OR seller_id = $3) AND nft_id IS NOT NULL ORDER BY created_at DESC LIMIT $4"
	if got := q.sql(); got != want {
		t.Errorf("sql:\n got %s\nwant %s", got, want)
	}
	if len(q.args) != 4 || q.args[3] != 10 {
		t.Errorf("args: %v", q.args)
	}
}

func TestSelectQuery_NoConditions(t *testing.T) {
	q := newQuery("SELECT 1 FROM market.listings")
	q.tail("LIMIT ?", 5)
	if got := q.sql(); strings.Contains(got, "WHERE") || !strings.HasSuffix(got, "LIMIT $1") {
		t.Errorf("sql: %s", got)
	}
}

// ============================================================================
// Test: Error mapping
// ============================================================================

func TestMapErr_UniqueViolations(t *testing.T) {
	s := &PostgresStore{log: zerolog.Nop()}

	tests := []struct {
		constraint string
		want       error
	}{
		{"listings_active_nft_idx", apperr.ErrAlreadyListed},
		{"escrows_holding_nft_idx", apperr.ErrNFTEscrowed},
		{"escrows_offer_key", apperr.ErrAlreadyFinalized},
		{"payment_requests_tx_ref_idx", apperr.ErrAlreadyFinalized},
		{"confirmation_log_key", apperr.ErrAlreadyFinalized},
		{"listings_pkey", apperr.ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.constraint, func(t *testing.T) {
			err := s.mapErr(&pq.Error{Code: "23505", Constraint: tt.constraint}, "insert")
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestMapErr_OtherErrorsWrapped(t *testing.T) {
	s := &PostgresStore{log: zerolog.Nop()}
	cause := errors.New("connection reset")
	err := s.mapErr(cause, "insert entry")
	if !errors.Is(err, cause) {
		t.Fatalf("cause lost: %v", err)
	}
	if apperr.KindOf(err) != apperr.KindUnknown {
		t.Errorf("kind: %s", apperr.KindOf(err))
	}
	if s.mapErr(nil, "noop") != nil {
		t.Error("nil must stay nil")
	}
}
