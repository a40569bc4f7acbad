package query

import (
	"MarketLedger/internal/event"
	"MarketLedger/internal/ledger"
	fpmath "MarketLedger/internal/math"
	"MarketLedger/internal/state"
	"time"

	"github.com/google/uuid"
)

// Money is an amount in minor units with its decimal rendering.
type Money struct {
	Currency string `json:"currency"`
	Minor    int64  `json:"minor"`
	Value    string `json:"value"` // e.g. "93.000000"
}

// BalanceResponse is one (user, currency) balance.
type BalanceResponse struct {
	UserID  uuid.UUID `json:"user_id"`
	Balance Money     `json:"balance"`
	// Cached is true when the value came from the Redis read model
	Cached bool      `json:"cached"`
	AsOf   time.Time `json:"as_of"`
}

// EntryResponse represents a ledger entry for API queries.
type EntryResponse struct {
	EntryID     uuid.UUID `json:"entry_id"`
	BatchID     uuid.UUID `json:"batch_id"`
	Kind        string    `json:"kind"`
	Amount      Money     `json:"amount"`
	Blockchain  string    `json:"blockchain,omitempty"`
	ReferenceID uuid.UUID `json:"reference_id"`
	CreatedAt   time.Time `json:"created_at"`
}

type ListingResponse struct {
	ListingID   uuid.UUID `json:"listing_id"`
	NFTID       string    `json:"nft_id"`
	SellerID    uuid.UUID `json:"seller_id"`
	CreatorID   uuid.UUID `json:"creator_id"`
	RoyaltyRate string    `json:"royalty_rate"`
	Price       Money     `json:"price"`
	Status      string    `json:"status"`
	Note        string    `json:"note,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type OfferResponse struct {
	OfferID   uuid.UUID  `json:"offer_id"`
	ListingID uuid.UUID  `json:"listing_id"`
	BuyerID   uuid.UUID  `json:"buyer_id"`
	Amount    int64      `json:"amount"`
	Status    string     `json:"status"`
	Note      string     `json:"note,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type EscrowResponse struct {
	EscrowID          uuid.UUID  `json:"escrow_id"`
	OfferID           uuid.UUID  `json:"offer_id"`
	ListingID         uuid.UUID  `json:"listing_id"`
	NFTID             string     `json:"nft_id"`
	BuyerID           uuid.UUID  `json:"buyer_id"`
	SellerID          uuid.UUID  `json:"seller_id"`
	CreatorID         uuid.UUID  `json:"creator_id"`
	Total             Money      `json:"total"`
	Commission        Money      `json:"commission"`
	Royalty           Money      `json:"royalty"`
	SellerAmount      Money      `json:"seller_amount"`
	Status            string     `json:"status"`
	FailureNote       string     `json:"failure_note,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	TransferStartedAt *time.Time `json:"transfer_started_at,omitempty"`
	FinalizedAt       *time.Time `json:"finalized_at,omitempty"`
}

type PaymentResponse struct {
	PaymentID          uuid.UUID `json:"payment_id"`
	UserID             uuid.UUID `json:"user_id"`
	WalletID           string    `json:"wallet_id,omitempty"`
	Blockchain         string    `json:"blockchain"`
	Amount             Money     `json:"amount"`
	Direction          string    `json:"direction"`
	Status             string    `json:"status"`
	DepositAddress     string    `json:"deposit_address,omitempty"`
	DestinationAddress string    `json:"destination_address,omitempty"`
	TxRef              string    `json:"tx_ref,omitempty"`
	ClaimedTxHash      string    `json:"claimed_tx_hash,omitempty"`
	Note               string    `json:"note,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// ActivityResponse is a user's recent domain events, newest first.
type ActivityResponse struct {
	UserID uuid.UUID           `json:"user_id"`
	Events []event.DomainEvent `json:"events"`
}

// --- converters ---

// Formatter renders domain values as API responses, using a currency's
// precision for decimal amounts.
type Formatter func(currency string) (fpmath.DecimalConfig, error)

func (f Formatter) Money(currency string, amount int64) Money {
	m := Money{Currency: currency, Minor: amount}
	if dc, err := f(currency); err == nil {
		m.Value = fpmath.FormatAmount(amount, dc)
	}
	return m
}

func (f Formatter) Entry(e ledger.Entry) EntryResponse {
	return EntryResponse{
		EntryID:     e.EntryID,
		BatchID:     e.BatchID,
		Kind:        string(e.Kind),
		Amount:      f.Money(e.Currency, e.Amount),
		Blockchain:  e.Blockchain,
		ReferenceID: e.ReferenceID,
		CreatedAt:   e.CreatedAt,
	}
}

func (f Formatter) Listing(l *state.Listing) ListingResponse {
	return ListingResponse{
		ListingID:   l.ListingID,
		NFTID:       l.NFTID,
		SellerID:    l.SellerID,
		CreatorID:   l.CreatorID,
		RoyaltyRate: fpmath.FormatRate(l.RoyaltyRate),
		Price:       f.Money(l.Currency, l.Price),
		Status:      string(l.Status),
		Note:        l.Note,
		CreatedAt:   l.CreatedAt,
		UpdatedAt:   l.UpdatedAt,
	}
}

func (f Formatter) Offer(o *state.Offer) OfferResponse {
	r := OfferResponse{
		OfferID:   o.OfferID,
		ListingID: o.ListingID,
		BuyerID:   o.BuyerID,
		Amount:    o.Amount,
		Status:    string(o.Status),
		Note:      o.Note,
		CreatedAt: o.CreatedAt,
		UpdatedAt: o.UpdatedAt,
	}
	if !o.ExpiresAt.IsZero() {
		t := o.ExpiresAt
		r.ExpiresAt = &t
	}
	return r
}

func (f Formatter) Escrow(e *state.Escrow) EscrowResponse {
	return EscrowResponse{
		EscrowID:          e.EscrowID,
		OfferID:           e.OfferID,
		ListingID:         e.ListingID,
		NFTID:             e.NFTID,
		BuyerID:           e.BuyerID,
		SellerID:          e.SellerID,
		CreatorID:         e.CreatorID,
		Total:             f.Money(e.Currency, e.Total),
		Commission:        f.Money(e.Currency, e.Commission),
		Royalty:           f.Money(e.Currency, e.Royalty),
		SellerAmount:      f.Money(e.Currency, e.SellerAmount),
		Status:            string(e.Status),
		FailureNote:       e.FailureNote,
		CreatedAt:         e.CreatedAt,
		TransferStartedAt: e.TransferStartedAt,
		FinalizedAt:       e.FinalizedAt,
	}
}

func (f Formatter) Payment(p *state.PaymentRequest) PaymentResponse {
	r := PaymentResponse{
		PaymentID:          p.PaymentID,
		UserID:             p.UserID,
		WalletID:           p.WalletID,
		Blockchain:         p.Blockchain,
		Amount:             f.Money(p.Currency, p.Amount),
		Direction:          string(p.Direction),
		Status:             string(p.Status),
		DepositAddress:     p.DepositAddress,
		DestinationAddress: p.DestinationAddress,
		ClaimedTxHash:      p.ClaimedTxHash,
		Note:               p.Note,
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
	}
	if p.TxRef != nil {
		r.TxRef = *p.TxRef
	}
	return r
}
