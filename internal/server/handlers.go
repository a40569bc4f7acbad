package server

import (
	"MarketLedger/internal/apperr"
	"MarketLedger/internal/core"
	"MarketLedger/internal/event"
	fpmath "MarketLedger/internal/math"
	"MarketLedger/internal/query"
	"MarketLedger/internal/state"
	"MarketLedger/internal/store"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Balances and ledger
// ============================================================================

func (s *HTTPServer) getBalances(r *http.Request, _ map[string]string) (any, int, error) {
	user, err := callerID(r)
	if err != nil {
		return nil, 0, err
	}
	out, err := s.deps.Query.GetBalances(r.Context(), user)
	return out, http.StatusOK, err
}

func (s *HTTPServer) getBalance(r *http.Request, p map[string]string) (any, int, error) {
	user, err := callerID(r)
	if err != nil {
		return nil, 0, err
	}
	out, err := s.deps.Query.GetBalance(r.Context(), user, p["currency"])
	return out, http.StatusOK, err
}

func (s *HTTPServer) listEntries(r *http.Request, _ map[string]string) (any, int, error) {
	user, err := callerID(r)
	if err != nil {
		return nil, 0, err
	}
	limit, err := queryLimit(r)
	if err != nil {
		return nil, 0, err
	}
	ref, err := queryID(r, "reference_id")
	if err != nil {
		return nil, 0, err
	}
	out, err := s.deps.Query.GetEntries(r.Context(), store.EntryFilter{
		UserID:      user,
		Currency:    r.URL.Query().Get("currency"),
		ReferenceID: ref,
		Limit:       limit,
	})
	return out, http.StatusOK, err
}

func (s *HTTPServer) getActivity(r *http.Request, _ map[string]string) (any, int, error) {
	user, err := callerID(r)
	if err != nil {
		return nil, 0, err
	}
	limit, err := queryLimit(r)
	if err != nil {
		return nil, 0, err
	}
	out, err := s.deps.Query.GetActivity(r.Context(), user, limit)
	return out, http.StatusOK, err
}

// ============================================================================
// Listings and offers
// ============================================================================

type createListingBody struct {
	NFTID    string `json:"nft_id"`
	Currency string `json:"currency"`
	Price    string `json:"price"`
}

func (s *HTTPServer) createListing(r *http.Request, _ map[string]string) (any, int, error) {
	user, err := callerID(r)
	if err != nil {
		return nil, 0, err
	}
	var body createListingBody
	if err := decodeBody(r, &body); err != nil {
		return nil, 0, err
	}
	price, err := s.parseAmount(body.Price, body.Currency)
	if err != nil {
		return nil, 0, err
	}
	l, err := s.deps.Engine.CreateListing(r.Context(), core.CreateListingRequest{
		SellerID: user,
		NFTID:    body.NFTID,
		Currency: body.Currency,
		Price:    price,
	})
	if err != nil {
		return nil, 0, err
	}
	return s.format.Listing(l), http.StatusCreated, nil
}

func (s *HTTPServer) listListings(r *http.Request, _ map[string]string) (any, int, error) {
	q := r.URL.Query()
	limit, err := queryLimit(r)
	if err != nil {
		return nil, 0, err
	}
	seller, err := queryID(r, "seller_id")
	if err != nil {
		return nil, 0, err
	}
	status := state.ListingStatus(q.Get("status"))
	if status != "" && !status.Valid() {
		return nil, 0, apperr.New(apperr.ErrInvalidArgument, "unknown listing status %q", status)
	}
	out, err := s.deps.Query.ListListings(r.Context(), store.ListingFilter{
		Status:   status,
		SellerID: seller,
		NFTID:    q.Get("nft_id"),
		Limit:    limit,
	})
	return out, http.StatusOK, err
}

func (s *HTTPServer) getListing(r *http.Request, p map[string]string) (any, int, error) {
	id, err := pathID(p, "listing_id")
	if err != nil {
		return nil, 0, err
	}
	out, err := s.deps.Query.GetListing(r.Context(), id)
	return out, http.StatusOK, err
}

func (s *HTTPServer) cancelListing(r *http.Request, p map[string]string) (any, int, error) {
	user, id, err := callerAndPath(r, p, "listing_id")
	if err != nil {
		return nil, 0, err
	}
	l, err := s.deps.Engine.CancelListing(r.Context(), user, id)
	if err != nil {
		return nil, 0, err
	}
	return s.format.Listing(l), http.StatusOK, nil
}

func (s *HTTPServer) buyNow(r *http.Request, p map[string]string) (any, int, error) {
	user, id, err := callerAndPath(r, p, "listing_id")
	if err != nil {
		return nil, 0, err
	}
	esc, err := s.deps.Engine.BuyNow(r.Context(), user, id)
	if err != nil {
		return nil, 0, err
	}
	return s.format.Escrow(esc), http.StatusCreated, nil
}

type createOfferBody struct {
	Amount string `json:"amount"`
}

func (s *HTTPServer) createOffer(r *http.Request, p map[string]string) (any, int, error) {
	user, listingID, err := callerAndPath(r, p, "listing_id")
	if err != nil {
		return nil, 0, err
	}
	var body createOfferBody
	if err := decodeBody(r, &body); err != nil {
		return nil, 0, err
	}
	// The amount is in the listing's currency.
	listing, err := s.deps.Query.GetListing(r.Context(), listingID)
	if err != nil {
		return nil, 0, err
	}
	amount, err := s.parseAmount(body.Amount, listing.Price.Currency)
	if err != nil {
		return nil, 0, err
	}
	o, err := s.deps.Engine.CreateOffer(r.Context(), core.CreateOfferRequest{
		BuyerID:   user,
		ListingID: listingID,
		Amount:    amount,
	})
	if err != nil {
		return nil, 0, err
	}
	return s.format.Offer(o), http.StatusCreated, nil
}

// listOffers lists a listing's offers, or the caller's own bids when no
// listing is given.
func (s *HTTPServer) listOffers(r *http.Request, _ map[string]string) (any, int, error) {
	limit, err := queryLimit(r)
	if err != nil {
		return nil, 0, err
	}
	listingID, err := queryID(r, "listing_id")
	if err != nil {
		return nil, 0, err
	}
	f := store.OfferFilter{ListingID: listingID, Limit: limit}
	if listingID == uuid.Nil {
		if f.BuyerID, err = callerID(r); err != nil {
			return nil, 0, err
		}
	}
	if st := state.OfferStatus(r.URL.Query().Get("status")); st != "" {
		if !st.Valid() {
			return nil, 0, apperr.New(apperr.ErrInvalidArgument, "unknown offer status %q", st)
		}
		f.Status = st
	}
	out, err := s.deps.Query.ListOffers(r.Context(), f)
	return out, http.StatusOK, err
}

func (s *HTTPServer) getOffer(r *http.Request, p map[string]string) (any, int, error) {
	id, err := pathID(p, "offer_id")
	if err != nil {
		return nil, 0, err
	}
	out, err := s.deps.Query.GetOffer(r.Context(), id)
	return out, http.StatusOK, err
}

func (s *HTTPServer) acceptOffer(r *http.Request, p map[string]string) (any, int, error) {
	user, id, err := callerAndPath(r, p, "offer_id")
	if err != nil {
		return nil, 0, err
	}
	esc, err := s.deps.Engine.AcceptOffer(r.Context(), user, id)
	if err != nil {
		return nil, 0, err
	}
	return s.format.Escrow(esc), http.StatusCreated, nil
}

func (s *HTTPServer) rejectOffer(r *http.Request, p map[string]string) (any, int, error) {
	user, id, err := callerAndPath(r, p, "offer_id")
	if err != nil {
		return nil, 0, err
	}
	o, err := s.deps.Engine.RejectOffer(r.Context(), user, id)
	if err != nil {
		return nil, 0, err
	}
	return s.format.Offer(o), http.StatusOK, nil
}

func (s *HTTPServer) cancelOffer(r *http.Request, p map[string]string) (any, int, error) {
	user, id, err := callerAndPath(r, p, "offer_id")
	if err != nil {
		return nil, 0, err
	}
	o, err := s.deps.Engine.CancelOffer(r.Context(), user, id)
	if err != nil {
		return nil, 0, err
	}
	return s.format.Offer(o), http.StatusOK, nil
}

// ============================================================================
// Escrows
// ============================================================================

func (s *HTTPServer) listEscrows(r *http.Request, _ map[string]string) (any, int, error) {
	user, err := callerID(r)
	if err != nil {
		return nil, 0, err
	}
	limit, err := queryLimit(r)
	if err != nil {
		return nil, 0, err
	}
	status := state.EscrowStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		return nil, 0, apperr.New(apperr.ErrInvalidArgument, "unknown escrow status %q", status)
	}
	out, err := s.deps.Query.ListEscrows(r.Context(), store.EscrowFilter{UserID: user, Status: status, Limit: limit})
	return out, http.StatusOK, err
}

func (s *HTTPServer) getEscrow(r *http.Request, p map[string]string) (any, int, error) {
	id, err := pathID(p, "escrow_id")
	if err != nil {
		return nil, 0, err
	}
	out, err := s.deps.Query.GetEscrow(r.Context(), id)
	return out, http.StatusOK, err
}

func (s *HTTPServer) cancelEscrow(r *http.Request, p map[string]string) (any, int, error) {
	user, id, err := callerAndPath(r, p, "escrow_id")
	if err != nil {
		return nil, 0, err
	}
	esc, err := s.deps.Engine.CancelEscrow(r.Context(), user, id)
	if err != nil {
		return nil, 0, err
	}
	return s.format.Escrow(esc), http.StatusOK, nil
}

// ============================================================================
// Deposits and withdrawals
// ============================================================================

type depositBody struct {
	Blockchain string `json:"blockchain"`
	WalletID   string `json:"wallet_id"`
	Amount     string `json:"amount"`
}

func (s *HTTPServer) initiateDeposit(r *http.Request, _ map[string]string) (any, int, error) {
	user, err := callerID(r)
	if err != nil {
		return nil, 0, err
	}
	var body depositBody
	if err := decodeBody(r, &body); err != nil {
		return nil, 0, err
	}
	amount, err := s.chainAmount(body.Blockchain, body.Amount)
	if err != nil {
		return nil, 0, err
	}
	pr, err := s.deps.Engine.InitiateDeposit(r.Context(), core.DepositRequest{
		UserID:     user,
		WalletID:   body.WalletID,
		Blockchain: body.Blockchain,
		Amount:     amount,
	})
	if err != nil {
		return nil, 0, err
	}
	return s.format.Payment(pr), http.StatusCreated, nil
}

type withdrawalBody struct {
	Blockchain  string `json:"blockchain"`
	WalletID    string `json:"wallet_id"`
	Destination string `json:"destination"`
	Amount      string `json:"amount"`
}

func (s *HTTPServer) requestWithdrawal(r *http.Request, _ map[string]string) (any, int, error) {
	user, err := callerID(r)
	if err != nil {
		return nil, 0, err
	}
	var body withdrawalBody
	if err := decodeBody(r, &body); err != nil {
		return nil, 0, err
	}
	amount, err := s.chainAmount(body.Blockchain, body.Amount)
	if err != nil {
		return nil, 0, err
	}
	pr, err := s.deps.Engine.RequestWithdrawal(r.Context(), core.WithdrawalRequest{
		UserID:      user,
		WalletID:    body.WalletID,
		Blockchain:  body.Blockchain,
		Destination: body.Destination,
		Amount:      amount,
	})
	if err != nil {
		return nil, 0, err
	}
	return s.format.Payment(pr), http.StatusCreated, nil
}

func (s *HTTPServer) chainAmount(blockchain, amount string) (int64, error) {
	ch, err := s.deps.Chains.Get(blockchain)
	if err != nil {
		return 0, err
	}
	return s.parseAmount(amount, ch.Currency)
}

func (s *HTTPServer) listPayments(r *http.Request, _ map[string]string) (any, int, error) {
	user, err := callerID(r)
	if err != nil {
		return nil, 0, err
	}
	f, err := paymentFilter(r)
	if err != nil {
		return nil, 0, err
	}
	f.UserID = user
	out, err := s.deps.Query.ListPayments(r.Context(), f)
	return out, http.StatusOK, err
}

func paymentFilter(r *http.Request) (store.PaymentFilter, error) {
	q := r.URL.Query()
	limit, err := queryLimit(r)
	if err != nil {
		return store.PaymentFilter{}, err
	}
	f := store.PaymentFilter{Limit: limit}
	switch d := state.PaymentDirection(q.Get("direction")); d {
	case "", state.DirectionDeposit, state.DirectionWithdrawal:
		f.Direction = d
	default:
		return f, apperr.New(apperr.ErrInvalidArgument, "unknown direction %q", d)
	}
	if st := state.PaymentStatus(q.Get("status")); st != "" {
		if !st.Valid() {
			return f, apperr.New(apperr.ErrInvalidArgument, "unknown payment status %q", st)
		}
		f.Status = st
	}
	return f, nil
}

func (s *HTTPServer) getPayment(r *http.Request, p map[string]string) (any, int, error) {
	user, id, err := callerAndPath(r, p, "payment_id")
	if err != nil {
		return nil, 0, err
	}
	out, err := s.deps.Query.GetPayment(r.Context(), user, id)
	return out, http.StatusOK, err
}

type depositSentBody struct {
	TxHash string `json:"tx_hash"`
}

func (s *HTTPServer) markDepositSent(r *http.Request, p map[string]string) (any, int, error) {
	user, id, err := callerAndPath(r, p, "payment_id")
	if err != nil {
		return nil, 0, err
	}
	var body depositSentBody
	if err := decodeBody(r, &body); err != nil {
		return nil, 0, err
	}
	pr, err := s.deps.Engine.MarkDepositSent(r.Context(), user, id, body.TxHash)
	if err != nil {
		return nil, 0, err
	}
	return s.format.Payment(pr), http.StatusOK, nil
}

func (s *HTTPServer) cancelPayment(r *http.Request, p map[string]string) (any, int, error) {
	user, id, err := callerAndPath(r, p, "payment_id")
	if err != nil {
		return nil, 0, err
	}
	pr, err := s.deps.Engine.CancelPayment(r.Context(), user, id)
	if err != nil {
		return nil, 0, err
	}
	return s.format.Payment(pr), http.StatusOK, nil
}

// ============================================================================
// Quotes
// ============================================================================

type quoteBody struct {
	Currency    string `json:"currency"`
	Price       string `json:"price"`
	RoyaltyRate string `json:"royalty_rate"`
}

type quoteResponse struct {
	CommissionRate string      `json:"commission_rate"`
	RoyaltyRate    string      `json:"royalty_rate"`
	Price          query.Money `json:"price"`
	Commission     query.Money `json:"commission"`
	Royalty        query.Money `json:"royalty"`
	Seller         query.Money `json:"seller"`
}

func (s *HTTPServer) quoteSplit(r *http.Request, _ map[string]string) (any, int, error) {
	var body quoteBody
	if err := decodeBody(r, &body); err != nil {
		return nil, 0, err
	}
	price, err := s.parseAmount(body.Price, body.Currency)
	if err != nil {
		return nil, 0, err
	}
	var rate int64
	if body.RoyaltyRate != "" {
		if rate, err = fpmath.ParseRate(body.RoyaltyRate); err != nil {
			return nil, 0, apperr.Wrap(apperr.ErrInvalidRate, err, "royalty_rate")
		}
	}
	split, err := s.deps.Engine.Quote(price, rate)
	if err != nil {
		return nil, 0, err
	}
	return quoteResponse{
		CommissionRate: fpmath.FormatRate(s.deps.Engine.Config().CommissionRate),
		RoyaltyRate:    fpmath.FormatRate(rate),
		Price:          s.format.Money(body.Currency, split.Price),
		Commission:     s.format.Money(body.Currency, split.Commission),
		Royalty:        s.format.Money(body.Currency, split.Royalty),
		Seller:         s.format.Money(body.Currency, split.Seller),
	}, http.StatusOK, nil
}

// ============================================================================
// Admin
// ============================================================================

func (s *HTTPServer) checkIntegrity(r *http.Request, _ map[string]string) (any, int, error) {
	report, err := s.deps.Engine.CheckIntegrity(r.Context())
	if err != nil {
		return nil, 0, err
	}
	code := http.StatusOK
	if !report.OK {
		code = http.StatusConflict
	}
	return report, code, nil
}

func (s *HTTPServer) adminListPayments(r *http.Request, _ map[string]string) (any, int, error) {
	f, err := paymentFilter(r)
	if err != nil {
		return nil, 0, err
	}
	if f.UserID, err = queryID(r, "user_id"); err != nil {
		return nil, 0, err
	}
	out, err := s.deps.Query.ListPayments(r.Context(), f)
	return out, http.StatusOK, err
}

func (s *HTTPServer) approveWithdrawal(r *http.Request, p map[string]string) (any, int, error) {
	id, err := pathID(p, "payment_id")
	if err != nil {
		return nil, 0, err
	}
	pr, err := s.deps.Engine.ApproveWithdrawal(r.Context(), id)
	if err != nil {
		return nil, 0, err
	}
	return s.format.Payment(pr), http.StatusOK, nil
}

type completeBody struct {
	TxHash string `json:"tx_hash"`
}

func (s *HTTPServer) completeWithdrawal(r *http.Request, p map[string]string) (any, int, error) {
	id, err := pathID(p, "payment_id")
	if err != nil {
		return nil, 0, err
	}
	var body completeBody
	if err := decodeBody(r, &body); err != nil {
		return nil, 0, err
	}
	pr, err := s.deps.Engine.CompleteWithdrawal(r.Context(), id, body.TxHash)
	if err != nil {
		return nil, 0, err
	}
	return s.format.Payment(pr), http.StatusOK, nil
}

type reasonBody struct {
	Reason string `json:"reason"`
}

func (s *HTTPServer) failWithdrawal(r *http.Request, p map[string]string) (any, int, error) {
	id, err := pathID(p, "payment_id")
	if err != nil {
		return nil, 0, err
	}
	var body reasonBody
	if err := decodeBody(r, &body); err != nil {
		return nil, 0, err
	}
	pr, err := s.deps.Engine.FailWithdrawal(r.Context(), id, body.Reason)
	if err != nil {
		return nil, 0, err
	}
	return s.format.Payment(pr), http.StatusOK, nil
}

func (s *HTTPServer) settleEscrow(r *http.Request, p map[string]string) (any, int, error) {
	id, err := pathID(p, "escrow_id")
	if err != nil {
		return nil, 0, err
	}
	esc, err := s.deps.Engine.SettleEscrow(r.Context(), id)
	if err != nil {
		return nil, 0, err
	}
	return s.format.Escrow(esc), http.StatusOK, nil
}

func (s *HTTPServer) reverseEscrow(r *http.Request, p map[string]string) (any, int, error) {
	id, err := pathID(p, "escrow_id")
	if err != nil {
		return nil, 0, err
	}
	var body reasonBody
	if err := decodeBody(r, &body); err != nil {
		return nil, 0, err
	}
	esc, err := s.deps.Engine.ReverseEscrow(r.Context(), id, body.Reason)
	if err != nil {
		return nil, 0, err
	}
	return s.format.Escrow(esc), http.StatusOK, nil
}

type confirmationBody struct {
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
}

type confirmationResponse struct {
	Result string `json:"result"`
}

func (s *HTTPServer) submitConfirmation(r *http.Request, _ map[string]string) (any, int, error) {
	if s.deps.Ingestor == nil {
		return nil, 0, apperr.New(apperr.ErrUnsupported, "confirmation ingest is not configured")
	}
	var body confirmationBody
	if err := decodeBody(r, &body); err != nil {
		return nil, 0, err
	}
	res, err := s.deps.Ingestor.Ingest(r.Context(), event.EventEnvelope{
		IdempotencyKey: body.IdempotencyKey,
		EventType:      event.ParseEventType(body.EventType),
		Source:         "http",
		ReceivedAt:     time.Now(),
		Payload:        body.Payload,
	})
	if err != nil {
		return nil, 0, err
	}
	return confirmationResponse{Result: string(res)}, http.StatusOK, nil
}

func callerAndPath(r *http.Request, p map[string]string, name string) (uuid.UUID, uuid.UUID, error) {
	user, err := callerID(r)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	id, err := pathID(p, name)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	return user, id, nil
}
