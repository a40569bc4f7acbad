package server

import (
	"MarketLedger/internal/apperr"
	"MarketLedger/internal/chain"
	"MarketLedger/internal/core"
	"MarketLedger/internal/ingestion"
	fpmath "MarketLedger/internal/math"
	"MarketLedger/internal/observability"
	"MarketLedger/internal/query"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
)

// UserHeader carries the caller's user id. Authentication happens upstream,
// in the bot layer; this service trusts the header.
const UserHeader = "X-User-ID"

// Deps holds everything the HTTP and gRPC surfaces call into.
type Deps struct {
	Engine   *core.Engine
	Query    *query.QueryService
	Chains   *chain.Registry
	Ingestor *ingestion.Ingestor
	Health   *observability.HealthChecker
	Metrics  *observability.Metrics
	Logger   zerolog.Logger
}

// HTTPServer serves the JSON API on a grpc-gateway runtime mux.
type HTTPServer struct {
	deps   Deps
	addr   string
	mux    *runtime.ServeMux
	server *http.Server
	format query.Formatter
}

// handlerFunc returns the response body and status, or an error.
type handlerFunc func(r *http.Request, params map[string]string) (any, int, error)

type route struct {
	method  string
	pattern string
	name    string
	handler handlerFunc
}

func NewHTTPServer(addr string, deps Deps) (*HTTPServer, error) {
	s := &HTTPServer{
		deps:   deps,
		addr:   addr,
		mux:    runtime.NewServeMux(),
		format: deps.Query.Formatter(),
	}

	for _, rt := range s.routes() {
		if err := s.mux.HandlePath(rt.method, rt.pattern, s.instrument(rt.name, rt.handler)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}

	health := deps.Health
	if health == nil {
		health = observability.NewHealthChecker()
		health.SetReady(true)
	}
	s.mux.HandlePath(http.MethodGet, "/healthz", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		health.LivenessHandler(w, r)
	})
	s.mux.HandlePath(http.MethodGet, "/readyz", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		health.ReadinessHandler(w, r)
	})
	return s, nil
}

func (s *HTTPServer) routes() []route {
	return []route{
		// Balances and ledger
		{http.MethodGet, "/v1/balances", "get_balances", s.getBalances},
		{http.MethodGet, "/v1/balances/{currency}", "get_balance", s.getBalance},
		{http.MethodGet, "/v1/entries", "list_entries", s.listEntries},
		{http.MethodGet, "/v1/activity", "get_activity", s.getActivity},

		// Listings and offers
		{http.MethodPost, "/v1/listings", "create_listing", s.createListing},
		{http.MethodGet, "/v1/listings", "list_listings", s.listListings},
		{http.MethodGet, "/v1/listings/{listing_id}", "get_listing", s.getListing},
		{http.MethodPost, "/v1/listings/{listing_id}/cancel", "cancel_listing", s.cancelListing},
		{http.MethodPost, "/v1/listings/{listing_id}/buy", "buy_now", s.buyNow},
		{http.MethodPost, "/v1/listings/{listing_id}/offers", "create_offer", s.createOffer},
		{http.MethodGet, "/v1/offers", "list_offers", s.listOffers},
		{http.MethodGet, "/v1/offers/{offer_id}", "get_offer", s.getOffer},
		{http.MethodPost, "/v1/offers/{offer_id}/accept", "accept_offer", s.acceptOffer},
		{http.MethodPost, "/v1/offers/{offer_id}/reject", "reject_offer", s.rejectOffer},
		{http.MethodPost, "/v1/offers/{offer_id}/cancel", "cancel_offer", s.cancelOffer},

		// Escrows
		{http.MethodGet, "/v1/escrows", "list_escrows", s.listEscrows},
		{http.MethodGet, "/v1/escrows/{escrow_id}", "get_escrow", s.getEscrow},
		{http.MethodPost, "/v1/escrows/{escrow_id}/cancel", "cancel_escrow", s.cancelEscrow},

		// Deposits and withdrawals
		{http.MethodPost, "/v1/deposits", "initiate_deposit", s.initiateDeposit},
		{http.MethodPost, "/v1/withdrawals", "request_withdrawal", s.requestWithdrawal},
		{http.MethodGet, "/v1/payments", "list_payments", s.listPayments},
		{http.MethodGet, "/v1/payments/{payment_id}", "get_payment", s.getPayment},
		{http.MethodPost, "/v1/payments/{payment_id}/sent", "mark_deposit_sent", s.markDepositSent},
		{http.MethodPost, "/v1/payments/{payment_id}/cancel", "cancel_payment", s.cancelPayment},

		{http.MethodPost, "/v1/quotes/split", "quote_split", s.quoteSplit},

		// Admin
		{http.MethodGet, "/v1/admin/integrity", "check_integrity", s.checkIntegrity},
		{http.MethodGet, "/v1/admin/payments", "admin_list_payments", s.adminListPayments},
		{http.MethodPost, "/v1/admin/withdrawals/{payment_id}/approve", "approve_withdrawal", s.approveWithdrawal},
		{http.MethodPost, "/v1/admin/withdrawals/{payment_id}/complete", "complete_withdrawal", s.completeWithdrawal},
		{http.MethodPost, "/v1/admin/withdrawals/{payment_id}/fail", "fail_withdrawal", s.failWithdrawal},
		{http.MethodPost, "/v1/admin/escrows/{escrow_id}/settle", "settle_escrow", s.settleEscrow},
		{http.MethodPost, "/v1/admin/escrows/{escrow_id}/reverse", "reverse_escrow", s.reverseEscrow},
		{http.MethodPost, "/v1/admin/confirmations", "submit_confirmation", s.submitConfirmation},
	}
}

// Handler returns the root HTTP handler.
func (s *HTTPServer) Handler() http.Handler {
	return s.mux
}

// Start serves until ctx is cancelled (blocking).
func (s *HTTPServer) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.deps.Logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	s.deps.Logger.Info().Str("addr", s.addr).Msg("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) instrument(name string, h handlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		body, code, err := h(r, params)
		if err != nil {
			code = HTTPStatus(err)
			if code == http.StatusInternalServerError {
				s.deps.Logger.Error().Err(err).Str("endpoint", name).Msg("request failed")
			}
			writeError(w, err)
		} else {
			writeJSON(w, code, body)
		}

		if m := s.deps.Metrics; m != nil {
			m.QueryRequests.WithLabelValues(name, strconv.Itoa(code)).Inc()
			m.QueryDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
			if err != nil {
				m.QueryErrors.WithLabelValues(name, apperr.CodeOf(err)).Inc()
			}
		}
	}
}

// --- request helpers ---

func callerID(r *http.Request) (uuid.UUID, error) {
	h := r.Header.Get(UserHeader)
	if h == "" {
		return uuid.Nil, apperr.New(apperr.ErrInvalidArgument, "missing %s header", UserHeader)
	}
	id, err := uuid.Parse(h)
	if err != nil {
		return uuid.Nil, apperr.Wrap(apperr.ErrInvalidArgument, err, "bad %s header", UserHeader)
	}
	return id, nil
}

func pathID(params map[string]string, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(params[name])
	if err != nil {
		return uuid.Nil, apperr.Wrap(apperr.ErrInvalidArgument, err, "bad %s", name)
	}
	return id, nil
}

func queryID(r *http.Request, name string) (uuid.UUID, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, apperr.Wrap(apperr.ErrInvalidArgument, err, "bad %s", name)
	}
	return id, nil
}

func queryLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, apperr.New(apperr.ErrInvalidArgument, "bad limit %q", v)
	}
	return n, nil
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Wrap(apperr.ErrInvalidArgument, err, "decode request body")
	}
	return nil
}

// parseAmount reads a decimal string in currency's precision.
func (s *HTTPServer) parseAmount(value, currency string) (int64, error) {
	dc, err := s.format(currency)
	if err != nil {
		return 0, err
	}
	amount, err := fpmath.ParseAmount(value, dc)
	if err != nil {
		return 0, apperr.Wrap(apperr.ErrInvalidAmount, err, "amount")
	}
	return amount, nil
}
