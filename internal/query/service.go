package query

import (
	"MarketLedger/internal/apperr"
	"MarketLedger/internal/core"
	"MarketLedger/internal/event"
	"MarketLedger/internal/ledger"
	"MarketLedger/internal/store"
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ActivityReader serves the per-user activity feed.
type ActivityReader interface {
	Activity(ctx context.Context, userID uuid.UUID, limit int) ([]event.DomainEvent, error)
}

// QueryService provides read-only access to ledger and marketplace state.
// Every call reads one consistent store view; the activity feed comes from
// the Redis projection and is eventually consistent.
type QueryService struct {
	store      store.Store
	currencies []string
	format     Formatter
	activity   ActivityReader
	now        func() time.Time
}

// NewQueryService builds the service. activity may be nil when no read model
// is configured.
func NewQueryService(st store.Store, cfg core.Config, activity ActivityReader) *QueryService {
	currencies := make([]string, 0, len(cfg.Currencies))
	for c := range cfg.Currencies {
		currencies = append(currencies, c)
	}
	sort.Strings(currencies)
	return &QueryService{
		store:      st,
		currencies: currencies,
		format:     cfg.Precision,
		activity:   activity,
		now:        time.Now,
	}
}

// Formatter returns the response formatter for the configured currencies.
func (qs *QueryService) Formatter() Formatter {
	return qs.format
}

// GetBalance returns a user's balance in one currency.
func (qs *QueryService) GetBalance(ctx context.Context, userID uuid.UUID, currency string) (*BalanceResponse, error) {
	if _, err := qs.format(currency); err != nil {
		return nil, err
	}
	var bal int64
	err := qs.store.View(ctx, func(r store.Reader) error {
		var err error
		bal, err = r.Balance(ctx, ledger.NewUserAccountKey(userID, currency))
		return err
	})
	if err != nil {
		return nil, err
	}
	return &BalanceResponse{UserID: userID, Balance: qs.format.Money(currency, bal), AsOf: qs.now()}, nil
}

// GetBalances returns the user's balance in every configured currency.
func (qs *QueryService) GetBalances(ctx context.Context, userID uuid.UUID) ([]BalanceResponse, error) {
	out := make([]BalanceResponse, 0, len(qs.currencies))
	err := qs.store.View(ctx, func(r store.Reader) error {
		asOf := qs.now()
		for _, c := range qs.currencies {
			bal, err := r.Balance(ctx, ledger.NewUserAccountKey(userID, c))
			if err != nil {
				return err
			}
			out = append(out, BalanceResponse{UserID: userID, Balance: qs.format.Money(c, bal), AsOf: asOf})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetEntries returns ledger entries, newest first.
func (qs *QueryService) GetEntries(ctx context.Context, f store.EntryFilter) ([]EntryResponse, error) {
	var entries []ledger.Entry
	err := qs.store.View(ctx, func(r store.Reader) error {
		var err error
		entries, err = r.Entries(ctx, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]EntryResponse, len(entries))
	for i, e := range entries {
		out[i] = qs.format.Entry(e)
	}
	return out, nil
}

func (qs *QueryService) GetListing(ctx context.Context, id uuid.UUID) (*ListingResponse, error) {
	var resp ListingResponse
	err := qs.store.View(ctx, func(r store.Reader) error {
		l, err := r.GetListing(ctx, id)
		if err != nil {
			return err
		}
		resp = qs.format.Listing(l)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (qs *QueryService) ListListings(ctx context.Context, f store.ListingFilter) ([]ListingResponse, error) {
	var out []ListingResponse
	err := qs.store.View(ctx, func(r store.Reader) error {
		listings, err := r.ListListings(ctx, f)
		if err != nil {
			return err
		}
		out = make([]ListingResponse, len(listings))
		for i := range listings {
			out[i] = qs.format.Listing(&listings[i])
		}
		return nil
	})
	return out, err
}

func (qs *QueryService) GetOffer(ctx context.Context, id uuid.UUID) (*OfferResponse, error) {
	var resp OfferResponse
	err := qs.store.View(ctx, func(r store.Reader) error {
		o, err := r.GetOffer(ctx, id)
		if err != nil {
			return err
		}
		resp = qs.format.Offer(o)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (qs *QueryService) ListOffers(ctx context.Context, f store.OfferFilter) ([]OfferResponse, error) {
	var out []OfferResponse
	err := qs.store.View(ctx, func(r store.Reader) error {
		offers, err := r.ListOffers(ctx, f)
		if err != nil {
			return err
		}
		out = make([]OfferResponse, len(offers))
		for i := range offers {
			out[i] = qs.format.Offer(&offers[i])
		}
		return nil
	})
	return out, err
}

func (qs *QueryService) GetEscrow(ctx context.Context, id uuid.UUID) (*EscrowResponse, error) {
	var resp EscrowResponse
	err := qs.store.View(ctx, func(r store.Reader) error {
		e, err := r.GetEscrow(ctx, id)
		if err != nil {
			return err
		}
		resp = qs.format.Escrow(e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (qs *QueryService) ListEscrows(ctx context.Context, f store.EscrowFilter) ([]EscrowResponse, error) {
	var out []EscrowResponse
	err := qs.store.View(ctx, func(r store.Reader) error {
		escrows, err := r.ListEscrows(ctx, f)
		if err != nil {
			return err
		}
		out = make([]EscrowResponse, len(escrows))
		for i := range escrows {
			out[i] = qs.format.Escrow(&escrows[i])
		}
		return nil
	})
	return out, err
}

// GetPayment returns a payment request. A non-nil owner restricts the lookup
// to that user's requests; someone else's request reads as not found.
func (qs *QueryService) GetPayment(ctx context.Context, owner, id uuid.UUID) (*PaymentResponse, error) {
	var resp PaymentResponse
	err := qs.store.View(ctx, func(r store.Reader) error {
		p, err := r.GetPayment(ctx, id)
		if err != nil {
			return err
		}
		if owner != uuid.Nil && p.UserID != owner {
			return apperr.New(apperr.ErrNotFound, "payment %s", id)
		}
		resp = qs.format.Payment(p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (qs *QueryService) ListPayments(ctx context.Context, f store.PaymentFilter) ([]PaymentResponse, error) {
	var out []PaymentResponse
	err := qs.store.View(ctx, func(r store.Reader) error {
		payments, err := r.ListPayments(ctx, f)
		if err != nil {
			return err
		}
		out = make([]PaymentResponse, len(payments))
		for i := range payments {
			out[i] = qs.format.Payment(&payments[i])
		}
		return nil
	})
	return out, err
}

// GetActivity returns the user's recent events from the read model.
func (qs *QueryService) GetActivity(ctx context.Context, userID uuid.UUID, limit int) (*ActivityResponse, error) {
	if qs.activity == nil {
		return nil, apperr.New(apperr.ErrUnsupported, "activity feed is not configured")
	}
	events, err := qs.activity.Activity(ctx, userID, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrExternal, err, "activity feed")
	}
	return &ActivityResponse{UserID: userID, Events: events}, nil
}
