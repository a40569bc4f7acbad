package projection

import (
	"MarketLedger/internal/event"
	"MarketLedger/internal/observability"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	DefaultKeyPrefix = "mkt:"
	DefaultFeedLen   = 200
	feedTTL          = 30 * 24 * time.Hour
)

// BalanceReader returns a user's authoritative balance.
type BalanceReader interface {
	Balance(ctx context.Context, userID uuid.UUID, currency string) (int64, error)
}

// Worker maintains the Redis read model from committed domain events: a
// capped activity feed per user and a hash of cached balances per user.
// Its channel is best effort; a dropped event leaves the feed short and the
// balance cache stale until the user's next event refreshes it.
type Worker struct {
	rdb      redis.Cmdable
	input    <-chan event.DomainEvent
	balances BalanceReader
	prefix   string
	feedLen  int64
	metrics  *observability.Metrics
	log      zerolog.Logger
}

func NewWorker(rdb redis.Cmdable, input <-chan event.DomainEvent, balances BalanceReader, metrics *observability.Metrics, log zerolog.Logger) *Worker {
	return &Worker{
		rdb:      rdb,
		input:    input,
		balances: balances,
		prefix:   DefaultKeyPrefix,
		feedLen:  DefaultFeedLen,
		metrics:  metrics,
		log:      log,
	}
}

// WithPrefix namespaces every key the worker writes. Empty keeps the default.
func (w *Worker) WithPrefix(prefix string) *Worker {
	if prefix != "" {
		w.prefix = prefix
	}
	return w
}

// Run starts the projection worker loop.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-w.input:
			if !ok {
				return nil
			}
			start := time.Now()
			if err := w.Project(ctx, evt); err != nil {
				// Eventually consistent: the next event for the user repairs the balance.
				w.log.Warn().Err(err).Str("event_id", evt.EventID.String()).Str("type", string(evt.Type)).Msg("projection update failed")
			}
			if w.metrics != nil {
				w.metrics.ProjectionUpdateDur.WithLabelValues("redis").Observe(time.Since(start).Seconds())
			}
		}
	}
}

// Project applies one event to the read model.
func (w *Worker) Project(ctx context.Context, evt event.DomainEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// Balances are read before the pipeline so the cache only ever holds
	// values the ledger reported.
	var fresh map[uuid.UUID]int64
	if evt.Currency != "" && w.balances != nil {
		fresh = make(map[uuid.UUID]int64, len(evt.UserIDs))
		for _, u := range evt.UserIDs {
			bal, err := w.balances.Balance(ctx, u, evt.Currency)
			if err != nil {
				return fmt.Errorf("balance %s/%s: %w", u, evt.Currency, err)
			}
			fresh[u] = bal
		}
	}

	_, err = w.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, u := range evt.UserIDs {
			key := FeedKey(w.prefix, u)
			p.LPush(ctx, key, data)
			p.LTrim(ctx, key, 0, w.feedLen-1)
			p.Expire(ctx, key, feedTTL)
			if bal, ok := fresh[u]; ok {
				p.HSet(ctx, BalanceKey(w.prefix, u), evt.Currency, bal)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

func FeedKey(prefix string, userID uuid.UUID) string {
	return prefix + "activity:" + userID.String()
}

func BalanceKey(prefix string, userID uuid.UUID) string {
	return prefix + "balance:" + userID.String()
}
