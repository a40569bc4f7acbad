package projection

import (
	"MarketLedger/internal/event"
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Reader serves the Redis read model to the query API.
type Reader struct {
	rdb    redis.Cmdable
	prefix string
}

func NewReader(rdb redis.Cmdable) *Reader {
	return &Reader{rdb: rdb, prefix: DefaultKeyPrefix}
}

func (r *Reader) WithPrefix(prefix string) *Reader {
	if prefix != "" {
		r.prefix = prefix
	}
	return r
}

// Activity returns up to limit of the user's most recent events, newest first.
func (r *Reader) Activity(ctx context.Context, userID uuid.UUID, limit int) ([]event.DomainEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	raw, err := r.rdb.LRange(ctx, FeedKey(r.prefix, userID), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read activity: %w", err)
	}
	out := make([]event.DomainEvent, 0, len(raw))
	for _, s := range raw {
		var evt event.DomainEvent
		if err := json.Unmarshal([]byte(s), &evt); err != nil {
			return nil, fmt.Errorf("decode activity: %w", err)
		}
		out = append(out, evt)
	}
	return out, nil
}

// CachedBalances returns the last projected balance per currency. Missing
// currencies were never projected; callers fall back to the ledger.
func (r *Reader) CachedBalances(ctx context.Context, userID uuid.UUID) (map[string]int64, error) {
	raw, err := r.rdb.HGetAll(ctx, BalanceKey(r.prefix, userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read balances: %w", err)
	}
	out := make(map[string]int64, len(raw))
	for currency, s := range raw {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("balance %s: %w", currency, err)
		}
		out[currency] = v
	}
	return out, nil
}
