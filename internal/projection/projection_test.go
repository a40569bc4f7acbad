package projection_test

import (
	"MarketLedger/internal/event"
	"MarketLedger/internal/projection"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type fixedBalances map[string]int64

func (f fixedBalances) Balance(ctx context.Context, userID uuid.UUID, currency string) (int64, error) {
	v, ok := f[userID.String()+"/"+currency]
	if !ok {
		return 0, errors.New("ledger unavailable")
	}
	return v, nil
}

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(s.Close)

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

// ============================================================================
// Test: Redis projection
// ============================================================================

func TestWorker_ProjectsFeedAndBalances(t *testing.T) {
	rdb := newRedis(t)
	buyer, seller := uuid.New(), uuid.New()
	balances := fixedBalances{
		buyer.String() + "/USDT":  0,
		seller.String() + "/USDT": 49_000_000,
	}
	w := projection.NewWorker(rdb, nil, balances, nil, zerolog.Nop())
	ctx := context.Background()

	held := event.DomainEvent{EventID: uuid.New(), Type: event.EscrowHeld, UserIDs: []uuid.UUID{buyer, seller}, NFTID: "nft-1"}
	settled := event.DomainEvent{EventID: uuid.New(), Type: event.EscrowSettled, UserIDs: []uuid.UUID{buyer, seller}, Currency: "USDT", Amount: 50_000_000}
	for _, evt := range []event.DomainEvent{held, settled} {
		if err := w.Project(ctx, evt); err != nil {
			t.Fatalf("project %s: %v", evt.Type, err)
		}
	}

	r := projection.NewReader(rdb)
	feed, err := r.Activity(ctx, seller, 10)
	if err != nil {
		t.Fatalf("activity: %v", err)
	}
	if len(feed) != 2 || feed[0].EventID != settled.EventID || feed[1].EventID != held.EventID {
		t.Fatalf("feed should be newest first: %+v", feed)
	}

	got, err := r.CachedBalances(ctx, seller)
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if got["USDT"] != 49_000_000 {
		t.Errorf("seller cached balance: %d", got["USDT"])
	}
}

func TestWorker_FeedIsCapped(t *testing.T) {
	rdb := newRedis(t)
	user := uuid.New()
	w := projection.NewWorker(rdb, nil, nil, nil, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < projection.DefaultFeedLen+25; i++ {
		evt := event.DomainEvent{EventID: uuid.New(), Type: event.OfferCreated, UserIDs: []uuid.UUID{user}, Note: fmt.Sprint(i)}
		if err := w.Project(ctx, evt); err != nil {
			t.Fatalf("project: %v", err)
		}
	}

	n, err := rdb.LLen(ctx, projection.FeedKey(projection.DefaultKeyPrefix, user)).Result()
	if err != nil {
		t.Fatalf("llen: %v", err)
	}
	if n != projection.DefaultFeedLen {
		t.Errorf("feed length: %d", n)
	}
}

func TestWorker_BalanceErrorLeavesCacheUntouched(t *testing.T) {
	rdb := newRedis(t)
	user := uuid.New()
	w := projection.NewWorker(rdb, nil, fixedBalances{}, nil, zerolog.Nop())

	err := w.Project(context.Background(), event.DomainEvent{
		EventID: uuid.New(), Type: event.DepositConfirmed, UserIDs: []uuid.UUID{user}, Currency: "USDT", Amount: 1,
	})
	if err == nil {
		t.Fatal("expected balance lookup failure")
	}
	got, _ := projection.NewReader(rdb).CachedBalances(context.Background(), user)
	if len(got) != 0 {
		t.Errorf("cache written despite failure: %v", got)
	}
}

func TestWorker_RunStopsWhenChannelCloses(t *testing.T) {
	rdb := newRedis(t)
	user := uuid.New()
	in := make(chan event.DomainEvent, 1)
	w := projection.NewWorker(rdb, in, nil, nil, zerolog.Nop())

	in <- event.DomainEvent{EventID: uuid.New(), Type: event.ListingCreated, UserIDs: []uuid.UUID{user}}
	close(in)

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}

	feed, _ := projection.NewReader(rdb).Activity(context.Background(), user, 0)
	if len(feed) != 1 {
		t.Errorf("feed: %d", len(feed))
	}
}

func TestWorker_CustomPrefix(t *testing.T) {
	rdb := newRedis(t)
	user := uuid.New()
	w := projection.NewWorker(rdb, nil, fixedBalances{}, nil, zerolog.Nop()).WithPrefix("test:")
	ctx := context.Background()

	evt := event.DomainEvent{EventID: uuid.New(), Type: event.OfferCreated, UserIDs: []uuid.UUID{user}}
	if err := w.Project(ctx, evt); err != nil {
		t.Fatalf("project: %v", err)
	}
	if n, _ := rdb.Exists(ctx, projection.FeedKey("test:", user)).Result(); n != 1 {
		t.Fatalf("feed key under custom prefix missing")
	}
	if feed, _ := projection.NewReader(rdb).Activity(ctx, user, 10); len(feed) != 0 {
		t.Errorf("default-prefix reader saw %d events", len(feed))
	}
	if feed, _ := projection.NewReader(rdb).WithPrefix("test:").Activity(ctx, user, 10); len(feed) != 1 {
		t.Errorf("prefixed reader saw %d events", len(feed))
	}
}
