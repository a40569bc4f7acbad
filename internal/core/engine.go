package core

import (
	"MarketLedger/internal/apperr"
	"MarketLedger/internal/chain"
	"MarketLedger/internal/collab"
	"MarketLedger/internal/event"
	"MarketLedger/internal/ledger"
	"MarketLedger/internal/observability"
	"MarketLedger/internal/settlement"
	"MarketLedger/internal/state"
	"MarketLedger/internal/store"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// NFTLookup answers who owns an NFT and what royalty its creator earns.
type NFTLookup interface {
	Lookup(ctx context.Context, nftID string) (collab.NFTInfo, error)
}

// EventSink receives domain events after the producing transaction commits.
type EventSink interface {
	Emit(ctx context.Context, evt event.DomainEvent)
}

// Deps are the collaborators of the engine. Store, Chains and NFTs are required.
type Deps struct {
	Store   store.Store
	Chains  *chain.Registry
	NFTs    NFTLookup
	Sink    EventSink
	Metrics *observability.Metrics
	Logger  *zerolog.Logger
	// DedupDB is tier 2 of confirmation dedup. Defaults to the store's confirmation log.
	DedupDB DBIdempotencyChecker
	Now     func() time.Time
}

// Engine runs every mutating operation of the settlement core. Each
// operation is one store transaction; domain events are emitted only after
// it commits. The engine keeps no mutable state between requests apart from
// the dedup cache, which is an optimization over the durable confirmation log.
type Engine struct {
	cfg         Config
	store       store.Store
	chains      *chain.Registry
	nfts        NFTLookup
	calc        *settlement.Calculator
	gen         *ledger.EntryGenerator
	idempotency *IdempotencyChecker
	sink        EventSink
	metrics     *observability.Metrics
	log         zerolog.Logger
	now         func() time.Time
}

func NewEngine(deps Deps, cfg Config) (*Engine, error) {
	if deps.Store == nil || deps.Chains == nil || deps.NFTs == nil {
		return nil, fmt.Errorf("engine requires a store, a chain registry and an NFT lookup")
	}
	if err := cfg.Validate(deps.Chains); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	calc, err := settlement.NewCalculator(cfg.CommissionRate)
	if err != nil {
		return nil, err
	}

	now := deps.Now
	if now == nil {
		now = time.Now
	}
	log := zerolog.Nop()
	if deps.Logger != nil {
		log = *deps.Logger
	}
	sink := deps.Sink
	if sink == nil {
		sink = discardSink{}
	}
	dedupDB := deps.DedupDB
	if dedupDB == nil {
		dedupDB = &storeDedup{store: deps.Store}
	}

	return &Engine{
		cfg:         cfg,
		store:       deps.Store,
		chains:      deps.Chains,
		nfts:        deps.NFTs,
		calc:        calc,
		gen:         ledger.NewEntryGenerator(now),
		idempotency: NewIdempotencyChecker(cfg.DedupCapacity, dedupDB, deps.Metrics),
		sink:        sink,
		metrics:     deps.Metrics,
		log:         log,
		now:         now,
	}, nil
}

// Calculator returns the engine's settlement calculator.
func (e *Engine) Calculator() *settlement.Calculator {
	return e.calc
}

// Config returns the engine's configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// txScope carries one transaction and what it produced.
type txScope struct {
	ctx     context.Context
	tx      store.Tx
	now     time.Time
	entries []ledger.Entry
	events  []event.DomainEvent
}

func (s *txScope) appendBatch(b *ledger.Batch, err error) error {
	if err != nil {
		return err
	}
	if err := store.AppendBatch(s.ctx, s.tx, b); err != nil {
		return err
	}
	s.entries = append(s.entries, b.Entries...)
	return nil
}

func (s *txScope) emit(evt event.DomainEvent) {
	evt.EventID = uuid.New()
	evt.OccurredAt = s.now
	s.events = append(s.events, evt)
}

// run executes fn in one transaction and publishes its events on commit.
func (e *Engine) run(ctx context.Context, op string, fn func(s *txScope) error) error {
	start := time.Now()
	var scope *txScope
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		scope = &txScope{ctx: ctx, tx: tx, now: e.now()}
		return fn(scope)
	})

	if e.metrics != nil {
		e.metrics.CoreOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		e.reject(op, err)
		return err
	}

	if e.metrics != nil {
		e.metrics.CoreOpsApplied.WithLabelValues(op).Inc()
		for _, entry := range scope.entries {
			e.metrics.CoreEntries.WithLabelValues(string(entry.Kind)).Inc()
		}
		for _, evt := range scope.events {
			if to, ok := escrowStatusOf[evt.Type]; ok {
				e.metrics.EscrowTransitions.WithLabelValues(string(to)).Inc()
			}
		}
	}
	for _, evt := range scope.events {
		e.sink.Emit(ctx, evt)
	}
	return nil
}

func (e *Engine) reject(op string, err error) {
	code := apperr.CodeOf(err)
	if e.metrics != nil {
		e.metrics.CoreOpsRejected.WithLabelValues(op, code).Inc()
	}
	switch apperr.KindOf(err) {
	case apperr.KindUnknown:
		e.log.Error().Err(err).Str("op", op).Msg("operation failed")
	case apperr.KindExternal:
		e.log.Warn().Err(err).Str("op", op).Msg("collaborator failure")
	default:
		e.log.Info().Err(err).Str("op", op).Str("code", code).Msg("operation rejected")
	}
}

// lockedBalance takes the account lock and returns the balance under it.
func lockedBalance(s *txScope, key ledger.AccountKey) (int64, error) {
	if err := s.tx.LockAccount(s.ctx, key); err != nil {
		return 0, fmt.Errorf("lock %s: %w", key.AccountPath(), err)
	}
	return s.tx.Balance(s.ctx, key)
}

// requireBalance fails with InsufficientBalance unless the locked account covers amount.
func requireBalance(s *txScope, key ledger.AccountKey, amount int64) error {
	bal, err := lockedBalance(s, key)
	if err != nil {
		return err
	}
	if bal < amount {
		return apperr.New(apperr.ErrInsufficientBalance, "%s: have=%d, need=%d", key.AccountPath(), bal, amount)
	}
	return nil
}

// Balance returns the committed balance of (user, currency).
func (e *Engine) Balance(ctx context.Context, userID uuid.UUID, currency string) (int64, error) {
	var bal int64
	err := e.store.View(ctx, func(r store.Reader) error {
		var err error
		bal, err = r.Balance(ctx, ledger.NewUserAccountKey(userID, currency))
		return err
	})
	return bal, err
}

// Quote splits price with the configured commission and the given royalty rate.
func (e *Engine) Quote(price, royaltyRate int64) (settlement.Split, error) {
	return e.calc.Quote(price, royaltyRate)
}

var escrowStatusOf = map[event.DomainEventType]state.EscrowStatus{
	event.EscrowHeld:     state.EscrowHolding,
	event.EscrowSettled:  state.EscrowSettled,
	event.EscrowReversed: state.EscrowReversed,
}

type discardSink struct{}

func (discardSink) Emit(context.Context, event.DomainEvent) {}
