// Package dispatch turns committed escrows and approved withdrawals into
// collaborator calls, and feeds each call's outcome back to the engine as a
// confirmation. A call that errors or times out is a failure outcome.
package dispatch

import (
	"MarketLedger/internal/apperr"
	"MarketLedger/internal/event"
	"MarketLedger/internal/observability"
	"MarketLedger/internal/state"
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Applier applies a confirmation to the settlement core.
type Applier interface {
	Apply(ctx context.Context, c event.Confirmation) error
}

// TransferEngine is the settlement core as seen by the transfer dispatcher.
type TransferEngine interface {
	Applier
	BeginTransfer(ctx context.Context, escrowID uuid.UUID) (*state.Escrow, error)
}

// Options tune one dispatcher.
type Options struct {
	Workers int
	Timeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	return o
}

// job is one unit of dispatch work keyed by the entity it resolves.
type job struct {
	id uuid.UUID
}

// pool runs handle for every job received from in or submitted directly.
type pool struct {
	kind    string
	opts    Options
	handle  func(ctx context.Context, id uuid.UUID)
	jobs    chan job
	log     zerolog.Logger
	metrics *observability.Metrics
}

func newPool(kind string, opts Options, metrics *observability.Metrics, log zerolog.Logger, handle func(context.Context, uuid.UUID)) *pool {
	opts = opts.withDefaults()
	return &pool{
		kind:    kind,
		opts:    opts,
		handle:  handle,
		jobs:    make(chan job, opts.Workers*4),
		log:     log,
		metrics: metrics,
	}
}

// run feeds backlog, then events matching typ, into the workers until ctx is
// done or in closes.
func (p *pool) run(ctx context.Context, in <-chan event.DomainEvent, typ event.DomainEventType, backlog []uuid.UUID) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Workers; i++ {
		g.Go(func() error {
			for j := range p.jobs {
				if gctx.Err() != nil {
					return nil
				}
				p.handle(gctx, j.id)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(p.jobs)
		for _, id := range backlog {
			if err := p.submit(gctx, id); err != nil {
				return err
			}
		}
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case evt, ok := <-in:
				if !ok {
					return nil
				}
				if evt.Type != typ {
					continue
				}
				if err := p.submit(gctx, evt.AggregateID); err != nil {
					return err
				}
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *pool) submit(ctx context.Context, id uuid.UUID) error {
	select {
	case p.jobs <- job{id: id}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call runs fn under the dispatch timeout and records its outcome.
func (p *pool) call(ctx context.Context, fn func(ctx context.Context) error) (outcome string, err error) {
	cctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	start := time.Now()
	err = fn(cctx)
	switch {
	case err == nil:
		outcome = "success"
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(cctx.Err(), context.DeadlineExceeded):
		outcome = "timeout"
	default:
		outcome = "failure"
	}
	if p.metrics != nil {
		p.metrics.DispatchResults.WithLabelValues(p.kind, outcome).Inc()
		p.metrics.DispatchDuration.WithLabelValues(p.kind).Observe(time.Since(start).Seconds())
	}
	return outcome, err
}

// report applies c. A duplicate means another path already resolved the entity.
func (p *pool) report(ctx context.Context, engine Applier, c event.Confirmation) {
	err := engine.Apply(ctx, c)
	switch {
	case err == nil:
	case errors.Is(err, apperr.ErrAlreadyFinalized):
		p.log.Info().Str("ref", c.Reference()).Msg("outcome already applied")
	default:
		p.log.Error().Err(err).Str("ref", c.Reference()).Msg("failed to apply outcome")
	}
}
