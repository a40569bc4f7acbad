package ingestion

import (
	"MarketLedger/internal/apperr"
	"MarketLedger/internal/event"
	"MarketLedger/internal/observability"
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// Applier is the engine's confirmation entry point.
type Applier interface {
	Apply(ctx context.Context, c event.Confirmation) error
}

// Result of handing one confirmation to the engine, also the metric label.
type Result string

const (
	ResultApplied   Result = "applied"
	ResultDuplicate Result = "duplicate"
	ResultRejected  Result = "rejected" // Will never apply; drop it
	ResultRetry     Result = "retry"    // Transient; redeliver
)

// Classify maps an Apply error to a Result.
func Classify(err error) Result {
	if err == nil {
		return ResultApplied
	}
	if errors.Is(err, apperr.ErrAlreadyFinalized) {
		return ResultDuplicate
	}
	switch apperr.KindOf(err) {
	case apperr.KindUnknown, apperr.KindExternal:
		return ResultRetry
	default:
		return ResultRejected
	}
}

// Ingestor is the transport-neutral path from a confirmation envelope to the
// engine. The NATS subscriber and the gRPC ConfirmationService both use it.
type Ingestor struct {
	parser  *Parser
	applier Applier
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewIngestor(parser *Parser, applier Applier, metrics *observability.Metrics, log zerolog.Logger) *Ingestor {
	return &Ingestor{parser: parser, applier: applier, metrics: metrics, log: log}
}

// Ingest parses env and applies it. A duplicate is reported as
// ResultDuplicate with a nil error; every other failure is returned.
func (i *Ingestor) Ingest(ctx context.Context, env event.EventEnvelope) (Result, error) {
	c, err := i.parser.ParseEnvelope(env)
	if err != nil {
		i.count(env.Source, ResultRejected)
		i.log.Warn().Err(err).
			Str("source", env.Source).
			Str("event_type", env.EventType.String()).
			Msg("unparseable confirmation")
		return ResultRejected, err
	}

	err = i.applier.Apply(ctx, c)
	res := Classify(err)
	i.count(env.Source, res)

	switch res {
	case ResultApplied:
		i.log.Debug().Str("source", env.Source).Str("key", c.IdempotencyKey()).Msg("confirmation applied")
		return res, nil
	case ResultDuplicate:
		i.log.Info().Str("source", env.Source).Str("key", c.IdempotencyKey()).Msg("duplicate confirmation")
		return res, nil
	case ResultRetry:
		i.log.Error().Err(err).Str("source", env.Source).Str("key", c.IdempotencyKey()).Msg("confirmation failed, will retry")
	default:
		i.log.Warn().Err(err).Str("source", env.Source).Str("key", c.IdempotencyKey()).Msg("confirmation rejected")
	}
	return res, err
}

func (i *Ingestor) count(source string, res Result) {
	if i.metrics != nil {
		i.metrics.IngestMessages.WithLabelValues(source, string(res)).Inc()
	}
}
