package ingestion

import (
	"MarketLedger/internal/event"
	"MarketLedger/internal/observability"
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	ConfirmationStream = "MARKET_CONFIRMATIONS"
	EventStream        = "MARKET_EVENTS"

	// IdempotencyHeader optionally carries the producer's dedup key.
	IdempotencyHeader = "Idempotency-Key"

	retryDelay = 5 * time.Second
)

// NATSSubscriber consumes confirmations from JetStream and hands them to the
// Ingestor. Messages are acked once applied or found duplicate, terminated
// when they can never apply, and nakked with a delay on transient failures.
type NATSSubscriber struct {
	js        jetstream.JetStream
	ingestor  *Ingestor
	metrics   *observability.Metrics
	log       zerolog.Logger
	consumers []jetstream.ConsumeContext
}

// SubjectConfig maps a NATS subject to a confirmation type.
type SubjectConfig struct {
	Subject      string
	EventType    event.EventType
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns one durable consumer per confirmation type.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "market.confirmations.transfer.>", EventType: event.EventTypeTransferOutcome, ConsumerName: "ledger-transfer-outcome", StreamName: ConfirmationStream},
		{Subject: "market.confirmations.deposit.>", EventType: event.EventTypeDepositObserved, ConsumerName: "ledger-deposit-observed", StreamName: ConfirmationStream},
		{Subject: "market.confirmations.payout.>", EventType: event.EventTypePayoutOutcome, ConsumerName: "ledger-payout-outcome", StreamName: ConfirmationStream},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, ingestor *Ingestor, metrics *observability.Metrics, log zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{js: js, ingestor: ingestor, metrics: metrics, log: log}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		cfg := cfg
		consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
			ns.handle(ctx, cfg, msg)
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumeCtx)
		ns.log.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}
	return nil
}

func (ns *NATSSubscriber) handle(ctx context.Context, cfg SubjectConfig, msg jetstream.Msg) {
	if meta, err := msg.Metadata(); err == nil && ns.metrics != nil {
		ns.metrics.NATSPullLatency.WithLabelValues(cfg.StreamName).Observe(time.Since(meta.Timestamp).Seconds())
	}

	env := event.EventEnvelope{
		EventType:  cfg.EventType,
		Source:     "nats",
		ReceivedAt: time.Now(),
		Payload:    msg.Data(),
	}
	if h := msg.Headers(); h != nil {
		env.IdempotencyKey = h.Get(IdempotencyHeader)
	}

	res, _ := ns.ingestor.Ingest(ctx, env)
	var err error
	switch res {
	case ResultApplied, ResultDuplicate:
		err = msg.Ack()
	case ResultRetry:
		err = msg.NakWithDelay(retryDelay)
	default:
		err = msg.Term()
	}
	if err != nil {
		ns.log.Warn().Err(err).Str("subject", msg.Subject()).Str("result", string(res)).Msg("ack failed")
	}
}

// EnsureStreams creates the inbound confirmation and outbound event streams.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      ConfirmationStream,
			Subjects:  []string{"market.confirmations.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:       EventStream,
			Subjects:   []string{"market.events.>"},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			Replicas:   1,
			Duplicates: 2 * time.Minute,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.log.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("marketledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
