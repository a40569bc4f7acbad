package ingestion

import (
	"MarketLedger/internal/event"
	"MarketLedger/internal/observability"
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// EventSubjectPrefix is the root of outbound domain event subjects:
// market.events.{event_type}, e.g. market.events.escrow.settled.
const EventSubjectPrefix = "market.events"

// EventPublisher publishes committed domain events to NATS for the bot layer.
// Publishing is best effort: a failure is counted and logged, and consumers
// can recover state through the query API.
type EventPublisher struct {
	js      jetstream.JetStream
	input   <-chan event.DomainEvent
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewEventPublisher(js jetstream.JetStream, input <-chan event.DomainEvent, metrics *observability.Metrics, log zerolog.Logger) *EventPublisher {
	return &EventPublisher{js: js, input: input, metrics: metrics, log: log}
}

// Run publishes until ctx is cancelled or the input channel closes.
func (p *EventPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-p.input:
			if !ok {
				return nil
			}
			if err := p.publish(ctx, evt); err != nil {
				if p.metrics != nil {
					p.metrics.PublishDrops.Inc()
				}
				p.log.Warn().Err(err).Str("event_id", evt.EventID.String()).Str("type", string(evt.Type)).Msg("outbound publish failed")
			}
		}
	}
}

func (p *EventPublisher) publish(ctx context.Context, evt event.DomainEvent) error {
	subject, data, err := EncodeDomainEvent(evt)
	if err != nil {
		return err
	}
	// The event id doubles as the JetStream dedup id.
	_, err = p.js.Publish(ctx, subject, data, jetstream.WithMsgID(evt.EventID.String()))
	return err
}

// EncodeDomainEvent returns the subject and JSON body for evt.
func EncodeDomainEvent(evt event.DomainEvent) (string, []byte, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return "", nil, fmt.Errorf("marshal event: %w", err)
	}
	return evt.Subject(EventSubjectPrefix), data, nil
}
