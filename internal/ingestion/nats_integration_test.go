package ingestion_test

import (
	"MarketLedger/internal/event"
	"MarketLedger/internal/ingestion"
	"MarketLedger/internal/testutil"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

type chanApplier chan event.Confirmation

func (c chanApplier) Apply(ctx context.Context, conf event.Confirmation) error {
	c <- conf
	return nil
}

func connectTestNATS(t *testing.T) jetstream.JetStream {
	t.Helper()
	testutil.RequireIntegration(t)
	nc, js, err := ingestion.ConnectNATS(testutil.TestNATSURL(), zerolog.Nop())
	if err != nil {
		t.Skipf("test NATS not available: %v", err)
	}
	t.Cleanup(nc.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		t.Fatalf("ensure streams: %v", err)
	}
	return js
}

// ============================================================================
// Test: NATS round trip
// ============================================================================

func TestNATSSubscriber_DeliversConfirmation(t *testing.T) {
	js := connectTestNATS(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	applied := make(chanApplier, 1)
	ing := ingestion.NewIngestor(newParser(t), applied, nil, zerolog.Nop())
	sub := ingestion.NewNATSSubscriber(js, ing, nil, zerolog.Nop())

	run := uuid.NewString()
	subject := "market.confirmations.transfer." + run
	err := sub.Subscribe(ctx, []ingestion.SubjectConfig{{
		Subject:      subject,
		EventType:    event.EventTypeTransferOutcome,
		ConsumerName: "test-" + run,
		StreamName:   ingestion.ConfirmationStream,
	}})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Stop()

	escrowID := uuid.New()
	msg := nats.NewMsg(subject)
	msg.Data = payload(t, map[string]interface{}{"escrow_id": escrowID.String(), "success": true})
	msg.Header.Set(ingestion.IdempotencyHeader, "escrow:"+escrowID.String())
	if _, err := js.PublishMsg(ctx, msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case c := <-applied:
		got, ok := c.(*event.TransferOutcome)
		if !ok || got.EscrowID != escrowID || !got.Success {
			t.Fatalf("unexpected confirmation: %#v", c)
		}
	case <-ctx.Done():
		t.Fatal("confirmation not delivered")
	}
}

func TestEventPublisher_PublishesToEventStream(t *testing.T) {
	js := connectTestNATS(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	in := make(chan event.DomainEvent, 1)
	pub := ingestion.NewEventPublisher(js, in, nil, zerolog.Nop())
	done := make(chan error, 1)
	go func() { done <- pub.Run(ctx) }()

	evt := event.DomainEvent{EventID: uuid.New(), Type: event.EscrowSettled, AggregateID: uuid.New(), Currency: "USDT", Amount: 1_000_000}
	subject, _, err := ingestion.EncodeDomainEvent(evt)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	cons, err := js.OrderedConsumer(ctx, ingestion.EventStream, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subject},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}

	in <- evt
	msg, err := cons.Next(jetstream.FetchMaxWait(5 * time.Second))
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if msg.Subject() != subject {
		t.Errorf("subject: %s", msg.Subject())
	}

	close(in)
	if err := <-done; err != nil {
		t.Errorf("publisher run: %v", err)
	}
}
