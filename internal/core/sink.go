package core

import (
	"MarketLedger/internal/event"
	"MarketLedger/internal/observability"
	"context"
	"sync"
)

// ChannelSink fans committed domain events out to consumer channels.
//
// Reliable consumers (the dispatchers) get a blocking send: the committing
// request stalls until they drain, so no escrow or payout is lost. Best-effort
// consumers (projection, publisher) get a non-blocking send and the event is
// dropped when their buffer is full; they can be rebuilt from the store.
type ChannelSink struct {
	mu         sync.RWMutex
	reliable   []namedChan
	bestEffort []namedChan
	metrics    *observability.Metrics
}

type namedChan struct {
	name string
	ch   chan event.DomainEvent
}

func NewChannelSink(metrics *observability.Metrics) *ChannelSink {
	return &ChannelSink{metrics: metrics}
}

// AddReliable registers a consumer that must see every event.
func (s *ChannelSink) AddReliable(name string, buffer int) <-chan event.DomainEvent {
	ch := make(chan event.DomainEvent, buffer)
	s.mu.Lock()
	s.reliable = append(s.reliable, namedChan{name: name, ch: ch})
	s.mu.Unlock()
	return ch
}

// AddBestEffort registers a consumer that tolerates drops.
func (s *ChannelSink) AddBestEffort(name string, buffer int) <-chan event.DomainEvent {
	ch := make(chan event.DomainEvent, buffer)
	s.mu.Lock()
	s.bestEffort = append(s.bestEffort, namedChan{name: name, ch: ch})
	s.mu.Unlock()
	return ch
}

func (s *ChannelSink) Emit(ctx context.Context, evt event.DomainEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.reliable {
		select {
		case c.ch <- evt:
		case <-ctx.Done():
			// The transaction is committed; dispatchers re-scan open work on start.
		}
		s.observe(c)
	}

	for _, c := range s.bestEffort {
		select {
		case c.ch <- evt:
		default:
			if s.metrics != nil {
				s.metrics.ProjectionDrops.WithLabelValues(c.name).Inc()
			}
		}
		s.observe(c)
	}
}

func (s *ChannelSink) observe(c namedChan) {
	if s.metrics != nil {
		s.metrics.SetChannelMetrics(c.name, len(c.ch), cap(c.ch))
	}
}
