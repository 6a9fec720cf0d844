// Package events fans committed allocations out to in-process subscribers
// and websocket clients.
package events

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/aristath/coordinator/internal/domain"
)

// subscriber buffer; a slow consumer drops events instead of blocking the
// commit path.
const subscriberBuffer = 8

// Bus is a non-blocking in-process broadcast of committed allocations.
type Bus struct {
	log zerolog.Logger

	mu   sync.RWMutex
	subs map[chan *domain.Allocation]struct{}
}

// NewBus creates an event bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		log:  log.With().Str("component", "event_bus").Logger(),
		subs: make(map[chan *domain.Allocation]struct{}),
	}
}

// Subscribe registers a consumer. The returned cancel func must be called to
// release the subscription.
func (b *Bus) Subscribe() (<-chan *domain.Allocation, func()) {
	ch := make(chan *domain.Allocation, subscriberBuffer)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// PublishAllocation broadcasts one committed allocation. Never blocks; full
// subscriber buffers drop the event with a warning.
func (b *Bus) PublishAllocation(alloc *domain.Allocation) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subs {
		select {
		case ch <- alloc:
		default:
			b.log.Warn().Str("cycle_id", alloc.CycleID).Msg("Slow subscriber, dropping allocation event")
		}
	}
}

// SubscriberCount reports the current number of subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
