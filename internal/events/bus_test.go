package events

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/coordinator/internal/domain"
)

func TestBus_PublishReachesAllSubscribers(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	ch1, cancel1 := bus.Subscribe()
	ch2, cancel2 := bus.Subscribe()
	defer cancel1()
	defer cancel2()

	alloc := &domain.Allocation{CycleID: "c1"}
	bus.PublishAllocation(alloc)

	assert.Equal(t, alloc, <-ch1)
	assert.Equal(t, alloc, <-ch2)
}

func TestBus_CancelRemovesSubscriber(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	ch, cancel := bus.Subscribe()
	require.Equal(t, 1, bus.SubscriberCount())

	cancel()
	assert.Equal(t, 0, bus.SubscriberCount())

	// Channel is closed; publishing afterwards must not panic.
	_, open := <-ch
	assert.False(t, open)
	bus.PublishAllocation(&domain.Allocation{CycleID: "c2"})

	// Cancel is idempotent.
	cancel()
}

func TestBus_SlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	_, cancel := bus.Subscribe()
	defer cancel()

	// Overfill the buffer; publish must return immediately every time.
	for i := 0; i < subscriberBuffer*3; i++ {
		bus.PublishAllocation(&domain.Allocation{CycleID: "burst"})
	}
}
