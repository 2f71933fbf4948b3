package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agentorchestrator/ao/pkg/aotypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	bus := New(nil)
	defer bus.Stop()

	var mu sync.Mutex
	var received []string

	bus.Subscribe("a", func(ctx context.Context, e *aotypes.OrchestratorEvent) {
		mu.Lock()
		received = append(received, "a")
		mu.Unlock()
	})
	bus.Subscribe("b", func(ctx context.Context, e *aotypes.OrchestratorEvent) {
		mu.Lock()
		received = append(received, "b")
		mu.Unlock()
	})

	bus.Publish(context.Background(), &aotypes.OrchestratorEvent{Type: aotypes.EventSessionSpawned})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestPublishFillsIDAndTimestampIfZero(t *testing.T) {
	bus := New(nil)
	defer bus.Stop()

	event := &aotypes.OrchestratorEvent{Type: aotypes.EventSessionSpawned}
	bus.Publish(context.Background(), event)

	assert.NotEmpty(t, event.ID)
	assert.False(t, event.Timestamp.IsZero())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New(nil)
	defer bus.Stop()

	var mu sync.Mutex
	count := 0
	bus.Subscribe("a", func(ctx context.Context, e *aotypes.OrchestratorEvent) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	bus.Unsubscribe("a")
	bus.Publish(context.Background(), &aotypes.OrchestratorEvent{Type: aotypes.EventSessionSpawned})

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, count)
}

func TestPanickingSubscriberDoesNotBlockOthers(t *testing.T) {
	bus := New(nil)
	defer bus.Stop()

	var mu sync.Mutex
	otherDelivered := false

	bus.Subscribe("panicker", func(ctx context.Context, e *aotypes.OrchestratorEvent) {
		panic("boom")
	})
	bus.Subscribe("other", func(ctx context.Context, e *aotypes.OrchestratorEvent) {
		mu.Lock()
		otherDelivered = true
		mu.Unlock()
	})

	bus.Publish(context.Background(), &aotypes.OrchestratorEvent{Type: aotypes.EventSessionSpawned})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return otherDelivered
	}, time.Second, 10*time.Millisecond)
}

func TestStopIsSafeToCallOnce(t *testing.T) {
	bus := New(nil)
	bus.Stop()
}
