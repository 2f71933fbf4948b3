// Package events is the in-process pub/sub Event Bus
// (spec.md §4.10). It fans out OrchestratorEvents to subscribers within
// the process — notifier slots, an SSE publisher, a log sink — isolating
// each subscriber so a panicking one never blocks the emitter or the
// other subscribers. Grounded on the teacher's ConnectionManager.Broadcast:
// snapshot the subscriber set under a lock, release the lock, then do the
// (potentially slow) delivery. The WebSocket transport and Postgres
// LISTEN/NOTIFY catch-up machinery that Broadcast also does are dropped
// here since an HTTP/SSE surface is an explicit non-goal for this module;
// this bus is pure in-process delivery.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agentorchestrator/ao/pkg/aotypes"
	"github.com/google/uuid"
)

// Subscriber receives published events. Deliveries run concurrently on
// the dispatch workers (or inline in Publish when the queue is full), so
// the order in which a subscriber sees events is not guaranteed, not even
// for events from a single emitter.
type Subscriber func(ctx context.Context, event *aotypes.OrchestratorEvent)

// Bus is the single-owner fan-out to every registered subscriber.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]Subscriber

	// dispatch is a bounded worker pool so a slow subscriber cannot stall
	// the poll loop's Publish call (spec.md §9 "event bus -> non-blocking
	// fan-out").
	dispatch chan dispatchJob
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	logger *slog.Logger
}

type dispatchJob struct {
	ctx context.Context
	sub Subscriber
	evt *aotypes.OrchestratorEvent
}

const defaultDispatchWorkers = 4
const perEventTimeout = 5 * time.Second

// New builds a Bus with a bounded dispatch worker pool and starts it.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		subscribers: make(map[string]Subscriber),
		dispatch:    make(chan dispatchJob, 256),
		stopCh:      make(chan struct{}),
		logger:      logger.With("component", "events.Bus"),
	}
	for i := 0; i < defaultDispatchWorkers; i++ {
		b.wg.Add(1)
		go b.runWorker()
	}
	return b
}

func (b *Bus) runWorker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopCh:
			return
		case job := <-b.dispatch:
			b.deliver(job)
		}
	}
}

func (b *Bus) deliver(job dispatchJob) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked", "event_type", job.evt.Type, "panic", r)
		}
	}()
	ctx, cancel := context.WithTimeout(job.ctx, perEventTimeout)
	defer cancel()
	job.sub(ctx, job.evt)
}

// Subscribe registers sub under id, replacing any prior subscriber with
// the same id. Removing a subscriber (Unsubscribe) is safe at any time —
// the bus does not pin a subscriber's lifetime.
func (b *Bus) Subscribe(id string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[id] = sub
}

// Unsubscribe removes a subscriber.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, id)
}

// Publish fans event out to every current subscriber. The subscriber set
// is snapshotted under a read lock and the lock released before any
// delivery is attempted, so a slow or misbehaving subscriber never holds
// up Subscribe/Unsubscribe calls from other goroutines.
func (b *Bus) Publish(ctx context.Context, event *aotypes.OrchestratorEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case b.dispatch <- dispatchJob{ctx: ctx, sub: s, evt: event}:
		default:
			// Dispatch queue saturated: deliver synchronously rather than
			// drop the event, trading a momentary stall for at-most-once,
			// no-event-loss delivery.
			b.deliver(dispatchJob{ctx: ctx, sub: s, evt: event})
		}
	}
}

// Stop halts the worker pool and waits for deliveries already running on
// a worker to finish; jobs still queued are not delivered. Safe to call
// once.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
	b.wg.Wait()
}
