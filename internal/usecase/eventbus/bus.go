package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"toolrun/internal/domain"
)

// wildcard keys the subscribers that receive every event type.
const wildcard domain.EventType = "*"

// Bus is an in-process, goroutine-safe event bus. Handlers run in their own
// goroutines, so Publish never blocks on a slow subscriber.
type Bus struct {
	mu       sync.RWMutex
	subs     map[domain.EventType]map[uint64]domain.EventHandler
	nextID   atomic.Uint64
	counts   sync.Map // domain.EventType -> *atomic.Uint64
	logger   *slog.Logger
	inflight sync.WaitGroup
	closed   atomic.Bool
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bus{
		subs:   make(map[domain.EventType]map[uint64]domain.EventHandler),
		logger: logger,
	}
}

// Publish fans an event out to subscribers of its type and to wildcard
// subscribers. Panicking handlers are recovered and logged.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}
	b.count(event.Type)

	b.mu.RLock()
	handlers := make([]domain.EventHandler, 0, len(b.subs[event.Type])+len(b.subs[wildcard]))
	for _, h := range b.subs[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range b.subs[wildcard] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.inflight.Add(1)
		go b.run(ctx, event, h)
	}
}

func (b *Bus) run(ctx context.Context, event domain.Event, h domain.EventHandler) {
	defer b.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "event", string(event.Type), "panic", r)
		}
	}()
	h(ctx, event)
}

// Subscribe registers a handler for one event type and returns its
// unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	if b.subs[eventType] == nil {
		b.subs[eventType] = make(map[uint64]domain.EventHandler)
	}
	b.subs[eventType][id] = handler
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[eventType], id)
	}
}

// SubscribeAll registers a handler that receives every event.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	return b.Subscribe(wildcard, handler)
}

// Published returns how many events of the given type were published.
func (b *Bus) Published(eventType domain.EventType) uint64 {
	if v, ok := b.counts.Load(eventType); ok {
		return v.(*atomic.Uint64).Load()
	}
	return 0
}

func (b *Bus) count(eventType domain.EventType) {
	v, _ := b.counts.LoadOrStore(eventType, new(atomic.Uint64))
	v.(*atomic.Uint64).Add(1)
}

// Close prevents new publishes and waits for in-flight handlers.
// It is idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.inflight.Wait()
}

// Shutdown is Close bounded by ctx.
func (b *Bus) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.Close()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
