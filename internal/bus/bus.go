// Package bus provides the in-process publish/subscribe hub that decouples
// sessions and the orchestration manager from logging, metrics, and
// state-forwarding consumers.
package bus

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/mindrill/mindrill/errs"
	"github.com/mindrill/mindrill/internal/observability"
)

// Well-known event types published by the orchestration core.
const (
	EventSessionCreated = "session.created"
	EventSessionJoined  = "session.joined"
	EventSessionEnded   = "session.ended"
	EventClientJoined   = "client.joined"
	EventClientLeft     = "client.left"
	EventRoundStarted   = "round.started"
	EventRoundCompleted = "round.completed"
	EventInputProcessed = "input.processed"
	EventStateChanged   = "state.changed"
	EventErrorOccurred  = "error.occurred"
)

// Event is an immutable fire-and-forget notification.
type Event struct {
	Type      string
	Timestamp time.Time
	Payload   map[string]any
}

// Handler consumes a dispatched event. A returned error is logged and counted
// but never interrupts delivery to other subscribers.
type Handler func(Event) error

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID uint64

type subscription struct {
	id      SubscriptionID
	handler Handler
	filter  map[string]any
}

// Config sizes the background dispatch queue.
type Config struct {
	QueueSize int
}

func (c Config) normalize() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	return c
}

// Bus delivers events to interested subscribers through a single ordered
// background dispatcher, with an optional synchronous publish path.
type Bus struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	subs   map[string][]*subscription
	nextID SubscriptionID

	queue     chan Event
	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}

	publishedCounter  metric.Int64Counter
	dispatchedCounter metric.Int64Counter
	droppedCounter    metric.Int64Counter
	faultCounter      metric.Int64Counter
}

// New constructs a bus. Start must be called before background publishes are
// drained; immediate publishes work at any point before Close.
func New(cfg Config) *Bus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	b := new(Bus)
	b.cfg = cfg
	b.ctx = ctx
	b.cancel = cancel
	b.subs = make(map[string][]*subscription)
	b.queue = make(chan Event, cfg.QueueSize)
	b.done = make(chan struct{})

	meter := otel.Meter("mindrill/bus")
	b.publishedCounter, _ = meter.Int64Counter("bus.events.published",
		metric.WithDescription("Number of events published to the bus"),
		metric.WithUnit("{event}"))
	b.dispatchedCounter, _ = meter.Int64Counter("bus.events.dispatched",
		metric.WithDescription("Number of events delivered to subscribers"),
		metric.WithUnit("{event}"))
	b.droppedCounter, _ = meter.Int64Counter("bus.events.dropped",
		metric.WithDescription("Number of events dropped because the queue was full"),
		metric.WithUnit("{event}"))
	b.faultCounter, _ = meter.Int64Counter("bus.subscriber.faults",
		metric.WithDescription("Number of subscriber callbacks that failed"),
		metric.WithUnit("{fault}"))

	return b
}

// Start launches the background dispatcher.
func (b *Bus) Start() {
	b.startOnce.Do(func() {
		go b.dispatchLoop()
	})
}

// Close stops the dispatcher and waits for it to exit. Queued events that
// were not yet dispatched are dropped; publishing after Close is a no-op.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		b.cancel()
		b.startOnce.Do(func() { close(b.done) })
		<-b.done
	})
}

// Subscribe registers a handler for an event type. The optional filter matches
// only if every dot-path key in it equals the corresponding payload value; a
// nil or empty filter always matches. Handlers for one type run in
// registration order.
func (b *Bus) Subscribe(eventType string, handler Handler, filter map[string]any) SubscriptionID {
	if handler == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &subscription{id: b.nextID, handler: handler, filter: filter}
	b.subs[eventType] = append(b.subs[eventType], sub)
	return sub.id
}

// Unsubscribe removes a registration. It is idempotent and reports whether
// anything was removed.
func (b *Bus) Unsubscribe(eventType string, id SubscriptionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[eventType]
	for i, sub := range subs {
		if sub.id == id {
			b.subs[eventType] = append(subs[:i], subs[i+1:]...)
			if len(b.subs[eventType]) == 0 {
				delete(b.subs, eventType)
			}
			return true
		}
	}
	return false
}

// Publish emits an event. With immediate set, matching subscribers run
// synchronously on the caller's goroutine, so a slow subscriber blocks the
// publisher; this is the deliberate trade-off for low-volume control events
// whose ordering relative to the caller matters. Otherwise the event is
// enqueued without blocking and dispatched in FIFO order by the background
// worker; when the queue is full the event is dropped and counted rather than
// stalling the publisher.
func (b *Bus) Publish(eventType string, payload map[string]any, immediate bool) {
	if b.ctx.Err() != nil {
		return
	}
	evt := Event{Type: eventType, Timestamp: time.Now().UTC(), Payload: payload}
	b.publishedCounter.Add(b.ctx, 1)

	if immediate {
		b.dispatch(evt)
		return
	}

	select {
	case <-b.ctx.Done():
	case b.queue <- evt:
	default:
		b.droppedCounter.Add(b.ctx, 1)
		observability.Log().Warn("bus queue full, dropping event", observability.F("type", eventType))
	}
}

func (b *Bus) dispatchLoop() {
	defer close(b.done)
	for {
		select {
		case <-b.ctx.Done():
			return
		case evt := <-b.queue:
			b.dispatch(evt)
		}
	}
}

func (b *Bus) dispatch(evt Event) {
	b.mu.RLock()
	subs := append([]*subscription(nil), b.subs[evt.Type]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		if !matchesFilter(evt.Payload, sub.filter) {
			continue
		}
		b.invoke(sub, evt)
	}
	b.dispatchedCounter.Add(b.ctx, 1)
}

// invoke isolates one subscriber: a panic or returned error is logged and
// counted without affecting later subscribers or the publisher.
func (b *Bus) invoke(sub *subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.faultCounter.Add(b.ctx, 1)
			observability.Log().Error("bus subscriber panicked",
				observability.F("type", evt.Type),
				observability.F("panic", fmt.Sprint(r)))
		}
	}()
	if err := sub.handler(evt); err != nil {
		b.faultCounter.Add(b.ctx, 1)
		fault := errs.New("bus", errs.CodeSubscriberFault,
			errs.WithFunction(evt.Type), errs.WithCause(err))
		observability.Log().Error("bus subscriber failed",
			observability.F("type", evt.Type),
			observability.F("error", fault))
	}
}

func matchesFilter(payload, filter map[string]any) bool {
	if len(filter) == 0 {
		return true
	}
	for key, want := range filter {
		got, ok := lookupPath(payload, key)
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

func lookupPath(payload map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = payload
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
