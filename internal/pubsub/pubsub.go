package pubsub

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Logger receives the bus's warnings. *logrus.Logger and *logrus.Entry satisfy it.
type Logger interface {
	Printf(format string, args ...interface{})
}

// Option configures a Bus
type Option func(*Bus)

// WithLogger sends the bus's warnings to logger instead of logrus's standard logger
func WithLogger(logger Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// EventType is the type of event subscribers are listening for
type EventType int

// SubscriptionOptions configures the behavior of a subscription.
type SubscriptionOptions struct {
	// If true, the bus blocks until the subscriber's channel accepts the event.
	// This guarantees delivery but a slow subscriber stalls every other one.
	IsBlocking bool
}

// SubscriberID identifies a single subscription. It is required to unsubscribe.
type SubscriberID uint64

var nextSubscriberID uint64

// Event is a typed event. Each instantiation is a distinct type, so a subscriber
// of Event[T] only ever sees payloads of type T.
type Event[T any] struct {
	Type    EventType
	Payload T
}

func NewEvent[T any](eventType EventType, payload T) *Event[T] {
	return &Event[T]{
		Type:    eventType,
		Payload: payload,
	}
}

// subscriber stores closures over a typed channel so channels of different
// Event[T] types can share one registry.
type subscriber struct {
	send       func(eventType EventType, payload any) bool
	close      func()
	options    SubscriptionOptions
	numDropped atomic.Uint64
}

type envelope struct {
	eventType EventType
	payload   any
}

// Bus is a thread-safe publish-subscribe event bus. Events are fanned out by a
// single goroutine in publish order.
type Bus struct {
	mu sync.RWMutex
	// queueMu guards closing the queue. It is separate from mu so a publisher
	// blocked on a full queue never stalls the fan-out goroutine.
	queueMu  sync.RWMutex
	wg       sync.WaitGroup
	registry map[EventType]map[SubscriberID]*subscriber
	queue    chan envelope
	closed   atomic.Bool
	logger   Logger
}

// NewBus creates a bus whose publish queue holds up to bufferSize events
func NewBus(bufferSize int, opts ...Option) *Bus {
	if bufferSize < 1 {
		bufferSize = 1
	}
	b := &Bus{
		registry: make(map[EventType]map[SubscriberID]*subscriber),
		queue:    make(chan envelope, bufferSize),
		logger:   logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.wg.Add(1)
	go b.run()

	return b
}

// Subscribe registers ch for events of eventType. The caller owns the channel's
// buffer size; the bus closes it on Unsubscribe or Close.
//
// Subscribe is a free function because methods cannot declare type parameters.
func Subscribe[T any](b *Bus, eventType EventType, ch chan *Event[T], opts SubscriptionOptions) SubscriberID {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := SubscriberID(atomic.AddUint64(&nextSubscriberID, 1))

	sub := &subscriber{
		options: opts,
		send: func(evType EventType, payload any) bool {
			typed, ok := payload.(T)
			if !ok {
				b.logger.Printf("[PubSub] Type mismatch for event %v: expected %T, got %T", evType, *new(T), payload)
				return false
			}
			event := &Event[T]{Type: evType, Payload: typed}
			if opts.IsBlocking {
				ch <- event
				return true
			}
			select {
			case ch <- event:
				return true
			default:
				return false
			}
		},
		close: func() {
			close(ch)
		},
	}

	if _, ok := b.registry[eventType]; !ok {
		b.registry[eventType] = make(map[SubscriberID]*subscriber)
	}
	b.registry[eventType][id] = sub
	return id
}

// Unsubscribe removes a subscriber and closes its channel
func (b *Bus) Unsubscribe(eventType EventType, id SubscriberID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subscribers, ok := b.registry[eventType]
	if !ok {
		return
	}
	sub, ok := subscribers[id]
	if !ok {
		return
	}
	delete(subscribers, id)
	sub.close()
	if len(subscribers) == 0 {
		delete(b.registry, eventType)
	}
}

// Publish queues an event for fan-out. Events published after Close are dropped.
func Publish[T any](b *Bus, event *Event[T]) {
	b.queueMu.RLock()
	defer b.queueMu.RUnlock()

	if b.closed.Load() {
		return
	}
	b.queue <- envelope{eventType: event.Type, payload: event.Payload}
}

// Dropped returns how many events a non-blocking subscriber has missed
func (b *Bus) Dropped(eventType EventType, id SubscriberID) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if sub, ok := b.registry[eventType][id]; ok {
		return sub.numDropped.Load()
	}
	return 0
}

// Close rejects new events, drains the queue, then closes every subscriber
// channel. It blocks until the drain completes and is idempotent.
func (b *Bus) Close() {
	b.queueMu.Lock()
	if b.closed.Load() {
		b.queueMu.Unlock()
		b.wg.Wait()
		return
	}
	b.closed.Store(true)
	close(b.queue)
	b.queueMu.Unlock()

	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	for eventType, subscribers := range b.registry {
		for _, sub := range subscribers {
			sub.close()
		}
		delete(b.registry, eventType)
	}
}

func (b *Bus) run() {
	defer b.wg.Done()

	for env := range b.queue {
		b.mu.RLock()
		for id, sub := range b.registry[env.eventType] {
			if !sub.send(env.eventType, env.payload) && !sub.options.IsBlocking {
				dropped := sub.numDropped.Add(1)
				b.logger.Printf("[PubSub] Dropped event %v for subscriber %d (total dropped: %d)", env.eventType, id, dropped)
			}
		}
		b.mu.RUnlock()
	}
}
