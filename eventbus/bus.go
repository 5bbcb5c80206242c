// Package eventbus provides the in-process telemetry bus for the control
// plane.
//
// Thread-safe, fan-out publish/subscribe for single-process deployments.
// The mode controller publishes iterate lifecycle events; subscribers are
// sinks such as the JSONL telemetry writer and the metrics recorder.
//
// Features:
//   - Event fan-out to multiple subscribers
//   - Middleware chain for cross-cutting concerns
//   - Subscriber introspection
//
// Usage:
//
//	bus := eventbus.New(logger)
//	unsubscribe := bus.Subscribe("iterate.pause", pauseHandler)
//	bus.Publish(ctx, event)
package eventbus

import (
	"context"
	"sync"
)

// Message is anything publishable on the bus.
type Message interface {
	// Topic routes the message to its subscribers.
	Topic() string
}

// HandlerFunc handles one published message. Handler errors are logged and
// never stop other subscribers.
type HandlerFunc func(ctx context.Context, msg Message) error

// Middleware intercepts messages around delivery.
type Middleware interface {
	// Before is called before fan-out. Returning nil aborts delivery.
	Before(ctx context.Context, msg Message) (Message, error)
	// After is called once fan-out completes, with the first subscriber error.
	After(ctx context.Context, msg Message, err error)
}

// Logger is the structured logging interface for the bus.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// =============================================================================
// Bus
// =============================================================================

// Bus is an in-memory fan-out event bus.
type Bus struct {
	logger      Logger
	subscribers map[string][]*subscription
	middleware  []Middleware
	nextID      int
	mu          sync.RWMutex
}

type subscription struct {
	id      int
	handler HandlerFunc
}

// New creates an empty bus.
func New(logger Logger) *Bus {
	return &Bus{
		logger:      logger,
		subscribers: make(map[string][]*subscription),
	}
}

// Subscribe registers a handler for a topic.
// Returns an unsubscribe function for cleanup.
func (b *Bus) Subscribe(topic string, handler HandlerFunc) func() {
	b.mu.Lock()
	b.nextID++
	sub := &subscription{id: b.nextID, handler: handler}
	b.subscribers[topic] = append(b.subscribers[topic], sub)
	b.mu.Unlock()

	if b.logger != nil {
		b.logger.Debug("subscribed", "topic", topic)
	}

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[topic]
		for i, s := range subs {
			if s.id == sub.id {
				b.subscribers[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Publish delivers a message to all subscribers of its topic.
// Subscribers run concurrently; errors are logged but never propagate to
// the publisher, keeping the decision path free of sink failures.
func (b *Bus) Publish(ctx context.Context, msg Message) error {
	topic := msg.Topic()

	processed, err := b.runMiddlewareBefore(ctx, msg)
	if err != nil {
		return err
	}
	if processed == nil {
		if b.logger != nil {
			b.logger.Debug("publish_aborted_by_middleware", "topic", topic)
		}
		return nil
	}

	b.mu.RLock()
	subs := make([]*subscription, len(b.subscribers[topic]))
	copy(subs, b.subscribers[topic])
	b.mu.RUnlock()

	if len(subs) == 0 {
		b.runMiddlewareAfter(ctx, msg, nil)
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, len(subs))
	for i, sub := range subs {
		wg.Add(1)
		go func(idx int, h HandlerFunc) {
			defer wg.Done()
			if err := h(ctx, processed); err != nil {
				errs[idx] = err
				if b.logger != nil {
					b.logger.Warn("subscriber_failed",
						"topic", topic,
						"subscriber", idx,
						"error", err.Error(),
					)
				}
			}
		}(i, sub.handler)
	}
	wg.Wait()

	var firstErr error
	for _, e := range errs {
		if e != nil {
			firstErr = e
			break
		}
	}
	b.runMiddlewareAfter(ctx, msg, firstErr)
	return nil
}

// AddMiddleware appends middleware, executed in registration order.
func (b *Bus) AddMiddleware(mw Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, mw)
}

// SubscriberCount returns the number of subscribers for a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic])
}

// Topics returns all topics with at least one subscriber.
func (b *Bus) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	topics := make([]string, 0, len(b.subscribers))
	for t, subs := range b.subscribers {
		if len(subs) > 0 {
			topics = append(topics, t)
		}
	}
	return topics
}

// Clear removes all subscribers and middleware. Useful for testing.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = make(map[string][]*subscription)
	b.middleware = nil
}

// =============================================================================
// Internal Helpers
// =============================================================================

func (b *Bus) runMiddlewareBefore(ctx context.Context, msg Message) (Message, error) {
	b.mu.RLock()
	mws := make([]Middleware, len(b.middleware))
	copy(mws, b.middleware)
	b.mu.RUnlock()

	current := msg
	for _, mw := range mws {
		result, err := mw.Before(ctx, current)
		if err != nil {
			return nil, err
		}
		if result == nil {
			return nil, nil
		}
		current = result
	}
	return current, nil
}

func (b *Bus) runMiddlewareAfter(ctx context.Context, msg Message, err error) {
	b.mu.RLock()
	mws := make([]Middleware, len(b.middleware))
	copy(mws, b.middleware)
	b.mu.RUnlock()

	// Reverse order.
	for i := len(mws) - 1; i >= 0; i-- {
		mws[i].After(ctx, msg, err)
	}
}
