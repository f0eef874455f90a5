package events

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/atlas/services/orchestrator/internal/metrics"
)

// Handler processes a single event. A handler returning an error does not
// stop other handlers for the same event; the error is collected into the
// DispatchError returned by Publish.
type Handler func(ctx context.Context, event *Event) error

// HandlerFailure records one failed handler invocation during a dispatch.
type HandlerFailure struct {
	EventType string
	Handler   string
	Err       error
}

// DispatchError aggregates handler failures for a single published event.
// Publishers that depend on a load-bearing subscriber (the invoice journal
// handler, for example) inspect it; fire-and-forget publishers log it.
type DispatchError struct {
	EventID  string
	Failures []HandlerFailure
}

func (e *DispatchError) Error() string {
	msgs := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		msgs = append(msgs, fmt.Sprintf("%s: %v", f.Handler, f.Err))
	}
	return fmt.Sprintf("event %s: %d handler(s) failed: %s", e.EventID, len(e.Failures), strings.Join(msgs, "; "))
}

// ByHandler returns the failure recorded for a named handler, if any.
func (e *DispatchError) ByHandler(name string) (HandlerFailure, bool) {
	for _, f := range e.Failures {
		if f.Handler == name {
			return f, true
		}
	}
	return HandlerFailure{}, false
}

type subscription struct {
	name    string
	handler Handler
}

// Bus is an in-process publish/subscribe dispatcher for domain events.
// Registration happens at startup and is not safe to interleave with
// publishing; there is no unsubscribe.
type Bus struct {
	mu       sync.RWMutex
	subs     map[string][]subscription
	catchAll []subscription
	metrics  *metrics.Metrics
}

// BusOption customizes a bus.
type BusOption func(*Bus)

// WithMetrics records publish and handler-failure counters.
func WithMetrics(m *metrics.Metrics) BusOption {
	return func(b *Bus) {
		b.metrics = m
	}
}

// NewBus creates an empty event bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subs: make(map[string][]subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a named handler for one exact event type. Multiple
// handlers per type are allowed and all are invoked.
func (b *Bus) Subscribe(eventType, name string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[eventType] = append(b.subs[eventType], subscription{name: name, handler: handler})
}

// SubscribeAll registers a named handler invoked for every event regardless
// of type. The webhook gateway and the workflow event trigger use this.
func (b *Bus) SubscribeAll(name string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.catchAll = append(b.catchAll, subscription{name: name, handler: handler})
}

// SubscriberCount returns the number of handlers that would see an event of
// the given type, including catch-all subscribers.
func (b *Bus) SubscriberCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[eventType]) + len(b.catchAll)
}

// Publish delivers the event to all type-specific and catch-all subscribers.
// Handlers run concurrently; Publish returns once every handler has settled.
// Handler errors and panics are isolated from each other, logged once, and
// returned as a *DispatchError. A nil return means every handler succeeded.
func (b *Bus) Publish(ctx context.Context, event *Event) error {
	b.mu.RLock()
	targets := make([]subscription, 0, len(b.subs[event.Type])+len(b.catchAll))
	targets = append(targets, b.subs[event.Type]...)
	targets = append(targets, b.catchAll...)
	b.mu.RUnlock()

	b.count("events.published")

	if len(targets) == 0 {
		log.Debug().Str("event_type", event.Type).Msg("No subscribers for event")
		return nil
	}

	var wg sync.WaitGroup
	var failMu sync.Mutex
	var failures []HandlerFailure

	for _, sub := range targets {
		wg.Add(1)
		go func(sub subscription) {
			defer wg.Done()
			if err := b.invoke(ctx, sub, event); err != nil {
				log.Error().
					Err(err).
					Str("event_id", event.ID.String()).
					Str("event_type", event.Type).
					Str("handler", sub.name).
					Msg("Event handler failed")
				failMu.Lock()
				failures = append(failures, HandlerFailure{
					EventType: event.Type,
					Handler:   sub.name,
					Err:       err,
				})
				failMu.Unlock()
			}
		}(sub)
	}

	wg.Wait()

	if len(failures) > 0 {
		for range failures {
			b.count("events.handler_failures")
		}
		return &DispatchError{EventID: event.ID.String(), Failures: failures}
	}
	return nil
}

func (b *Bus) count(name string) {
	if b.metrics != nil {
		b.metrics.IncrementCounter(name)
	}
}

// invoke runs one handler, turning a panic into an error so a misbehaving
// subscriber cannot crash the publisher.
func (b *Bus) invoke(ctx context.Context, sub subscription, event *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("handler %s panicked: %v", sub.name, r)
		}
	}()
	return sub.handler(ctx, event)
}
