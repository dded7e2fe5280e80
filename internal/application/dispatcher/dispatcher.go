// Package dispatcher fans workflow events out to in-process subscribers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/garyjia/expense-approval/internal/domain/event"
)

// ErrClosed is returned once Close has been called
var ErrClosed = errors.New("dispatcher is closed")

// Dispatcher routes events to named handlers
type Dispatcher interface {
	// Subscribe registers handler under name; a second registration with the
	// same name replaces the first.
	Subscribe(eventType event.Type, name string, handler Handler)

	// Publish runs the handlers in the background. They keep the ctx values
	// but not its cancellation, so they outlive the request that raised the event.
	Publish(ctx context.Context, evt *event.Event)

	// PublishSync runs the handlers in order and stops at the first error
	PublishSync(ctx context.Context, evt *event.Event) error

	// InFlight reports handlers started by Publish that have not returned
	InFlight() int64

	// Close rejects new events and waits for in-flight handlers
	Close() error
}

// Logger interface for minimal logging dependency
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// Observer is told the outcome of every handler run
type Observer func(eventType event.Type, handlerName string, err error)

type eventDispatcher struct {
	mu       sync.RWMutex
	subs     map[event.Type][]subscription
	logger   Logger
	observer Observer

	wg       sync.WaitGroup
	inFlight atomic.Int64
	closed   atomic.Bool
}

// Option configures the dispatcher
type Option func(*eventDispatcher)

// WithLogger sets a logger for the dispatcher
func WithLogger(logger Logger) Option {
	return func(d *eventDispatcher) {
		d.logger = logger
	}
}

// WithObserver reports handler outcomes, typically to metrics
func WithObserver(observer Observer) Option {
	return func(d *eventDispatcher) {
		d.observer = observer
	}
}

// NewDispatcher creates a new event dispatcher
func NewDispatcher(opts ...Option) Dispatcher {
	d := &eventDispatcher{
		subs: make(map[event.Type][]subscription),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *eventDispatcher) Subscribe(eventType event.Type, name string, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	subs := d.subs[eventType]
	for i := range subs {
		if subs[i].name == name {
			subs[i].handler = handler
			return
		}
	}
	d.subs[eventType] = append(subs, subscription{name: name, handler: handler})

	d.logInfo("Handler registered", "event_type", eventType, "handler_name", name)
}

func (d *eventDispatcher) snapshot(eventType event.Type) []subscription {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]subscription(nil), d.subs[eventType]...)
}

func (d *eventDispatcher) Publish(ctx context.Context, evt *event.Event) {
	ctx = context.WithoutCancel(ctx)

	// closed and wg.Add share the read lock; Close sets closed under the write lock
	d.mu.RLock()
	if d.closed.Load() {
		d.mu.RUnlock()
		d.logError("Event dropped, dispatcher is closed", "event_type", evt.Type, "expense_id", evt.ExpenseID)
		return
	}
	subs := append([]subscription(nil), d.subs[evt.Type]...)
	d.wg.Add(len(subs))
	d.inFlight.Add(int64(len(subs)))
	d.mu.RUnlock()

	for _, sub := range subs {
		go func(s subscription) {
			defer d.wg.Done()
			defer d.inFlight.Add(-1)

			if err := d.run(ctx, evt, s); err != nil {
				d.logError("Event handler failed",
					"event_type", evt.Type,
					"event_id", evt.ID,
					"correlation_id", evt.CorrelationID,
					"handler_name", s.name,
					"error", err,
				)
			}
		}(sub)
	}
}

func (d *eventDispatcher) PublishSync(ctx context.Context, evt *event.Event) error {
	if d.closed.Load() {
		return ErrClosed
	}
	for _, sub := range d.snapshot(evt.Type) {
		if err := d.run(ctx, evt, sub); err != nil {
			return fmt.Errorf("handler %s failed: %w", sub.name, err)
		}
	}
	return nil
}

func (d *eventDispatcher) InFlight() int64 {
	return d.inFlight.Load()
}

func (d *eventDispatcher) Close() error {
	d.mu.Lock()
	if d.closed.Load() {
		d.mu.Unlock()
		return ErrClosed
	}
	d.closed.Store(true)
	d.mu.Unlock()

	d.logInfo("Closing dispatcher", "in_flight", d.inFlight.Load())
	d.wg.Wait()
	return nil
}

// run executes one handler, turning a panic into an error
func (d *eventDispatcher) run(ctx context.Context, evt *event.Event, s subscription) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
		if d.observer != nil {
			d.observer(evt.Type, s.name, err)
		}
	}()
	return s.handler(ctx, evt)
}

func (d *eventDispatcher) logInfo(msg string, kv ...interface{}) {
	if d.logger != nil {
		d.logger.Info(msg, kv...)
	}
}

func (d *eventDispatcher) logError(msg string, kv ...interface{}) {
	if d.logger != nil {
		d.logger.Error(msg, kv...)
	}
}
