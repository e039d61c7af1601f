// Package notifications fans lifecycle events out to a single sink without
// ever blocking or failing the caller.
package notifications

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/resourcerent/pkg/clock"
	"github.com/angelmondragon/resourcerent/pkg/logger"
)

// Publisher is what the engine's components depend on.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

type DispatcherParams struct {
	Sink       Sink
	Logger     *logger.Logger
	Clock      clock.Clock
	BufferSize int
	// DeliveryTimeout bounds one sink call.
	DeliveryTimeout time.Duration
}

// Dispatcher queues events on a buffered channel drained by one goroutine.
type Dispatcher struct {
	sink    Sink
	logg    *logger.Logger
	clock   clock.Clock
	timeout time.Duration

	events chan Event
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewDispatcher(p DispatcherParams) (*Dispatcher, error) {
	if p.Sink == nil {
		return nil, fmt.Errorf("notification sink required")
	}
	if p.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	size := p.BufferSize
	if size <= 0 {
		size = 256
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.System()
	}
	timeout := p.DeliveryTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		sink:    p.Sink,
		logg:    p.Logger,
		clock:   clk,
		timeout: timeout,
		events:  make(chan Event, size),
		done:    make(chan struct{}),
	}, nil
}

// Publish enqueues the event. A full buffer or a closed dispatcher drops it with a warning.
func (d *Dispatcher) Publish(ctx context.Context, event Event) {
	if d == nil {
		return
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = d.clock.Now()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.logg.Warn(d.fields(ctx, event), "notification dropped after shutdown")
		return
	}
	select {
	case d.events <- event:
	default:
		d.logg.Warn(d.fields(ctx, event), "notification buffer full, event dropped")
	}
}

// Run drains the queue until ctx is cancelled, then flushes what is buffered.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			flushCtx := context.WithoutCancel(ctx)
			for event := range d.events {
				d.deliver(flushCtx, event)
			}
			return nil
		case event := <-d.events:
			d.deliver(ctx, event)
		}
	}
}

// Done is closed once Run has flushed and returned.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

func (d *Dispatcher) shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.events)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, event Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logg.Error(d.fields(ctx, event), "notification sink panicked", fmt.Errorf("panic: %v", r))
		}
	}()
	deliverCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.sink.Deliver(deliverCtx, event); err != nil {
		d.logg.Error(d.fields(ctx, event), "notification delivery failed", err)
	}
}

func (d *Dispatcher) fields(ctx context.Context, event Event) context.Context {
	return d.logg.WithFields(ctx, map[string]any{
		"event_type": event.Type.String(),
		"order_id":   event.OrderID,
	})
}

// Discard drops every event. Handy for tests and tools.
type Discard struct{}

func (Discard) Publish(context.Context, Event) {}
