package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/resourcerent/pkg/logger"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	block  chan struct{}
}

func (s *recordingSink) Deliver(ctx context.Context, event Event) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return s.err
}

func (s *recordingSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func TestDispatcherDeliversAndFlushesOnShutdown(t *testing.T) {
	sink := &recordingSink{}
	d, err := NewDispatcher(DispatcherParams{Sink: sink, Logger: logger.Nop(), BufferSize: 8})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	d.Publish(ctx, Event{Type: EventFeeDeducted, OrderID: "o-1"})
	d.Publish(ctx, Event{Type: EventOrderExpired, OrderID: "o-2"})

	go func() { _ = d.Run(ctx) }()
	cancel()

	select {
	case <-d.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("dispatcher did not stop")
	}

	events := sink.snapshot()
	require.Len(t, events, 2)
	require.Equal(t, EventFeeDeducted, events[0].Type)
	require.NotEmpty(t, events[0].ID.String())
	require.False(t, events[0].OccurredAt.IsZero())

	// publishing after shutdown is a no-op, never a panic
	d.Publish(context.Background(), Event{Type: EventBatchSummary})
}

func TestDispatcherPublishNeverBlocks(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	d, err := NewDispatcher(DispatcherParams{Sink: sink, Logger: logger.Nop(), BufferSize: 1})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			d.Publish(context.Background(), Event{Type: EventOrderTransition})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked on a full buffer")
	}
	close(sink.block)
}

func TestDispatcherSwallowsSinkErrors(t *testing.T) {
	sink := &recordingSink{err: errors.New("topic gone")}
	d, err := NewDispatcher(DispatcherParams{Sink: sink, Logger: logger.Nop()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	d.Publish(ctx, Event{Type: EventDelegationFailed, OrderID: "o-1"})
	cancel()
	require.NoError(t, d.Run(ctx))
	require.Len(t, sink.snapshot(), 1)
}

type fakePublisher struct {
	data  []byte
	attrs map[string]string
}

func (f *fakePublisher) Publish(ctx context.Context, data []byte, attrs map[string]string) (string, error) {
	f.data = data
	f.attrs = attrs
	return "msg-1", nil
}

func TestPubSubSinkEncodesEnvelope(t *testing.T) {
	pub := &fakePublisher{}
	sink, err := NewPubSubSink(pub)
	require.NoError(t, err)

	event := Event{
		Type:       EventFeeDeducted,
		OrderID:    "o-9",
		Payload:    map[string]any{"units": 3},
		OccurredAt: time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC),
	}
	require.NoError(t, sink.Deliver(context.Background(), event))
	require.Equal(t, "fee:deducted", pub.attrs["event_type"])
	require.Equal(t, "o-9", pub.attrs["order_id"])

	var env Envelope
	require.NoError(t, json.Unmarshal(pub.data, &env))
	require.Equal(t, "o-9", env.OrderID)
	require.JSONEq(t, `{"units":3}`, string(env.Data))
}

func TestEventTypeIsValid(t *testing.T) {
	require.True(t, EventOrderStuck.IsValid())
	require.False(t, EventType("order:unknown").IsValid())
}
