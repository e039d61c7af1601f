package notifications

import (
	"context"
	"fmt"

	"github.com/angelmondragon/resourcerent/pkg/logger"
)

// Sink delivers one encoded event. Errors are logged by the dispatcher.
type Sink interface {
	Deliver(ctx context.Context, event Event) error
}

type publisher interface {
	Publish(ctx context.Context, data []byte, attrs map[string]string) (string, error)
}

// PubSubSink forwards events to the notification topic.
type PubSubSink struct {
	pub publisher
}

func NewPubSubSink(pub publisher) (*PubSubSink, error) {
	if pub == nil {
		return nil, fmt.Errorf("publisher required")
	}
	return &PubSubSink{pub: pub}, nil
}

func (s *PubSubSink) Deliver(ctx context.Context, event Event) error {
	body, attrs, err := event.Encode()
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	_, err = s.pub.Publish(ctx, body, attrs)
	return err
}

// LogSink writes events as structured log lines. Used when no topic is configured.
type LogSink struct {
	logg *logger.Logger
}

func NewLogSink(logg *logger.Logger) *LogSink {
	return &LogSink{logg: logg}
}

func (s *LogSink) Deliver(ctx context.Context, event Event) error {
	fields := map[string]any{
		"event_id":   event.ID.String(),
		"event_type": event.Type.String(),
	}
	if event.OrderID != "" {
		fields["order_id"] = event.OrderID
	}
	for k, v := range event.Payload {
		fields["event_"+k] = v
	}
	s.logg.Info(s.logg.WithFields(ctx, fields), "notification")
	return nil
}
