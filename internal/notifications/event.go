package notifications

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType names a lifecycle notification.
type EventType string

const (
	EventFeeDeducted        EventType = "fee:deducted"
	EventOrderExpired       EventType = "order:expired"
	EventOrderStuck         EventType = "order:stuck"
	EventOrderTransition    EventType = "order:transition"
	EventDelegationExecuted EventType = "delegation:executed"
	EventDelegationFailed   EventType = "delegation:failed"
	EventBatchSummary       EventType = "batch:summary"
)

var validEventTypes = []EventType{
	EventFeeDeducted,
	EventOrderExpired,
	EventOrderStuck,
	EventOrderTransition,
	EventDelegationExecuted,
	EventDelegationFailed,
	EventBatchSummary,
}

func (t EventType) String() string { return string(t) }

// IsValid reports whether the value is a known EventType.
func (t EventType) IsValid() bool {
	for _, candidate := range validEventTypes {
		if candidate == t {
			return true
		}
	}
	return false
}

// Event is one fire-and-forget notification. OrderID is empty for
// process-level events such as batch summaries.
type Event struct {
	ID         uuid.UUID
	Type       EventType
	OrderID    string
	Payload    map[string]any
	OccurredAt time.Time
}

// Envelope is the wire form handed to sinks.
type Envelope struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OrderID    string          `json:"order_id,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Encode renders the envelope plus message attributes for the event.
func (e Event) Encode() ([]byte, map[string]string, error) {
	var data json.RawMessage
	if len(e.Payload) > 0 {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, nil, err
		}
		data = raw
	}
	body, err := json.Marshal(Envelope{
		EventID:    e.ID.String(),
		EventType:  e.Type.String(),
		OrderID:    e.OrderID,
		OccurredAt: e.OccurredAt,
		Data:       data,
	})
	if err != nil {
		return nil, nil, err
	}
	attrs := map[string]string{"event_type": e.Type.String()}
	if e.OrderID != "" {
		attrs["order_id"] = e.OrderID
	}
	return body, attrs, nil
}
