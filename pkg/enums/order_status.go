package enums

import "fmt"

// OrderStatus tracks the lifecycle of a rental order.
type OrderStatus string

const (
	OrderStatusPending           OrderStatus = "pending"
	OrderStatusPaid              OrderStatus = "paid"
	OrderStatusProcessing        OrderStatus = "processing"
	OrderStatusActive            OrderStatus = "active"
	OrderStatusCompleted         OrderStatus = "completed"
	OrderStatusManuallyCompleted OrderStatus = "manually_completed"
	OrderStatusFailed            OrderStatus = "failed"
	OrderStatusCancelled         OrderStatus = "cancelled"
	OrderStatusExpired           OrderStatus = "expired"
)

var validOrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusPaid,
	OrderStatusProcessing,
	OrderStatusActive,
	OrderStatusCompleted,
	OrderStatusManuallyCompleted,
	OrderStatusFailed,
	OrderStatusCancelled,
	OrderStatusExpired,
}

// TerminalOrderStatuses never transition again.
var TerminalOrderStatuses = []OrderStatus{
	OrderStatusCompleted,
	OrderStatusManuallyCompleted,
	OrderStatusFailed,
	OrderStatusCancelled,
	OrderStatusExpired,
}

// String implements fmt.Stringer.
func (s OrderStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is a known OrderStatus.
func (s OrderStatus) IsValid() bool {
	for _, candidate := range validOrderStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status is final.
func (s OrderStatus) IsTerminal() bool {
	for _, candidate := range TerminalOrderStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseOrderStatus converts raw input into an OrderStatus.
func ParseOrderStatus(value string) (OrderStatus, error) {
	for _, candidate := range validOrderStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid order status %q", value)
}
