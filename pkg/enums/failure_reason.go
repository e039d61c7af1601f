package enums

// FailureReason is the machine-readable cause attached to failed grants and
// skipped work. Values are surfaced verbatim to callers.
type FailureReason string

const (
	FailureReasonInsufficientCapacity FailureReason = "insufficient_capacity"
	FailureReasonInsufficientBalance  FailureReason = "insufficient_balance"
	FailureReasonInvalidAddress       FailureReason = "invalid_address"
	FailureReasonInvalidAmount        FailureReason = "invalid_amount"
	FailureReasonKeyUnavailable       FailureReason = "key_unavailable"
	FailureReasonBroadcastRejected    FailureReason = "broadcast_rejected"
	// FailureReasonBroadcastUnconfirmed: a signed grant was sent but never
	// confirmed either way.
	FailureReasonBroadcastUnconfirmed FailureReason = "broadcast_unconfirmed"
	FailureReasonLedgerUnavailable    FailureReason = "ledger_unavailable"
	FailureReasonStateConflict        FailureReason = "state_conflict"
	FailureReasonLockBusy             FailureReason = "lock_busy"
	FailureReasonUnknown              FailureReason = "unknown"
)

// String implements fmt.Stringer.
func (r FailureReason) String() string {
	return string(r)
}

// DiagnosticCause classifies a failed grant after re-reading provider state.
type DiagnosticCause string

const (
	DiagnosticCauseBalance  DiagnosticCause = "balance"
	DiagnosticCauseCapacity DiagnosticCause = "capacity"
	DiagnosticCauseUnknown  DiagnosticCause = "unknown"
)

// String implements fmt.Stringer.
func (c DiagnosticCause) String() string {
	return string(c)
}
