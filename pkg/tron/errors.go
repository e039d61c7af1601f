package tron

import (
	"encoding/hex"
	"strings"

	"github.com/angelmondragon/resourcerent/pkg/errors"
)

const codeDuplicateTransaction = "DUP_TRANSACTION_ERROR"

// classifyRejection maps a node rejection onto the engine's error codes.
// Business rejections are not retryable; node-side trouble is.
func classifyRejection(code, message string) *errors.Error {
	msg := decodeMessage(message)
	lower := strings.ToLower(msg)
	switch {
	case code == "SERVER_BUSY" || code == "NO_CONNECTION" || code == "NOT_ENOUGH_EFFECTIVE_CONNECTION" || code == "OTHER_ERROR":
		return errors.New(errors.CodeDependency, "ledger node rejected: "+code+" "+msg)
	case strings.Contains(lower, "balance is not sufficient") || strings.Contains(lower, "insufficient balance"):
		return errors.New(errors.CodeInsufficientBalance, msg)
	case strings.Contains(lower, "delegatebalance must be less than") || strings.Contains(lower, "available freezev2"):
		return errors.New(errors.CodeInsufficientCapacity, msg)
	case strings.Contains(lower, "invalid") && strings.Contains(lower, "address"):
		return errors.New(errors.CodeValidation, msg)
	case code == "TRANSACTION_EXPIRATION_ERROR" || code == "TAPOS_ERROR":
		return errors.New(errors.CodeDependency, "ledger node rejected: "+code+" "+msg)
	default:
		return errors.New(errors.CodeValidation, strings.TrimSpace(code+" "+msg))
	}
}

// decodeMessage undoes the node's habit of hex-encoding rejection messages.
func decodeMessage(message string) string {
	if message == "" {
		return ""
	}
	if raw, err := hex.DecodeString(message); err == nil {
		return string(raw)
	}
	return message
}
