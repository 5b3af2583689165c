package sip

import "github.com/voclab/sipcall/internal/errorutil"

// Error represents a SIP stack error.
// See [errorutil.Error].
type Error = errorutil.Error

// Common errors.
const (
	ErrInvalidArgument = errorutil.ErrInvalidArgument
)

// Router and call errors.
const (
	ErrTooManyCalls       Error = "too_many_calls"
	ErrServiceNotStarted  Error = "service_not_started"
	ErrServiceUnavailable Error = "service_unavailable"
	ErrCallStopped        Error = "call stopped"
)

// Transaction and dialog errors.
const (
	ErrTransactionNotFound Error = "no matching transaction"
	ErrDialogNotFound      Error = "no matching dialog"
	ErrInvalidCSeq         Error = "invalid cseq"
)

// Outbound flow errors.
const (
	// ErrFlowFailed is returned when a flow token references a dead connection.
	ErrFlowFailed Error = "flow_failed"
	// ErrInvalidFlowToken is returned when a flow token cannot be decoded.
	ErrInvalidFlowToken Error = "invalid flow token"
)

// Authentication errors.
const (
	ErrInvalidAuthHeader Error = "invalid_auth_header"
	ErrUnknownNonce      Error = "unknown_nonce"
	ErrNoPass            Error = "no_pass"
)

// NewInvalidArgumentError creates a new error with [ErrInvalidArgument] or
// wraps provided error with [ErrInvalidArgument].
func NewInvalidArgumentError(args ...any) error {
	return errorutil.NewInvalidArgumentError(args...) //errtrace:skip
}
