package ports

import (
	"errors"
	"fmt"
)

// Standard application-level errors.
// Adapters wrap underlying infrastructure errors with these so callers
// can branch with errors.Is regardless of the vendor behind the port.
var (
	// Request / concurrency outcomes
	ErrValidation = errors.New("invalid request or illegal transition")
	ErrConflict   = errors.New("version conflict, re-read and retry")
	ErrNotFound   = errors.New("resource not found")

	// Broker outcomes
	ErrBrokerRejected    = errors.New("order rejected by broker")
	ErrBrokerUnavailable = errors.New("broker API unavailable")
	ErrTimeout           = errors.New("operation timed out")
	ErrCredentials       = errors.New("broker credentials invalid")
	ErrRateLimited       = errors.New("broker rate limit exceeded")
	ErrRiskLimit         = errors.New("tenant risk limit exceeded")
	ErrOrderNotFound     = errors.New("order not found at broker")

	// Store failures (unexpected, generally fatal)
	ErrDBConnection = errors.New("database connection error")
	ErrQueryFailed  = errors.New("database query failed")
)

// RejectionError carries the broker's stated reason for an order that
// was acknowledged on submission and rejected downstream. It unwraps to
// ErrBrokerRejected so errors.Is keeps working at call sites that do
// not care about the reason text.
type RejectionError struct {
	OrderID string // Broker order id the rejection refers to
	Reason  string // Broker's stated reason, verbatim
}

func (e *RejectionError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("broker rejected order %s", e.OrderID)
	}
	return fmt.Sprintf("broker rejected order %s: %s", e.OrderID, e.Reason)
}

func (e *RejectionError) Unwrap() error { return ErrBrokerRejected }
