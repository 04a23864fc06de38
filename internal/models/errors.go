package models

import (
	"errors"
	"fmt"
)

var (
	// ErrAttemptInFlight is returned synchronously when a purchase is
	// requested for a product that already has a non-terminal attempt.
	// The new request is rejected, never queued.
	ErrAttemptInFlight = errors.New("purchase already in flight for this product")

	// ErrIdentityStale marks a backend response that arrived after the
	// user/device identity it was issued under was replaced. Such
	// responses are discarded, never applied to the cache.
	ErrIdentityStale = errors.New("identity changed while request was in flight")

	// ErrNotStarted is returned by facade operations invoked before Start.
	ErrNotStarted = errors.New("client not started")
)

// TransactionError is a native platform rejection of a purchase
// (cancellation, payment not allowed, store outage). Never retried by the
// engine.
type TransactionError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("native transaction error %s: %s", e.Code, e.Message)
}

// SyncErrorKind splits backend failures into the two classes the engine
// treats differently.
type SyncErrorKind string

const (
	// SyncNetwork covers timeouts, connection failures and 5xx responses.
	// Retried with backoff; the native transaction stays unfinished.
	SyncNetwork SyncErrorKind = "network"
	// SyncValidation covers 4xx rejections (unknown product, fraud flag).
	// Never retried; the native transaction is finished to stop redelivery.
	SyncValidation SyncErrorKind = "validation"
)

// SyncError is a failed backend round-trip.
type SyncError struct {
	Kind       SyncErrorKind
	StatusCode int
	Err        error
}

func (e *SyncError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("sync %s error (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("sync %s error: %v", e.Kind, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Retryable reports whether the sync client may retry the request.
func (e *SyncError) Retryable() bool { return e.Kind == SyncNetwork }

// IsValidationRejection reports whether err is a backend validation
// rejection, the case where the engine finishes the transaction without
// touching the cache.
func IsValidationRejection(err error) bool {
	var se *SyncError
	return errors.As(err, &se) && se.Kind == SyncValidation
}

// IsNetworkFailure reports whether err is a transient backend failure.
func IsNetworkFailure(err error) bool {
	var se *SyncError
	return errors.As(err, &se) && se.Kind == SyncNetwork
}
