// Package guard wraps upstream provider calls with failure classification,
// bounded retries, and process-wide credit-exhaustion tracking.
package guard

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an upstream failure.
type Kind string

const (
	// KindNotFound means the requested entity does not exist upstream.
	KindNotFound Kind = "not_found"
	// KindCreditExhausted means the provider reported a depleted prepaid quota.
	KindCreditExhausted Kind = "credit_exhausted"
	// KindRateLimited means the provider rejected the call for request rate.
	KindRateLimited Kind = "rate_limited"
	// KindTransient means the request failed before a provider response.
	KindTransient Kind = "transient"
	// KindPermanent means a non-retryable upstream failure.
	KindPermanent Kind = "permanent"
	// KindStorage means the local media store failed.
	KindStorage Kind = "storage"
	// KindMalformedBatch means a combined response could not be demultiplexed.
	KindMalformedBatch Kind = "malformed_batch_response"
)

// Error is a classified upstream failure. Kind drives the retry policy and
// the remediation fields carry what a caller needs to act without inspecting
// provider internals.
type Error struct {
	Kind       Kind
	Provider   Provider
	Message    string
	TopUpURL   string        // set for KindCreditExhausted
	RetryAfter time.Duration // set for KindRateLimited
	Err        error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the classification of err, or KindPermanent for errors that
// did not come out of the guard.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindPermanent
}

// AsError returns the classified error inside err, if any.
func AsError(err error) (*Error, bool) {
	var ge *Error
	ok := errors.As(err, &ge)
	return ge, ok
}
