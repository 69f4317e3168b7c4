// Package apperrors defines the error taxonomy shared by the enrichment
// pipeline. Adapters wrap their failures as Transient or Permanent; the
// worker boundary maps the class onto a job state transition.
package apperrors

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTransient marks failures worth retrying: timeouts, rate limits, network errors.
	ErrTransient = errors.New("transient adapter error")

	// ErrPermanent marks failures that will not succeed on retry: malformed
	// input, unsupported content, rejected credentials.
	ErrPermanent = errors.New("permanent adapter error")

	// ErrPartialFailure marks a request that completed with some providers omitted.
	ErrPartialFailure = errors.New("partial failure")

	// ErrConsistencyViolation marks a broken invariant such as a lost or
	// double-acquired lease. Fatal to the current job attempt only.
	ErrConsistencyViolation = errors.New("consistency violation")

	// ErrInvalidInput is returned when caller-supplied arguments are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("not found")
)

// classified pairs an underlying error with its taxonomy class so that both
// errors.Is(err, ErrTransient) and errors.Is(err, cause) hold.
type classified struct {
	class error
	cause error
}

func (e *classified) Error() string {
	return fmt.Sprintf("%s: %v", e.class, e.cause)
}

func (e *classified) Unwrap() []error {
	return []error{e.class, e.cause}
}

// Transient wraps err as a retryable failure. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransient) {
		return err
	}
	return &classified{class: ErrTransient, cause: err}
}

// Permanent wraps err as a non-retryable failure. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPermanent) {
		return err
	}
	return &classified{class: ErrPermanent, cause: err}
}

// Transientf formats a new transient error.
func Transientf(format string, args ...any) error {
	return Transient(fmt.Errorf(format, args...))
}

// Permanentf formats a new permanent error.
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// IsPermanent reports whether err is classified as permanent.
func IsPermanent(err error) bool {
	return err != nil && errors.Is(err, ErrPermanent)
}

// IsTransient reports whether err should be retried. Unclassified errors
// are treated as transient; only an explicit Permanent classification or an
// invalid-input error stops retries.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanent) || errors.Is(err, ErrInvalidInput) {
		return false
	}
	return true
}

// IsTimeout reports whether err stems from a context deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// IsConsistencyViolation reports whether err signals a broken invariant.
func IsConsistencyViolation(err error) bool {
	return errors.Is(err, ErrConsistencyViolation)
}

// FromHTTPStatus classifies a non-2xx response from an upstream service.
// 408, 429 and 5xx are transient; every other status is permanent.
func FromHTTPStatus(service string, status int, body string) error {
	if len(body) > 256 {
		body = body[:256]
	}
	err := fmt.Errorf("%s returned status %d: %s", service, status, body)
	if status == 408 || status == 429 || status >= 500 {
		return Transient(err)
	}
	return Permanent(err)
}
