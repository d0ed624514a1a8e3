package errs

import (
	"context"
	"errors"
	"strings"
)

// Invalid returns a validation error raised before any venue call is issued.
func Invalid(msg string, opts ...Option) *E {
	all := append([]Option{WithMessage(msg)}, opts...)
	return New("", CodeInvalid, all...)
}

// As extracts the first *E in the error chain.
func As(err error) (*E, bool) {
	var target *E
	if err == nil || !errors.As(err, &target) || target == nil {
		return nil, false
	}
	return target, true
}

// HasCode reports whether the error chain carries an envelope with the code.
func HasCode(err error, code Code) bool {
	e, ok := As(err)
	return ok && e.Code == code
}

// CodeOf returns the code of the first envelope in the chain, or "" when
// there is none.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return ""
}

// IsOrderNotFound reports whether the venue considers the referenced order unknown.
// Callers treat this as equivalent to a confirmed cancellation.
func IsOrderNotFound(err error) bool {
	e, ok := As(err)
	return ok && e.Canonical == CanonicalOrderNotFound
}

// IsValidation reports whether the error was raised by local validation.
func IsValidation(err error) bool {
	return HasCode(err, CodeInvalid)
}

// IsTransport reports whether the failure happened below the venue application layer
// (network, decode, timeout) rather than as a structured venue error.
func IsTransport(err error) bool {
	e, ok := As(err)
	if !ok {
		return false
	}
	return e.Code == CodeNetwork || e.Code == CodeTimeout || e.Code == CodeUnavailable
}

// IsVenue reports whether the error is a structured application error returned by the venue.
func IsVenue(err error) bool {
	e, ok := As(err)
	if !ok {
		return false
	}
	return strings.TrimSpace(e.RawCode) != "" && !IsTransport(err)
}

// IsShutdown reports whether err carries the caller's context cancellation.
func IsShutdown(err error) bool {
	return errors.Is(err, context.Canceled)
}
