// Package errs defines the error envelope shared by the venue adapter, the
// connector core and the control API.
package errs

import (
	"sort"
	"strconv"
	"strings"
)

// Code is the coarse failure class the connector branches on.
type Code string

const (
	// CodeInvalid marks a request rejected locally before reaching the venue.
	CodeInvalid Code = "invalid_request"
	// CodeNetwork marks a transport failure or an unreadable venue response.
	CodeNetwork Code = "network"
	// CodeTimeout marks a venue call that ran past its deadline.
	CodeTimeout Code = "timeout"
	// CodeUnavailable marks a venue-side outage (5xx).
	CodeUnavailable Code = "unavailable"
	// CodeRateLimited marks a request throttled by the venue.
	CodeRateLimited Code = "rate_limited"
	// CodeAuth marks missing or refused credentials.
	CodeAuth Code = "auth"
	// CodeNotFound marks a venue answer that the referenced resource is unknown.
	CodeNotFound Code = "not_found"
	// CodeExchange marks any other structured venue rejection.
	CodeExchange Code = "exchange_error"
)

// CanonicalCode names the venue-independent meaning of a failure.
type CanonicalCode string

const (
	CanonicalUnknown             CanonicalCode = "unknown"
	CanonicalOrderNotFound       CanonicalCode = "order_not_found"
	CanonicalInsufficientBalance CanonicalCode = "insufficient_balance"
	CanonicalInvalidSymbol       CanonicalCode = "invalid_symbol"
	CanonicalRateLimited         CanonicalCode = "rate_limited"
	// CanonicalBelowMinimum marks an amount that quantizes below the pair minimum.
	CanonicalBelowMinimum CanonicalCode = "below_minimum"
)

// E is the structured error returned across package boundaries. Exchange is
// empty for locally raised errors.
type E struct {
	Exchange  string
	Op        string
	Code      Code
	Canonical CanonicalCode
	Message   string

	// HTTP, RawCode and RawMsg echo the venue response when there was one.
	HTTP    int
	RawCode string
	RawMsg  string
	// VenueFields carries extra venue context such as the request path or
	// the venue's long-form description.
	VenueFields map[string]string
	// Remediation tells an operator what to change before retrying.
	Remediation string

	cause error
}

// Option sets one envelope attribute.
type Option func(*E)

// New builds an envelope for exchange with code.
func New(exchange string, code Code, opts ...Option) *E {
	e := &E{Exchange: strings.TrimSpace(exchange), Code: code, Canonical: CanonicalUnknown}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithOp records the venue operation that failed, e.g. "place_order".
func WithOp(op string) Option {
	op = strings.TrimSpace(op)
	return func(e *E) { e.Op = op }
}

func WithMessage(message string) Option {
	message = strings.TrimSpace(message)
	return func(e *E) { e.Message = message }
}

func WithHTTP(status int) Option {
	return func(e *E) { e.HTTP = status }
}

func WithRawCode(code string) Option {
	code = strings.TrimSpace(code)
	return func(e *E) { e.RawCode = code }
}

func WithRawMessage(msg string) Option {
	return func(e *E) { e.RawMsg = msg }
}

func WithCause(err error) Option {
	return func(e *E) { e.cause = err }
}

// WithCanonicalCode sets the canonical meaning; blank input means unknown.
func WithCanonicalCode(code CanonicalCode) Option {
	trimmed := CanonicalCode(strings.TrimSpace(string(code)))
	if trimmed == "" {
		trimmed = CanonicalUnknown
	}
	return func(e *E) { e.Canonical = trimmed }
}

// WithVenueField adds one key/value of venue context. Blank keys and blank
// values are ignored; a repeated key keeps the last value.
func WithVenueField(key, value string) Option {
	key, value = strings.TrimSpace(key), strings.TrimSpace(value)
	return func(e *E) {
		if key == "" || value == "" {
			return
		}
		if e.VenueFields == nil {
			e.VenueFields = make(map[string]string, 2)
		}
		e.VenueFields[key] = value
	}
}

// WithRemediation attaches operator guidance.
func WithRemediation(hint string) Option {
	hint = strings.TrimSpace(hint)
	return func(e *E) { e.Remediation = hint }
}

// Error renders "<exchange> <op>: <code> [(<canonical>)]: <message>" followed
// by the venue echo, the venue fields, the remediation and the cause.
func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	if e.Exchange != "" {
		b.WriteString(e.Exchange)
	} else {
		b.WriteString("local")
	}
	if e.Op != "" {
		b.WriteString(" " + e.Op)
	}
	code := string(e.Code)
	if code == "" {
		code = "unknown"
	}
	b.WriteString(": " + code)
	if e.Canonical != "" && e.Canonical != CanonicalUnknown {
		b.WriteString(" (" + string(e.Canonical) + ")")
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	if e.HTTP > 0 {
		b.WriteString(" http=" + strconv.Itoa(e.HTTP))
	}
	if e.RawCode != "" {
		b.WriteString(" venue_code=" + e.RawCode)
	}
	if e.RawMsg != "" {
		b.WriteString(" venue_msg=" + strconv.Quote(e.RawMsg))
	}
	keys := make([]string, 0, len(e.VenueFields))
	for k := range e.VenueFields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(" " + k + "=" + strconv.Quote(e.VenueFields[k]))
	}
	if e.Remediation != "" {
		b.WriteString("; " + e.Remediation)
	}
	if e.cause != nil {
		b.WriteString(": " + e.cause.Error())
	}
	return b.String()
}

func (e *E) Unwrap() error { return e.cause }
