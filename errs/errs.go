// Package errs provides structured error types and helpers for crossfeed connectors.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies an exchange-specific error category.
type Code string

const (
	// CodeRateLimited indicates that the request exceeded rate limits.
	CodeRateLimited Code = "rate_limited"
	// CodeAuth indicates authentication or authorization errors.
	CodeAuth Code = "auth"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeExchange indicates an exchange-side failure.
	CodeExchange Code = "exchange_error"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeCapacity indicates a subscription or connection capacity limit was hit.
	CodeCapacity Code = "capacity_exhausted"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// CanonicalCode captures exchange-agnostic error categories.
type CanonicalCode string

const (
	// CanonicalUnknown captures uncategorized failures.
	CanonicalUnknown CanonicalCode = "unknown"
	// CanonicalUnknownSymbol indicates that a canonical symbol could not be resolved.
	CanonicalUnknownSymbol CanonicalCode = "unknown_symbol"
	// CanonicalCapacityExhausted indicates the connection or channel ceiling was reached.
	CanonicalCapacityExhausted CanonicalCode = "capacity_exhausted"
	// CanonicalUnauthorized indicates expired or invalid credentials.
	CanonicalUnauthorized CanonicalCode = "unauthorized"
	// CanonicalInvalidSymbol indicates an unsupported or malformed symbol.
	CanonicalInvalidSymbol CanonicalCode = "invalid_symbol"
	// CanonicalRateLimited indicates the request was rate limited.
	CanonicalRateLimited CanonicalCode = "rate_limited"
)

// E captures structured error information produced across the crossfeed stack.
type E struct {
	Exchange  string
	Code      Code
	RawCode   string
	RawMsg    string
	Message   string
	Canonical CanonicalCode

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the exchange and error code.
func New(exchange string, code Code, opts ...Option) *E {
	e := &E{
		Exchange:  strings.TrimSpace(exchange),
		Code:      code,
		Canonical: CanonicalUnknown,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRawCode captures the raw exchange error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw exchange error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithCanonicalCode sets the canonical error code describing the failure category.
func WithCanonicalCode(code CanonicalCode) Option {
	trimmed := strings.TrimSpace(string(code))
	return func(e *E) {
		if trimmed == "" {
			e.Canonical = CanonicalUnknown
			return
		}
		e.Canonical = CanonicalCode(trimmed)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	exchange := strings.TrimSpace(e.Exchange)
	if exchange == "" {
		exchange = "unknown"
	}
	parts = append(parts, "exchange="+exchange)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if cc := strings.TrimSpace(string(e.Canonical)); cc != "" && cc != string(CanonicalUnknown) {
		parts = append(parts, "canonical="+cc)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CapacityExhausted returns a standardized error for connection or channel capacity limits.
func CapacityExhausted(exchange, msg string) *E {
	return New(exchange, CodeCapacity, WithMessage(msg), WithCanonicalCode(CanonicalCapacityExhausted))
}

// UnknownSymbol returns a standardized error for unresolvable product symbols.
func UnknownSymbol(exchange, symbol string) *E {
	return New(exchange, CodeInvalid,
		WithMessage("unknown product symbol: "+strings.TrimSpace(symbol)),
		WithCanonicalCode(CanonicalUnknownSymbol))
}

// Unauthorized returns a standardized error for failed or expired authentication.
func Unauthorized(exchange, msg string) *E {
	return New(exchange, CodeAuth, WithMessage(msg), WithCanonicalCode(CanonicalUnauthorized))
}

// IsCapacityExhausted reports whether the error carries the capacity canonical code.
func IsCapacityExhausted(err error) bool { return hasCanonical(err, CanonicalCapacityExhausted) }

// IsUnknownSymbol reports whether the error carries the unknown-symbol canonical code.
func IsUnknownSymbol(err error) bool { return hasCanonical(err, CanonicalUnknownSymbol) }

// IsUnauthorized reports whether the error carries the unauthorized canonical code.
func IsUnauthorized(err error) bool { return hasCanonical(err, CanonicalUnauthorized) }

func hasCanonical(err error, code CanonicalCode) bool {
	var envelope *E
	if !errors.As(err, &envelope) {
		return false
	}
	return envelope.Canonical == code
}
