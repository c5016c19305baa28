// Package kberr implements the error taxonomy every service layer in this
// module reports through: a closed set of Kind values callers branch on,
// wrapping an optional underlying cause.
package kberr

import (
	"errors"
	"fmt"
)

// Kind enumerates the error categories callers need to distinguish.
type Kind string

const (
	Validation           Kind = "VALIDATION"
	NotFound             Kind = "NOT_FOUND"
	Forbidden            Kind = "FORBIDDEN"
	Precondition         Kind = "PRECONDITION"
	StorageError         Kind = "STORAGE_ERROR"
	DBError              Kind = "DB_ERROR"
	VectorError          Kind = "VECTOR_ERROR"
	ProviderUnavailable  Kind = "PROVIDER_UNAVAILABLE"
	ProviderBusy         Kind = "PROVIDER_BUSY"
	ProviderBadResponse  Kind = "PROVIDER_BAD_RESPONSE"
	ConversionFailed     Kind = "CONVERSION_FAILED"
	DimensionMismatch    Kind = "DIMENSION_MISMATCH"
)

// Error carries a Kind, a human message, and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf constructs an *Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Error carrying cause as its Unwrap target.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf returns the Kind carried by err, walking Unwrap chains, or ""
// if err (or nothing in its chain) is a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err's chain carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
