// Package fault carries the error taxonomy reported in status files.
//
// Every failure that reaches a status row is classified by a Kind string
// (the error_type column). Wrapping an error in *fault.Error pins its kind;
// anything unclassified reports as its dynamic type via KindOf.
package fault

import (
	"errors"
	"fmt"
)

// Kinds observable in status/<STATE>.csv error_type.
const (
	// Transport
	KindTimeout            = "Timeout"
	KindConnectionError    = "ConnectionError"
	KindRetryableHTTPError = "RetryableHTTPError"
	KindPermanentHTTPError = "PermanentHTTPError"

	// Content
	KindHTMLInsteadOfData      = "HTMLInsteadOfData"
	KindBadZipFile             = "BadZipFile"
	KindUnsupportedCompression = "UnsupportedCompression"
	KindUnicodeDecodeError     = "UnicodeDecodeError"
	KindJSONDecodeError        = "JSONDecodeError"
	KindParserError            = "ParserError"

	// Semantic
	KindNoCharges   = "NoCharges"
	KindNoExtractor = "NoExtractor"

	// Lifecycle
	KindTimeoutKilled = "TimeoutError"
	KindWorkerCrashed = "WorkerCrashed"
)

// Error is a classified failure.
type Error struct {
	Kind    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error with a formatted message.
func New(kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err, or "Error" when it carries none.
func KindOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return "Error"
}
