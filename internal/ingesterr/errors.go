// Package ingesterr implements the error taxonomy from spec.md §7 as a
// single tagged error type, following the shape of the teacher's
// DuplicateError (internal/services/dedup.go): a typed struct with an
// Error() string method and an errors.As-style accessor.
package ingesterr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindAIFatal          Kind = "AI_FATAL"
	KindAIRetryable      Kind = "AI_RETRYABLE"
	KindAILimitReached   Kind = "AI_LIMIT_REACHED"
	KindEmailConnection  Kind = "EMAIL_CONNECTION"
	KindEmailAuth        Kind = "EMAIL_AUTH"
	KindEmailParse       Kind = "EMAIL_PARSE"
	KindStorage          Kind = "STORAGE"
	KindValidation       Kind = "VALIDATION"
	KindInvoiceParse     Kind = "INVOICE_PARSE"
	KindDuplicate        Kind = "DUPLICATE"
)

// Error is the taxonomy's single error type. Retryable mirrors the
// local-vs-surfaced policy in spec.md §7: everything except AI_FATAL is
// recovered locally within the job.
type Error struct {
	Kind      Kind
	Message   string
	Cause     error
	Retryable bool
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Surfaces reports whether this error must be surfaced to the operator
// (AI_FATAL only) rather than recovered silently within the job.
func (e *Error) Surfaces() bool { return e.Kind == KindAIFatal }

func New(kind Kind, retryable bool, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause, Retryable: retryable}
}

func AIFatal(msg string, cause error) *Error {
	return New(KindAIFatal, false, msg, cause)
}

func AIRetryable(msg string, cause error) *Error {
	return New(KindAIRetryable, true, msg, cause)
}

func AILimitReached(msg string) *Error {
	return New(KindAILimitReached, false, msg, nil)
}

func EmailConnection(cause error) *Error {
	return New(KindEmailConnection, true, "connection error", cause)
}

func EmailAuth(cause error) *Error {
	return New(KindEmailAuth, false, "authentication failed", cause)
}

func EmailParse(cause error) *Error {
	return New(KindEmailParse, false, "protocol parse error", cause)
}

func Storage(cause error) *Error {
	return New(KindStorage, true, "storage error", cause)
}

func Validation(msg string) *Error {
	return New(KindValidation, false, msg, nil)
}

func InvoiceParse(msg string) *Error {
	return New(KindInvoiceParse, false, msg, nil)
}

func Duplicate(msg string) *Error {
	return New(KindDuplicate, false, msg, nil)
}

// As reports whether err (or an error it wraps) is an *Error, returning it
// if so. Mirrors the teacher's AsDuplicateError helper.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsKind is a convenience check used by job-execution code that only cares
// about one taxonomy bucket.
func IsKind(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}
