package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every failure the core can produce or record.
// Provider adapters must map backend-specific errors onto one of these
// kinds at the adapter boundary; the core never inspects backend shapes.
type ErrorKind string

const (
	KindContextTooLarge ErrorKind = "context_too_large"
	KindFileNotFound    ErrorKind = "file_not_found"
	KindProviderTimeout ErrorKind = "provider_timeout"
	KindRunCanceled     ErrorKind = "run_canceled"
	KindProviderFailure ErrorKind = "provider_failure"
	KindProviderDefect  ErrorKind = "provider_defect"
	KindDuplicateResult ErrorKind = "duplicate_result"
	KindStoreIO         ErrorKind = "store_io"
	KindPolicyInvalid   ErrorKind = "policy_invalid"
)

// Error is a classified error. Configuration kinds (ContextTooLarge,
// FileNotFound, PolicyInvalid) abort a run before dispatch; provider kinds
// stay local to a single persona; StoreIO escalates to an abort.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf creates a classified error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapErr attaches a kind and message to an underlying error.
func WrapErr(kind ErrorKind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the ErrorKind from err, walking the wrap chain.
// Unclassified errors report KindProviderFailure's zero value "".
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// AbortsRun reports whether an error kind is a configuration/input error
// that must abort the whole run before any persona executes.
func (k ErrorKind) AbortsRun() bool {
	switch k {
	case KindContextTooLarge, KindFileNotFound, KindPolicyInvalid:
		return true
	}
	return false
}
