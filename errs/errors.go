// Package errs defines the error taxonomy shared by every layer of the
// engine. Errors carry a machine-checkable Kind plus the offending field or
// path, so callers can map them to transport responses without string
// matching.
package errs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind classifies an error.
type Kind int

const (
	// KindConfiguration marks fatal registration/compile-time errors: bad
	// computed fields, dangling relationship targets, compute cycles.
	KindConfiguration Kind = iota

	// KindValidation marks request-time, reportable errors: unknown filter
	// or sort fields, include paths over the depth limit, malformed page
	// parameters.
	KindValidation

	// KindNotFound marks a lookup that matched no row.
	KindNotFound

	// KindStorage wraps errors propagated from the storage executor. They
	// are opaque to the engine and never retried here.
	KindStorage
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// Error is the concrete error type produced by the engine.
type Error struct {
	Kind    Kind
	Message string

	// Field names the offending filter/sort field; Path names the offending
	// include path. Either may be empty.
	Field string
	Path  string

	// Allowed enumerates the valid names when a field validation fails.
	Allowed []string

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Field != "" {
		fmt.Fprintf(&b, " (field %q)", e.Field)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, " (path %q)", e.Path)
	}
	if len(e.Allowed) > 0 {
		fmt.Fprintf(&b, "; allowed: %s", strings.Join(e.Allowed, ", "))
	}
	if e.cause != nil {
		fmt.Fprintf(&b, ": %v", e.cause)
	}
	return b.String()
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// Configuration creates a configuration error.
func Configuration(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConfiguration, Message: fmt.Sprintf(format, args...)}
}

// Validation creates a validation error.
func Validation(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// ValidationField creates a validation error naming the offending field and
// enumerating the allowed names. The allowed list is sorted for stable
// messages.
func ValidationField(field, message string, allowed []string) *Error {
	sorted := append([]string(nil), allowed...)
	sort.Strings(sorted)
	return &Error{Kind: KindValidation, Message: message, Field: field, Allowed: sorted}
}

// ValidationPath creates a validation error naming the offending include path.
func ValidationPath(path, format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...), Path: path}
}

// NotFound creates a not-found error.
func NotFound(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Storage wraps an error from the storage executor.
func Storage(cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindStorage, Message: fmt.Sprintf(format, args...), cause: cause}
}

// KindOf returns the kind of err and true when err (or anything it wraps) is
// an engine error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsKind reports whether err is an engine error of the given kind.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// IsConfiguration reports whether err is a configuration error.
func IsConfiguration(err error) bool { return IsKind(err, KindConfiguration) }

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return IsKind(err, KindValidation) }

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }

// IsStorage reports whether err is a storage error.
func IsStorage(err error) bool { return IsKind(err, KindStorage) }
