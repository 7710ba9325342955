// Package fault defines the classified error taxonomy shared by the resource,
// I/O and engine layers of quire.
package fault

import (
	"errors"
	"fmt"
)

// Class groups errors by who is at fault and how the session reacts.
type Class string

const (
	// ClassConfiguration is a bad option combination. It is always reported
	// before any engine invocation.
	ClassConfiguration Class = "configuration"

	// ClassResolution means a bundle or provider could not satisfy a lookup.
	ClassResolution Class = "resolution"

	// ClassIO covers I/O stack failures such as writes to read-only layers.
	ClassIO Class = "io"

	// ClassEngine means the native engine signaled a fatal error.
	ClassEngine Class = "engine"

	// ClassInternal is a broken contract between host and engine. Always fatal.
	ClassInternal Class = "internal"
)

// Kind refines a Class for programmatic handling.
type Kind string

const (
	KindInvalidBundlePath   Kind = "invalid_bundle_path"
	KindResourceUnavailable Kind = "resource_unavailable"
	KindNotCachedLocally    Kind = "not_cached_locally"
	KindCorruptArchive      Kind = "corrupt_archive"
	KindNotFound            Kind = "not_found"
	KindReadOnlyLayer       Kind = "read_only_layer"
	KindPermissionDenied    Kind = "permission_denied"
)

// Error is a classified error with context.
type Error struct {
	// Class is the error classification.
	Class Class

	// Kind is an optional refinement of Class.
	Kind Kind

	// Message is the human-readable error message.
	Message string

	// Resource is the resource identifier involved, if any.
	Resource string

	// Op is the operation being performed when the error occurred.
	Op string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface. The cause is not included; status
// sinks walk the chain through Unwrap.
func (e *Error) Error() string {
	switch {
	case e.Resource != "" && e.Op != "":
		return fmt.Sprintf("%s (resource %q, during %s)", e.Message, e.Resource, e.Op)
	case e.Resource != "":
		return fmt.Sprintf("%s (resource %q)", e.Message, e.Resource)
	case e.Op != "":
		return fmt.Sprintf("%s (during %s)", e.Message, e.Op)
	}
	return e.Message
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Class and, when the target sets one, Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Class != e.Class {
		return false
	}
	return t.Kind == "" || t.Kind == e.Kind
}

// WithResource adds resource context to an error.
func (e *Error) WithResource(name string) *Error {
	e.Resource = name
	return e
}

// WithOp adds operation context to an error.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// Sentinels for errors.Is.
var (
	ErrConfiguration       = &Error{Class: ClassConfiguration}
	ErrResolution          = &Error{Class: ClassResolution}
	ErrNotFound            = &Error{Class: ClassResolution, Kind: KindNotFound}
	ErrInvalidBundlePath   = &Error{Class: ClassResolution, Kind: KindInvalidBundlePath}
	ErrResourceUnavailable = &Error{Class: ClassResolution, Kind: KindResourceUnavailable}
	ErrNotCachedLocally    = &Error{Class: ClassResolution, Kind: KindNotCachedLocally}
	ErrCorruptArchive      = &Error{Class: ClassResolution, Kind: KindCorruptArchive}
	ErrIO                  = &Error{Class: ClassIO}
	ErrReadOnlyLayer       = &Error{Class: ClassIO, Kind: KindReadOnlyLayer}
	ErrPermissionDenied    = &Error{Class: ClassIO, Kind: KindPermissionDenied}
	ErrEngine              = &Error{Class: ClassEngine}
	ErrInternal            = &Error{Class: ClassInternal}
)

// Configuration creates a configuration error.
func Configuration(format string, args ...any) *Error {
	return &Error{Class: ClassConfiguration, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports that no layer or provider holds name.
func NotFound(name string) *Error {
	return &Error{
		Class:    ClassResolution,
		Kind:     KindNotFound,
		Message:  "resource not found",
		Resource: name,
	}
}

// Resolution creates a resolution error of the given kind.
func Resolution(kind Kind, message string, err error) *Error {
	return &Error{Class: ClassResolution, Kind: kind, Message: message, Err: err}
}

// IO creates an I/O stack error of the given kind.
func IO(kind Kind, message string, err error) *Error {
	return &Error{Class: ClassIO, Kind: kind, Message: message, Err: err}
}

// Engine creates an engine error carrying the engine's fatal message.
func Engine(engine, message string) *Error {
	return &Error{Class: ClassEngine, Message: message, Op: engine}
}

// Internal creates an internal error.
func Internal(format string, args ...any) *Error {
	return &Error{Class: ClassInternal, Message: fmt.Sprintf(format, args...)}
}

// ClassOf returns the class of the first classified error in the chain, or
// the empty string.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// IsNotFound reports whether err is a plain absence, as opposed to a hard
// resolution failure.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsEngine reports whether err came from the native engine.
func IsEngine(err error) bool {
	return errors.Is(err, ErrEngine)
}

// IsHard reports whether err must abort the running pass. Plain absence is
// left for the engine to decide on.
func IsHard(err error) bool {
	return err != nil && !IsNotFound(err)
}
