// Package errs provides structured error types and helpers for mindrill services.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies an error category within the orchestration core.
type Code string

const (
	// CodeNotFound indicates a missing session or client.
	CodeNotFound Code = "not_found"
	// CodeModuleFault indicates a failure raised inside an exercise module.
	CodeModuleFault Code = "module_fault"
	// CodeTransport indicates a network transport failure.
	CodeTransport Code = "transport"
	// CodeStaleUpdate indicates a state update at or below the applied version.
	CodeStaleUpdate Code = "stale_update"
	// CodeSubscriberFault indicates an event bus subscriber failure.
	CodeSubscriberFault Code = "subscriber_fault"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeUnavailable indicates the component is closed or shutting down.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the mindrill stack.
type E struct {
	Component string
	Code      Code
	Session   string
	Function  string
	Message   string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
		Session:   "",
		Function:  "",
		Message:   "",
		cause:     nil,
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

// WithSession records the session the error originated from.
func WithSession(sessionID string) Option {
	trimmed := strings.TrimSpace(sessionID)
	return func(e *E) {
		e.Session = trimmed
	}
}

// WithFunction records the operation that produced the error.
func WithFunction(fn string) Option {
	trimmed := strings.TrimSpace(fn)
	return func(e *E) {
		e.Function = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Session != "" {
		parts = append(parts, "session="+e.Session)
	}
	if e.Function != "" {
		parts = append(parts, "function="+e.Function)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the code from an error envelope, or empty for foreign errors.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

// IsNotFound reports whether the error carries the not-found code.
func IsNotFound(err error) bool { return CodeOf(err) == CodeNotFound }
