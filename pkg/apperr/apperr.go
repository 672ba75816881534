// Package apperr provides the structured error record used across the engine.
// Every operation that can fail returns either its success value or an *Error
// carrying a user-facing message, a closed error type, arbitrary context data,
// and a trace of breadcrumbs appended by each layer the error passed through.
package apperr

import (
	"errors"
	"fmt"
)

// Type is the closed set of error classifications. The outermost boundary
// (outside this module) maps each type to the matching transport response.
type Type string

const (
	BadRequest          Type = "BadRequest"
	Conflict            Type = "Conflict"
	Forbidden           Type = "Forbidden"
	InternalServerError Type = "InternalServerError"
	NotAcceptable       Type = "NotAcceptable"
	NotFound            Type = "NotFound"
	Unauthorized        Type = "Unauthorized"
)

// Error is the tagged error record returned by engine operations.
type Error struct {
	// UserMessage is safe to surface to the workflow owner.
	UserMessage string

	// Message is the internal error description.
	Message string

	// Type classifies the failure.
	Type Type

	// Data holds structured context for logging.
	Data map[string]interface{}

	// Trace is the breadcrumb list, one entry per layer, formatted
	// "Component - operation - call site". Oldest entry first.
	Trace []string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithTrace appends one breadcrumb and returns the same record, so callers
// can re-return a lower layer's error with their own call site attached.
func (e *Error) WithTrace(entry string) *Error {
	e.Trace = append(e.Trace, entry)
	return e
}

// Fields returns the record as zap-friendly key/value context.
func (e *Error) Fields() map[string]interface{} {
	fields := map[string]interface{}{
		"errorType": string(e.Type),
		"trace":     e.Trace,
	}
	for k, v := range e.Data {
		fields[k] = v
	}
	return fields
}

// New creates an error record with an initial trace entry.
func New(t Type, userMessage, message string, data map[string]interface{}, trace string) *Error {
	return &Error{
		UserMessage: userMessage,
		Message:     message,
		Type:        t,
		Data:        data,
		Trace:       []string{trace},
	}
}

// NewBadRequest creates a BadRequest error record.
func NewBadRequest(message string, data map[string]interface{}, trace string) *Error {
	return New(BadRequest, message, message, data, trace)
}

// NewNotFound creates a NotFound error record.
func NewNotFound(message string, data map[string]interface{}, trace string) *Error {
	return New(NotFound, message, message, data, trace)
}

// NewConflict creates a Conflict error record.
func NewConflict(message string, data map[string]interface{}, trace string) *Error {
	return New(Conflict, message, message, data, trace)
}

// NewInternal creates an InternalServerError record wrapping a cause.
func NewInternal(message string, err error, data map[string]interface{}, trace string) *Error {
	e := New(InternalServerError, "Internal server error!", message, data, trace)
	e.Err = err
	return e
}

// IsType reports whether err is, or wraps, an *Error of the given type.
func IsType(err error, t Type) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Type == t
}
