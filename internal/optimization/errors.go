package optimization

import (
	"errors"
	"fmt"
)

// Kind classifies an optimization error by how the caller should react to it.
type Kind int

const (
	// KindUnknown is the zero value for errors built without a classification.
	KindUnknown Kind = iota
	// KindConfiguration marks structural misconfiguration detected before
	// any solver iteration runs (unknown columns, misaligned horizon, ...).
	KindConfiguration
	// KindEvaluation marks a failure of the model or of a user supplied
	// function while the solver was evaluating it. These are not retried.
	KindEvaluation
	// KindNumerical marks numerical trouble that callers usually receive as a
	// warning on the result rather than as an error.
	KindNumerical
)

// String returns the name of the kind.
func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindEvaluation:
		return "evaluation"
	case KindNumerical:
		return "numerical"
	default:
		return "unknown"
	}
}

var (
	// ErrConfiguration matches any error of KindConfiguration via errors.Is.
	ErrConfiguration = errors.New("configuration error")
	// ErrEvaluation matches any error of KindEvaluation via errors.Is.
	ErrEvaluation = errors.New("evaluation error")
	// ErrNumerical matches any error of KindNumerical via errors.Is.
	ErrNumerical = errors.New("numerical error")
)

// Error represents an optimization error with context
// that can be wrapped with additional information.
type Error struct {
	// Kind classifies the error.
	Kind Kind
	// Message describes the error that occurred.
	Message string
	// Op is the operation that caused the error.
	Op string
	// Component is the component where the error occurred.
	Component string
	// Err is the underlying error that triggered this one, if any.
	Err error
}

// Error returns the string representation of the error.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var prefix string
	if e.Component != "" && e.Op != "" {
		prefix = fmt.Sprintf("%s: %s", e.Component, e.Op)
	} else if e.Component != "" {
		prefix = e.Component
	} else if e.Op != "" {
		prefix = e.Op
	}

	if e.Err != nil {
		if prefix != "" {
			return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}

	if prefix != "" {
		return fmt.Sprintf("%s: %s", prefix, e.Message)
	}
	return e.Message
}

// Unwrap returns the underlying error, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is lets errors.Is match the kind sentinels.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	switch target {
	case ErrConfiguration:
		return e.Kind == KindConfiguration
	case ErrEvaluation:
		return e.Kind == KindEvaluation
	case ErrNumerical:
		return e.Kind == KindNumerical
	}
	return false
}

// WithOperation adds operation context to the error.
func (e *Error) WithOperation(op string) *Error {
	e.Op = op
	return e
}

// WithComponent adds component context to the error.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// NewError creates a new optimization error with the given message.
func NewError(message string) *Error {
	return &Error{
		Message: message,
	}
}

// NewErrorf creates a new optimization error with formatted message.
func NewErrorf(format string, args ...interface{}) *Error {
	return &Error{
		Message: fmt.Sprintf(format, args...),
	}
}

// NewConfigurationError creates an error of KindConfiguration.
func NewConfigurationError(format string, args ...interface{}) *Error {
	return &Error{
		Kind:    KindConfiguration,
		Message: fmt.Sprintf(format, args...),
	}
}

// WrapConfigurationError wraps err as an error of KindConfiguration.
// If err is nil, WrapConfigurationError returns nil.
func WrapConfigurationError(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:    KindConfiguration,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

// NewEvaluationError wraps err as an error of KindEvaluation.
// If err is nil, NewEvaluationError returns nil.
func NewEvaluationError(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	// Keep the innermost classification when an evaluation error bubbles up
	// through nested closures.
	if inner, ok := IsOptimizationError(err); ok && inner.Kind == KindEvaluation {
		return inner
	}
	return &Error{
		Kind:    KindEvaluation,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

// WrapError wraps an existing error with additional context.
// If err is nil, WrapError returns nil.
func WrapError(err error, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:    kindOf(err),
		Message: message,
		Err:     err,
	}
}

// WrapErrorf wraps an existing error with additional formatted context.
// If err is nil, WrapErrorf returns nil.
func WrapErrorf(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:    kindOf(err),
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

// IsOptimizationError checks if an error is, or wraps, an *Error.
// If so, it returns the outermost one and true.
func IsOptimizationError(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// kindOf propagates the classification of a wrapped error.
func kindOf(err error) Kind {
	if e, ok := IsOptimizationError(err); ok {
		return e.Kind
	}
	return KindUnknown
}
