// ABOUTME: Error taxonomy shared by the store, resolvers and query executor
// ABOUTME: Validation errors are collected, not-found is soft, internal errors are fatal per request

package entity

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation is the sentinel every ValidationError unwraps to
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned by read paths when no entity matches
	ErrNotFound = errors.New("entity not found")

	// ErrInternal is the sentinel every InternalError unwraps to
	ErrInternal = errors.New("internal error")
)

// ValidationError reports a semantically invalid request or mutation
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	if e.Value != nil {
		return fmt.Sprintf("%s: %s (got %v)", e.Field, e.Message, e.Value)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid builds a ValidationError
func Invalid(field string, value interface{}, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Value: value, Message: fmt.Sprintf(format, args...)}
}

// ValidationErrors is a collected list of validation failures
type ValidationErrors []*ValidationError

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

func (v ValidationErrors) Unwrap() error { return ErrValidation }

// Add appends err when it is non-nil
func (v *ValidationErrors) Add(err *ValidationError) {
	if err != nil {
		*v = append(*v, err)
	}
}

// Merge appends every validation failure contained in err
func (v *ValidationErrors) Merge(err error) {
	var list ValidationErrors
	var single *ValidationError
	switch {
	case err == nil:
	case errors.As(err, &list):
		*v = append(*v, list...)
	case errors.As(err, &single):
		*v = append(*v, single)
	}
}

// Err returns nil for an empty list so callers can `return errs.Err()`
func (v ValidationErrors) Err() error {
	if len(v) == 0 {
		return nil
	}
	return v
}

// NotFoundError identifies the entity a lookup missed
type NotFoundError struct {
	Type       string
	PrimaryKey int
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Type, e.PrimaryKey)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// InternalError is an invariant violation inside the engine
type InternalError struct {
	Op  string
	Err error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error during %s: %v", e.Op, e.Err)
}

func (e *InternalError) Unwrap() []error { return []error{ErrInternal, e.Err} }

// IsValidation reports whether err carries validation failures
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsNotFound reports whether err is a soft not-found
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
