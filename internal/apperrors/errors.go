package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrValidation indicates that input data failed validation checks.
var ErrValidation = errors.New("validation error")

// ErrNotFound indicates that a referenced local record is absent.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a write that contradicts existing state.
var ErrConflict = errors.New("conflict")

var (
	ErrSessionAlreadyOpen   = fmt.Errorf("%w: operator already has an open cash session", ErrConflict)
	ErrSessionAlreadyClosed = fmt.Errorf("%w: cash session already closed", ErrConflict)
	ErrSessionNotOpen       = fmt.Errorf("%w: cash session is not open", ErrConflict)
	ErrClosureExists        = fmt.Errorf("%w: cash session already has a closure", ErrConflict)
	ErrSaleVoided           = fmt.Errorf("%w: sale already voided", ErrConflict)
)

var ErrInsufficientStock = errors.New("insufficient stock")

// ErrSchema is returned by the local store for records that do not match the declared collection schema.
var ErrSchema = errors.New("schema error")

var ErrUnauthorized = errors.New("unauthorized")

// Sync classification sentinels.
var (
	ErrTransient     = errors.New("transient network error")
	ErrRejected      = errors.New("server rejection")
	ErrDependencyGap = errors.New("dependency gap")
	ErrPermanent     = errors.New("permanent failure")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation error: %s", e.Reason)
	}
	return fmt.Sprintf("validation error: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

type SchemaError struct {
	Collection string
	Reason     string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema error: collection %q: %s", e.Collection, e.Reason)
}

func (e *SchemaError) Unwrap() error { return ErrSchema }

// TransientNetworkError wraps a failure that is expected to clear on a later pass.
type TransientNetworkError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientNetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient network error: %s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("transient network error: %s: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTransient}
	}
	return []error{ErrTransient, e.Err}
}

// ServerRejection is a non-auth 4xx answer. It is never retried automatically.
type ServerRejection struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *ServerRejection) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		return fmt.Sprintf("server rejected %s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("server rejected %s: status %d: %s", e.Op, e.StatusCode, msg)
}

func (e *ServerRejection) Unwrap() error { return ErrRejected }

type DependencyGapError struct {
	EntityType string
	LocalID    string
}

func (e *DependencyGapError) Error() string {
	return fmt.Sprintf("dependency gap: no server id for %s %s", e.EntityType, e.LocalID)
}

func (e *DependencyGapError) Unwrap() error { return ErrDependencyGap }

type Class int

const (
	ClassTransient Class = iota
	ClassPermanent
	ClassDependencyGap
)

func (c Class) String() string {
	switch c {
	case ClassPermanent:
		return "permanent"
	case ClassDependencyGap:
		return "dependency_gap"
	default:
		return "transient"
	}
}

// Classify maps a sync failure onto the retry policy. Unknown errors are
// treated as transient so a record is never dropped on an unexpected error.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassTransient
	case errors.Is(err, ErrDependencyGap):
		return ClassDependencyGap
	case errors.Is(err, ErrRejected), errors.Is(err, ErrPermanent), errors.Is(err, ErrValidation), errors.Is(err, ErrSchema):
		return ClassPermanent
	case errors.Is(err, ErrTransient), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	return ClassTransient
}
