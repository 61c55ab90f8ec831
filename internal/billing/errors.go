package billing

import (
	"errors"
	"fmt"

	"github.com/EastsCloud/property-management/internal/platform/httpx"
)

// ErrNotFound is returned by repositories when a row does not exist.
var ErrNotFound = errors.New("billing: not found")

// ErrDuplicateKey is returned by repositories when an idempotency key is already taken.
var ErrDuplicateKey = errors.New("billing: duplicate idempotency key")

// ValidationError reports malformed or out-of-range input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Unwrap lets callers match with errors.Is(err, httpx.ErrValidation).
func (e *ValidationError) Unwrap() error { return httpx.ErrValidation }

// NotFoundError reports a reference that does not resolve.
type NotFoundError struct {
	Entity string
	ID     int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}

// Unwrap lets callers match with errors.Is(err, httpx.ErrNotFound).
func (e *NotFoundError) Unwrap() error { return httpx.ErrNotFound }

// ConflictError reports an operation refused by the current state of the ledger.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// Unwrap lets callers match with errors.Is(err, httpx.ErrConflict).
func (e *ConflictError) Unwrap() error { return httpx.ErrConflict }

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

func notFound(entity string, id int64, err error) error {
	if errors.Is(err, ErrNotFound) {
		return &NotFoundError{Entity: entity, ID: id}
	}
	return err
}
