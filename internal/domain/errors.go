package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ValidationError reports malformed or out-of-range input.
type ValidationError struct {
	Field   string
	Reason  string
	Details map[string]any
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// ConflictError reports an overlapping booking for the same doctor.
type ConflictError struct {
	ConflictingID uuid.UUID
	DoctorID      uuid.UUID
	Requested     Window
	Existing      Window
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("window %s-%s conflicts with appointment %s",
		e.Requested.Start.Format("2006-01-02T15:04Z07:00"),
		e.Requested.End.Format("15:04Z07:00"),
		e.ConflictingID)
}

type IllegalTransitionError struct {
	Current   Status
	Requested Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal status transition %s -> %s", e.Current, e.Requested)
}

type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// StorageError wraps a persistence failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// AsStorageError wraps err unless it already is a domain error.
func AsStorageError(op string, err error) error {
	if err == nil || IsDomainError(err) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// IsDomainError reports whether err carries one of the typed domain errors.
func IsDomainError(err error) bool {
	var (
		ve *ValidationError
		ce *ConflictError
		te *IllegalTransitionError
		ne *NotFoundError
		se *StorageError
	)
	return errors.As(err, &ve) || errors.As(err, &ce) || errors.As(err, &te) ||
		errors.As(err, &ne) || errors.As(err, &se)
}
