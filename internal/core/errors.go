package core

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidDay         = errors.New("invalid day")
	ErrInvalidMonth       = errors.New("invalid month")
	ErrInvalidYear        = errors.New("invalid year")
	ErrInvalidDate        = errors.New("invalid date")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrEmptyDescription   = errors.New("empty description")
	ErrDescriptionTooLong = errors.New("description too long (max 200 characters)")
	ErrEmptyCategory      = errors.New("empty category")
	ErrInvalidType        = errors.New("invalid transaction type")
	ErrInvalidFrequency   = errors.New("invalid frequency")
	ErrInvalidCount       = errors.New("installments must be at least 2")
	ErrMissingSchedule    = errors.New("scheduled transactions need a scheduled date")
	ErrUnexpectedSchedule = errors.New("scheduled date set on a confirmed transaction")
	ErrMultipleOrigins    = errors.New("a transaction cannot reference both an installment plan and a recurring source")
)

// Sentinels inspected at the transport boundary.
var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means an optimistic precondition did not hold at commit time.
	ErrConflict = errors.New("concurrent modification")
	// ErrDuplicate means a uniqueness constraint rejected the write. Unlike
	// ErrConflict it does not go away on retry.
	ErrDuplicate = errors.New("already exists")
	// ErrTransient is returned once internal retries are exhausted.
	ErrTransient = errors.New("temporarily unavailable, retry later")
	ErrNotDue    = errors.New("not yet due")
)

// ValidationError is a client error carrying the offending field.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Invalid builds a ValidationError for field.
func Invalid(field string, err error) *ValidationError {
	return &ValidationError{Field: field, Err: err}
}

// InvalidStateError reports an operation that the current lifecycle state of
// an entity does not allow.
type InvalidStateError struct {
	Entity string
	ID     string
	State  string
	Reason string
	Err    error
}

func (e *InvalidStateError) Error() string {
	msg := fmt.Sprintf("%s %s is %s", e.Entity, e.ID, e.State)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *InvalidStateError) Unwrap() error {
	return e.Err
}
