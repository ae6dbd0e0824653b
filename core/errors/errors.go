// Package errors provides the error taxonomy shared by the storage engine.
//
// Failures are reported as sentinel values (for errors.Is classification)
// or as typed errors carrying context that unwrap to those sentinels.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for storage failures
var (
	// ErrIO indicates a read, write, seek, lock or sync failure
	ErrIO = errors.New("disk I/O error")
	// ErrShortRead indicates a read that returned fewer bytes than requested
	ErrShortRead = errors.New("short read")
	// ErrFull indicates the disk or quota is exhausted
	ErrFull = errors.New("database or disk is full")
	// ErrCorrupt indicates a structural validation failure
	ErrCorrupt = errors.New("database disk image is malformed")
	// ErrNotADatabase indicates a file whose header is not a database header
	ErrNotADatabase = errors.New("file is not a database")
	// ErrBusy indicates a file lock could not be obtained
	ErrBusy = errors.New("database is locked")
	// ErrLocked indicates a shared-cache table lock conflict
	ErrLocked = errors.New("database table is locked")
	// ErrReadOnly indicates an attempt to write a read-only database
	ErrReadOnly = errors.New("attempt to write a readonly database")
	// ErrNoMem indicates the page cache could not supply a buffer
	ErrNoMem = errors.New("out of memory")
	// ErrMisuse indicates an API called in the wrong state
	ErrMisuse = errors.New("library routine called out of sequence")
	// ErrInvalidInput indicates invalid configuration or arguments
	ErrInvalidInput = errors.New("invalid input")
	// ErrUnsupported indicates an unsupported operation or format
	ErrUnsupported = errors.New("unsupported")
	// ErrNotFound indicates a missing snapshot, table or file
	ErrNotFound = errors.New("not found")

	// ErrDone signals successful completion of an iteration. Not a failure.
	ErrDone = errors.New("done")
	// ErrAbort signals that an operation stopped early on request. Not a failure.
	ErrAbort = errors.New("abort")
)

// IOError represents an I/O operation error with context
type IOError struct {
	Operation string // Operation being performed (e.g., "read", "write", "lock")
	Path      string // File path involved
	Offset    int64  // Byte offset, -1 when not applicable
	Err       error  // Underlying error
}

func (e *IOError) Error() string {
	switch {
	case e.Path != "" && e.Offset >= 0:
		return fmt.Sprintf("failed to %s %s at offset %d: %v", e.Operation, e.Path, e.Offset, e.Err)
	case e.Path != "":
		return fmt.Sprintf("failed to %s %s: %v", e.Operation, e.Path, e.Err)
	}
	return fmt.Sprintf("failed to %s: %v", e.Operation, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Is reports every IOError as ErrIO in addition to its cause.
func (e *IOError) Is(target error) bool {
	return target == ErrIO
}

// CorruptError represents a structural problem found in a page, the
// freelist, a journal or the WAL.
type CorruptError struct {
	Page    uint32 // Page number, 0 if not page-specific
	Message string // What failed validation
}

func (e *CorruptError) Error() string {
	if e.Page != 0 {
		return fmt.Sprintf("%v: page %d: %s", ErrCorrupt, e.Page, e.Message)
	}
	return fmt.Sprintf("%v: %s", ErrCorrupt, e.Message)
}

func (e *CorruptError) Unwrap() error {
	return ErrCorrupt
}

// BusyError reports which lock could not be taken.
type BusyError struct {
	Path  string
	Lock  string
	Tries int
}

func (e *BusyError) Error() string {
	if e.Tries > 0 {
		return fmt.Sprintf("%v: %s lock on %s (after %d retries)", ErrBusy, e.Lock, e.Path, e.Tries)
	}
	return fmt.Sprintf("%v: %s lock on %s", ErrBusy, e.Lock, e.Path)
}

func (e *BusyError) Unwrap() error {
	return ErrBusy
}

// LockedError reports a shared-cache table lock conflict.
type LockedError struct {
	Table  uint32 // Root page of the contended table
	Reason string
}

func (e *LockedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%v: table %d: %s", ErrLocked, e.Table, e.Reason)
	}
	return fmt.Sprintf("%v: table %d", ErrLocked, e.Table)
}

func (e *LockedError) Unwrap() error {
	return ErrLocked
}

// ValidationError represents an input validation error with context
type ValidationError struct {
	Field   string // Field name that failed validation
	Value   string // Value that failed validation
	Message string // Human-readable error message
	Err     error  // Underlying error, if any
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrInvalidInput
}

// MisuseError represents an operation attempted in the wrong state.
type MisuseError struct {
	Operation string
	State     string
}

func (e *MisuseError) Error() string {
	return fmt.Sprintf("%v: %s in state %s", ErrMisuse, e.Operation, e.State)
}

func (e *MisuseError) Unwrap() error {
	return ErrMisuse
}

// UnsupportedError represents an unsupported feature or format
type UnsupportedError struct {
	Feature string // Feature or format that is unsupported
	Reason  string // Why it's not supported
	Err     error  // Underlying error, if any
}

func (e *UnsupportedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("unsupported %s: %s", e.Feature, e.Reason)
	}
	return fmt.Sprintf("unsupported %s", e.Feature)
}

func (e *UnsupportedError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrUnsupported
}

// NotFoundError represents a missing resource.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
	}
	return fmt.Sprintf("%s not found", e.Resource)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// Helper functions for creating common errors

// NewIO creates an IOError without an offset
func NewIO(operation, path string, err error) *IOError {
	return &IOError{
		Operation: operation,
		Path:      path,
		Offset:    -1,
		Err:       err,
	}
}

// NewIOAt creates an IOError at a byte offset
func NewIOAt(operation, path string, offset int64, err error) *IOError {
	return &IOError{
		Operation: operation,
		Path:      path,
		Offset:    offset,
		Err:       err,
	}
}

// NewCorrupt creates a CorruptError
func NewCorrupt(page uint32, message string) *CorruptError {
	return &CorruptError{
		Page:    page,
		Message: message,
	}
}

// Corruptf creates a CorruptError with a formatted message
func Corruptf(page uint32, format string, args ...any) *CorruptError {
	return &CorruptError{
		Page:    page,
		Message: fmt.Sprintf(format, args...),
	}
}

// NewBusy creates a BusyError
func NewBusy(path, lock string, tries int) *BusyError {
	return &BusyError{
		Path:  path,
		Lock:  lock,
		Tries: tries,
	}
}

// NewLocked creates a LockedError
func NewLocked(table uint32, reason string) *LockedError {
	return &LockedError{
		Table:  table,
		Reason: reason,
	}
}

// NewValidation creates a ValidationError
func NewValidation(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// NewMisuse creates a MisuseError
func NewMisuse(operation, state string) *MisuseError {
	return &MisuseError{
		Operation: operation,
		State:     state,
	}
}

// NewUnsupported creates an UnsupportedError
func NewUnsupported(feature, reason string) *UnsupportedError {
	return &UnsupportedError{
		Feature: feature,
		Reason:  reason,
	}
}

// NewNotFound creates a NotFoundError
func NewNotFound(resource, id string) *NotFoundError {
	return &NotFoundError{
		Resource: resource,
		ID:       id,
	}
}

// IsCorrupt reports whether err is a corruption error.
func IsCorrupt(err error) bool { return errors.Is(err, ErrCorrupt) }

// IsBusy reports whether err is a file lock contention error.
func IsBusy(err error) bool { return errors.Is(err, ErrBusy) }

// IsIO reports whether err is an I/O error.
func IsIO(err error) bool { return errors.Is(err, ErrIO) }

// IsControl reports whether err is one of the internal control signals.
func IsControl(err error) bool {
	return errors.Is(err, ErrDone) || errors.Is(err, ErrAbort)
}

// Wrap adds context to an error. If err is nil, returns nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf adds formatted context to an error. If err is nil, returns nil.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", message, err)
}

// Is wraps errors.Is for convenience
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As wraps errors.As for convenience
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Join wraps errors.Join for convenience
func Join(errs ...error) error {
	return errors.Join(errs...)
}
