package lsm

import (
	"errors"
	"fmt"
)

// Common sentinel errors
var (
	ErrCorruption      = errors.New("corruption")
	ErrClosed          = errors.New("database is closed")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrCapacity        = errors.New("write capacity exhausted")
	ErrIO              = errors.New("i/o failure")
	ErrQuarantined     = errors.New("table is quarantined")
	ErrNotFound        = errors.New("key not found")
)

// Kind classifies an Error.
type Kind int

const (
	KindIO Kind = iota
	KindCorruption
	KindInvalidArgument
	KindClosed
	KindCapacity
)

// String returns the string representation of a kind
func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindCorruption:
		return "corruption"
	case KindInvalidArgument:
		return "invalid argument"
	case KindClosed:
		return "closed"
	case KindCapacity:
		return "capacity"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindCorruption:
		return ErrCorruption
	case KindInvalidArgument:
		return ErrInvalidArgument
	case KindClosed:
		return ErrClosed
	case KindCapacity:
		return ErrCapacity
	default:
		return ErrIO
	}
}

// Error provides structured error information for engine operations.
type Error struct {
	Op      string // Operation that failed (e.g., "get", "flush", "open table")
	Kind    Kind
	TableID uint64 // File table or log id, if applicable
	Path    string // File involved, if applicable
	Cause   error  // Underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.TableID != 0 && e.Path != "":
		return fmt.Sprintf("%s table %d (%s): %s: %v", e.Op, e.TableID, e.Path, e.Kind, e.Cause)
	case e.TableID != 0:
		return fmt.Sprintf("%s table %d: %s: %v", e.Op, e.TableID, e.Kind, e.Cause)
	case e.Path != "":
		return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Path, e.Kind, e.Cause)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Cause)
	}
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is the sentinel for this error's kind.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	return target == e.Kind.sentinel()
}

// ErrorBuilder provides a fluent interface for building Errors.
type ErrorBuilder struct {
	err Error
}

// NewError creates a new error builder with the given operation and kind.
func NewError(op string, kind Kind) *ErrorBuilder {
	return &ErrorBuilder{err: Error{Op: op, Kind: kind}}
}

// Table sets the table id.
func (b *ErrorBuilder) Table(id uint64) *ErrorBuilder {
	b.err.TableID = id
	return b
}

// Path sets the file path.
func (b *ErrorBuilder) Path(path string) *ErrorBuilder {
	b.err.Path = path
	return b
}

// Cause sets the underlying error cause.
func (b *ErrorBuilder) Cause(err error) *ErrorBuilder {
	b.err.Cause = err
	return b
}

// Causef sets a formatted cause.
func (b *ErrorBuilder) Causef(format string, args ...any) *ErrorBuilder {
	b.err.Cause = fmt.Errorf(format, args...)
	return b
}

// Err returns the error as an error interface.
func (b *ErrorBuilder) Err() error {
	e := b.err
	if e.Cause == nil {
		e.Cause = e.Kind.sentinel()
	}
	return &e
}

// Convenience functions for common error patterns

// CorruptionError creates a corruption error for a table.
func CorruptionError(op string, tableID uint64, path string, cause error) error {
	return NewError(op, KindCorruption).Table(tableID).Path(path).Cause(cause).Err()
}

// IOError creates an I/O error for a file.
func IOError(op, path string, cause error) error {
	return NewError(op, KindIO).Path(path).Cause(cause).Err()
}

// InvalidArgument creates an invalid argument error.
func InvalidArgument(op, format string, args ...any) error {
	return NewError(op, KindInvalidArgument).Causef(format, args...).Err()
}

// IsCorruption returns true if the error indicates corrupted data.
func IsCorruption(err error) bool {
	return errors.Is(err, ErrCorruption)
}

// IsClosed returns true if the error indicates the database is closed.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}

// IsInvalidArgument returns true if the error was caused by bad input.
func IsInvalidArgument(err error) bool {
	return errors.Is(err, ErrInvalidArgument)
}

// IsCapacity returns true if the error indicates write backpressure.
func IsCapacity(err error) bool {
	return errors.Is(err, ErrCapacity)
}
