// Package cubeerr defines the error kinds reported by telecube readers,
// writers and engines, and an error type that carries the originating file
// path and byte offset.
package cubeerr

import (
	"errors"
	"fmt"
)

// Error kinds. Match them with errors.Is.
var (
	ErrMalformedHeader        = errors.New("MalformedHeader")
	ErrFileSizeMismatch       = errors.New("FileSizeMismatch")
	ErrUnsupportedEncoding    = errors.New("UnsupportedEncoding")
	ErrTruncatedData          = errors.New("TruncatedData")
	ErrRangeOutOfBounds       = errors.New("RangeOutOfBounds")
	ErrIncompatibleConversion = errors.New("IncompatibleConversion")
)

var kinds = []error{
	ErrMalformedHeader,
	ErrFileSizeMismatch,
	ErrUnsupportedEncoding,
	ErrTruncatedData,
	ErrRangeOutOfBounds,
	ErrIncompatibleConversion,
}

// NoOffset marks an error that is not tied to a byte position.
const NoOffset int64 = -1

// Error is a classified failure on a specific file.
type Error struct {
	Kind   error  // one of the Err* kinds above
	Path   string // originating file, may be empty
	Offset int64  // byte offset in Path, NoOffset when unknown
	Detail string // human readable description
	Err    error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Path != "" {
		msg += ": " + e.Path
		if e.Offset >= 0 {
			msg += fmt.Sprintf(" at byte %d", e.Offset)
		}
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause so errors.Is matches either.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New builds a classified error with a formatted detail message.
func New(kind error, path string, offset int64, format string, args ...any) *Error {
	return &Error{
		Kind:   kind,
		Path:   path,
		Offset: offset,
		Detail: fmt.Sprintf(format, args...),
	}
}

// Wrap classifies an underlying error.
func Wrap(kind error, path string, offset int64, err error, format string, args ...any) *Error {
	e := New(kind, path, offset, format, args...)
	e.Err = err
	return e
}

// KindName returns the name of the first error kind found in err's chain,
// or "Error" if err is not classified.
func KindName(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k.Error()
		}
	}
	return "Error"
}

// ExitCode maps an error to a process exit status. Each kind gets a
// distinct code so scripts can tell them apart.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	for i, k := range kinds {
		if errors.Is(err, k) {
			return 10 + i
		}
	}
	return 1
}

// Offset reports the byte offset carried by err, if any.
func Offset(err error) (int64, bool) {
	var e *Error
	if errors.As(err, &e) && e.Offset >= 0 {
		return e.Offset, true
	}
	return 0, false
}
