package kernel

// error.go defines the error type returned by allocators and the
// simulated kernel: a concrete type that wraps an errcode.Code sentinel
// and satisfies errors.Is.

import (
	"errors"
	"fmt"

	"github.com/sos-rootserver/sos/internal/kernel/errcode"
)

// Error reports a failure tagged with one of the errcode.Code taxonomy
// values, with enough context to log a useful diagnostic.
type Error struct {
	Code errcode.Code
	Op   string // operation that failed, e.g. "cspace.AllocSlot"
	Err  error  // wrapped cause, if any
}

func NewError(op string, code errcode.Code) *Error {
	return &Error{Code: code, Op: op}
}

func WrapError(op string, code errcode.Code, cause error) *Error {
	return &Error{Code: code, Op: op, Err: cause}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, e.Err)
	}

	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target carries the same errcode.Code, so callers can
// write errors.Is(err, kernel.Sentinel(errcode.OutOfMemory)).
func (e *Error) Is(target error) bool {
	var code codeError
	if errors.As(target, &code) {
		return e.Code == code.code()
	}

	if other, ok := target.(*Error); ok {
		return e.Code == other.Code
	}

	return false
}

// codeError lets errcode.Code itself be compared with errors.Is by wrapping
// it in a trivial error; see sentinel below.
type codeError interface {
	code() errcode.Code
}

// sentinel adapts an errcode.Code to the error interface so that callers may
// write errors.Is(err, kernel.Sentinel(errcode.OutOfMemory)) without
// depending on the concrete *Error type.
type sentinel errcode.Code

func (s sentinel) Error() string   { return errcode.Code(s).String() }
func (s sentinel) code() errcode.Code { return errcode.Code(s) }

// Sentinel returns an error value comparable with errors.Is against any
// *Error carrying the same code.
func Sentinel(c errcode.Code) error { return sentinel(c) }
