package taskflowv1

import (
	"errors"
	"fmt"
	"reflect"
)

// ErrContractViolation is matched by every AssertionError. A contract
// violation is a bug in a task definition or a call site; it is never retried.
var ErrContractViolation = errors.New("taskflowv1: contract violation")

var (
	ErrPositionalArgs       = errors.New("positional arguments are not supported, use named inputs")
	ErrDuplicateInput       = errors.New("duplicate input")
	ErrTupleOutput          = errors.New("tuple returned for a single output")
	ErrOutputLengthMismatch = errors.New("output length mismatch")
	ErrUnexpectedInput      = errors.New("unexpected input")
	ErrMissingInput         = errors.New("missing input")
	ErrMissingOutput        = errors.New("missing output")
	ErrUnresolvedPromise    = errors.New("unresolved promise")
	ErrDynamicJobSpec       = errors.New("dynamic job spec is not supported here")
)

// AssertionError reports a contract violation for a task.
type AssertionError struct {
	Task   string
	Err    error
	Detail string
}

func (e *AssertionError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("taskflowv1: task %q: %v", e.Task, e.Err)
	}
	return fmt.Sprintf("taskflowv1: task %q: %v: %s", e.Task, e.Err, e.Detail)
}

func (e *AssertionError) Unwrap() error { return e.Err }

func (e *AssertionError) Is(target error) bool { return target == ErrContractViolation }

func assertionErrorf(task string, err error, format string, args ...any) *AssertionError {
	return &AssertionError{Task: task, Err: err, Detail: fmt.Sprintf(format, args...)}
}

// TranslationError reports a literal that could not be converted to its
// declared native type, or the reverse.
type TranslationError struct {
	Task        string
	Var         string
	NativeType  reflect.Type
	LiteralType *LiteralType
	Err         error
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("taskflowv1: task %q: failed to translate %q between %v and %s: %v",
		e.Task, e.Var, e.NativeType, e.LiteralType, e.Err)
}

func (e *TranslationError) Unwrap() error { return e.Err }
