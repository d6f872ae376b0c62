// Package errors provides the typed error taxonomy used across hostguard.
//
// Every failure that crosses a component boundary carries a Kind so callers
// can decide whether to absorb it (transient, degraded) or surface it as an
// alert (process, enforcement).
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind defines the category of error.
type Kind int

const (
	KindUnknown Kind = iota
	KindInternal
	KindTransientIO
	KindValidation
	KindProcessFailure
	KindEnforcementFailure
	KindDegradedService
	KindNotFound
	KindConflict
	KindTimeout
	KindPermission
)

func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindTransientIO:
		return "transient_io"
	case KindValidation:
		return "validation"
	case KindProcessFailure:
		return "process_failure"
	case KindEnforcementFailure:
		return "enforcement_failure"
	case KindDegradedService:
		return "degraded_service"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTimeout:
		return "timeout"
	case KindPermission:
		return "permission"
	default:
		return "unknown"
	}
}

// Error represents a structured error in the hostguard system.
type Error struct {
	Kind       Kind
	Message    string
	Underlying error
	Attributes map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Underlying)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Underlying
}

// New creates a new Error of the specified kind.
func New(kind Kind, msg string) error {
	return &Error{
		Kind:    kind,
		Message: msg,
	}
}

// Errorf creates a new Error of the specified kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error as a new Error of the specified kind.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:       kind,
		Message:    msg,
		Underlying: err,
	}
}

// Wrapf wraps an existing error with a formatted message.
func Wrapf(err error, kind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:       kind,
		Message:    fmt.Sprintf(format, args...),
		Underlying: err,
	}
}

// GetKind returns the Kind of the first *Error in the chain, or KindUnknown.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && GetKind(err) == kind
}

// GetAttributes returns all attributes associated with the error and its chain.
func GetAttributes(err error) map[string]any {
	attrs := make(map[string]any)
	var e *Error

	tempErr := err
	for tempErr != nil {
		if !errors.As(tempErr, &e) {
			break
		}
		for k, v := range e.Attributes {
			if _, ok := attrs[k]; !ok {
				attrs[k] = v
			}
		}
		tempErr = e.Underlying
	}

	return attrs
}

// Validation collects validation problems so that all of them are reported at once.
type Validation struct {
	problems []string
}

// Addf records a problem.
func (v *Validation) Addf(format string, args ...any) {
	v.problems = append(v.problems, fmt.Sprintf(format, args...))
}

// Merge records every problem carried by err, prefixed.
func (v *Validation) Merge(prefix string, err error) {
	if err == nil {
		return
	}
	v.problems = append(v.problems, prefix+": "+err.Error())
}

// Empty reports whether no problem was recorded.
func (v *Validation) Empty() bool {
	return len(v.problems) == 0
}

// Problems returns the recorded problems in order.
func (v *Validation) Problems() []string {
	return append([]string(nil), v.problems...)
}

// Err returns a KindValidation error listing every problem, or nil.
func (v *Validation) Err(msg string) error {
	if len(v.problems) == 0 {
		return nil
	}
	e := &Error{
		Kind:    KindValidation,
		Message: msg + ": " + strings.Join(v.problems, "; "),
	}
	e.Attributes = map[string]any{"problems": v.Problems()}
	return e
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Join returns an error that wraps the given errors.
func Join(errs ...error) error {
	return errors.Join(errs...)
}
