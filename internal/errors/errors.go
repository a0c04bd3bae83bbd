// Package errors defines the failure taxonomy shared by the trigger path and the pipeline.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindConflict    Kind = "conflict"
	KindNotFound    Kind = "not_found"
	KindSignature   Kind = "signature"
	KindBuild       Kind = "build"
	KindNoBuildpack Kind = "no_buildpack"
	KindFleet       Kind = "fleet"
	KindInternal    Kind = "internal"
)

// Error is a classified failure. Message is safe to show to callers; Err may carry
// details that are only logged.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	default:
		return e.Message
	}
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, perrors.ErrConflict) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Op == ""
}

// Sentinels for errors.Is checks.
var (
	ErrValidation  = &Error{Kind: KindValidation}
	ErrConflict    = &Error{Kind: KindConflict}
	ErrNotFound    = &Error{Kind: KindNotFound}
	ErrSignature   = &Error{Kind: KindSignature}
	ErrBuild       = &Error{Kind: KindBuild}
	ErrNoBuildpack = &Error{Kind: KindNoBuildpack}
	ErrFleet       = &Error{Kind: KindFleet}
)

// Validation reports bad or incomplete trigger input.
func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Conflict reports a duplicate domain/path or an already queued target.
func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports a missing configuration, deployment or stack.
func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Signature reports a webhook authentication failure.
func Signature(message string) *Error {
	return &Error{Kind: KindSignature, Message: message}
}

// Build reports unmet buildpack preconditions or a failed build tool.
func Build(message string, err error) *Error {
	return &Error{Kind: KindBuild, Message: message, Err: err}
}

// NoBuildpack reports an unknown build strategy name.
func NoBuildpack(pack string) *Error {
	return &Error{Kind: KindNoBuildpack, Message: "No buildpack found.", Err: fmt.Errorf("unknown buildpack %q", pack)}
}

// Fleet reports an orchestration API failure.
func Fleet(op string, err error) *Error {
	return &Error{Kind: KindFleet, Op: op, Message: "fleet operation failed", Err: err}
}

// KindOf returns the kind of the first classified error in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// PublicMessage returns the caller-safe message for err.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "internal error"
}

// IsTriggerRejection reports whether err was raised before any mutation and must not
// fail an existing attempt.
func IsTriggerRejection(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindConflict, KindSignature, KindNotFound:
		return true
	default:
		return false
	}
}
