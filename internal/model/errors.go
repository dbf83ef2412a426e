package model

import (
	"errors"
	"fmt"

	"github.com/watmarket/market-engine/internal/money"
)

// Kind is the engine's error taxonomy. Every rejected command carries one.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindInsufficientFunds  Kind = "insufficient_funds"
	KindInsufficientShares Kind = "insufficient_shares"
	KindSlippageExceeded   Kind = "slippage_exceeded"
	KindPoolInvariant      Kind = "pool_invariant_violation"
	KindAlreadyResolved    Kind = "already_resolved"
	KindNumeric            Kind = "numeric_error"
	KindBusy               Kind = "busy"
	KindNotFound           Kind = "not_found"
	KindInternal           Kind = "internal"
)

// Sentinel errors, one per kind. Compare with errors.Is.
var (
	ErrValidation         = &Error{Kind: KindValidation}
	ErrInsufficientFunds  = &Error{Kind: KindInsufficientFunds}
	ErrInsufficientShares = &Error{Kind: KindInsufficientShares}
	ErrSlippageExceeded   = &Error{Kind: KindSlippageExceeded}
	ErrPoolInvariant      = &Error{Kind: KindPoolInvariant}
	ErrAlreadyResolved    = &Error{Kind: KindAlreadyResolved}
	ErrNumeric            = &Error{Kind: KindNumeric}
	ErrBusy               = &Error{Kind: KindBusy}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrInternal           = &Error{Kind: KindInternal}
)

// Error is a classified engine error with a human-readable reason.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

// Errorf builds an Error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Wrap classifies a lower-level error.
func Wrap(kind Kind, err error, reason string) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Reason != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	case e.Reason != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrBusy) works
// regardless of reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
// Fixed-point overflow and non-finite input from package money classify as
// KindNumeric.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, money.ErrNumeric) {
		return KindNumeric
	}
	return KindInternal
}

// IsRetryable reports whether the caller may retry the same command.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBusy)
}

// IsCorruption reports errors that signal upstream corruption rather than a
// bad request. They are surfaced loudly and never replaced with defaults.
func IsCorruption(err error) bool {
	k := KindOf(err)
	return k == KindPoolInvariant || k == KindNumeric
}
