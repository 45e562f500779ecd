// Package apperr defines the error taxonomy shared by the dispatch core.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindNoSupply
	KindOTPMismatch
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindNoSupply:
		return "no_supply"
	case KindOTPMismatch:
		return "otp_mismatch"
	case KindTransient:
		return "transient"
	}
	return "unknown"
}

// Conflict reasons.
const (
	ReasonAlreadyAssigned   = "already_assigned"
	ReasonNotAvailable      = "not_available"
	ReasonInvalidTransition = "invalid_transition"
	ReasonLockMismatch      = "lock_mismatch"
	ReasonNotOffered        = "not_offered"
	ReasonDateConflict      = "date_conflict"
	ReasonActiveRideExists  = "active_ride_exists"
)

type Error struct {
	Kind   Kind
	Reason string
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind and, when set, reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Reason == "" || t.Reason == e.Reason)
}

func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

func Conflict(reason, format string, args ...any) error {
	return &Error{Kind: KindConflict, Reason: reason, Msg: fmt.Sprintf(format, args...)}
}

func OTPMismatch(format string, args ...any) error {
	return &Error{Kind: KindOTPMismatch, Msg: fmt.Sprintf(format, args...)}
}

func NoSupply(format string, args ...any) error {
	return &Error{Kind: KindNoSupply, Msg: fmt.Sprintf(format, args...)}
}

// Transient wraps an infrastructure failure that may succeed on retry.
func Transient(err error, format string, args ...any) error {
	return &Error{Kind: KindTransient, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// ReasonOf returns the conflict reason of err, if any.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

func IsConflict(err error) bool  { return KindOf(err) == KindConflict }
func IsNotFound(err error) bool  { return KindOf(err) == KindNotFound }
func IsTransient(err error) bool { return KindOf(err) == KindTransient }
