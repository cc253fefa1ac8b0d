// Package domainerrors defines coded errors that services return to callers.
//
// Stores report infrastructure facts through pkg/platform/sentinel; services
// translate those into a Code so transports can map them without inspecting
// messages.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code classifies a rejection. Codes are stable and safe to expose.
type Code string

const (
	// Ledger rejections.
	CodeInvalidInput        Code = "invalid_input"
	CodeNotFound            Code = "not_found"
	CodeAlreadyExists       Code = "already_exists"
	CodeNotOwner            Code = "not_owner"
	CodeUnauthorized        Code = "unauthorized"
	CodeDeviceInactive      Code = "device_inactive"
	CodeAlreadyVerified     Code = "already_verified"
	CodeNotVerified         Code = "not_verified"
	CodeNotForSale          Code = "not_for_sale"
	CodeSelfTrade           Code = "self_trade"
	CodeInsufficientPayment Code = "insufficient_payment"

	// Ambient failures.
	CodeBadRequest      Code = "bad_request"
	CodeUnauthenticated Code = "unauthenticated"
	CodeTimeout         Code = "timeout"
	CodeInternal        Code = "internal_error"
)

// Error carries a Code, a caller-facing message and an optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a coded error without a cause.
func New(code Code, msg string) error {
	return &Error{Code: code, Message: msg}
}

// Wrap attaches a code and message to cause. A nil cause yields New.
func Wrap(cause error, code Code, msg string) error {
	return &Error{Code: code, Message: msg, Err: cause}
}

// HasCode reports whether the outermost coded error in err's chain has code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// Is is an alias of HasCode kept for call sites that read better with it.
func Is(err error, code Code) bool {
	return HasCode(err, code)
}

// CodeOf returns the outermost Code in err's chain, or CodeInternal when err
// carries none. A nil err yields the empty Code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// Message returns the caller-facing message of the outermost coded error.
func Message(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Message
	}
	return "internal error"
}

// Internal returns err unchanged when it already carries a Code; otherwise it
// wraps err as CodeInternal with msg. A nil err stays nil.
func Internal(err error, msg string) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return err
	}
	return Wrap(err, CodeInternal, msg)
}
