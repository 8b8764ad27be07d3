package keylifecycle

import (
	"errors"
	"fmt"
)

// Code is a stable governance error code surfaced to API clients.
type Code string

const (
	CodeTwoManRule          Code = "TWO_MAN_RULE"
	CodeRequestExpired      Code = "REQUEST_EXPIRED"
	CodeInvalidStatus       Code = "INVALID_STATUS"
	CodeNotFound            Code = "NOT_FOUND"
	CodeActiveKeyRevocation Code = "ACTIVE_KEY_REVOCATION"
	CodeDualControlRequired Code = "DUAL_CONTROL_REQUIRED"
	CodeBreakGlassInactive  Code = "BREAK_GLASS_INACTIVE"
	CodeBreakGlassActive    Code = "BREAK_GLASS_ACTIVE"
	CodeInvalidRequest      Code = "INVALID_REQUEST"
)

// Error is a domain-level rejection. It never wraps storage internals.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the governance code from err, or "" when err is not a
// governance error.
func CodeOf(err error) Code {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	return ""
}

// errStaleStatus is returned by stores when a compare-and-set loses.
var errStaleStatus = errors.New("keylifecycle: status changed concurrently")

// ErrNotFound is returned by stores for unknown request ids.
var ErrNotFound = errors.New("keylifecycle: request not found")
