// ABOUTME: Error taxonomy for backend provisioning and exchange failures
// ABOUTME: Sentinel kinds wrapped in a typed Error that carries the backend's reason

package backend

import (
	"errors"
	"fmt"
)

// Provisioning stage errors.
var (
	ErrCredentialRejected  = errors.New("credential rejected")
	ErrRateLimited         = errors.New("rate limited")
	ErrProvisioningFailed  = errors.New("provisioning failed")
	ErrProvisioningTimeout = errors.New("provisioning timed out")
)

// Exchange stage errors.
var (
	ErrNetwork           = errors.New("network error")
	ErrMalformedResponse = errors.New("malformed response")
	ErrBackendRejected   = errors.New("backend rejected request")
)

// Error is a backend failure. Kind is one of the sentinel errors above and
// Reason is the human-readable explanation, usually supplied by the backend.
type Error struct {
	Op     string // "connect", "status", "chat"
	Kind   error
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the underlying cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(op string, kind error, reason string, cause error) *Error {
	return &Error{Op: op, Kind: kind, Reason: reason, Err: cause}
}

// Reason extracts the human-readable reason from a backend error, or returns
// the error text when err is not an *Error.
func Reason(err error) string {
	var be *Error
	if errors.As(err, &be) && be.Reason != "" {
		return be.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
