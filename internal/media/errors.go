package media

import (
	"fmt"
	"strings"
)

// ErrorKind classifies a local capture failure. The session maps each kind
// to a distinct user-visible message; none of them is retryable within the
// same call.
type ErrorKind string

const (
	PermissionDenied ErrorKind = "permission-denied"
	DeviceNotFound   ErrorKind = "device-not-found"
	DeviceBusy       ErrorKind = "device-busy"
)

// Error is a local media acquisition failure.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("media %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// classify maps a driver error onto an ErrorKind. The capture drivers report
// failures as plain text, so classification is by message. Unknown failures
// count as a missing device — the session tears down either way, only the
// user-facing message differs.
func classify(err error) *Error {
	msg := strings.ToLower(err.Error())
	kind := DeviceNotFound
	switch {
	case strings.Contains(msg, "permission") || strings.Contains(msg, "not permitted") ||
		strings.Contains(msg, "access denied"):
		kind = PermissionDenied
	case strings.Contains(msg, "busy") || strings.Contains(msg, "in use") ||
		strings.Contains(msg, "resource temporarily unavailable"):
		kind = DeviceBusy
	}
	return &Error{Kind: kind, Err: err}
}
