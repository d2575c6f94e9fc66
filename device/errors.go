package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// NotFoundError represents an error when an addressable resource is not found
type NotFoundError struct {
	Resource string   // "peripheral", "session", "adapter"
	Keys     []string // One or more lookup keys (e.g., [address])
}

func (e *NotFoundError) Error() string {
	if len(e.Keys) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	return fmt.Sprintf("%s %q not found", e.Resource, strings.Join(e.Keys, "/"))
}

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	NotInitialized   ConnectionState = "not_initialized"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrNotInitialized   = &ConnectionError{State: NotInitialized}
)

// Operation errors
var (
	ErrTimeout          = errors.New("timeout")
	ErrBusy             = errors.New("device busy")
	ErrPermissionDenied = errors.New("permission denied")
	ErrUnsupported      = errors.New("unsupported")
)

// NormalizeError maps known transport error strings to structured errors.
// It ensures consistent handling even if an upstream binding changes
// messages slightly. Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "device not connected"),
		containsIgnoreCase(msg, "not connected"):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	case containsIgnoreCase(msg, "already connected"):
		return fmt.Errorf("%w: %v", ErrAlreadyConnected, err)
	case containsIgnoreCase(msg, "not initialized"):
		return fmt.Errorf("%w: %v", ErrNotInitialized, err)
	case containsIgnoreCase(msg, "timed out"),
		containsIgnoreCase(msg, "timeout"),
		containsIgnoreCase(msg, "deadline exceeded"):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case containsIgnoreCase(msg, "permission denied"),
		containsIgnoreCase(msg, "not authorized"),
		containsIgnoreCase(msg, "access denied"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case containsIgnoreCase(msg, "device busy"),
		containsIgnoreCase(msg, "operation in progress"):
		return fmt.Errorf("%w: %v", ErrBusy, err)
	default:
		return err
	}
}

// transientPatterns are message fragments that indicate a connectivity
// failure likely to clear on its own. Matched case-insensitively.
var transientPatterns = []string{
	"connection reset",
	"connection refused",
	"connection lost",
	"connection closed",
	"broken pipe",
	"i/o timeout",
	"device disconnected",
	"link lost",
}

// IsTransient reports whether err looks like a temporary connectivity
// failure worth retrying. Structured errors are checked first, then the
// message is matched against known transient fragments. Cancellation is
// never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrBusy) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, ErrPermissionDenied) {
		return false
	}
	msg := err.Error()
	for _, pattern := range transientPatterns {
		if containsIgnoreCase(msg, pattern) {
			return true
		}
	}
	return false
}

// containsIgnoreCase checks substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}
