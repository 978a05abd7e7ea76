package repl

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrCouldNotConnect = errors.New("could not connect")
	ErrInvalidPassword = errors.New("invalid password")
	ErrScriptExecution = errors.New("script execution error")

	ErrClosed           = errors.New("connection closed")
	ErrNotConnected     = errors.New("not connected")
	ErrNotSupported     = errors.New("operation not supported by this transport")
	ErrUnexpectedFrame  = errors.New("unexpected webrepl frame")
	ErrBusy             = errors.New("another operation is in flight")
	ErrAlreadyConnected = errors.New("already connected")
)

// CouldNotConnectError reports a transport failure while connecting.
type CouldNotConnectError struct {
	Target string
	Err    error
}

func (e *CouldNotConnectError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("could not connect to %s", e.Target)
	}
	return fmt.Sprintf("could not connect to %s: %v", e.Target, e.Err)
}

func (e *CouldNotConnectError) Unwrap() error { return e.Err }

func (e *CouldNotConnectError) Is(target error) bool { return target == ErrCouldNotConnect }

// ScriptError carries whatever the device wrote to stderr, trimmed but
// otherwise verbatim, including Python tracebacks.
type ScriptError struct {
	Message string
}

func (e *ScriptError) Error() string { return e.Message }

func (e *ScriptError) Is(target error) bool { return target == ErrScriptExecution }

// OS error names as printed by MicroPython, e.g. "OSError: [Errno 2] ENOENT".
const (
	ENOENT    = "ENOENT"
	EEXIST    = "EEXIST"
	EISDIR    = "EISDIR"
	ENOTEMPTY = "ENOTEMPTY"
)

var errnoNumbers = map[string]int{
	ENOENT:    2,
	EEXIST:    17,
	EISDIR:    21,
	ENOTEMPTY: 39,
}

// IsOSError reports whether err is a ScriptError whose traceback ends in the
// given OSError. Matching is by substring because that is all the device gives us.
func IsOSError(err error, name string) bool {
	var se *ScriptError
	if !errors.As(err, &se) {
		return false
	}
	if n, ok := errnoNumbers[name]; ok {
		if strings.Contains(se.Message, fmt.Sprintf("OSError: [Errno %d] %s", n, name)) {
			return true
		}
		// ports built without errno names print only the number
		if strings.Contains(se.Message, fmt.Sprintf("OSError: %d", n)) {
			return true
		}
	}
	return strings.Contains(se.Message, "OSError") && strings.Contains(se.Message, name)
}
