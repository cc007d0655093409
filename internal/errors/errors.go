package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ControllerError is the base interface for all errors raised while talking
// to a tor control port.
type ControllerError interface {
	error
	IsControllerError() bool
}

// Compile-time verification that all error types implement ControllerError.
var (
	_ ControllerError = (*ProtocolError)(nil)
	_ ControllerError = (*SocketError)(nil)
	_ ControllerError = (*OperationFailedError)(nil)
	_ ControllerError = (*InvalidRequestError)(nil)
	_ ControllerError = (*InvalidArgumentsError)(nil)
	_ ControllerError = (*UnsatisfiableRequestError)(nil)
	_ ControllerError = (*TorNotFoundError)(nil)
	_ ControllerError = (*ProcessError)(nil)
)

// Sentinel errors for commonly checked conditions.
var (
	// ErrSocketClosed indicates the control socket was shut down before a
	// complete message could be exchanged.
	ErrSocketClosed = errors.New("control socket closed")

	// ErrControllerClosed indicates the controller has been closed and cannot
	// be reused.
	ErrControllerClosed = errors.New("controller closed")

	// ErrNotAuthenticated indicates tor rejected a command because the
	// connection hasn't authenticated yet.
	ErrNotAuthenticated = errors.New("connection not authenticated")

	// ErrNoAuthMethod indicates none of the authentication methods tor
	// offered are usable by us.
	ErrNoAuthMethod = errors.New("no usable authentication method")
)

// ProtocolError indicates malformed content from the control socket.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

// IsControllerError implements ControllerError.
func (e *ProtocolError) IsControllerError() bool { return true }

// Protocolf constructs a ProtocolError with a formatted reason.
func Protocolf(format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// SocketError indicates communication with the control socket failed.
// A closed socket wraps ErrSocketClosed so errors.Is works on either.
type SocketError struct {
	Err error
}

func (e *SocketError) Error() string {
	return fmt.Sprintf("control socket failure: %v", e.Err)
}

func (e *SocketError) Unwrap() error {
	return e.Err
}

// IsControllerError implements ControllerError.
func (e *SocketError) IsControllerError() bool { return true }

// OperationFailedError indicates tor returned an error status code for an
// otherwise well-formed request.
type OperationFailedError struct {
	Code    string
	Message string
}

func (e *OperationFailedError) Error() string {
	return fmt.Sprintf("operation failed (code %s): %s", e.Code, e.Message)
}

// IsControllerError implements ControllerError.
func (e *OperationFailedError) IsControllerError() bool { return true }

// UnsatisfiableRequestError indicates tor was unable to satisfy a valid
// request.
type UnsatisfiableRequestError struct {
	OperationFailedError
}

// InvalidRequestError indicates the request was invalid or malformed.
type InvalidRequestError struct {
	OperationFailedError
}

// InvalidArgumentsError indicates a request carried arguments that tor
// rejected, naming the offending arguments when they could be extracted.
type InvalidArgumentsError struct {
	InvalidRequestError
	Arguments []string
}

func (e *InvalidArgumentsError) Error() string {
	if len(e.Arguments) == 0 {
		return e.OperationFailedError.Error()
	}

	return fmt.Sprintf("operation failed (code %s): %s [arguments: %s]",
		e.Code, e.Message, strings.Join(e.Arguments, ", "))
}

// TorNotFoundError indicates the tor binary was not found.
type TorNotFoundError struct {
	SearchedPaths []string
}

func (e *TorNotFoundError) Error() string {
	return fmt.Sprintf("tor binary not found in: %v", e.SearchedPaths)
}

// IsControllerError implements ControllerError.
func (e *TorNotFoundError) IsControllerError() bool { return true }

// ProcessError indicates the launched tor process failed before completing
// its bootstrap. Problem holds the last warn/err runlevel message tor
// reported, when one was seen.
type ProcessError struct {
	ExitCode int
	Problem  string
	Err      error
}

func (e *ProcessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tor process failed (exit %d): %v", e.ExitCode, e.Err)
	}

	return fmt.Sprintf("tor process failed (exit %d): %s", e.ExitCode, e.Problem)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// IsControllerError implements ControllerError.
func (e *ProcessError) IsControllerError() bool { return true }
