package torctl

import "github.com/ferrovax/torctl/internal/errors"

// Re-export error types from internal package

// ProtocolError indicates malformed content from the control socket.
type ProtocolError = errors.ProtocolError

// SocketError indicates communication with the control socket failed.
type SocketError = errors.SocketError

// OperationFailedError indicates tor returned an error code for a request.
type OperationFailedError = errors.OperationFailedError

// UnsatisfiableRequestError indicates tor couldn't satisfy a valid request.
type UnsatisfiableRequestError = errors.UnsatisfiableRequestError

// InvalidRequestError indicates the request was invalid or malformed.
type InvalidRequestError = errors.InvalidRequestError

// InvalidArgumentsError indicates a request had arguments tor rejected.
type InvalidArgumentsError = errors.InvalidArgumentsError

// TorNotFoundError indicates the tor binary was not found.
type TorNotFoundError = errors.TorNotFoundError

// ProcessError indicates a launched tor process failed to bootstrap.
type ProcessError = errors.ProcessError

// ControllerError is the base interface for all errors in this package.
type ControllerError = errors.ControllerError

// Re-export sentinel errors from internal package.
var (
	// ErrSocketClosed indicates the control socket was shut down before a
	// complete message could be exchanged.
	ErrSocketClosed = errors.ErrSocketClosed

	// ErrControllerClosed indicates the controller has been closed and cannot
	// be reused.
	ErrControllerClosed = errors.ErrControllerClosed

	// ErrNotAuthenticated indicates tor rejected a command because the
	// connection hasn't authenticated yet.
	ErrNotAuthenticated = errors.ErrNotAuthenticated

	// ErrNoAuthMethod indicates none of the authentication methods tor
	// offered are usable by us.
	ErrNoAuthMethod = errors.ErrNoAuthMethod
)
