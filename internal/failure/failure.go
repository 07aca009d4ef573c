// Package failure defines the error kinds shared by the device transports,
// the gateway session and the snapshot merger.
package failure

import (
	"errors"
	"fmt"
)

var (
	// ErrCommunication means the target is unset or could not be reached.
	ErrCommunication = errors.New("communication error")
	// ErrAuthentication means a digest or session handshake failed.
	ErrAuthentication = errors.New("authentication error")
	// ErrAccessDenied is the gateway flavour of ErrAuthentication.
	ErrAccessDenied = fmt.Errorf("%w: access denied", ErrAuthentication)
	// ErrProtocol means the response was malformed or carried a failure status.
	ErrProtocol = errors.New("protocol error")
	// ErrCommandRejected means the device explicitly declined a request.
	ErrCommandRejected = errors.New("command rejected")
	// ErrConsistency means a merge invariant was violated.
	ErrConsistency = errors.New("consistency error")
)

// StatusError is a well-formed response whose status envelope reports a
// non-zero code.
type StatusError struct {
	Code        int
	Reason      string
	UserMessage string
	Request     string
}

func (e *StatusError) Error() string {
	msg := e.Reason
	if e.UserMessage != "" {
		msg = e.UserMessage
	}
	return fmt.Sprintf("%s: status %d on %s: %s", ErrProtocol, e.Code, e.Request, msg)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrProtocol
}

// CommandRejectedError carries the machine-readable reason a device gave for
// declining a command.
type CommandRejectedError struct {
	Request string
	Reason  string
}

func (e *CommandRejectedError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrCommandRejected, e.Request, e.Reason)
}

func (e *CommandRejectedError) Is(target error) bool {
	return target == ErrCommandRejected
}

// Kind names the taxonomy bucket of err, or "Error" if it has none.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrCommunication):
		return "CommunicationError"
	case errors.Is(err, ErrAuthentication):
		return "AuthenticationError"
	case errors.Is(err, ErrCommandRejected):
		return "CommandRejected"
	case errors.Is(err, ErrProtocol):
		return "ProtocolError"
	case errors.Is(err, ErrConsistency):
		return "ConsistencyError"
	default:
		return "Error"
	}
}

// Describe formats err the way the connectivity status reports it.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	return Kind(err) + ": " + err.Error()
}
