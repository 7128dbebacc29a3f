package cli

import (
	"errors"
	"fmt"
	"time"
)

// TransportKind classifies transport-level failures.
type TransportKind string

const (
	TransportUnreachable TransportKind = "unreachable"
	TransportAuth        TransportKind = "auth"
	TransportTimeout     TransportKind = "timeout"
	TransportClosed      TransportKind = "closed"
)

// TransportError represents SSH connection, handshake, or authentication
// failures. Not recoverable in-place; the operator retries.
type TransportError struct {
	Kind TransportKind
	Host string
	Err  error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport %s: %s: %v", e.Kind, e.Host, e.Err)
	}
	return fmt.Sprintf("transport %s: %s", e.Kind, e.Host)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError creates a new TransportError.
func NewTransportError(kind TransportKind, host string, err error) *TransportError {
	return &TransportError{Kind: kind, Host: host, Err: err}
}

// IsTransportError checks if an error is a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// DisconnectedError is returned for commands that were queued or in flight
// when the shell closed. The session does not reconnect on its own.
type DisconnectedError struct {
	Command string
}

// Error implements the error interface.
func (e *DisconnectedError) Error() string {
	if e.Command != "" {
		return fmt.Sprintf("shell disconnected while executing %q", e.Command)
	}
	return "shell disconnected"
}

// IsDisconnected checks if an error is a DisconnectedError.
func IsDisconnected(err error) bool {
	var de *DisconnectedError
	return errors.As(err, &de)
}

// TimeoutError is returned when no clean prompt appeared within the command
// timeout. The partial output accumulated so far is still returned alongside
// it, and the shell stays up.
type TimeoutError struct {
	Command string
	Elapsed time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no prompt after %s for command %q", e.Elapsed, e.Command)
}

// IsTimeout checks if an error is a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// CLIError represents a command the device rejected ("Unknown command",
// "Error:", parameter failures). The full device output is carried so the
// caller can surface it verbatim.
type CLIError struct {
	Command string
	Output  string
}

// Error implements the error interface.
func (e *CLIError) Error() string {
	return fmt.Sprintf("device rejected %q: %s", e.Command, firstLine(e.Output))
}

// IsCLIError checks if an error is a CLIError.
func IsCLIError(err error) bool {
	var ce *CLIError
	return errors.As(err, &ce)
}

func firstLine(s string) string {
	s = trimLeadingNewlines(s)
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' || s[i] == '\r' {
			return s[:i]
		}
	}
	return s
}

func trimLeadingNewlines(s string) string {
	for len(s) > 0 && (s[0] == '\n' || s[0] == '\r') {
		s = s[1:]
	}
	return s
}
