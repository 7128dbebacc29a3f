package olt

import (
	"errors"
	"fmt"
)

// PreconditionError means a bind or unbind request referenced state that does
// not hold on the device: unknown serial, serial already bound, missing
// profile or VLAN, occupied ONU ID.
type PreconditionError struct {
	Reason string
}

// Error implements the error interface.
func (e *PreconditionError) Error() string {
	return "precondition failed: " + e.Reason
}

// NewPreconditionError creates a new PreconditionError.
func NewPreconditionError(format string, args ...any) *PreconditionError {
	return &PreconditionError{Reason: fmt.Sprintf(format, args...)}
}

// IsPrecondition checks if an error is a PreconditionError.
func IsPrecondition(err error) bool {
	var pe *PreconditionError
	return errors.As(err, &pe)
}

// NotFoundError means the referenced inventory object does not exist.
type NotFoundError struct {
	Kind string
	Key  string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Key)
}

// IsNotFound checks if an error is a NotFoundError.
func IsNotFound(err error) bool {
	var ne *NotFoundError
	return errors.As(err, &ne)
}

// NoIDAvailableError means every ONU ID on the port is occupied.
type NoIDAvailableError struct {
	Port string
}

// Error implements the error interface.
func (e *NoIDAvailableError) Error() string {
	return fmt.Sprintf("no free ONU ID on port %s", e.Port)
}

// IsNoIDAvailable checks if an error is a NoIDAvailableError.
func IsNoIDAvailable(err error) bool {
	var ne *NoIDAvailableError
	return errors.As(err, &ne)
}

// BindError wraps a device rejection partway through the bind sequence.
// Stage names the step that failed; Output carries the device's own words.
type BindError struct {
	Stage  string
	Output string
	Err    error
}

// Error implements the error interface.
func (e *BindError) Error() string {
	return fmt.Sprintf("bind failed at %s: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying error.
func (e *BindError) Unwrap() error {
	return e.Err
}

// IsBindError checks if an error is a BindError.
func IsBindError(err error) bool {
	var be *BindError
	return errors.As(err, &be)
}

// RefreshError means an inventory refresh failed; the previous snapshot, if
// any, stays published.
type RefreshError struct {
	Step string
	Err  error
}

// Error implements the error interface.
func (e *RefreshError) Error() string {
	return fmt.Sprintf("refresh failed at %s: %v", e.Step, e.Err)
}

// Unwrap returns the underlying error.
func (e *RefreshError) Unwrap() error {
	return e.Err
}

// IsRefreshError checks if an error is a RefreshError.
func IsRefreshError(err error) bool {
	var re *RefreshError
	return errors.As(err, &re)
}
