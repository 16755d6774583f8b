// Package errdefs defines the error taxonomy shared by all veil packages.
//
// Every failure surfaced by the lifecycle manager maps onto one of these
// sentinels or typed errors, so callers can classify failures with
// errors.Is / errors.As regardless of which layer produced them.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrResourceAllocationFailed indicates the admission check rejected a
	// reservation. No state was mutated.
	ErrResourceAllocationFailed = errors.New("resource allocation failed")

	// ErrInvalidTransition indicates an operation was requested from a VM
	// state that does not permit it. Purely a caller-contract violation;
	// the VM state is unchanged.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrSnapshotFailed indicates the export or persist step of a snapshot
	// failed. The VM reverts to its pre-snapshot state.
	ErrSnapshotFailed = errors.New("snapshot failed")

	// ErrDiskImageCorrupted indicates a snapshot integrity check failed on
	// restore or read. Corrupted data is never returned to the caller.
	ErrDiskImageCorrupted = errors.New("disk image corrupted")

	// ErrCancelled indicates an in-flight long operation was cancelled by
	// the caller. It is a clean abort: reservations are released and no
	// orphaned backend handle remains.
	ErrCancelled = errors.New("operation cancelled")

	// ErrNotFound indicates the referenced VM, profile, or snapshot does
	// not exist.
	ErrNotFound = errors.New("not found")
)

// ConfigurationError reports a malformed profile or limits field, or a
// duplicate hardware identifier. It always fails before any reservation or
// backend call.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration invalid: %s: %s", e.Field, e.Reason)
}

// ConfigurationInvalid builds a ConfigurationError for the given field.
func ConfigurationInvalid(field, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsConfigurationInvalid reports whether err is a ConfigurationError.
func IsConfigurationInvalid(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// StartError reports a backend failure while starting a VM. The VM
// transitions to Failed and its reservation is retained until destroyed.
type StartError struct {
	Cause error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("vm start failed: %v", e.Cause)
}

func (e *StartError) Unwrap() error { return e.Cause }

// CrashError reports a backend-detected crash of a running VM.
type CrashError struct {
	Reason string
}

func (e *CrashError) Error() string {
	return fmt.Sprintf("vm crashed: %s", e.Reason)
}
