package errors

import (
	"errors"
	"fmt"
)

// HostError is the base interface for all toolhost errors.
type HostError interface {
	error
	IsHostError() bool
}

// Compile-time verification that all error types implement HostError.
var (
	_ HostError = (*ProvisioningError)(nil)
	_ HostError = (*DuplicateError)(nil)
	_ HostError = (*DiscoveryError)(nil)
	_ HostError = (*NotRunningError)(nil)
	_ HostError = (*NotFoundError)(nil)
	_ HostError = (*TimeoutError)(nil)
	_ HostError = (*ChannelClosedError)(nil)
	_ HostError = (*ProcessExitError)(nil)
)

// Sentinel errors for commonly checked conditions.
var (
	// ErrChannelClosed indicates the plugin's stdio channel is closed.
	ErrChannelClosed = errors.New("channel closed")

	// ErrCallTimeout indicates a plugin call exceeded its deadline.
	ErrCallTimeout = errors.New("call timeout")

	// ErrRuntimeNotFound indicates no container runtime binary was found.
	ErrRuntimeNotFound = errors.New("container runtime not found")
)

// ProvisioningError indicates a plugin failed to provision, typically
// because the image pull exited non-zero.
type ProvisioningError struct {
	Plugin string
	Stage  string
	Err    error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provision plugin %q: %s: %v", e.Plugin, e.Stage, e.Err)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

// IsHostError implements HostError.
func (e *ProvisioningError) IsHostError() bool { return true }

// DuplicateError indicates a plugin name is already registered.
type DuplicateError struct {
	Plugin string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("plugin %q already registered", e.Plugin)
}

// IsHostError implements HostError.
func (e *DuplicateError) IsHostError() bool { return true }

// DiscoveryError indicates the initial tool listing failed, either by
// timeout or a malformed response. The plugin process may still be alive.
type DiscoveryError struct {
	Plugin string
	Err    error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discover tools for plugin %q: %v", e.Plugin, e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// IsHostError implements HostError.
func (e *DiscoveryError) IsHostError() bool { return true }

// NotRunningError indicates a dispatch targeted a plugin that is
// registered but not in the Running state.
type NotRunningError struct {
	Plugin string
	Status string
}

func (e *NotRunningError) Error() string {
	return fmt.Sprintf("plugin %q is not running (status %s)", e.Plugin, e.Status)
}

// IsHostError implements HostError.
func (e *NotRunningError) IsHostError() bool { return true }

// NotFoundError indicates the named plugin is not registered.
type NotFoundError struct {
	Plugin string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("plugin %q not found", e.Plugin)
}

// IsHostError implements HostError.
func (e *NotFoundError) IsHostError() bool { return true }

// TimeoutError indicates a single plugin call exceeded the per-call
// deadline. The call is abandoned; a late response is discarded.
type TimeoutError struct {
	Method string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("call %q timed out", e.Method)
}

func (e *TimeoutError) Unwrap() error {
	return ErrCallTimeout
}

// IsHostError implements HostError.
func (e *TimeoutError) IsHostError() bool { return true }

// ChannelClosedError indicates the plugin process exited or its stdio
// streams closed while calls were pending.
type ChannelClosedError struct {
	Plugin string
	Err    error
}

func (e *ChannelClosedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("plugin %q channel closed: %v", e.Plugin, e.Err)
	}

	return fmt.Sprintf("plugin %q channel closed", e.Plugin)
}

func (e *ChannelClosedError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}

	return ErrChannelClosed
}

// IsHostError implements HostError.
func (e *ChannelClosedError) IsHostError() bool { return true }

// ProcessExitError indicates a plugin process exited unexpectedly.
type ProcessExitError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ProcessExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("plugin process exited (code %d): %s", e.ExitCode, e.Stderr)
	}

	return fmt.Sprintf("plugin process exited (code %d): %v", e.ExitCode, e.Err)
}

func (e *ProcessExitError) Unwrap() error {
	return e.Err
}

// IsHostError implements HostError.
func (e *ProcessExitError) IsHostError() bool { return true }
