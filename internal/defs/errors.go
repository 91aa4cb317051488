package defs

import (
	"errors"
	"fmt"
)

// UnknownMountError is returned when a path has no registered mount.
type UnknownMountError struct {
	Path string
}

// Error implements the error interface.
func (e UnknownMountError) Error() string {
	return fmt.Sprintf("no mount is registered at path '%s'", e.Path)
}

// DuplicateMountError is returned when registering a mount on a path that
// already has one.
type DuplicateMountError struct {
	Path string
}

// Error implements the error interface.
func (e DuplicateMountError) Error() string {
	return fmt.Sprintf("a mount is already registered at path '%s'", e.Path)
}

// CapacityExceededError is returned when a mount has reached its client limit.
type CapacityExceededError struct {
	Path       string
	MaxClients int
}

// Error implements the error interface.
func (e CapacityExceededError) Error() string {
	return fmt.Sprintf("mount '%s' has reached its limit of %d clients", e.Path, e.MaxClients)
}

// StartFailedError is returned when the pipeline of a mount could not be
// started.
type StartFailedError struct {
	Wrapped error
}

// Error implements the error interface.
func (e StartFailedError) Error() string {
	return "pipeline could not be started: " + e.Wrapped.Error()
}

// Unwrap returns the engine error.
func (e StartFailedError) Unwrap() error {
	return e.Wrapped
}

// Session closure reasons. Each session is closed with exactly one of these,
// or with the error that caused the closure.
var (
	// ErrSessionTeardown means the client requested the closure.
	ErrSessionTeardown = errors.New("torn down by client")

	// ErrSessionTimedOut means the session exceeded the keepalive window.
	ErrSessionTimedOut = errors.New("timed out")

	// ErrSlowConsumer means the session's delivery queue overflowed.
	ErrSlowConsumer = errors.New("reader is too slow")

	// ErrPipelineGone means the pipeline of the bound mount failed at
	// runtime.
	ErrPipelineGone = errors.New("pipeline error")

	// ErrServerShutdown means the server is shutting down.
	ErrServerShutdown = errors.New("server is shutting down")
)
