package svcctl

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection indicates the service manager could not be reached
	ErrConnection = errors.New("svcctl: cannot connect to service manager")

	// ErrNotFound indicates the service does not exist or cannot be opened
	ErrNotFound = errors.New("svcctl: service not found")

	// ErrPermission indicates the manager refused the requested access
	ErrPermission = errors.New("svcctl: permission denied")

	// ErrTimeout indicates a wait for a status stalled or exceeded its bound
	ErrTimeout = errors.New("svcctl: timeout waiting for service status")

	// ErrInvalidState indicates the manager rejected a control call
	ErrInvalidState = errors.New("svcctl: control rejected in current state")

	// ErrInstall indicates the service could neither be opened nor created
	ErrInstall = errors.New("svcctl: failed to install service")

	// ErrInvalidHandle indicates a held handle no longer refers to a live service
	ErrInvalidHandle = errors.New("svcctl: service handle is no longer valid")

	// ErrStopped indicates a wait was abandoned because the caller is shutting down
	ErrStopped = errors.New("svcctl: wait abandoned")

	// ErrUnsupported indicates the platform has no service manager backend
	ErrUnsupported = errors.New("svcctl: service control not supported on this platform")
)

// OpError records the operation and service that failed.
type OpError struct {
	Op      string
	Service string
	Err     error
}

func (e *OpError) Error() string {
	if e.Service == "" {
		return fmt.Sprintf("svcctl %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("svcctl %s %q: %v", e.Op, e.Service, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

func opError(op, service string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Service: service, Err: err}
}

// classified wraps a backend error so it matches one of the sentinels while
// keeping the platform cause in the message.
type classified struct {
	kind  error
	cause error
}

func (c *classified) Error() string {
	if c.cause == nil {
		return c.kind.Error()
	}
	return fmt.Sprintf("%v: %v", c.kind, c.cause)
}

func (c *classified) Is(target error) bool {
	return target == c.kind
}

func (c *classified) Unwrap() error {
	return c.cause
}

// Classify marks cause as an instance of kind. Facility implementations use
// it to translate platform error codes into the package sentinels.
func Classify(kind, cause error) error {
	if cause == nil {
		return kind
	}
	if errors.Is(cause, kind) {
		return cause
	}
	return &classified{kind: kind, cause: cause}
}
