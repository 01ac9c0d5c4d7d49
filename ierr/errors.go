// Package ierr defines the error taxonomy shared across the iris runtime.
//
// These are kinds, not exception hierarchies: callers match with
// errors.Is against the sentinel and wrap with fmt.Errorf("...: %w", ...)
// to add context without losing the kind.
package ierr

import "errors"

var (
	// ErrBadFrame means a received multi-frame message could not be
	// decoded into a Message.
	ErrBadFrame = errors.New("bad frame")

	// ErrSocketNotCreated means a shared socket fd was requested for a
	// port the environment did not advertise.
	ErrSocketNotCreated = errors.New("socket not created")

	// ErrAddressInUse means binding exhausted its retry budget.
	ErrAddressInUse = errors.New("address in use")

	// ErrRegistrationFailure means advertising a service to the registry
	// failed.
	ErrRegistrationFailure = errors.New("registration failure")

	// ErrLookupFailure means resolving an address failed.
	ErrLookupFailure = errors.New("lookup failure")

	// ErrTimeout means a ReplyChannel recv deadline elapsed.
	ErrTimeout = errors.New("timeout")

	// ErrChannelClosed means an operation was attempted on a channel past
	// its terminal operation.
	ErrChannelClosed = errors.New("channel closed")

	// ErrRpcError means the remote side reported a failure (ERR/NACK).
	ErrRpcError = errors.New("rpc error")

	// ErrCoordinatorError means the external coordinator (etcd) failed or
	// its session was lost.
	ErrCoordinatorError = errors.New("coordinator error")
)
