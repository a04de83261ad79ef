package types

import "errors"

// Closed error taxonomy for the agent. Subsystems wrap these sentinels with
// %w so callers can classify without string matching; the HTTP layer maps
// them to status codes at the boundary.
var (
	// ErrInput means the input backend refused a synthesis operation.
	ErrInput = errors.New("input synthesis failed")

	// ErrImage covers capture and encode failures.
	ErrImage = errors.New("image operation failed")

	// ErrInvalidPayload is a malformed or out-of-range request body.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrRuntime is the catch-all for internal failures.
	ErrRuntime = errors.New("runtime error")

	// ErrAuthFailure is the terminal tunnel state: the gateway rejected our
	// credentials (HTTP 403 on upgrade or close code 1008). The run loop
	// must not reconnect after seeing it.
	ErrAuthFailure = errors.New("AUTH_FAILURE")

	// ErrUnsupported marks operations that have no implementation on the
	// current platform (self-update, scancode path, black-screen recovery).
	ErrUnsupported = errors.New("not supported on this platform")
)
