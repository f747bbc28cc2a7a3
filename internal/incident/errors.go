package incident

import "errors"

var (
	// ErrNotFound is returned for an unknown incident id.
	ErrNotFound = errors.New("incident not found")
	// ErrStorageUnavailable means the backing medium could not be reached.
	// No partial write is left behind when it is returned.
	ErrStorageUnavailable = errors.New("incident storage unavailable")
	// ErrInvalidTransition is returned for a status change outside the state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrTerminal is an invariant violation: automated work on a closed or
	// unhandled incident.
	ErrTerminal = errors.New("incident is in a terminal state")
	// ErrInvalidIncident rejects malformed Create input.
	ErrInvalidIncident = errors.New("invalid incident")
)
