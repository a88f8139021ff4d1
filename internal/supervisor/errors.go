package supervisor

import "errors"

var (
	// ErrDefinitionNotFound is returned when spawning an unregistered name.
	ErrDefinitionNotFound = errors.New("process definition not found")
	// ErrProcessNotFound is returned for unknown record ids.
	ErrProcessNotFound = errors.New("process not found")
	// ErrInvalidTransition guards the record status state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrShuttingDown is returned by Spawn after Shutdown has begun.
	ErrShuttingDown = errors.New("supervisor is shutting down")
	// ErrStatsUnsupported is returned on platforms without procfs.
	ErrStatsUnsupported = errors.New("process stats not supported on this platform")
)
