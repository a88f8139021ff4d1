package proxy

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when no reply arrives within the call timeout.
	ErrTimeout = errors.New("proxy call timed out")
	// ErrConnectionClosed is returned for calls pending or issued after the
	// connection to the orchestrator is gone.
	ErrConnectionClosed = errors.New("proxy connection closed")
)

// RemoteError is an error raised by the service that handled a call.
type RemoteError struct {
	Target  string
	Service string
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s %s.%s: %s", e.Target, e.Service, e.Method, e.Message)
}
