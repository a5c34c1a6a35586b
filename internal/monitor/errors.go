package monitor

import (
	"errors"
)

var (
	// ErrInvalidArgument is returned for malformed caller input such as an
	// unknown source name or a missing callback.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrConnection is returned when the event source cannot be reached.
	// Retry by constructing a new Monitor.
	ErrConnection = errors.New("connection to device event source failed")
	// ErrReceive is returned when reading an event fails even though the
	// channel reported readiness. An Observer treats it as fatal.
	ErrReceive = errors.New("failed to receive device event")
	// ErrPermission is returned when the process lacks the capability an
	// operation needs.
	ErrPermission = errors.New("permission denied")
	// ErrNotSupported marks a filter operation the running kernel refuses.
	ErrNotSupported = errors.New("operation not supported")
)
