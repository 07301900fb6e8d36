package bridge

import "errors"

var (
	// ErrMissingDependency is returned by New when a required option is nil.
	ErrMissingDependency = errors.New("bridge: missing dependency")

	// ErrInvalidCommand is returned for malformed command messages.
	ErrInvalidCommand = errors.New("bridge: invalid command")
)
