package siegenia

import (
	"errors"
	"fmt"
)

// Domain-specific errors for the Siegenia protocol client.
var (
	// ErrTransport indicates a dial, TLS, handshake or socket failure.
	ErrTransport = errors.New("siegenia: transport failure")

	// ErrNotConnected indicates a command was attempted after a connect
	// attempt failed to produce a usable session.
	ErrNotConnected = errors.New("siegenia: not connected")

	// ErrRequestTimeout indicates no matching response arrived in time.
	ErrRequestTimeout = errors.New("siegenia: request timed out")

	// ErrConnectionLost indicates an outstanding request was abandoned
	// because the session was torn down.
	ErrConnectionLost = errors.New("siegenia: connection lost")

	// ErrMalformedFrame indicates inbound text that is not a JSON object.
	ErrMalformedFrame = errors.New("siegenia: malformed frame")

	// ErrClosed indicates the client has been closed.
	ErrClosed = errors.New("siegenia: client closed")

	// ErrDevice indicates the device answered with a non-ok status.
	// Use errors.As with *DeviceError to read the status.
	ErrDevice = errors.New("siegenia: device error")

	// ErrInvalidConfig indicates the client configuration is unusable.
	ErrInvalidConfig = errors.New("siegenia: invalid config")

	// ErrDuplicateRequest indicates a request id is already pending.
	ErrDuplicateRequest = errors.New("siegenia: duplicate request id")
)

// DeviceError is returned when a response carries a status other than "ok".
type DeviceError struct {
	Command string
	Status  string
}

func (e *DeviceError) Error() string {
	if e.Status == "" {
		return fmt.Sprintf("siegenia: %s: response without status", e.Command)
	}
	return fmt.Sprintf("siegenia: %s: device returned status %q", e.Command, e.Status)
}

// Is reports whether target is ErrDevice.
func (e *DeviceError) Is(target error) bool {
	return target == ErrDevice
}
