package device

import "errors"

var (
	// ErrDeviceNotFound is returned when a device ID is not registered.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrDuplicateDevice is returned when adding an ID that already exists.
	ErrDuplicateDevice = errors.New("device: already registered")

	// ErrInvalidUnit is returned when a unit lacks an ID, client or poller.
	ErrInvalidUnit = errors.New("device: invalid unit")

	// ErrUnknownAction is returned for actions Execute does not support.
	ErrUnknownAction = errors.New("device: unknown action")
)
