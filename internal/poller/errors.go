package poller

import "errors"

// Domain-specific errors for the polling coordinator.
var (
	// ErrRefreshFailed indicates a refresh failed after its retry.
	ErrRefreshFailed = errors.New("poller: refresh failed")

	// ErrMissingDevice indicates the coordinator was built without a device.
	ErrMissingDevice = errors.New("poller: device is required")
)
