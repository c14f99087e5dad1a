package pool

import "errors"

// Common pool errors.
var (
	// ErrInvalidDevice indicates an empty or malformed device serial.
	ErrInvalidDevice = errors.New("invalid device id")

	// ErrUnknownDevice indicates the device has no pooled connection.
	ErrUnknownDevice = errors.New("unknown device")

	// ErrConnectFailed indicates the transport connect did not succeed.
	ErrConnectFailed = errors.New("device connect failed")

	// ErrPoolClosed indicates the pool has been shut down.
	ErrPoolClosed = errors.New("connection pool closed")
)
