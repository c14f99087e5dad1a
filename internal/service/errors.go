package service

import (
	"errors"
	"fmt"
)

// Common service call errors.
var (
	// ErrUnknownService indicates the method has no catalog template.
	ErrUnknownService = errors.New("unknown service method")

	// ErrInvalidParams indicates required parameters are missing or
	// malformed. Raised before any connection work happens.
	ErrInvalidParams = errors.New("invalid service parameters")

	// ErrNoConnection indicates no usable connection to the device
	// could be established.
	ErrNoConnection = errors.New("no connection to device")

	// ErrPublishFailed indicates the request frame could not be sent.
	ErrPublishFailed = errors.New("service publish failed")

	// ErrTimeout indicates no reply arrived within the call deadline.
	ErrTimeout = errors.New("service call timed out")

	// ErrCatalogNotReady indicates the template catalog has not
	// finished loading.
	ErrCatalogNotReady = errors.New("service catalog not ready")
)

// BusinessError is a reply that arrived intact but reported a non-zero
// result code. The device rejected or failed the operation; transport
// was fine.
type BusinessError struct {
	Method string
	Code   int
	Output map[string]any
}

func (e *BusinessError) Error() string {
	return fmt.Sprintf("service %s failed with result %d", e.Method, e.Code)
}

// AsBusinessError unwraps err to a BusinessError if one is present.
func AsBusinessError(err error) (*BusinessError, bool) {
	var be *BusinessError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}
