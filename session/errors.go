package session

import (
	"errors"
	"fmt"

	"github.com/nixxel-company-limited/pjl-scancounter/endpoint"
)

var (
	ErrNoEndpoint           = errors.New("no endpoint")
	ErrTransportUnreachable = errors.New("transport unreachable")
	ErrTransportRejected    = errors.New("transport rejected frame")
	// ErrNoUsableResponse is never returned as an error; it is the Reason
	// attached to a Reading served from the cache.
	ErrNoUsableResponse = errors.New("no usable response from printer")
	ErrInvalidArgument  = errors.New("invalid argument")
)

// ConnectionError is returned by Connect with the endpoint that failed.
type ConnectionError struct {
	Endpoint endpoint.Endpoint
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
