package adapter

import (
	"errors"
	"time"

	"github.com/nixxel-company-limited/pjl-scancounter/endpoint"
)

var (
	ErrUnreachable        = errors.New("printer unreachable")
	ErrUnsupported        = errors.New("receive not supported by transport")
	ErrDeviceBusy         = errors.New("device busy")
	ErrNoPrinterInterface = errors.New("no printer interface found")
	ErrEndpointNotFound   = errors.New("endpoint not found")
	ErrNotOpen            = errors.New("device not open")
	ErrAlreadyOpen        = errors.New("device already open")
	ErrSendFailed         = errors.New("send failed")
)

// Adapter defines the interface for printer communication adapters
type Adapter interface {
	// Open opens the connection to the printer
	Open() error

	// Send writes one frame to the printer
	Send(frame []byte) error

	// TryReceive collects whatever reply arrives before timeout. Write-only
	// transports return ErrUnsupported.
	TryReceive(timeout time.Duration) (string, error)

	// CanReceive reports whether TryReceive can ever return data
	CanReceive() bool

	// Close closes the connection to the printer
	Close() error

	// IsOpen returns whether the connection is open
	IsOpen() bool

	// Kind is the endpoint kind the adapter serves
	Kind() endpoint.Kind
}
