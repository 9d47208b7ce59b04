package adapter

import (
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/nixxel-company-limited/pjl-scancounter/endpoint"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultWriteTimeout   = 10 * time.Second
	DefaultPollInterval   = 100 * time.Millisecond
	DefaultUSBReadTimeout = 2 * time.Second
	DefaultExecTimeout    = 30 * time.Second
)

// Options tunes the adapters built by ForEndpoint.
type Options struct {
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	PollInterval   time.Duration
	// USBReadTimeout caps the single bulk IN read.
	USBReadTimeout time.Duration
	ExecTimeout    time.Duration
	Executor       Executor
	// GOOS overrides runtime.GOOS for the spooler variants.
	GOOS   string
	Logger zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.USBReadTimeout <= 0 {
		o.USBReadTimeout = DefaultUSBReadTimeout
	}
	if o.ExecTimeout <= 0 {
		o.ExecTimeout = DefaultExecTimeout
	}
	if o.Executor == nil {
		o.Executor = ExecExecutor{}
	}
	if o.GOOS == "" {
		o.GOOS = runtime.GOOS
	}

	return o
}

// ForEndpoint returns the unopened adapter variant implied by ep.Kind.
func ForEndpoint(ep endpoint.Endpoint, opts Options) (Adapter, error) {
	if err := ep.Validate(); err != nil {
		return nil, err
	}

	opts = opts.withDefaults()

	switch ep.Kind {
	case endpoint.KindNetwork:
		port := ep.Port
		if !ep.HasPort() {
			port = endpoint.DefaultPort
		}
		return NewSocketAdapter(ep.Address, port, opts), nil
	case endpoint.KindUSBDirect:
		vid, pid, err := ParseUSBAddress(ep.Address)
		if err != nil {
			return nil, err
		}
		return NewUSBAdapter(vid, pid, opts), nil
	case endpoint.KindUSBSpool:
		return NewSpoolAdapter(ep.Address, opts), nil
	case endpoint.KindPrintQueue:
		return NewQueueAdapter(ep.Address, opts), nil
	default:
		return nil, fmt.Errorf("%w: no adapter for %s", endpoint.ErrUnknownScheme, ep.Kind)
	}
}
