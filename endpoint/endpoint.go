// Package endpoint describes where a printer can be reached.
package endpoint

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Kind selects the transport used to reach an endpoint.
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindUSBDirect
	KindUSBSpool
	KindPrintQueue
)

// DefaultPort is the raw printing (JetDirect) port.
const DefaultPort = 9100

var (
	ErrEmptyEndpoint = errors.New("empty endpoint")
	ErrUnknownScheme = errors.New("unknown endpoint scheme")
	ErrInvalidPort   = errors.New("invalid port")
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindUSBDirect:
		return "usb_direct"
	case KindUSBSpool:
		return "usb_spool"
	case KindPrintQueue:
		return "print_queue"
	default:
		return "unknown"
	}
}

// Endpoint is immutable once resolved.
type Endpoint struct {
	Kind    Kind
	Address string
	// Port is zero when the endpoint kind carries none.
	Port int
	// Name, when set, is used as the logical printer identity.
	Name string
}

// HasPort reports whether a port was resolved for the endpoint.
func (e Endpoint) HasPort() bool {
	return e.Port > 0
}

// LogicalID is the key the counter store indexes this printer by.
func (e Endpoint) LogicalID() string {
	if e.Name != "" {
		return e.Name
	}

	id := e.Kind.String() + ":" + e.Address
	if e.HasPort() {
		id += ":" + strconv.Itoa(e.Port)
	}

	return id
}

// Validate checks the fields the transports depend on.
func (e Endpoint) Validate() error {
	switch e.Kind {
	case KindNetwork:
		if e.Address == "" {
			return fmt.Errorf("%w: network endpoint needs a host", ErrEmptyEndpoint)
		}
		if e.Port < 0 || e.Port > 65535 {
			return fmt.Errorf("%w: %d", ErrInvalidPort, e.Port)
		}
	case KindUSBSpool, KindPrintQueue:
		if e.Address == "" {
			return fmt.Errorf("%w: %s endpoint needs an address", ErrEmptyEndpoint, e.Kind)
		}
	case KindUSBDirect:
		// empty address means any HP printer-class device
	default:
		return fmt.Errorf("%w: kind %d", ErrUnknownScheme, e.Kind)
	}

	return nil
}

func (e Endpoint) String() string {
	switch e.Kind {
	case KindNetwork:
		return "tcp://" + net.JoinHostPort(e.Address, strconv.Itoa(e.portOrDefault()))
	case KindUSBDirect:
		return "usb://" + e.Address
	case KindUSBSpool:
		return "spool://" + e.Address
	case KindPrintQueue:
		return "queue://" + e.Address
	default:
		return e.Address
	}
}

func (e Endpoint) portOrDefault() int {
	if e.HasPort() {
		return e.Port
	}
	return DefaultPort
}

// Parse turns a URI such as tcp://10.0.0.5:9100, usb://03f0:1234,
// spool://USB001 or queue://Office#front-desk into an Endpoint. A bare
// host[:port] is treated as a network endpoint.
func Parse(raw string) (Endpoint, error) {
	return ParseWithDefaultPort(raw, DefaultPort)
}

// ParseWithDefaultPort is Parse with a different port for network
// endpoints that name none.
func ParseWithDefaultPort(raw string, defaultPort int) (Endpoint, error) {
	if defaultPort <= 0 || defaultPort > 65535 {
		return Endpoint{}, fmt.Errorf("%w: %d", ErrInvalidPort, defaultPort)
	}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Endpoint{}, ErrEmptyEndpoint
	}

	var name string
	if i := strings.LastIndex(raw, "#"); i >= 0 {
		raw, name = raw[:i], raw[i+1:]
	}

	scheme, rest, found := strings.Cut(raw, "://")
	if !found {
		scheme, rest = "tcp", raw
	}

	var (
		ep  Endpoint
		err error
	)

	switch strings.ToLower(scheme) {
	case "tcp", "socket", "jetdirect":
		ep, err = parseNetwork(rest, defaultPort)
	case "usb":
		ep = Endpoint{Kind: KindUSBDirect, Address: strings.ToLower(strings.Trim(rest, "/"))}
	case "spool":
		ep = Endpoint{Kind: KindUSBSpool, Address: rest}
	case "queue":
		ep = Endpoint{Kind: KindPrintQueue, Address: rest}
	default:
		return Endpoint{}, fmt.Errorf("%w: %q", ErrUnknownScheme, scheme)
	}
	if err != nil {
		return Endpoint{}, err
	}

	ep.Name = name
	if err := ep.Validate(); err != nil {
		return Endpoint{}, err
	}

	return ep, nil
}

func parseNetwork(hostport string, defaultPort int) (Endpoint, error) {
	hostport = strings.TrimSuffix(hostport, "/")

	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		// no port given
		return Endpoint{Kind: KindNetwork, Address: strings.Trim(hostport, "[]"), Port: defaultPort}, nil
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("%w: %q", ErrInvalidPort, portStr)
	}

	return Endpoint{Kind: KindNetwork, Address: host, Port: port}, nil
}
