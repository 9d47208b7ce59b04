package adapter

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nixxel-company-limited/pjl-scancounter/endpoint"
	"github.com/nixxel-company-limited/pjl-scancounter/pjl"
)

// idlePollsAfterData is how many empty polls end a reply once bytes arrived.
const idlePollsAfterData = 3

// drainWait is how long Send looks for leftover input before writing.
const drainWait = time.Millisecond

// SocketAdapter talks PJL over a raw TCP connection (port 9100).
type SocketAdapter struct {
	address        string
	connectTimeout time.Duration
	writeTimeout   time.Duration
	pollInterval   time.Duration
	conn           net.Conn
	isOpen         bool
	mu             sync.Mutex
	logger         zerolog.Logger
}

// NewSocketAdapter creates an unopened socket adapter for host:port.
func NewSocketAdapter(host string, port int, opts Options) *SocketAdapter {
	opts = opts.withDefaults()
	address := net.JoinHostPort(host, strconv.Itoa(port))

	return &SocketAdapter{
		address:        address,
		connectTimeout: opts.ConnectTimeout,
		writeTimeout:   opts.WriteTimeout,
		pollInterval:   opts.PollInterval,
		logger:         opts.Logger.With().Str("component", "socket").Str("address", address).Logger(),
	}
}

// Open dials the printer.
func (a *SocketAdapter) Open() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.isOpen {
		return ErrAlreadyOpen
	}

	conn, err := net.DialTimeout("tcp", a.address, a.connectTimeout)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}

	a.conn = conn
	a.isOpen = true
	a.logger.Debug().Msg("Connected")

	return nil
}

// Send writes the frame to the connection. Input still pending from an
// earlier command, such as a reply that came after its receive window
// closed, is discarded first so it cannot be read as this frame's reply.
func (a *SocketAdapter) Send(frame []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.isOpen {
		return ErrNotOpen
	}

	if err := a.drainLocked(); err != nil {
		return err
	}

	_ = a.conn.SetWriteDeadline(time.Now().Add(a.writeTimeout))
	defer func() { _ = a.conn.SetWriteDeadline(time.Time{}) }()

	n, err := a.conn.Write(frame)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return fmt.Errorf("%w: %w", ErrSendFailed, err)
		}
		// anything but a timeout means the peer is gone
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}

	a.logger.Trace().Int("bytes", n).Msg("Frame sent")

	return nil
}

// drainLocked reads and drops whatever the printer already sent.
func (a *SocketAdapter) drainLocked() error {
	defer func() { _ = a.conn.SetReadDeadline(time.Time{}) }()

	chunk := make([]byte, 1024)
	dropped := 0

	for {
		_ = a.conn.SetReadDeadline(time.Now().Add(drainWait))

		n, err := a.conn.Read(chunk)
		dropped += n
		if err == nil {
			continue
		}

		if dropped > 0 {
			a.logger.Debug().Int("bytes", dropped).Msg("Dropped stale reply")
		}

		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil
		}

		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
}

// TryReceive polls the connection until timeout elapses or the printer
// stops sending, accumulating everything received. PJL devices may stream a
// reply over several packets.
func (a *SocketAdapter) TryReceive(timeout time.Duration) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.isOpen {
		return "", ErrNotOpen
	}

	defer func() { _ = a.conn.SetReadDeadline(time.Time{}) }()

	var buf bytes.Buffer
	chunk := make([]byte, 1024)
	deadline := time.Now().Add(timeout)
	idle := 0

	for {
		now := time.Now()
		if !now.Before(deadline) {
			break
		}

		wait := a.pollInterval
		if remaining := deadline.Sub(now); remaining < wait {
			wait = remaining
		}
		_ = a.conn.SetReadDeadline(now.Add(wait))

		n, err := a.conn.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			idle = 0
		}
		if err == nil {
			continue
		}

		if errors.Is(err, os.ErrDeadlineExceeded) {
			if buf.Len() > 0 {
				idle++
				if idle >= idlePollsAfterData {
					break
				}
			}
			continue
		}

		if errors.Is(err, io.EOF) {
			break
		}

		return pjl.DecodeReply(buf.Bytes()), fmt.Errorf("%w: %w", ErrUnreachable, err)
	}

	reply := pjl.DecodeReply(buf.Bytes())
	a.logger.Trace().Int("bytes", buf.Len()).Msg("Reply collected")

	return reply, nil
}

// CanReceive is always true for a live socket.
func (a *SocketAdapter) CanReceive() bool {
	return true
}

// Close closes the connection.
func (a *SocketAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.isOpen {
		return nil
	}

	a.isOpen = false
	err := a.conn.Close()
	a.conn = nil
	a.logger.Debug().Msg("Disconnected")

	return err
}

// IsOpen returns whether the connection is open
func (a *SocketAdapter) IsOpen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.isOpen
}

func (a *SocketAdapter) Kind() endpoint.Kind {
	return endpoint.KindNetwork
}

// Address returns the dialed host:port.
func (a *SocketAdapter) Address() string {
	return a.address
}
