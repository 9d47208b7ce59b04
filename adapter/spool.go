package adapter

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nixxel-company-limited/pjl-scancounter/endpoint"
)

// NormalizePort canonicalises a USB port designation for goos: "1" or
// "usb001" become USB001 on Windows, "0" or "lp0" become /dev/usb/lp0
// elsewhere. It returns "" when the input cannot name a port.
func NormalizePort(goos, port string) string {
	port = strings.TrimSpace(port)
	if port == "" {
		return ""
	}

	if goos == "windows" {
		upper := strings.ToUpper(port)
		switch {
		case strings.HasPrefix(upper, "USB"):
			return upper
		case isDigits(port) && len(port) <= 3:
			return "USB" + strings.Repeat("0", 3-len(port)) + port
		}
		return ""
	}

	switch {
	case strings.HasPrefix(port, "/"):
		return port
	case strings.HasPrefix(strings.ToLower(port), "lp") && isDigits(port[2:]):
		return "/dev/usb/lp" + port[2:]
	case isDigits(port):
		return "/dev/usb/lp" + port
	}

	return ""
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// SpoolAdapter pushes frames through the operating system's USB printer
// port: the usblp device file on Linux, a copy to the USBnnn port on
// Windows. It cannot read replies.
type SpoolAdapter struct {
	address     string
	port        string
	goos        string
	exec        Executor
	execTimeout time.Duration
	isOpen      bool
	mu          sync.Mutex
	logger      zerolog.Logger
}

// NewSpoolAdapter creates an unopened spool adapter for a port designation.
func NewSpoolAdapter(address string, opts Options) *SpoolAdapter {
	opts = opts.withDefaults()

	return &SpoolAdapter{
		address:     address,
		goos:        opts.GOOS,
		exec:        opts.Executor,
		execTimeout: opts.ExecTimeout,
		logger:      opts.Logger.With().Str("component", "spool").Str("port", address).Logger(),
	}
}

// Open resolves the port and, where it is a device file, checks it exists.
func (a *SpoolAdapter) Open() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.isOpen {
		return ErrAlreadyOpen
	}

	port := NormalizePort(a.goos, a.address)
	if port == "" {
		return fmt.Errorf("%w: invalid USB port %q", ErrUnreachable, a.address)
	}

	if a.goos != "windows" {
		if _, err := os.Stat(port); err != nil {
			return fmt.Errorf("%w: %w", ErrUnreachable, err)
		}
	}

	a.port = port
	a.isOpen = true
	a.logger.Debug().Str("resolved", port).Msg("Spool port ready")

	return nil
}

// Send hands the frame to the OS. Success means the OS accepted the write,
// not that the printer processed it.
func (a *SpoolAdapter) Send(frame []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.isOpen {
		return ErrNotOpen
	}

	if a.goos == "windows" {
		return a.copyToPort(frame)
	}

	f, err := os.OpenFile(a.port, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	if _, err := f.Write(frame); err != nil {
		f.Close()
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	return nil
}

func (a *SpoolAdapter) copyToPort(frame []byte) error {
	tmp, err := writeTempFrame(frame)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	defer os.Remove(tmp)

	ctx, cancel := context.WithTimeout(context.Background(), a.execTimeout)
	defer cancel()

	if _, err := a.exec.Run(ctx, nil, "cmd", "/C", "copy", "/B", tmp, a.port); err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	return nil
}

// TryReceive always fails: the spooler path is write-only.
func (a *SpoolAdapter) TryReceive(time.Duration) (string, error) {
	return "", ErrUnsupported
}

func (a *SpoolAdapter) CanReceive() bool {
	return false
}

func (a *SpoolAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.isOpen = false
	return nil
}

func (a *SpoolAdapter) IsOpen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.isOpen
}

func (a *SpoolAdapter) Kind() endpoint.Kind {
	return endpoint.KindUSBSpool
}

// Port returns the normalised port, empty until opened.
func (a *SpoolAdapter) Port() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.port
}
