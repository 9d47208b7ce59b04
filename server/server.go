package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nixxel-company-limited/pjl-scancounter/adapter"
	"github.com/nixxel-company-limited/pjl-scancounter/pjl"
)

// DefaultReplyTimeout bounds the wait for a printer reply after each chunk.
const DefaultReplyTimeout = 500 * time.Millisecond

// replyTerminator ends every reply written back, as PJL replies do.
const replyTerminator = "\r\n\f"

var ErrAlreadyRunning = errors.New("server already running")

// Server represents a TCP relay that forwards raw data to a printer adapter
// and writes the printer's replies back to the client
type Server struct {
	adapter      adapter.Adapter
	listener     net.Listener
	address      string
	replyTimeout time.Duration
	mu           sync.Mutex
	// adapterMu serialises send/receive pairs across clients
	adapterMu sync.Mutex
	running   bool
	conns     map[net.Conn]struct{}
	wg        sync.WaitGroup
	logger    zerolog.Logger
}

// New creates a new server instance
func New(device adapter.Adapter, address string) *Server {
	return NewWithLogger(device, address, zerolog.Nop())
}

// NewWithLogger creates a new server instance with a custom logger
func NewWithLogger(device adapter.Adapter, address string, logger zerolog.Logger) *Server {
	return &Server{
		adapter:      device,
		address:      address,
		replyTimeout: DefaultReplyTimeout,
		conns:        make(map[net.Conn]struct{}),
		logger:       logger.With().Str("component", "relay").Logger(),
	}
}

// SetReplyTimeout changes how long each chunk waits for a reply
func (s *Server) SetReplyTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.replyTimeout = d
	}
}

// Start starts the TCP server and blocks until Stop is called
func (s *Server) Start() error {
	s.logger.Info().Str("address", s.address).Msg("Starting server (blocking mode)")

	if err := s.listen(); err != nil {
		return err
	}

	s.logger.Info().Msg("Ready to accept connections")
	s.wg.Add(1)
	s.acceptConnections()

	return nil
}

// StartAsync starts the TCP server in a goroutine (non-blocking)
func (s *Server) StartAsync() error {
	s.logger.Info().Str("address", s.address).Msg("Starting server (async mode)")

	if err := s.listen(); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.acceptConnections()
	s.logger.Info().Msg("Server started in background, ready to accept connections")

	return nil
}

func (s *Server) listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.logger.Error().Msg("Server already running")
		return ErrAlreadyRunning
	}

	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to start server")
		return fmt.Errorf("failed to start server: %w", err)
	}

	// Open the adapter if not already open
	if !s.adapter.IsOpen() {
		s.logger.Info().Str("transport", s.adapter.Kind().String()).Msg("Opening printer adapter")
		if err := s.adapter.Open(); err != nil {
			listener.Close()
			s.logger.Error().Err(err).Msg("Failed to open adapter")
			return fmt.Errorf("failed to open adapter: %w", err)
		}
	}

	s.listener = listener
	s.running = true
	s.logger.Info().Str("address", listener.Addr().String()).Bool("replies", s.adapter.CanReceive()).Msg("Server listening")

	return nil
}

// acceptConnections handles incoming client connections
func (s *Server) acceptConnections() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			running := s.running
			s.mu.Unlock()

			if !running {
				s.logger.Debug().Msg("Server shutting down, stopping accept loop")
				return
			}
			s.logger.Warn().Err(err).Msg("Error accepting connection")
			continue
		}

		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.logger.Info().Str("client", conn.RemoteAddr().String()).Msg("Client connected")
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// handleConnection relays one client until it disconnects. Write-only
// adapters turn every Send into a print job, so their input is held back
// until a whole UEL-delimited job has arrived.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	clientAddr := conn.RemoteAddr().String()
	logger := s.logger.With().Str("client", clientAddr).Logger()

	framed := !s.adapter.CanReceive()
	var pending []byte

	buf := make([]byte, 4096)

	for {
		n, err := conn.Read(buf)
		if err != nil {
			if err != io.EOF {
				logger.Debug().Err(err).Msg("Error reading from client")
			}
			if len(pending) > 0 {
				logger.Debug().Int("bytes", len(pending)).Msg("Flushing unterminated job")
				if _, err := s.forward(pending); err != nil {
					logger.Error().Err(err).Msg("Error forwarding to printer")
				}
			}
			logger.Info().Msg("Client disconnected")
			return
		}

		if n == 0 {
			continue
		}

		logger.Debug().Int("bytes", n).Msg("Received data")

		if framed {
			pending = append(pending, buf[:n]...)

			var jobs [][]byte
			jobs, pending = splitJobs(pending)
			for _, job := range jobs {
				if _, err := s.forward(job); err != nil {
					logger.Error().Err(err).Msg("Error forwarding to printer")
					return
				}
				logger.Debug().Int("bytes", len(job)).Msg("Relayed job")
			}
			continue
		}

		reply, err := s.forward(buf[:n])
		if err != nil {
			logger.Error().Err(err).Msg("Error forwarding to printer")
			return
		}

		if reply != "" {
			if _, err := conn.Write([]byte(reply + replyTerminator)); err != nil {
				logger.Debug().Err(err).Msg("Error writing reply to client")
				return
			}
			logger.Debug().Int("bytes", len(reply)).Msg("Relayed reply")
		}
	}
}

// splitJobs cuts buf after every complete job, one that opens and closes
// with a UEL. Bytes ahead of the opening UEL travel with that job. The
// returned rest is a copy of the incomplete tail.
func splitJobs(buf []byte) (jobs [][]byte, rest []byte) {
	uel := []byte(pjl.UEL)

	for {
		open := bytes.Index(buf, uel)
		if open < 0 {
			break
		}
		body := open + len(uel)
		end := bytes.Index(buf[body:], uel)
		if end < 0 {
			break
		}
		end += body + len(uel)

		jobs = append(jobs, buf[:end])
		buf = buf[end:]
	}

	if len(buf) > 0 {
		rest = append([]byte(nil), buf...)
	}

	return jobs, rest
}

// forward sends one chunk and collects whatever the printer answers
func (s *Server) forward(chunk []byte) (string, error) {
	s.adapterMu.Lock()
	defer s.adapterMu.Unlock()

	if err := s.adapter.Send(chunk); err != nil {
		return "", err
	}

	if !s.adapter.CanReceive() {
		return "", nil
	}

	s.mu.Lock()
	timeout := s.replyTimeout
	s.mu.Unlock()

	reply, err := s.adapter.TryReceive(timeout)
	if err != nil {
		if errors.Is(err, adapter.ErrUnsupported) {
			return "", nil
		}
		return "", err
	}

	return reply, nil
}

// Stop stops the TCP server
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}

	s.logger.Info().Msg("Stopping server")
	s.running = false
	listener := s.listener
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}

	// Wait for all connections to finish
	s.wg.Wait()

	if s.adapter.IsOpen() {
		if err := s.adapter.Close(); err != nil {
			s.logger.Error().Err(err).Msg("Error closing adapter")
			return err
		}
	}

	s.logger.Info().Msg("Server stopped")
	return nil
}

// IsRunning returns whether the server is running
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Address returns the server address
func (s *Server) Address() string {
	return s.address
}

// GetAdapter returns the underlying adapter
func (s *Server) GetAdapter() adapter.Adapter {
	return s.adapter
}
