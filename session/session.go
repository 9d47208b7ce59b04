// Package session drives the PJL counter operations against one printer:
// it picks the transport for an endpoint, sends the ordered command lists,
// and falls back to the counter store when the device gives no answer.
package session

import (
	"errors"
	"fmt"
	"maps"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nixxel-company-limited/pjl-scancounter/adapter"
	"github.com/nixxel-company-limited/pjl-scancounter/endpoint"
	"github.com/nixxel-company-limited/pjl-scancounter/pjl"
	"github.com/nixxel-company-limited/pjl-scancounter/store"
)

// DefaultReceiveTimeout bounds each reply wait.
const DefaultReceiveTimeout = 3 * time.Second

// State is the connection state of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Source tells where a counter value came from.
type Source int

const (
	SourceDevice Source = iota + 1
	SourceCache
)

func (s Source) String() string {
	switch s {
	case SourceDevice:
		return "device"
	case SourceCache:
		return "cache"
	default:
		return "unknown"
	}
}

// Reading is the best available counter value. A cached value carries
// ErrNoUsableResponse as its Reason.
type Reading struct {
	Value  int
	Source Source
	Reason error
}

// FromDevice reports whether the value was parsed from a printer reply.
func (r Reading) FromDevice() bool {
	return r.Source == SourceDevice
}

// AdapterFactory builds the unopened transport for an endpoint.
type AdapterFactory func(ep endpoint.Endpoint, opts adapter.Options) (adapter.Adapter, error)

// StatusProber gathers supplementary status for a network printer.
type StatusProber interface {
	Probe(host string) (map[string]string, error)
}

// Session is not safe for concurrent use; one caller drives it at a time.
type Session struct {
	id             string
	store          *store.Store
	factory        AdapterFactory
	adapterOpts    adapter.Options
	prober         StatusProber
	receiveTimeout time.Duration
	logger         zerolog.Logger

	state    State
	endpoint endpoint.Endpoint
	adapter  adapter.Adapter
}

// Option configures a Session.
type Option func(*Session)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

func WithAdapterFactory(factory AdapterFactory) Option {
	return func(s *Session) { s.factory = factory }
}

// WithAdapterOptions sets transport timeouts. The logger field is replaced
// by the session logger.
func WithAdapterOptions(opts adapter.Options) Option {
	return func(s *Session) { s.adapterOpts = opts }
}

func WithReceiveTimeout(d time.Duration) Option {
	return func(s *Session) { s.receiveTimeout = d }
}

// WithProber adds SNMP (or other) status to GetInfo for network endpoints.
func WithProber(p StatusProber) Option {
	return func(s *Session) { s.prober = p }
}

// New creates a disconnected session backed by st.
func New(st *store.Store, opts ...Option) *Session {
	s := &Session{
		id:             uuid.NewString(),
		store:          st,
		factory:        adapter.ForEndpoint,
		receiveTimeout: DefaultReceiveTimeout,
		logger:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	base := s.logger.With().Str("session", s.id).Logger()
	s.adapterOpts.Logger = base
	s.logger = base.With().Str("component", "session").Logger()

	return s
}

// ID is the random identifier carried in every log line of the session.
func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	return s.state
}

// Endpoint returns the connected endpoint, zero when disconnected.
func (s *Session) Endpoint() endpoint.Endpoint {
	return s.endpoint
}

// Connect opens the transport implied by ep.Kind. It does not try other
// transports on failure; choosing among endpoints is the resolver's job.
func (s *Session) Connect(ep endpoint.Endpoint) error {
	if s.state == StateConnected {
		s.logger.Debug().Str("endpoint", s.endpoint.String()).Msg("Replacing existing connection")
		if err := s.Disconnect(); err != nil {
			s.logger.Warn().Err(err).Msg("Error closing previous transport")
		}
	}

	if ep == (endpoint.Endpoint{}) {
		return &ConnectionError{Endpoint: ep, Err: ErrNoEndpoint}
	}
	if err := ep.Validate(); err != nil {
		return &ConnectionError{Endpoint: ep, Err: fmt.Errorf("%w: %w", ErrNoEndpoint, err)}
	}

	s.state = StateConnecting

	a, err := s.factory(ep, s.adapterOpts)
	if err != nil {
		s.state = StateDisconnected
		return &ConnectionError{Endpoint: ep, Err: fmt.Errorf("%w: %w", ErrNoEndpoint, err)}
	}

	if err := a.Open(); err != nil {
		s.state = StateDisconnected
		s.logger.Error().Err(err).Str("endpoint", ep.String()).Msg("Failed to open transport")
		return &ConnectionError{Endpoint: ep, Err: fmt.Errorf("%w: %w", ErrTransportUnreachable, err)}
	}

	s.adapter = a
	s.endpoint = ep
	s.state = StateConnected

	s.logger.Info().
		Str("endpoint", ep.String()).
		Str("connection_type", ep.Kind.String()).
		Bool("bidirectional", a.CanReceive()).
		Msg("Connected to printer")

	s.saveMetadata(ep.LogicalID(), map[string]string{
		"endpoint":        ep.String(),
		"connection_type": ep.Kind.String(),
	})

	return nil
}

// ConnectResolved connects to the first endpoint r resolves for criteria
// that opens successfully. It fails only when every candidate fails.
func (s *Session) ConnectResolved(r endpoint.Resolver, criteria string) error {
	eps, err := r.Resolve(criteria)
	if err != nil {
		return fmt.Errorf("%w: resolve %q: %w", ErrNoEndpoint, criteria, err)
	}
	if len(eps) == 0 {
		return fmt.Errorf("%w: nothing matches %q", ErrNoEndpoint, criteria)
	}

	errs := make([]error, 0, len(eps))
	for _, ep := range eps {
		err := s.Connect(ep)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// GetCounter asks the printer for its scan counter, trying every known
// query until one reply parses. When none does, including on write-only
// transports, the cached value is returned with Source set to SourceCache.
func (s *Session) GetCounter() (Reading, error) {
	if err := s.requireConnected(); err != nil {
		return Reading{}, err
	}

	id := s.endpoint.LogicalID()

	for _, cmd := range pjl.QueryCommands() {
		if s.state != StateConnected {
			break
		}

		if err := s.send(cmd); err != nil {
			continue
		}

		if !s.adapter.CanReceive() {
			continue
		}

		reply, err := s.receive()
		if err != nil {
			s.logger.Debug().Err(err).Str("command", cmd).Msg("No reply")
			continue
		}

		if v, ok := pjl.ExtractCounter(reply); ok {
			s.logger.Info().Str("command", cmd).Int("counter", v).Msg("Counter read from device")
			if err := s.store.RecordReading(id, v); err != nil {
				s.persistenceWarning(err)
			}
			return Reading{Value: v, Source: SourceDevice}, nil
		}
	}

	cached := s.store.GetCounter(id)
	s.logger.Info().Int("counter", cached).Msg("No usable reply, using cached counter")

	return Reading{Value: cached, Source: SourceCache, Reason: ErrNoUsableResponse}, nil
}

// SetCounter sends every SET/DEFAULT variant for value and, if the transport
// accepted at least one, records value in the store. Acceptance only means
// the bytes left the host.
func (s *Session) SetCounter(value int) error {
	if value < 0 {
		return fmt.Errorf("%w: counter value %d is negative", ErrInvalidArgument, value)
	}

	if err := s.requireConnected(); err != nil {
		return err
	}

	id := s.endpoint.LogicalID()
	accepted := 0
	var lastErr error

	for _, cmd := range pjl.SetCommands(value) {
		if s.state != StateConnected {
			break
		}
		if err := s.send(cmd); err != nil {
			lastErr = err
			continue
		}
		accepted++
	}

	if accepted == 0 {
		if errors.Is(lastErr, adapter.ErrUnreachable) {
			return fmt.Errorf("%w: %w", ErrTransportUnreachable, lastErr)
		}
		return fmt.Errorf("%w: no set command for %d was accepted: %w", ErrTransportRejected, value, lastErr)
	}

	s.logger.Info().Int("counter", value).Int("accepted", accepted).Msg("Counter set")

	if err := s.store.SetCounter(id, value); err != nil {
		s.persistenceWarning(err)
	}

	return nil
}

// ResetCounter is SetCounter(0).
func (s *Session) ResetCounter() error {
	return s.SetCounter(0)
}

// GetInfo sends the informational queries and reports, per query, whether
// the transport accepted it (<key>_sent) and any reply (<key>).
func (s *Session) GetInfo() (map[string]string, error) {
	if err := s.requireConnected(); err != nil {
		return nil, err
	}

	ep := s.endpoint
	id := ep.LogicalID()

	info := map[string]string{
		"connection_type": ep.Kind.String(),
		"endpoint":        ep.String(),
		"logical_id":      id,
		"cached_counter":  strconv.Itoa(s.store.GetCounter(id)),
	}

	for _, ic := range pjl.InfoCommands() {
		if s.state != StateConnected {
			info[ic.Key+"_sent"] = "false"
			continue
		}

		err := s.send(ic.Command)
		info[ic.Key+"_sent"] = strconv.FormatBool(err == nil)
		if err != nil || !s.adapter.CanReceive() {
			continue
		}

		reply, err := s.receive()
		if err == nil && reply != "" {
			info[ic.Key] = reply
		}
	}

	if model := info["id"]; model != "" {
		s.saveMetadata(id, map[string]string{"model": model})
	}

	if s.prober != nil && ep.Kind == endpoint.KindNetwork {
		status, err := s.prober.Probe(ep.Address)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Status probe failed")
		} else {
			maps.Copy(info, status)
		}
	}

	return info, nil
}

// History returns the command history of the connected printer.
func (s *Session) History() ([]store.HistoryEntry, error) {
	if err := s.requireConnected(); err != nil {
		return nil, err
	}

	return s.store.History(s.endpoint.LogicalID()), nil
}

// Disconnect releases the transport. It is safe to call repeatedly.
func (s *Session) Disconnect() error {
	if s.adapter == nil {
		s.state = StateDisconnected
		return nil
	}

	err := s.adapter.Close()
	s.logger.Info().Str("endpoint", s.endpoint.String()).Msg("Disconnected")

	s.adapter = nil
	s.endpoint = endpoint.Endpoint{}
	s.state = StateDisconnected

	return err
}

func (s *Session) requireConnected() error {
	if s.state != StateConnected || s.adapter == nil {
		return fmt.Errorf("%w: session is not connected", ErrNoEndpoint)
	}
	return nil
}

func (s *Session) send(cmd string) error {
	frame, err := pjl.Build(cmd)
	if err != nil {
		return err
	}

	if err := s.adapter.Send(frame); err != nil {
		s.logger.Warn().Err(err).Str("command", cmd).Msg("Frame rejected by transport")
		if errors.Is(err, adapter.ErrUnreachable) {
			s.drop(err)
		}
		return fmt.Errorf("%w: %s: %w", ErrTransportRejected, cmd, err)
	}

	s.logger.Debug().Str("command", cmd).Msg("Frame sent")

	return nil
}

func (s *Session) receive() (string, error) {
	reply, err := s.adapter.TryReceive(s.receiveTimeout)
	if err != nil {
		if errors.Is(err, adapter.ErrUnreachable) {
			s.drop(err)
		}
		return "", err
	}

	if reply != "" {
		s.logger.Debug().Str("reply", reply).Msg("Reply received")
	}

	return reply, nil
}

// drop tears down a transport that reported the printer gone.
func (s *Session) drop(cause error) {
	s.logger.Error().Err(cause).Msg("Transport lost, disconnecting")
	if err := s.Disconnect(); err != nil {
		s.logger.Debug().Err(err).Msg("Error closing lost transport")
	}
}

func (s *Session) saveMetadata(id string, info map[string]string) {
	if err := s.store.SetMetadata(id, info); err != nil {
		s.persistenceWarning(err)
	}
}

func (s *Session) persistenceWarning(err error) {
	s.logger.Warn().Err(err).Msg("Counter store write failed, in-memory value kept")
}
