// Package store persists the last known scan counter per logical printer,
// with a short history of the actions that changed it.
//
// Everything lives in one JSON file that is rewritten on each change. The
// in-memory state is authoritative for the life of the process; a failed
// write is reported but not rolled back. Concurrent processes sharing a
// file are not coordinated and the last writer wins.
package store

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
)

// MaxHistory bounds the per-printer command history.
const MaxHistory = 10

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var ErrNegativeCounter = errors.New("counter must not be negative")

// PersistenceError reports that a change was applied in memory but could
// not be written to disk.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// HistoryEntry is one recorded action.
type HistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
}

// Record is the persisted state of one logical printer.
type Record struct {
	LogicalID   string            `json:"-"`
	Counter     int               `json:"scanner_counter"`
	LastUpdated *time.Time        `json:"last_updated,omitempty"`
	History     []HistoryEntry    `json:"command_history"`
	PrinterInfo map[string]string `json:"printer_info,omitempty"`
}

func (r *Record) clone() Record {
	out := *r
	out.History = append([]HistoryEntry(nil), r.History...)
	out.PrinterInfo = maps.Clone(r.PrinterInfo)
	if r.LastUpdated != nil {
		t := *r.LastUpdated
		out.LastUpdated = &t
	}
	return out
}

type fileLayout struct {
	Printers map[string]*Record `json:"printers"`
}

// Store is safe for use from multiple goroutines of one process.
type Store struct {
	path    string
	records map[string]*Record
	now     func() time.Time
	mu      sync.Mutex
	logger  zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger.With().Str("component", "store").Logger()
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Open loads the store at path. A missing file is a first use, and a file
// that cannot be decoded is logged and treated the same way. Only read
// errors other than "not found" fail.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:    path,
		records: make(map[string]*Record),
		now:     time.Now,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.logger.Debug().Str("path", path).Msg("No counter file yet, starting empty")
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read counter store: %w", err)
	}

	var layout fileLayout
	if err := json.Unmarshal(data, &layout); err != nil {
		s.logger.Warn().Err(err).Str("path", path).Msg("Counter file unreadable, starting empty")
		return s, nil
	}

	for id, rec := range layout.Printers {
		if rec == nil {
			continue
		}
		rec.LogicalID = id
		if rec.Counter < 0 {
			rec.Counter = 0
		}
		if len(rec.History) > MaxHistory {
			rec.History = rec.History[len(rec.History)-MaxHistory:]
		}
		s.records[id] = rec
	}

	return s, nil
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

// Load returns a copy of the record for id, or a zero record on first use.
func (s *Store) Load(id string) Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[id]; ok {
		return rec.clone()
	}

	return Record{LogicalID: id}
}

// GetCounter returns the cached counter for id.
func (s *Store) GetCounter(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[id]; ok {
		return rec.Counter
	}
	return 0
}

// History returns the recorded actions for id, most recent last.
func (s *Store) History(id string) []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[id]; ok {
		return append([]HistoryEntry(nil), rec.History...)
	}
	return nil
}

// IDs lists every known logical printer identity, sorted.
func (s *Store) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return ids
}

// SetCounter overwrites the counter for id and records the change.
func (s *Store) SetCounter(id string, value int) error {
	return s.update(id, value, fmt.Sprintf("counter set to %d", value))
}

// RecordReading stores a value read back from the device.
func (s *Store) RecordReading(id string, value int) error {
	return s.update(id, value, fmt.Sprintf("counter read from device: %d", value))
}

// SetMetadata merges opaque printer metadata into the record for id.
func (s *Store) SetMetadata(id string, info map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.record(id)
	if rec.PrinterInfo == nil {
		rec.PrinterInfo = make(map[string]string, len(info))
	}
	maps.Copy(rec.PrinterInfo, info)

	return s.persist()
}

func (s *Store) update(id string, value int, action string) error {
	if value < 0 {
		return fmt.Errorf("%w: %d", ErrNegativeCounter, value)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec := s.record(id)
	rec.Counter = value
	rec.LastUpdated = &now
	rec.History = append(rec.History, HistoryEntry{Timestamp: now, Action: action})
	if len(rec.History) > MaxHistory {
		rec.History = append([]HistoryEntry(nil), rec.History[len(rec.History)-MaxHistory:]...)
	}

	s.logger.Debug().Str("printer", id).Int("counter", value).Str("action", action).Msg("Counter updated")

	return s.persist()
}

// record returns the live record for id, creating it. Callers hold s.mu.
func (s *Store) record(id string) *Record {
	rec, ok := s.records[id]
	if !ok {
		rec = &Record{LogicalID: id}
		s.records[id] = rec
	}
	return rec
}

// persist writes all records through a temp file and rename. Callers hold s.mu.
func (s *Store) persist() error {
	data, err := json.MarshalIndent(fileLayout{Printers: s.records}, "", "  ")
	if err != nil {
		return &PersistenceError{Path: s.path, Err: err}
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return &PersistenceError{Path: s.path, Err: err}
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return &PersistenceError{Path: s.path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return &PersistenceError{Path: s.path, Err: err}
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return &PersistenceError{Path: s.path, Err: err}
	}

	return nil
}
