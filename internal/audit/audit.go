// Package audit defines the append-only operation log written by every layer
// that touches a remote host. Sinks are injected at construction so tests can
// capture entries in memory.
package audit

import (
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Kind classifies an audit entry.
type Kind string

const (
	KindSession    Kind = "session"
	KindCommand    Kind = "command"
	KindAccount    Kind = "account"
	KindCapability Kind = "capability"
)

// Entry is one immutable audit record. Command and Output are truncated by
// the sinks before persistence; the full output never leaves the session.
type Entry struct {
	ID         string
	Time       time.Time
	Kind       Kind
	Host       string
	Principal  string
	Operation  string
	Command    string
	Output     string
	Privileged bool
	Success    bool
	Message    string
}

// New returns an Entry stamped with a fresh ULID and the current time.
func New(kind Kind) Entry {
	return Entry{
		ID:   ulid.Make().String(),
		Time: time.Now().UTC(),
		Kind: kind,
	}
}

const (
	maxCommandLen = 100
	maxOutputLen  = 500
)

func clamp(e Entry) Entry {
	if len(e.Command) > maxCommandLen {
		e.Command = e.Command[:maxCommandLen]
	}
	if len(e.Output) > maxOutputLen {
		e.Output = e.Output[:maxOutputLen]
	}
	return e
}

// Sink receives audit entries. Recording must never fail the operation being
// audited, so Record returns nothing; implementations log their own errors.
type Sink interface {
	Record(e Entry)
}

// NopSink discards every entry.
type NopSink struct{}

func (NopSink) Record(Entry) {}

// MemorySink collects entries in memory for tests.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
}

func (s *MemorySink) Record(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, clamp(e))
}

// Entries returns a copy of everything recorded so far.
func (s *MemorySink) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// ByKind returns recorded entries of one kind.
func (s *MemorySink) ByKind(kind Kind) []Entry {
	var out []Entry
	for _, e := range s.Entries() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Recorder is the persistence surface StoreSink writes through.
type Recorder interface {
	AppendAudit(e Entry) error
}

// StoreSink persists entries through a Recorder and logs write failures
// instead of surfacing them.
type StoreSink struct {
	rec    Recorder
	logger *slog.Logger
}

func NewStoreSink(rec Recorder, logger *slog.Logger) *StoreSink {
	return &StoreSink{rec: rec, logger: logger}
}

func (s *StoreSink) Record(e Entry) {
	e = clamp(e)
	if err := s.rec.AppendAudit(e); err != nil {
		s.logger.Warn("failed to persist audit entry",
			"kind", e.Kind,
			"host", e.Host,
			"operation", e.Operation,
			"error", err,
		)
	}
}
