// Package mock provides a recording [auditlog.Sink] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/internal/auditlog"
)

// Sink records every appended record and returns Err.
type Sink struct {
	mu sync.Mutex

	// Err, if non-nil, is returned from every Append call. The record is
	// still recorded.
	Err error

	// Records holds every record passed to Append.
	Records []auditlog.Record
}

var _ auditlog.Sink = (*Sink)(nil)

// Append records r and returns Err.
func (s *Sink) Append(_ context.Context, r auditlog.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Records = append(s.Records, r)
	return s.Err
}

// Snapshot returns a copy of the recorded records. Thread-safe.
func (s *Sink) Snapshot() []auditlog.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]auditlog.Record, len(s.Records))
	copy(out, s.Records)
	return out
}
