package auditlog

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// DefaultCSVName is the metrics file name used when none is configured.
const DefaultCSVName = "speech_metrics.csv"

// CSVSink appends records to a CSV file. The header is written when the file
// is created; an existing file is appended to as is.
type CSVSink struct {
	mu   sync.Mutex
	path string
}

var _ Sink = (*CSVSink)(nil)

// NewCSVSink prepares a sink writing to path, creating parent directories as
// needed. The file itself is created lazily on the first Append.
func NewCSVSink(path string) (*CSVSink, error) {
	if path == "" {
		return nil, errors.New("auditlog: csv path must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("auditlog: create csv directory: %w", err)
	}
	return &CSVSink{path: path}, nil
}

// Path returns the file the sink appends to.
func (s *CSVSink) Path() string { return s.path }

// Append writes r as one CSV row. The file is opened per call so external
// rotation of the file is picked up without a restart.
func (s *CSVSink) Append(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, statErr := os.Stat(s.path)
	create := errors.Is(statErr, fs.ErrNotExist)

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("auditlog: open csv: %w", err)
	}

	w := csv.NewWriter(f)
	if create {
		if err := w.Write(Columns); err != nil {
			f.Close()
			return fmt.Errorf("auditlog: write csv header: %w", err)
		}
	}
	if err := w.Write(r.Row()); err != nil {
		f.Close()
		return fmt.Errorf("auditlog: write csv row: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("auditlog: flush csv: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("auditlog: close csv: %w", err)
	}

	slog.Debug("auditlog: record appended", "path", s.path, "id", r.ID)
	return nil
}
