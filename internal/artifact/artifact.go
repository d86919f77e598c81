// Package artifact stores finalized utterance audio as WAV files.
package artifact

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/MrWong99/parley/pkg/audio"
)

// Store persists utterance audio and returns a reference to it.
type Store interface {
	Save(ctx context.Context, pcm []byte, f audio.Format) (ref string, err error)
}

// FileStore writes each utterance to <dir>/<uuid>.wav. The reference is the
// bare file name.
type FileStore struct {
	dir string
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates dir if needed and returns a store writing into it.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("artifact: directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: create directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the directory files are written to.
func (s *FileStore) Dir() string { return s.dir }

// Save writes pcm as a WAV file. A partially written file is removed.
func (s *FileStore) Save(ctx context.Context, pcm []byte, f audio.Format) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := f.Validate(); err != nil {
		return "", fmt.Errorf("artifact: %w", err)
	}

	name := uuid.NewString() + ".wav"
	path := filepath.Join(s.dir, name)

	fh, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("artifact: create %s: %w", name, err)
	}
	if err := audio.WriteWAV(fh, pcm, f); err != nil {
		fh.Close()
		os.Remove(path)
		return "", fmt.Errorf("artifact: %w", err)
	}
	if err := fh.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("artifact: close %s: %w", name, err)
	}

	slog.Debug("artifact: utterance saved", "file", name, "bytes", len(pcm), "format", f.String())
	return name, nil
}
