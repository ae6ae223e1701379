package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	contractx "github.com/tanpawarit/storyweave/agent/contract"
	logx "github.com/tanpawarit/storyweave/pkg/logger"
)

const (
	cacheDirMode    = 0o755
	cacheFileMode   = 0o600
	tempFilePattern = ".analysis-*.json.tmp"
)

// FileStore keeps the record in a single JSON document. Writes go to a
// temporary file in the same directory and are renamed into place, so a
// reader sees either the previous record or the new one.
type FileStore struct {
	mu     sync.Mutex
	path   string
	now    func() time.Time
	logger zerolog.Logger
}

type FileOption func(*FileStore)

func WithFileLogger(logger zerolog.Logger) FileOption {
	return func(s *FileStore) {
		s.logger = logger
	}
}

func WithFileClock(now func() time.Time) FileOption {
	return func(s *FileStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewFileStore(path string, opts ...FileOption) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: cache path is empty", contractx.ErrValidation)
	}
	s := &FileStore{
		path:   filepath.Clean(path),
		now:    time.Now,
		logger: logx.Component("cache").With().Str("backend", "file").Logger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Save(ctx context.Context, rec *Record) error {
	if rec == nil {
		return fmt.Errorf("%w: nil record", contractx.ErrWriteFailure)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", contractx.ErrWriteFailure, err)
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.now()
	}

	data, err := encodeRecord(rec)
	if err != nil {
		return fmt.Errorf("%w: encode record: %v", contractx.ErrWriteFailure, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.replace(data); err != nil {
		s.logger.Error().Err(err).Str("path", s.path).Msg("failed to write analysis cache")
		return fmt.Errorf("%w: %v", contractx.ErrWriteFailure, err)
	}

	s.logger.Debug().
		Int("turn", rec.TurnNumber).
		Int("background", len(rec.Background)).
		Int("immediate", len(rec.Immediate)).
		Msg("analysis cache written")
	return nil
}

func (s *FileStore) replace(data []byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, cacheDirMode); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}

	tempFile, err := os.CreateTemp(dir, tempFilePattern)
	if err != nil {
		return fmt.Errorf("create temp cache file: %w", err)
	}
	tempName := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempName)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write temp cache file: %w", err)
	}
	if err := tempFile.Chmod(cacheFileMode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp cache file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("sync temp cache file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp cache file: %w", err)
	}
	if err := os.Rename(tempName, s.path); err != nil {
		return fmt.Errorf("replace cache file: %w", err)
	}
	cleanup = false
	return nil
}

// Load returns the stored record, or Empty() when the file is missing or
// cannot be used. It never fails.
func (s *FileStore) Load(_ context.Context) *Record {
	s.mu.Lock()
	raw, err := os.ReadFile(s.path)
	s.mu.Unlock()

	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn().Err(err).Str("path", s.path).Msg("analysis cache unreadable, starting empty")
		}
		return Empty()
	}

	rec, err := decodeRecord(raw)
	if err != nil {
		s.logger.Warn().Err(err).Str("path", s.path).Msg("analysis cache ignored, starting empty")
		return Empty()
	}
	return rec
}

// Clear removes the stored record. Clearing a missing file is not an error.
func (s *FileStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: remove cache file: %v", contractx.ErrWriteFailure, err)
	}
	s.logger.Debug().Str("path", s.path).Msg("analysis cache cleared")
	return nil
}
