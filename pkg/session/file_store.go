package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const fileExt = ".session.json"

// FileStore keeps one JSON file per target in a directory. Writes go
// through a temp file and rename so a crash never leaves a torn session.
type FileStore struct {
	dir   string
	codec codec
	opts  options
	mu    sync.RWMutex
}

// NewFileStore creates the directory if needed
func NewFileStore(dir string, opts ...Option) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	o := buildOptions(opts)
	return &FileStore{
		dir:   dir,
		codec: codec{passphrase: o.passphrase},
		opts:  o,
	}, nil
}

func (f *FileStore) path(targetID string) string {
	return filepath.Join(f.dir, base64.RawURLEncoding.EncodeToString([]byte(targetID))+fileExt)
}

// Save replaces the session for targetID
func (f *FileStore) Save(ctx context.Context, targetID string, blob Blob) (*Session, error) {
	if err := checkTarget(targetID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	s := newSession(targetID, blob, f.opts.clock.Now(), f.opts.ttl)
	if err := f.write(s); err != nil {
		return nil, err
	}

	f.opts.log.WithField("target", targetID).Debug("Session saved")
	return s, nil
}

// Load returns the stored session or nil when there is none
func (f *FileStore) Load(ctx context.Context, targetID string) (*Session, error) {
	if err := checkTarget(targetID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.read(f.path(targetID))
}

// Touch stamps the stored session as validated now
func (f *FileStore) Touch(ctx context.Context, targetID string) error {
	if err := checkTarget(targetID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	s, err := f.read(f.path(targetID))
	if err != nil {
		return err
	}
	if s == nil {
		return fmt.Errorf("no session stored for %s", targetID)
	}
	s.LastValidatedAt = f.opts.clock.Now()
	return f.write(s)
}

// Clear deletes the session file
func (f *FileStore) Clear(ctx context.Context, targetID string) error {
	if err := checkTarget(targetID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path(targetID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove session: %w", err)
	}
	f.opts.log.WithField("target", targetID).Debug("Session cleared")
	return nil
}

// List returns every readable session. Files that fail to decode are
// skipped and logged.
func (f *FileStore) List(ctx context.Context) ([]*Session, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read session directory: %w", err)
	}

	var sessions []*Session
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileExt) {
			continue
		}
		s, err := f.read(filepath.Join(f.dir, entry.Name()))
		if err != nil {
			f.opts.log.WithError(err).WithField("file", entry.Name()).Warn("Skipping unreadable session")
			continue
		}
		if s != nil {
			sessions = append(sessions, s)
		}
	}
	return sessions, nil
}

// Close is a no-op
func (f *FileStore) Close() error {
	return nil
}

func (f *FileStore) read(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	return f.codec.decode(data)
}

func (f *FileStore) write(s *Session) error {
	data, err := f.codec.encode(s, f.opts.clock.Now())
	if err != nil {
		return err
	}

	path := f.path(s.TargetID)
	tmp, err := os.CreateTemp(f.dir, ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write session: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		return fmt.Errorf("failed to set session permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}
