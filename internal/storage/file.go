package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const lockRetryDelay = 50 * time.Millisecond

// FileStore keeps the blob in a file guarded by an advisory lock, so several
// processes can share one session file
type FileStore struct {
	mu   sync.Mutex
	path string
	lock *flock.Flock
}

// NewFileStore creates a store writing to path. The parent directory is
// created on first write.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, ErrEmptyKey
	}
	return &FileStore{
		path: path,
		lock: flock.New(path + ".lock"),
	}, nil
}

// Read returns the file contents, or nil if the file does not exist
func (s *FileStore) Read(ctx context.Context) ([]byte, error) {
	var data []byte
	err := s.withLock(ctx, func() error {
		var err error
		data, err = os.ReadFile(s.path)
		if errors.Is(err, os.ErrNotExist) {
			data = nil
			return nil
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reading session file %q: %w", s.path, err)
	}
	return data, nil
}

// Write replaces the file atomically with 0600 permissions
func (s *FileStore) Write(ctx context.Context, data []byte) error {
	err := s.withLock(ctx, func() error {
		tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
		if err != nil {
			return err
		}
		defer os.Remove(tmp.Name())

		if err := tmp.Chmod(0o600); err != nil {
			tmp.Close()
			return err
		}
		if _, err := tmp.Write(data); err != nil {
			tmp.Close()
			return err
		}
		if err := tmp.Close(); err != nil {
			return err
		}
		return os.Rename(tmp.Name(), s.path)
	})
	if err != nil {
		return fmt.Errorf("writing session file %q: %w", s.path, err)
	}
	return nil
}

// Clear removes the file; a missing file is not an error
func (s *FileStore) Clear(ctx context.Context) error {
	err := s.withLock(ctx, func() error {
		if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting session file %q: %w", s.path, err)
	}
	return nil
}

// CheckHealth verifies the session directory is usable
func (s *FileStore) CheckHealth(ctx context.Context) error {
	dir := filepath.Dir(s.path)
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("session directory health check failed: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("session directory health check failed: %s is not a directory", dir)
	}
	return nil
}

func (s *FileStore) withLock(ctx context.Context, fn func() error) error {
	// flock only excludes other processes
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating session directory: %w", err)
	}

	locked, err := s.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("acquiring file lock: %w", err)
	}
	if !locked {
		return errors.New("could not acquire file lock")
	}
	defer s.lock.Unlock()

	return fn()
}
