// Package archive keeps sealed audit log segments for long-term retention.
//
// Archive stores are write-once: a segment name can be written a single time
// and is never deleted or replaced.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrExists is returned when a segment name is already archived with
// different content.
var ErrExists = errors.New("segment already archived")

// ErrNotFound is returned for unknown segment names.
var ErrNotFound = errors.New("segment not found")

// Store is a write-once object store for audit segments.
type Store interface {
	// Put stores data under name and returns its sha256 digest. Putting the
	// same bytes again is a no-op; different bytes fail with ErrExists.
	Put(ctx context.Context, name string, data []byte) (string, error)
	// Get returns the bytes stored under name.
	Get(ctx context.Context, name string) ([]byte, error)
	// Exists reports whether name has been stored.
	Exists(ctx context.Context, name string) (bool, error)
}

// Digest returns the prefixed sha256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func validName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("invalid segment name %q", name)
	}
	return nil
}

// FileStore archives segments into a local directory.
type FileStore struct {
	baseDir string
	mu      sync.Mutex
}

// NewFileStore creates a store rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to ensure archive dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) Put(ctx context.Context, name string, data []byte) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	digest := Digest(data)
	path := filepath.Join(s.baseDir, name)
	if existing, err := os.ReadFile(path); err == nil {
		if Digest(existing) == digest {
			return digest, nil
		}
		return "", fmt.Errorf("%w: %s", ErrExists, name)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0440); err != nil {
		return "", fmt.Errorf("failed to write segment: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return "", fmt.Errorf("failed to commit segment: %w", err)
	}
	return digest, nil
}

func (s *FileStore) Get(ctx context.Context, name string) ([]byte, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.baseDir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return io.ReadAll(f)
}

func (s *FileStore) Exists(ctx context.Context, name string) (bool, error) {
	if err := validName(name); err != nil {
		return false, err
	}
	_, err := os.Stat(filepath.Join(s.baseDir, name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}
