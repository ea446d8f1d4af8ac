// Package blob provides the typed object-store gateway for pipeline
// artifacts. Objects are byte streams addressed by key; every Put reports the
// SHA-256 checksum of the exact bytes written.
package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aegisrisk/aegis-core/pkg/canonical"
)

// ErrNotFound is returned when a key has no object.
var ErrNotFound = errors.New("blob: object not found")

// PutResult reports where an object landed and the checksum of its bytes.
type PutResult struct {
	URI      string
	Checksum string
}

// Store is the contract every backend implements.
type Store interface {
	// Put persists data under key and returns its URI and SHA-256 checksum.
	Put(ctx context.Context, key string, data []byte) (PutResult, error)
	// Get retrieves an object's bytes by key.
	Get(ctx context.Context, key string) ([]byte, error)
	// Exists checks whether an object exists.
	Exists(ctx context.Context, key string) (bool, error)
	// KeyFromURI translates a URI previously returned by Put back to its key.
	KeyFromURI(uri string) (string, error)
}

// FileStore is a filesystem-backed Store used in dev mode and tests.
type FileStore struct {
	baseDir string
	bucket  string
	mu      sync.RWMutex
}

// NewFileStore creates a file-backed store rooted at baseDir. The bucket name
// only shapes URIs.
func NewFileStore(baseDir, bucket string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to ensure blob dir: %w", err)
	}
	return &FileStore{baseDir: baseDir, bucket: bucket}, nil
}

func (s *FileStore) uri(key string) string {
	return "file://" + s.bucket + "/" + key
}

// Put implements Store.
func (s *FileStore) Put(ctx context.Context, key string, data []byte) (PutResult, error) {
	if err := validateKey(key); err != nil {
		return PutResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return PutResult{}, fmt.Errorf("failed to ensure key dir: %w", err)
	}

	// Write to temp, then rename for atomicity.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return PutResult{}, fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return PutResult{}, fmt.Errorf("failed to commit blob: %w", err)
	}

	return PutResult{URI: s.uri(key), Checksum: canonical.HashBytes(data)}, nil
}

// Get implements Store.
func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.baseDir, filepath.FromSlash(key)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}

// Exists implements Store.
func (s *FileStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := os.Stat(filepath.Join(s.baseDir, filepath.FromSlash(key)))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat blob: %w", err)
}

// KeyFromURI implements Store.
func (s *FileStore) KeyFromURI(uri string) (string, error) {
	return keyFromURI(uri, "file://"+s.bucket+"/")
}

func keyFromURI(uri, prefix string) (string, error) {
	if !strings.HasPrefix(uri, prefix) {
		return "", fmt.Errorf("blob: uri %q does not match store prefix %q", uri, prefix)
	}
	key := strings.TrimPrefix(uri, prefix)
	if err := validateKey(key); err != nil {
		return "", err
	}
	return key, nil
}

func validateKey(key string) error {
	if key == "" {
		return errors.New("blob: empty key")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return fmt.Errorf("blob: invalid key %q", key)
	}
	return nil
}
