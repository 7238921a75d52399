// Package chunkstore spools independently uploaded byte ranges on the local
// filesystem until an upload session assembles them into a single asset.
package chunkstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
)

// ErrUnavailable wraps transient filesystem failures so callers can retry
// with backoff before surfacing a storage error.
var ErrUnavailable = errors.New("chunk storage unavailable")

// ErrChunkNotFound is returned when a storage key does not resolve to a
// spooled chunk.
var ErrChunkNotFound = errors.New("chunk not found")

// Store is a content-addressable spool keyed by (session, chunk index).
// Chunks for one session may be written concurrently in any order; the store
// imposes no ordering of its own.
type Store struct {
	root string
	lock *flock.Flock
}

// New prepares the spool directory and takes a process-exclusive lock on it
// so two server instances never garbage-collect the same spool concurrently.
func New(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("chunk store root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create chunk store root: %w", err)
	}
	lock := flock.New(filepath.Join(root, ".lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock chunk store root: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("chunk store root %s is locked by another process", root)
	}
	return &Store{root: root, lock: lock}, nil
}

// Close releases the spool lock.
func (s *Store) Close() error {
	if s == nil || s.lock == nil {
		return nil
	}
	return s.lock.Unlock()
}

// Put stores the bytes for one chunk index, replacing any previous content at
// that index, and returns the storage key. Writes go through a temp file and
// rename so a rewritten index is never observed half-written.
func (s *Store) Put(sessionID string, index int, data []byte) (string, error) {
	dir := filepath.Join(s.root, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: create session dir: %v", ErrUnavailable, err)
	}
	final := s.chunkPath(sessionID, index)
	tmp, err := os.CreateTemp(dir, "chunk-*")
	if err != nil {
		return "", fmt.Errorf("%w: create temp chunk: %v", ErrUnavailable, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("%w: write chunk: %v", ErrUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("%w: close chunk: %v", ErrUnavailable, err)
	}
	if err := os.Rename(tmpPath, final); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("%w: commit chunk: %v", ErrUnavailable, err)
	}
	return s.key(sessionID, index), nil
}

// Get returns the bytes stored under the provided key.
func (s *Store) Get(key string) ([]byte, error) {
	path, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrChunkNotFound
	} else if err != nil {
		return nil, fmt.Errorf("%w: read chunk: %v", ErrUnavailable, err)
	}
	return data, nil
}

// Open returns a reader over the chunk stored under the provided key, for
// streaming assembly without buffering whole chunks in memory.
func (s *Store) Open(key string) (io.ReadCloser, error) {
	path, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrChunkNotFound
	} else if err != nil {
		return nil, fmt.Errorf("%w: open chunk: %v", ErrUnavailable, err)
	}
	return file, nil
}

// Delete removes a single chunk. Missing chunks are not an error.
func (s *Store) Delete(key string) error {
	path, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: delete chunk: %v", ErrUnavailable, err)
	}
	return nil
}

// DeleteSession reclaims every chunk belonging to a session. Used by the
// expiry sweep and by failed-session garbage collection.
func (s *Store) DeleteSession(sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("session id is required")
	}
	dir := filepath.Join(s.root, sessionID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("%w: delete session chunks: %v", ErrUnavailable, err)
	}
	return nil
}

// Has reports whether a chunk exists under the provided key.
func (s *Store) Has(key string) bool {
	path, err := s.resolve(key)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

func (s *Store) key(sessionID string, index int) string {
	return sessionID + "/" + strconv.Itoa(index)
}

func (s *Store) chunkPath(sessionID string, index int) string {
	return filepath.Join(s.root, sessionID, strconv.Itoa(index)+".chunk")
}

func (s *Store) resolve(key string) (string, error) {
	parts := strings.SplitN(key, "/", 2)
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" {
		return "", fmt.Errorf("invalid chunk key %q", key)
	}
	index, err := strconv.Atoi(parts[1])
	if err != nil || index < 0 {
		return "", fmt.Errorf("invalid chunk key %q", key)
	}
	// Session ids are generated UUIDs, but reject separators anyway so a
	// malformed key can never escape the spool root.
	if strings.ContainsAny(parts[0], `/\.`) {
		return "", fmt.Errorf("invalid chunk key %q", key)
	}
	return s.chunkPath(parts[0], index), nil
}
