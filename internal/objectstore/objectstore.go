// Package objectstore manages the published media library: the local
// filesystem root where finished assets live, plus an optional S3-compatible
// mirror used for off-box durability and presigned downloads.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrObjectNotFound indicates the requested asset file is not present in the
// publish root.
var ErrObjectNotFound = errors.New("objectstore: object not found")

// Library is the local publish root for finished media assets. Files enter it
// only through Publish, which moves a fully written temporary file into place
// so readers never observe a partial asset.
type Library struct {
	root   string
	mirror Mirror
}

// NewLibrary prepares the publish root and wires an optional mirror. Pass a
// nil mirror to keep assets local only.
func NewLibrary(root string, mirror Mirror) (*Library, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("objectstore: publish root required")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("objectstore: resolve publish root: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(absRoot, "assets"), 0o755); err != nil {
		return nil, fmt.Errorf("objectstore: create publish root: %w", err)
	}
	if mirror == nil {
		mirror = NoopMirror{}
	}
	return &Library{root: absRoot, mirror: mirror}, nil
}

// AssetKey returns the storage key for an asset ID.
func AssetKey(assetID string) string {
	return "assets/" + assetID + ".mp4"
}

// StagePath returns a path under the publish root suitable for writing an
// in-progress output before Publish. Callers own cleanup on failure.
func (l *Library) StagePath(assetID string) (string, error) {
	dir := filepath.Join(l.root, "staging")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("objectstore: create staging dir: %w", err)
	}
	return filepath.Join(dir, assetID+".mp4.partial"), nil
}

// Publish moves a fully written file at srcPath into the library under the
// asset key. The rename is atomic on the same filesystem, so a published
// asset is always complete. When a mirror is configured the object is copied
// there afterwards; mirror failures do not unpublish the local file.
func (l *Library) Publish(ctx context.Context, assetID, srcPath, contentType string) (string, error) {
	key := AssetKey(assetID)
	dst := filepath.Join(l.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("objectstore: create asset dir: %w", err)
	}
	if err := os.Rename(srcPath, dst); err != nil {
		return "", fmt.Errorf("objectstore: publish asset %s: %w", assetID, err)
	}
	if l.mirror.Enabled() {
		if err := l.mirror.Put(ctx, key, dst, contentType); err != nil {
			return key, fmt.Errorf("objectstore: mirror asset %s: %w", assetID, err)
		}
	}
	return key, nil
}

// Path resolves a storage key to an absolute path inside the publish root.
func (l *Library) Path(key string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(key))
	if cleaned == "." || strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("objectstore: invalid key %q", key)
	}
	return filepath.Join(l.root, cleaned), nil
}

// Open opens a published asset for reading. The returned file supports
// seeking, which the streaming gateway relies on for range requests.
func (l *Library) Open(key string) (*os.File, os.FileInfo, error) {
	path, err := l.Path(key)
	if err != nil {
		return nil, nil, err
	}
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, ErrObjectNotFound
	} else if err != nil {
		return nil, nil, fmt.Errorf("objectstore: open %s: %w", key, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("objectstore: stat %s: %w", key, err)
	}
	return file, info, nil
}

// Remove deletes a published asset locally and from the mirror when enabled.
func (l *Library) Remove(ctx context.Context, key string) error {
	path, err := l.Path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("objectstore: remove %s: %w", key, err)
	}
	if l.mirror.Enabled() {
		if err := l.mirror.Remove(ctx, key); err != nil {
			return fmt.Errorf("objectstore: mirror remove %s: %w", key, err)
		}
	}
	return nil
}

// MirrorDownloadURL returns a presigned download URL from the mirror, or
// false when no mirror is configured.
func (l *Library) MirrorDownloadURL(ctx context.Context, key string, ttl time.Duration) (*url.URL, bool, error) {
	if !l.mirror.Enabled() {
		return nil, false, nil
	}
	u, err := l.mirror.PresignGet(ctx, key, ttl)
	if err != nil {
		return nil, false, err
	}
	return u, true, nil
}

// Mirror replicates published assets to remote object storage.
type Mirror interface {
	Enabled() bool
	Put(ctx context.Context, key, localPath, contentType string) error
	Remove(ctx context.Context, key string) error
	PresignGet(ctx context.Context, key string, ttl time.Duration) (*url.URL, error)
}

// NoopMirror satisfies Mirror without replicating anything.
type NoopMirror struct{}

func (NoopMirror) Enabled() bool { return false }

func (NoopMirror) Put(ctx context.Context, key, localPath, contentType string) error { return nil }

func (NoopMirror) Remove(ctx context.Context, key string) error { return nil }

func (NoopMirror) PresignGet(ctx context.Context, key string, ttl time.Duration) (*url.URL, error) {
	return nil, fmt.Errorf("objectstore: mirror not configured")
}

// openForRead gives mirrors a reader over a published asset.
func openForRead(path string) (io.ReadCloser, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, err
	}
	return file, info.Size(), nil
}
