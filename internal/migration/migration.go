// Package migration converts legacy device-local media references into
// persistent assets. The legacy blob is replayed through the regular upload
// pipeline and the reference record is swapped atomically, so holders of the
// old reference are never left pointing at a half-migrated resource.
package migration

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"clipforge/internal/models"
	"clipforge/internal/observability/logging"
	"clipforge/internal/storage"
	"clipforge/internal/upload"
)

// ErrNotLocal is returned when the reference is already persistent; the call
// is a no-op for the caller, not a failure to retry.
var ErrNotLocal = errors.New("reference is not device-local")

// RetryableError marks a migration failure that left the local reference
// untouched. The caller may simply run Migrate again.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("migration failed, reference unchanged: %v", e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// Blob is one legacy device-local media file.
type Blob struct {
	Reader   io.ReadCloser
	Size     int64
	MimeType string
	Filename string
}

// BlobSource fetches legacy blobs by device and blob ID. Implementations
// range from a mounted device export directory to a sync-service client.
type BlobSource interface {
	Fetch(ctx context.Context, deviceID, blobID string) (Blob, error)
}

// Migrator replays legacy blobs through the upload pipeline.
type Migrator struct {
	repo      storage.Repository
	manager   *upload.Manager
	source    BlobSource
	chunkSize int64
	logger    *slog.Logger
}

// NewMigrator wires a Migrator. chunkSize bounds the per-chunk replay size;
// zero picks a sane default.
func NewMigrator(repo storage.Repository, manager *upload.Manager, source BlobSource, chunkSize int64, logger *slog.Logger) (*Migrator, error) {
	if repo == nil || manager == nil || source == nil {
		return nil, fmt.Errorf("migrator requires a repository, upload manager, and blob source")
	}
	if chunkSize <= 0 {
		chunkSize = 4 << 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{
		repo:      repo,
		manager:   manager,
		source:    source,
		chunkSize: chunkSize,
		logger:    logging.WithComponent(logger, "migration"),
	}, nil
}

// Migrate converts one local reference into a persistent one. On any failure
// the reference record is left exactly as it was and a RetryableError is
// returned; the only mutation is the final atomic swap.
func (m *Migrator) Migrate(ctx context.Context, referenceID string) (models.MediaReference, error) {
	ref, ok := m.repo.GetReference(referenceID)
	if !ok {
		return models.MediaReference{}, storage.ErrReferenceNotFound
	}
	if ref.Kind != models.ReferenceLocal {
		return ref, ErrNotLocal
	}

	blob, err := m.source.Fetch(ctx, ref.DeviceID, ref.BlobID)
	if err != nil {
		return models.MediaReference{}, &RetryableError{Err: fmt.Errorf("fetch blob %s/%s: %w", ref.DeviceID, ref.BlobID, err)}
	}
	defer blob.Reader.Close()

	asset, err := m.replay(ctx, ref, blob)
	if err != nil {
		return models.MediaReference{}, &RetryableError{Err: err}
	}

	next := models.MediaReference{
		ID:        ref.ID,
		OwnerID:   ref.OwnerID,
		Kind:      models.ReferencePersistent,
		AssetID:   asset.ID,
		UpdatedAt: asset.CreatedAt,
	}
	if err := m.repo.SwapReference(ref.ID, models.ReferenceLocal, next); err != nil {
		return models.MediaReference{}, &RetryableError{Err: fmt.Errorf("swap reference: %w", err)}
	}
	m.logger.Info("reference migrated",
		"reference_id", ref.ID,
		"device_id", ref.DeviceID,
		"asset_id", asset.ID)
	return next, nil
}

// replay pushes the blob through a fresh upload session, chunk by chunk,
// hashing as it reads so the completion step verifies end-to-end integrity.
func (m *Migrator) replay(ctx context.Context, ref models.MediaReference, blob Blob) (models.MediaAsset, error) {
	hasher := sha256.New()
	var buffered bytes.Buffer
	if _, err := io.Copy(io.MultiWriter(&buffered, hasher), blob.Reader); err != nil {
		return models.MediaAsset{}, fmt.Errorf("read blob: %w", err)
	}
	data := buffered.Bytes()
	if int64(len(data)) == 0 {
		return models.MediaAsset{}, fmt.Errorf("blob %s/%s is empty", ref.DeviceID, ref.BlobID)
	}

	chunkSize := m.chunkSize
	if chunkSize > int64(len(data)) {
		chunkSize = int64(len(data))
	}
	session, err := m.manager.Initiate(ctx, upload.InitiateRequest{
		OwnerID:      ref.OwnerID,
		Filename:     blob.Filename,
		TotalSize:    int64(len(data)),
		ChunkSize:    chunkSize,
		MimeType:     blob.MimeType,
		DeclaredHash: hex.EncodeToString(hasher.Sum(nil)),
	})
	if err != nil {
		return models.MediaAsset{}, fmt.Errorf("initiate session: %w", err)
	}

	for index := 0; index < session.TotalChunks; index++ {
		start := int64(index) * chunkSize
		end := start + chunkSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		if _, err := m.manager.UploadChunk(ctx, session.ID, index, data[start:end], ""); err != nil {
			return models.MediaAsset{}, fmt.Errorf("upload chunk %d: %w", index, err)
		}
	}

	asset, err := m.manager.Complete(ctx, session.ID)
	if err != nil {
		return models.MediaAsset{}, fmt.Errorf("complete session: %w", err)
	}
	return asset, nil
}
