// Package upload implements chunked upload sessions: initiation, chunk
// receipt, lazy expiry, and assembly of received chunks into a published
// media asset.
package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/unicode/norm"

	"clipforge/internal/chunkstore"
	"clipforge/internal/media"
	"clipforge/internal/models"
	"clipforge/internal/objectstore"
	"clipforge/internal/observability/logging"
	"clipforge/internal/observability/metrics"
	"clipforge/internal/storage"
)

// Limits bounds what a single session may declare.
type Limits struct {
	MaxChunkSize     int64
	MaxTotalSize     int64
	AllowedMimeTypes []string
}

// ManagerOptions wires the collaborators a Manager needs.
type ManagerOptions struct {
	Repository storage.Repository
	Chunks     *chunkstore.Store
	Library    *objectstore.Library
	Prober     media.Prober
	Metrics    *metrics.Recorder
	Logger     *slog.Logger
	SessionTTL time.Duration
	Limits     Limits
	Now        func() time.Time
}

// Manager owns the upload session lifecycle. Session state lives in the
// repository and chunk store; the manager serializes updates to any one
// session record and is safe for concurrent use.
type Manager struct {
	repo       storage.Repository
	chunks     *chunkstore.Store
	library    *objectstore.Library
	prober     media.Prober
	metrics    *metrics.Recorder
	logger     *slog.Logger
	sessionTTL time.Duration
	limits     Limits
	now        func() time.Time

	completions singleflight.Group

	locksMu sync.Mutex
	locks   map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// lockSession serializes the read-modify-write cycle on one session record.
// The session is persisted as a whole document, so concurrent chunk receipts
// would otherwise overwrite each other's updates. The returned func releases
// the lock.
func (m *Manager) lockSession(id string) func() {
	m.locksMu.Lock()
	entry, ok := m.locks[id]
	if !ok {
		entry = &sessionLock{}
		m.locks[id] = entry
	}
	entry.refs++
	m.locksMu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		m.locksMu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(m.locks, id)
		}
		m.locksMu.Unlock()
	}
}

// NewManager validates options and returns a ready Manager.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Repository == nil {
		return nil, fmt.Errorf("upload manager requires a repository")
	}
	if opts.Chunks == nil {
		return nil, fmt.Errorf("upload manager requires a chunk store")
	}
	if opts.Library == nil {
		return nil, fmt.Errorf("upload manager requires an asset library")
	}
	if opts.Prober == nil {
		return nil, fmt.Errorf("upload manager requires a prober")
	}
	if opts.SessionTTL <= 0 {
		return nil, fmt.Errorf("upload manager requires a positive session ttl")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := opts.Metrics
	if recorder == nil {
		recorder = metrics.New()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		repo:       opts.Repository,
		chunks:     opts.Chunks,
		library:    opts.Library,
		prober:     opts.Prober,
		metrics:    recorder,
		logger:     logging.WithComponent(logger, "upload"),
		sessionTTL: opts.SessionTTL,
		limits:     opts.Limits,
		now:        now,
		locks:      make(map[string]*sessionLock),
	}, nil
}

// InitiateRequest declares a new chunked upload.
type InitiateRequest struct {
	OwnerID      string
	Filename     string
	TotalSize    int64
	ChunkSize    int64
	MimeType     string
	DeclaredHash string
}

// Initiate validates the declaration and persists a fresh session. The chunk
// count is derived from the declared sizes and never trusted from the client.
func (m *Manager) Initiate(ctx context.Context, req InitiateRequest) (models.UploadSession, error) {
	if strings.TrimSpace(req.OwnerID) == "" {
		return models.UploadSession{}, &ValidationError{Field: "ownerId", Message: "owner is required"}
	}
	if req.TotalSize <= 0 {
		return models.UploadSession{}, &ValidationError{Field: "totalSize", Message: "must be positive"}
	}
	if req.ChunkSize <= 0 {
		return models.UploadSession{}, &ValidationError{Field: "chunkSize", Message: "must be positive"}
	}
	if req.ChunkSize > req.TotalSize {
		return models.UploadSession{}, &ValidationError{Field: "chunkSize", Message: "must not exceed totalSize"}
	}
	if m.limits.MaxChunkSize > 0 && req.ChunkSize > m.limits.MaxChunkSize {
		return models.UploadSession{}, &ValidationError{Field: "chunkSize", Message: fmt.Sprintf("must not exceed %d bytes", m.limits.MaxChunkSize)}
	}
	if m.limits.MaxTotalSize > 0 && req.TotalSize > m.limits.MaxTotalSize {
		return models.UploadSession{}, &ValidationError{Field: "totalSize", Message: fmt.Sprintf("must not exceed %d bytes", m.limits.MaxTotalSize)}
	}
	mimeType := strings.ToLower(strings.TrimSpace(req.MimeType))
	if !m.mimeAllowed(mimeType) {
		return models.UploadSession{}, &ValidationError{Field: "mimeType", Message: fmt.Sprintf("%q is not an accepted media type", req.MimeType)}
	}
	if req.DeclaredHash != "" && !isHexSHA256(req.DeclaredHash) {
		return models.UploadSession{}, &ValidationError{Field: "declaredHash", Message: "must be a hex-encoded sha256 digest"}
	}

	now := m.now().UTC()
	session := models.UploadSession{
		ID:           uuid.NewString(),
		OwnerID:      req.OwnerID,
		Filename:     sanitizeFilename(req.Filename),
		TotalSize:    req.TotalSize,
		ChunkSize:    req.ChunkSize,
		TotalChunks:  models.ExpectedChunks(req.TotalSize, req.ChunkSize),
		DeclaredHash: strings.ToLower(req.DeclaredHash),
		MimeType:     mimeType,
		Status:       models.SessionInitiated,
		Chunks:       make(map[int]models.Chunk),
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.sessionTTL),
	}
	if err := m.repo.SaveSession(session); err != nil {
		return models.UploadSession{}, fmt.Errorf("persist session: %w", err)
	}
	m.metrics.SessionStarted()
	m.logger.Info("upload session initiated",
		"session_id", session.ID,
		"owner_id", session.OwnerID,
		"total_chunks", session.TotalChunks,
		"total_size", session.TotalSize)
	return session, nil
}

// UploadChunk accepts the bytes for one chunk index. Re-sending an index
// replaces the previous bytes; receipt order is unconstrained.
func (m *Manager) UploadChunk(ctx context.Context, sessionID string, index int, data []byte, declaredChecksum string) (models.UploadSession, error) {
	session, err := m.liveSession(sessionID)
	if err != nil {
		return models.UploadSession{}, err
	}
	if session.Status == models.SessionCompleting {
		return models.UploadSession{}, ErrCompletionInProgress
	}
	if index < 0 || index >= session.TotalChunks {
		return models.UploadSession{}, &ValidationError{
			Field:   "index",
			Message: fmt.Sprintf("must be in [0, %d)", session.TotalChunks),
		}
	}
	if err := m.checkChunkSize(session, index, int64(len(data))); err != nil {
		return models.UploadSession{}, err
	}
	digest := sha256.Sum256(data)
	checksum := hex.EncodeToString(digest[:])
	if declaredChecksum != "" && !strings.EqualFold(declaredChecksum, checksum) {
		return models.UploadSession{}, fmt.Errorf("%w: chunk %d", ErrChecksumMismatch, index)
	}

	var key string
	err = withRetry(ctx, func() error {
		var putErr error
		key, putErr = m.chunks.Put(session.ID, index, data)
		return putErr
	})
	if err != nil {
		return models.UploadSession{}, err
	}

	// The chunk bytes land in the store without holding the session lock;
	// only the record update below is serialized. Re-read so a concurrent
	// receipt, expiry, or completion is not overwritten.
	unlock := m.lockSession(sessionID)
	defer unlock()
	session, err = m.liveSession(sessionID)
	if err != nil {
		return models.UploadSession{}, err
	}
	if session.Status == models.SessionCompleting {
		return models.UploadSession{}, ErrCompletionInProgress
	}
	session.Chunks[index] = models.Chunk{
		SessionID:  session.ID,
		Index:      index,
		Size:       int64(len(data)),
		Checksum:   checksum,
		StorageKey: key,
		UploadedAt: m.now().UTC(),
	}
	if session.Status == models.SessionInitiated {
		session.Status = models.SessionInProgress
	}
	if err := m.repo.SaveSession(session); err != nil {
		return models.UploadSession{}, fmt.Errorf("persist session: %w", err)
	}
	m.metrics.ObserveChunk(int64(len(data)))
	m.logger.Debug("chunk stored",
		"session_id", session.ID,
		"index", index,
		"size", len(data),
		"received", len(session.Chunks),
		"expected", session.TotalChunks)
	return session, nil
}

// Status returns the session with its received and missing chunk indices.
// Expiry is applied lazily, so a stale session reads as expired here even
// before the sweep visits it.
func (m *Manager) Status(ctx context.Context, sessionID string) (models.UploadSession, error) {
	unlock := m.lockSession(sessionID)
	defer unlock()
	session, ok := m.repo.GetSession(sessionID)
	if !ok {
		return models.UploadSession{}, storage.ErrSessionNotFound
	}
	if !session.Status.Terminal() && m.now().After(session.ExpiresAt) {
		session = m.expireSession(session)
	}
	return session, nil
}

// Complete assembles the received chunks into a single asset. It is
// idempotent: a completed session returns its existing asset, and concurrent
// calls for the same session share a single assembly.
func (m *Manager) Complete(ctx context.Context, sessionID string) (models.MediaAsset, error) {
	result, err, _ := m.completions.Do(sessionID, func() (any, error) {
		return m.complete(ctx, sessionID)
	})
	if err != nil {
		return models.MediaAsset{}, err
	}
	return result.(models.MediaAsset), nil
}

func (m *Manager) complete(ctx context.Context, sessionID string) (models.MediaAsset, error) {
	session, asset, done, err := m.claimCompletion(sessionID)
	if err != nil {
		return models.MediaAsset{}, err
	}
	if done {
		return asset, nil
	}
	return m.assemble(ctx, session)
}

// claimCompletion moves a fully received session into the completing state
// under the session lock. done reports that a prior completion already
// produced the returned asset. Assembly itself runs outside the lock so chunk
// uploads and the sweep stay responsive.
func (m *Manager) claimCompletion(sessionID string) (session models.UploadSession, asset models.MediaAsset, done bool, err error) {
	unlock := m.lockSession(sessionID)
	defer unlock()

	session, ok := m.repo.GetSession(sessionID)
	if !ok {
		return session, asset, false, storage.ErrSessionNotFound
	}
	switch session.Status {
	case models.SessionCompleted:
		asset, ok = m.repo.GetAsset(session.AssetID)
		if !ok {
			return session, asset, false, storage.ErrAssetNotFound
		}
		return session, asset, true, nil
	case models.SessionExpired:
		return session, asset, false, ErrSessionExpired
	case models.SessionFailed:
		return session, asset, false, fmt.Errorf("%w: %s", ErrSessionClosed, session.FailureReason)
	case models.SessionCompleting:
		// A crash left the session mid-completion; no in-process flight
		// exists or singleflight would have coalesced us into it. The sweep
		// reclaims the session once it passes its deadline.
		return session, asset, false, ErrCompletionInProgress
	}
	if m.now().After(session.ExpiresAt) {
		m.expireSession(session)
		return session, asset, false, ErrSessionExpired
	}
	if missing := session.MissingIndices(); len(missing) > 0 {
		return session, asset, false, &IncompleteUploadError{Missing: missing}
	}

	session.Status = models.SessionCompleting
	if err := m.repo.SaveSession(session); err != nil {
		return session, asset, false, fmt.Errorf("persist session: %w", err)
	}
	return session, asset, false, nil
}

// assemble streams the chunks in index order into a staged file, verifies the
// declared hash, probes the result, and publishes it as a Ready asset. Any
// failure marks both the asset (when one exists) and the session as failed.
func (m *Manager) assemble(ctx context.Context, session models.UploadSession) (models.MediaAsset, error) {
	assetID := uuid.NewString()
	stagePath, err := m.library.StagePath(assetID)
	if err != nil {
		return models.MediaAsset{}, m.failSession(session, "staging unavailable", err)
	}
	defer os.Remove(stagePath)

	written, contentHash, err := m.writeAssembled(session, stagePath)
	if err != nil {
		return models.MediaAsset{}, m.failSession(session, "assembly failed", err)
	}
	if written != session.TotalSize {
		err := fmt.Errorf("assembled %d bytes, declared %d", written, session.TotalSize)
		return models.MediaAsset{}, m.failSession(session, "size mismatch", err)
	}
	if session.DeclaredHash != "" && session.DeclaredHash != contentHash {
		err := fmt.Errorf("%w: assembled file", ErrChecksumMismatch)
		return models.MediaAsset{}, m.failSession(session, "checksum mismatch", err)
	}

	now := m.now().UTC()
	asset := models.MediaAsset{
		ID:          assetID,
		OwnerID:     session.OwnerID,
		MimeType:    session.MimeType,
		ContentHash: contentHash,
		SizeBytes:   written,
		Status:      models.AssetPending,
		CreatedAt:   now,
	}
	if err := m.repo.CreateAsset(asset); err != nil {
		return models.MediaAsset{}, m.failSession(session, "asset creation failed", err)
	}

	probe, err := m.prober.Probe(ctx, stagePath)
	if errors.Is(err, media.ErrInvalidInput) {
		failErr := fmt.Errorf("%w: %v", ErrInvalidMedia, err)
		m.failAsset(asset, failErr.Error())
		return models.MediaAsset{}, m.failSession(session, "invalid media", failErr)
	} else if err != nil {
		m.failAsset(asset, err.Error())
		return models.MediaAsset{}, m.failSession(session, "probe failed", err)
	}

	key, err := m.library.Publish(ctx, assetID, stagePath, session.MimeType)
	if err != nil {
		m.failAsset(asset, err.Error())
		return models.MediaAsset{}, m.failSession(session, "publish failed", err)
	}

	readyAt := m.now().UTC()
	asset.StorageKey = key
	asset.Duration = probe.Duration
	asset.Status = models.AssetReady
	asset.ReadyAt = &readyAt
	if err := m.repo.UpdateAsset(asset); err != nil {
		return models.MediaAsset{}, m.failSession(session, "asset update failed", err)
	}

	session.Status = models.SessionCompleted
	session.AssetID = asset.ID
	if err := m.repo.SaveSession(session); err != nil {
		return models.MediaAsset{}, fmt.Errorf("persist session: %w", err)
	}
	if err := m.chunks.DeleteSession(session.ID); err != nil {
		m.logger.Warn("chunk cleanup failed", "session_id", session.ID, "error", err)
	}
	m.metrics.SessionFinished("completed")
	m.logger.Info("upload session completed",
		"session_id", session.ID,
		"asset_id", asset.ID,
		"size", asset.SizeBytes,
		"duration_seconds", asset.Duration.Seconds())
	return asset, nil
}

// writeAssembled copies every chunk in index order into path and returns the
// byte count and hex sha256 of the assembled stream.
func (m *Manager) writeAssembled(session models.UploadSession, path string) (int64, string, error) {
	out, err := os.Create(path)
	if err != nil {
		return 0, "", fmt.Errorf("create staged file: %w", err)
	}
	defer out.Close()

	hasher := sha256.New()
	sink := io.MultiWriter(out, hasher)
	var written int64

	indices := session.ReceivedIndices()
	sort.Ints(indices)
	for _, index := range indices {
		chunk := session.Chunks[index]
		reader, err := m.chunks.Open(chunk.StorageKey)
		if err != nil {
			return written, "", fmt.Errorf("open chunk %d: %w", index, err)
		}
		n, err := io.Copy(sink, reader)
		reader.Close()
		if err != nil {
			return written, "", fmt.Errorf("copy chunk %d: %w", index, err)
		}
		written += n
	}
	if err := out.Sync(); err != nil {
		return written, "", fmt.Errorf("sync staged file: %w", err)
	}
	return written, hex.EncodeToString(hasher.Sum(nil)), nil
}

// liveSession fetches a session that can still accept chunks, applying lazy
// expiry on the way.
func (m *Manager) liveSession(sessionID string) (models.UploadSession, error) {
	session, ok := m.repo.GetSession(sessionID)
	if !ok {
		return models.UploadSession{}, storage.ErrSessionNotFound
	}
	if session.Status.Terminal() {
		if session.Status == models.SessionExpired {
			return models.UploadSession{}, ErrSessionExpired
		}
		return models.UploadSession{}, ErrSessionClosed
	}
	if m.now().After(session.ExpiresAt) {
		m.expireSession(session)
		return models.UploadSession{}, ErrSessionExpired
	}
	return session, nil
}

func (m *Manager) expireSession(session models.UploadSession) models.UploadSession {
	session.Status = models.SessionExpired
	if err := m.repo.SaveSession(session); err != nil {
		m.logger.Error("persist expired session failed", "session_id", session.ID, "error", err)
		return session
	}
	if err := m.chunks.DeleteSession(session.ID); err != nil {
		m.logger.Warn("chunk cleanup failed", "session_id", session.ID, "error", err)
	}
	m.metrics.SessionFinished("expired")
	m.logger.Info("upload session expired", "session_id", session.ID)
	return session
}

// failSession marks the session failed with a short reason and returns the
// causing error for the caller to surface.
func (m *Manager) failSession(session models.UploadSession, reason string, cause error) error {
	session.Status = models.SessionFailed
	session.FailureReason = reason
	if err := m.repo.SaveSession(session); err != nil {
		m.logger.Error("persist failed session", "session_id", session.ID, "error", err)
	}
	m.metrics.SessionFinished("failed")
	m.logger.Warn("upload session failed",
		"session_id", session.ID,
		"reason", reason,
		"error", cause)
	return cause
}

func (m *Manager) failAsset(asset models.MediaAsset, reason string) {
	asset.Status = models.AssetFailed
	asset.FailureReason = reason
	if err := m.repo.UpdateAsset(asset); err != nil {
		m.logger.Error("persist failed asset", "asset_id", asset.ID, "error", err)
	}
}

// checkChunkSize enforces that every chunk matches the declared chunk size,
// except the final chunk which carries the remainder.
func (m *Manager) checkChunkSize(session models.UploadSession, index int, size int64) error {
	if size <= 0 {
		return &ValidationError{Field: "chunk", Message: "must not be empty"}
	}
	expected := session.ChunkSize
	if index == session.TotalChunks-1 {
		remainder := session.TotalSize - int64(session.TotalChunks-1)*session.ChunkSize
		expected = remainder
	}
	if size != expected {
		return &ValidationError{
			Field:   "chunk",
			Message: fmt.Sprintf("chunk %d must be %d bytes, got %d", index, expected, size),
		}
	}
	return nil
}

func (m *Manager) mimeAllowed(mimeType string) bool {
	if mimeType == "" {
		return false
	}
	if len(m.limits.AllowedMimeTypes) == 0 {
		return true
	}
	for _, allowed := range m.limits.AllowedMimeTypes {
		if strings.EqualFold(strings.TrimSpace(allowed), mimeType) {
			return true
		}
	}
	return false
}

// sanitizeFilename normalizes the client-supplied name to NFC and strips any
// path components. The name is advisory metadata only.
func sanitizeFilename(name string) string {
	name = norm.NFC.String(strings.TrimSpace(name))
	if idx := strings.LastIndexAny(name, `/\`); idx >= 0 {
		name = name[idx+1:]
	}
	return name
}

func isHexSHA256(value string) bool {
	if len(value) != 64 {
		return false
	}
	_, err := hex.DecodeString(value)
	return err == nil
}
