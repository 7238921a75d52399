package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"clipforge/internal/models"
)

type dataset struct {
	Sessions   map[string]models.UploadSession  `json:"sessions"`
	Assets     map[string]models.MediaAsset     `json:"assets"`
	Jobs       map[string]models.MergeJob       `json:"jobs"`
	References map[string]models.MediaReference `json:"references"`
}

func newDataset() dataset {
	return dataset{
		Sessions:   make(map[string]models.UploadSession),
		Assets:     make(map[string]models.MediaAsset),
		Jobs:       make(map[string]models.MergeJob),
		References: make(map[string]models.MediaReference),
	}
}

// Store is the JSON-file-backed Repository. Every mutation rewrites the
// backing file through a temp-file rename so a crash mid-write never leaves
// a truncated datastore behind.
type Store struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

var _ Repository = (*Store)(nil)

// NewJSONRepository opens the JSON-backed datastore and returns it as a
// Repository.
func NewJSONRepository(path string) (*Store, error) {
	store := &Store{filePath: path}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}
	s.ensureDatasetInitializedLocked()
	return nil
}

func (s *Store) ensureDatasetInitializedLocked() {
	if s.data.Sessions == nil {
		s.data.Sessions = make(map[string]models.UploadSession)
	}
	if s.data.Assets == nil {
		s.data.Assets = make(map[string]models.MediaAsset)
	}
	if s.data.Jobs == nil {
		s.data.Jobs = make(map[string]models.MergeJob)
	}
	if s.data.References == nil {
		s.data.References = make(map[string]models.MediaReference)
	}
}

func (s *Store) persistLocked() error {
	if s.persistOverride != nil {
		return s.persistOverride(s.data)
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s.data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("sync store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close store file: %w", err)
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("commit store file: %w", err)
	}
	success = true
	return nil
}

// Ping reports the datastore as reachable; the JSON store has no external
// dependency to probe.
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op for the JSON store.
func (s *Store) Close(ctx context.Context) error {
	return nil
}

func cloneSession(session models.UploadSession) models.UploadSession {
	cloned := session
	if session.Chunks != nil {
		chunks := make(map[int]models.Chunk, len(session.Chunks))
		for k, v := range session.Chunks {
			chunks[k] = v
		}
		cloned.Chunks = chunks
	}
	return cloned
}

func cloneAsset(asset models.MediaAsset) models.MediaAsset {
	cloned := asset
	if asset.Segments != nil {
		cloned.Segments = append([]models.Segment(nil), asset.Segments...)
	}
	if asset.ReadyAt != nil {
		ready := *asset.ReadyAt
		cloned.ReadyAt = &ready
	}
	return cloned
}

func cloneJob(job models.MergeJob) models.MergeJob {
	cloned := job
	if job.InputAssetIDs != nil {
		cloned.InputAssetIDs = append([]string(nil), job.InputAssetIDs...)
	}
	if job.Segments != nil {
		cloned.Segments = append([]models.Segment(nil), job.Segments...)
	}
	if job.OutputAssetID != nil {
		output := *job.OutputAssetID
		cloned.OutputAssetID = &output
	}
	if job.StartedAt != nil {
		started := *job.StartedAt
		cloned.StartedAt = &started
	}
	if job.FinishedAt != nil {
		finished := *job.FinishedAt
		cloned.FinishedAt = &finished
	}
	return cloned
}

// SaveSession upserts the session record.
func (s *Store) SaveSession(session models.UploadSession) error {
	if session.ID == "" {
		return fmt.Errorf("session id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Sessions[session.ID] = cloneSession(session)
	return s.persistLocked()
}

// GetSession returns a copy of the stored session.
func (s *Store) GetSession(id string) (models.UploadSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.data.Sessions[id]
	if !ok {
		return models.UploadSession{}, false
	}
	return cloneSession(session), true
}

// ListSessions returns all sessions sorted by creation time.
func (s *Store) ListSessions() []models.UploadSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sessions := make([]models.UploadSession, 0, len(s.data.Sessions))
	for _, session := range s.data.Sessions {
		sessions = append(sessions, cloneSession(session))
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions
}

// DeleteSession removes the session record; deleting an unknown id is not an
// error.
func (s *Store) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.Sessions[id]; !ok {
		return nil
	}
	delete(s.data.Sessions, id)
	return s.persistLocked()
}

// CreateAsset inserts a new asset record.
func (s *Store) CreateAsset(asset models.MediaAsset) error {
	if asset.ID == "" {
		return fmt.Errorf("asset id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data.Assets[asset.ID]; exists {
		return fmt.Errorf("asset %s already exists", asset.ID)
	}
	s.data.Assets[asset.ID] = cloneAsset(asset)
	return s.persistLocked()
}

// UpdateAsset replaces a Pending asset record; Ready assets are immutable.
func (s *Store) UpdateAsset(asset models.MediaAsset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.data.Assets[asset.ID]
	if !ok {
		return ErrAssetNotFound
	}
	if current.Status == models.AssetReady {
		return ErrAssetImmutable
	}
	s.data.Assets[asset.ID] = cloneAsset(asset)
	return s.persistLocked()
}

// GetAsset returns a copy of the stored asset.
func (s *Store) GetAsset(id string) (models.MediaAsset, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	asset, ok := s.data.Assets[id]
	if !ok {
		return models.MediaAsset{}, false
	}
	return cloneAsset(asset), true
}

// ListAssets returns assets owned by ownerID (all assets when empty), sorted
// by creation time.
func (s *Store) ListAssets(ownerID string) []models.MediaAsset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	assets := make([]models.MediaAsset, 0, len(s.data.Assets))
	for _, asset := range s.data.Assets {
		if ownerID != "" && asset.OwnerID != ownerID {
			continue
		}
		assets = append(assets, cloneAsset(asset))
	}
	sort.Slice(assets, func(i, j int) bool {
		if assets[i].CreatedAt.Equal(assets[j].CreatedAt) {
			return assets[i].ID < assets[j].ID
		}
		return assets[i].CreatedAt.Before(assets[j].CreatedAt)
	})
	return assets
}

// SaveJob upserts the merge job record.
func (s *Store) SaveJob(job models.MergeJob) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Jobs[job.ID] = cloneJob(job)
	return s.persistLocked()
}

// SwapJob replaces the record while it still holds the expected status.
func (s *Store) SwapJob(job models.MergeJob, expect models.JobStatus) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.data.Jobs[job.ID]
	if !ok {
		return ErrJobNotFound
	}
	if current.Status != expect {
		return ErrJobConflict
	}
	s.data.Jobs[job.ID] = cloneJob(job)
	return s.persistLocked()
}

// GetJob returns a copy of the stored merge job.
func (s *Store) GetJob(id string) (models.MergeJob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.data.Jobs[id]
	if !ok {
		return models.MergeJob{}, false
	}
	return cloneJob(job), true
}

// ListJobs returns jobs filtered by status (all jobs when no statuses are
// given), sorted by creation time so recovery re-queues in submission order.
func (s *Store) ListJobs(statuses ...models.JobStatus) []models.MergeJob {
	wanted := make(map[models.JobStatus]struct{}, len(statuses))
	for _, status := range statuses {
		wanted[status] = struct{}{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := make([]models.MergeJob, 0, len(s.data.Jobs))
	for _, job := range s.data.Jobs {
		if len(wanted) > 0 {
			if _, ok := wanted[job.Status]; !ok {
				continue
			}
		}
		jobs = append(jobs, cloneJob(job))
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs
}

// SaveReference upserts the media reference record.
func (s *Store) SaveReference(ref models.MediaReference) error {
	if ref.ID == "" {
		return fmt.Errorf("reference id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.References[ref.ID] = ref
	return s.persistLocked()
}

// GetReference returns the stored media reference.
func (s *Store) GetReference(id string) (models.MediaReference, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.data.References[id]
	return ref, ok
}

// ListReferences returns the references of the given kind sorted by id.
func (s *Store) ListReferences(kind models.ReferenceKind) []models.MediaReference {
	s.mu.RLock()
	defer s.mu.RUnlock()
	refs := make([]models.MediaReference, 0, len(s.data.References))
	for _, ref := range s.data.References {
		if ref.Kind == kind {
			refs = append(refs, ref)
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	return refs
}

// SwapReference atomically replaces the record while it still holds the
// expected kind.
func (s *Store) SwapReference(id string, expect models.ReferenceKind, next models.MediaReference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.data.References[id]
	if !ok {
		return ErrReferenceNotFound
	}
	if current.Kind != expect {
		return fmt.Errorf("reference %s is %s, expected %s", id, current.Kind, expect)
	}
	next.ID = id
	s.data.References[id] = next
	return s.persistLocked()
}
