package storage

import (
	"context"
	"errors"

	"clipforge/internal/models"
)

// ErrSessionNotFound is returned when an upload session id does not resolve.
var ErrSessionNotFound = errors.New("upload session not found")

// ErrAssetNotFound is returned when an asset id does not resolve.
var ErrAssetNotFound = errors.New("asset not found")

// ErrJobNotFound is returned when a merge job id does not resolve.
var ErrJobNotFound = errors.New("merge job not found")

// ErrReferenceNotFound is returned when a media reference id does not resolve.
var ErrReferenceNotFound = errors.New("media reference not found")

// ErrAssetImmutable is returned when a caller attempts to mutate an asset
// that already reached the Ready state.
var ErrAssetImmutable = errors.New("ready assets are immutable")

// ErrJobConflict is returned by SwapJob when the stored job no longer holds
// the expected status.
var ErrJobConflict = errors.New("merge job status changed concurrently")

// Repository exposes the datastore operations required by the upload session
// manager, the merge engine, the streaming gateway, and the migration layer.
// Two drivers implement it: a JSON file store for single-node deployments and
// a Postgres store for everything else.
type Repository interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	SaveSession(session models.UploadSession) error
	GetSession(id string) (models.UploadSession, bool)
	ListSessions() []models.UploadSession
	DeleteSession(id string) error

	CreateAsset(asset models.MediaAsset) error
	// UpdateAsset replaces a Pending asset record. Updating a Ready asset
	// fails with ErrAssetImmutable unless the only change is marking the
	// Pending record terminal.
	UpdateAsset(asset models.MediaAsset) error
	GetAsset(id string) (models.MediaAsset, bool)
	ListAssets(ownerID string) []models.MediaAsset

	SaveJob(job models.MergeJob) error
	// SwapJob replaces the record only while it still holds the expected
	// status, so a cancel and a worker claim cannot both win the same job.
	// A mismatch fails with ErrJobConflict.
	SwapJob(job models.MergeJob, expect models.JobStatus) error
	GetJob(id string) (models.MergeJob, bool)
	ListJobs(statuses ...models.JobStatus) []models.MergeJob

	SaveReference(ref models.MediaReference) error
	GetReference(id string) (models.MediaReference, bool)
	ListReferences(kind models.ReferenceKind) []models.MediaReference
	// SwapReference atomically replaces the record only while it still holds
	// the expected kind, so a migration never clobbers a concurrent swap.
	SwapReference(id string, expect models.ReferenceKind, next models.MediaReference) error
}
