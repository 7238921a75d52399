package models

import (
	"time"
)

// SessionStatus tracks the lifecycle of a chunked upload session.
type SessionStatus string

const (
	SessionInitiated  SessionStatus = "initiated"
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleting SessionStatus = "completing"
	SessionCompleted  SessionStatus = "completed"
	SessionExpired    SessionStatus = "expired"
	SessionFailed     SessionStatus = "failed"
)

// Terminal reports whether the session can no longer accept chunks or
// completion attempts.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionExpired, SessionFailed:
		return true
	}
	return false
}

// Chunk records one received byte range of an upload session. Chunks are
// keyed by (session, index); re-uploading an index replaces the prior record
// while the session is still in progress.
type Chunk struct {
	SessionID  string    `json:"sessionId"`
	Index      int       `json:"index"`
	Size       int64     `json:"size"`
	Checksum   string    `json:"checksum"`
	StorageKey string    `json:"storageKey"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// UploadSession tracks one in-progress chunked upload. TotalChunks is always
// ceil(TotalSize / ChunkSize); Completed is terminal and immutable.
type UploadSession struct {
	ID            string         `json:"id"`
	OwnerID       string         `json:"ownerId"`
	Filename      string         `json:"filename"`
	TotalSize     int64          `json:"totalSize"`
	ChunkSize     int64          `json:"chunkSize"`
	TotalChunks   int            `json:"totalChunks"`
	DeclaredHash  string         `json:"declaredHash"`
	MimeType      string         `json:"mimeType"`
	Status        SessionStatus  `json:"status"`
	Chunks        map[int]Chunk  `json:"chunks"`
	AssetID       string         `json:"assetId,omitempty"`
	FailureReason string         `json:"failureReason,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	ExpiresAt     time.Time      `json:"expiresAt"`
}

// ExpectedChunks derives the chunk count implied by the declared sizes.
func ExpectedChunks(totalSize, chunkSize int64) int {
	if totalSize <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((totalSize + chunkSize - 1) / chunkSize)
}

// MissingIndices returns the chunk indices not yet received, in ascending
// order. An empty result means the session is ready for completion.
func (s UploadSession) MissingIndices() []int {
	missing := make([]int, 0)
	for i := 0; i < s.TotalChunks; i++ {
		if _, ok := s.Chunks[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// ReceivedIndices returns the chunk indices received so far, in ascending
// order.
func (s UploadSession) ReceivedIndices() []int {
	received := make([]int, 0, len(s.Chunks))
	for i := 0; i < s.TotalChunks; i++ {
		if _, ok := s.Chunks[i]; ok {
			received = append(received, i)
		}
	}
	return received
}

// AssetStatus tracks the lifecycle of a persisted media asset.
type AssetStatus string

const (
	AssetPending AssetStatus = "pending"
	AssetReady   AssetStatus = "ready"
	AssetFailed  AssetStatus = "failed"
)

// MediaAsset is a finalized, persisted media object. Assets are immutable
// once Ready; corrections always produce a new asset.
type MediaAsset struct {
	ID            string      `json:"id"`
	OwnerID       string      `json:"ownerId"`
	StorageKey    string      `json:"storageKey"`
	PublicURL     string      `json:"publicUrl,omitempty"`
	Duration      Duration    `json:"duration"`
	MimeType      string      `json:"mimeType"`
	ContentHash   string      `json:"contentHash"`
	SizeBytes     int64       `json:"sizeBytes"`
	Status        AssetStatus `json:"status"`
	Segments      []Segment   `json:"segments,omitempty"`
	FailureReason string      `json:"failureReason,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	ReadyAt       *time.Time  `json:"readyAt,omitempty"`
}

// JobStatus tracks the lifecycle of a merge job. Succeeded, Failed, and
// TimedOut are terminal; retries create a fresh job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobTimedOut  JobStatus = "timed_out"
)

// Terminal reports whether the job has finished for good.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobTimedOut:
		return true
	}
	return false
}

// MergeJob combines N Ready assets into one new Ready asset plus segment
// metadata. Only the worker that claimed a job mutates its record.
type MergeJob struct {
	ID            string     `json:"id"`
	OwnerID       string     `json:"ownerId"`
	InputAssetIDs []string   `json:"inputAssetIds"`
	OutputAssetID *string    `json:"outputAssetId,omitempty"`
	Status        JobStatus  `json:"status"`
	Segments      []Segment  `json:"segments,omitempty"`
	ErrorCode     string     `json:"errorCode,omitempty"`
	ErrorDetail   string     `json:"errorDetail,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	FinishedAt    *time.Time `json:"finishedAt,omitempty"`
}

// Segment is a time-bounded slice of a merged asset corresponding to one
// input asset. Segments are contiguous in request order and their durations
// always reflect the probed duration of the source, never a client-declared
// value.
type Segment struct {
	StatementIndex int      `json:"statementIndex"`
	SourceAssetID  string   `json:"sourceAssetId"`
	Start          Duration `json:"startTime"`
	End            Duration `json:"endTime"`
	Duration       Duration `json:"duration"`
}

// ReferenceKind discriminates the MediaReference variants.
type ReferenceKind string

const (
	ReferenceLocal      ReferenceKind = "local"
	ReferencePersistent ReferenceKind = "persistent"
)

// MediaReference is the tagged variant pointing at either a legacy
// device-local blob or a persistent asset. Only persistent references are
// resolvable by the streaming gateway; migration swaps the record atomically
// rather than mutating it in place.
type MediaReference struct {
	ID        string        `json:"id"`
	OwnerID   string        `json:"ownerId"`
	Kind      ReferenceKind `json:"kind"`
	DeviceID  string        `json:"deviceId,omitempty"`
	BlobID    string        `json:"blobId,omitempty"`
	AssetID   string        `json:"assetId,omitempty"`
	UpdatedAt time.Time     `json:"updatedAt"`
}
