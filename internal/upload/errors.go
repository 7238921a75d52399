package upload

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionExpired is returned when a chunk or completion arrives after
	// the session deadline. The session is marked expired as a side effect.
	ErrSessionExpired = errors.New("upload session expired")

	// ErrSessionClosed is returned when the session is already completed or
	// failed and can no longer accept chunks.
	ErrSessionClosed = errors.New("upload session closed")

	// ErrChecksumMismatch is returned when the received bytes do not hash to
	// the declared checksum, either per chunk or for the assembled file.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrCompletionInProgress is returned when another caller holds the
	// completion of this session and its outcome is not yet known.
	ErrCompletionInProgress = errors.New("completion already in progress")

	// ErrInvalidMedia is returned when the assembled file is not decodable
	// media. The session and its asset are failed as a side effect.
	ErrInvalidMedia = errors.New("assembled file is not valid media")
)

// ValidationError reports a rejected request field. It maps to a 400 at the
// API layer.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// IncompleteUploadError is returned by Complete when chunks are still
// missing. Missing is sorted ascending so clients can resume deterministically.
type IncompleteUploadError struct {
	Missing []int
}

func (e *IncompleteUploadError) Error() string {
	return fmt.Sprintf("upload incomplete: %d chunks missing", len(e.Missing))
}
