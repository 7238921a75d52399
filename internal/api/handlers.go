// Package api exposes the upload, merge, asset, and streaming endpoints over
// JSON HTTP.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"clipforge/internal/auth"
	"clipforge/internal/chunkstore"
	"clipforge/internal/merge"
	"clipforge/internal/migration"
	"clipforge/internal/objectstore"
	"clipforge/internal/observability/metrics"
	"clipforge/internal/storage"
	"clipforge/internal/upload"
)

// Handler carries the collaborators every endpoint needs. Route methods hang
// off it; the server package owns the mux.
type Handler struct {
	Store    storage.Repository
	Uploads  *upload.Manager
	Merges   *merge.Engine
	Library  *objectstore.Library
	Signer   *Signer
	Verifier auth.TokenVerifier
	Metrics  *metrics.Recorder
	Logger   *slog.Logger

	// Migrator is optional; when unset the migration endpoint reports
	// not-implemented.
	Migrator *migration.Migrator

	// MaxChunkBytes caps the accepted chunk body size. Zero means the
	// package default.
	MaxChunkBytes int64

	validate *validator.Validate
}

// NewHandler wires a Handler. All collaborators are required except Logger,
// which falls back to the default.
func NewHandler(store storage.Repository, uploads *upload.Manager, merges *merge.Engine, library *objectstore.Library, signer *Signer, verifier auth.TokenVerifier, recorder *metrics.Recorder, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.New()
	}
	return &Handler{
		Store:    store,
		Uploads:  uploads,
		Merges:   merges,
		Library:  library,
		Signer:   signer,
		Verifier: verifier,
		Metrics:  recorder,
		Logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Stable error codes surfaced in API error payloads.
const (
	codeValidation        = "validation_error"
	codeChecksumMismatch  = "checksum_mismatch"
	codeSessionNotFound   = "session_not_found"
	codeSessionExpired    = "session_expired"
	codeIncompleteUpload  = "incomplete_upload"
	codeStorageGone       = "storage_unavailable"
	codeAssetNotFound     = "asset_not_found"
	codeJobNotFound       = "merge_job_not_found"
	codeAuthDenied        = "authorization_denied"
	codeConflict          = "conflict"
	codeInternal          = "internal_error"
)

// mapError turns domain errors into a status and stable code. Unmatched
// errors become opaque 500s so internal details stay in the logs.
func mapError(err error) (int, string) {
	var validationErr *upload.ValidationError
	var incompleteErr *upload.IncompleteUploadError
	var inputErr *merge.InputError
	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest, codeValidation
	case errors.As(err, &incompleteErr):
		return http.StatusConflict, codeIncompleteUpload
	case errors.As(err, &inputErr):
		return http.StatusUnprocessableEntity, merge.CodeInputInvalid
	case errors.Is(err, storage.ErrSessionNotFound):
		return http.StatusNotFound, codeSessionNotFound
	case errors.Is(err, storage.ErrAssetNotFound):
		return http.StatusNotFound, codeAssetNotFound
	case errors.Is(err, storage.ErrJobNotFound):
		return http.StatusNotFound, codeJobNotFound
	case errors.Is(err, storage.ErrReferenceNotFound):
		return http.StatusNotFound, codeAssetNotFound
	case errors.Is(err, upload.ErrSessionExpired):
		return http.StatusGone, codeSessionExpired
	case errors.Is(err, upload.ErrSessionClosed):
		return http.StatusConflict, codeConflict
	case errors.Is(err, upload.ErrCompletionInProgress):
		return http.StatusConflict, codeConflict
	case errors.Is(err, upload.ErrChecksumMismatch):
		return http.StatusUnprocessableEntity, codeChecksumMismatch
	case errors.Is(err, upload.ErrInvalidMedia):
		return http.StatusUnprocessableEntity, codeValidation
	case errors.Is(err, merge.ErrResourceExhausted):
		return http.StatusTooManyRequests, merge.CodeResourceExhausted
	case errors.Is(err, merge.ErrNotCancellable):
		return http.StatusConflict, codeConflict
	case errors.Is(err, chunkstore.ErrUnavailable):
		return http.StatusServiceUnavailable, codeStorageGone
	case errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized, codeAuthDenied
	case errors.Is(err, objectstore.ErrObjectNotFound):
		return http.StatusNotFound, codeAssetNotFound
	default:
		return http.StatusInternalServerError, codeInternal
	}
}

func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := mapError(err)
	if status == http.StatusInternalServerError {
		h.Logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err)
		writeCodedError(w, status, code, errors.New("internal error"))
		return
	}
	writeCodedError(w, status, code, err)
}

// Health reports process liveness plus storage reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	status := "ok"
	httpStatus := http.StatusOK
	if err := h.Store.Ping(r.Context()); err != nil {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
		h.Logger.Warn("storage ping failed", "error", err)
	}
	writeJSON(w, httpStatus, map[string]string{"status": status})
}
