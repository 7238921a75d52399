package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"clipforge/internal/migration"
	"clipforge/internal/models"
	"clipforge/internal/storage"
)

type referenceResponse struct {
	ReferenceID string `json:"referenceId"`
	Kind        string `json:"kind"`
	DeviceID    string `json:"deviceId,omitempty"`
	BlobID      string `json:"blobId,omitempty"`
	AssetID     string `json:"assetId,omitempty"`
	UpdatedAt   string `json:"updatedAt"`
}

func newReferenceResponse(ref models.MediaReference) referenceResponse {
	return referenceResponse{
		ReferenceID: ref.ID,
		Kind:        string(ref.Kind),
		DeviceID:    ref.DeviceID,
		BlobID:      ref.BlobID,
		AssetID:     ref.AssetID,
		UpdatedAt:   ref.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// ReferenceByID handles /api/references/{id} and
// POST /api/references/{id}/migrate.
func (h *Handler) ReferenceByID(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	segments := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/references/"), "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		h.writeDomainError(w, r, storage.ErrReferenceNotFound)
		return
	}
	refID := segments[0]
	ref, found := h.Store.GetReference(refID)
	if !found || ref.OwnerID != identity.OwnerID {
		h.writeDomainError(w, r, storage.ErrReferenceNotFound)
		return
	}

	switch {
	case len(segments) == 1 && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, newReferenceResponse(ref))
	case len(segments) == 2 && segments[1] == "migrate" && r.Method == http.MethodPost:
		if h.Migrator == nil {
			writeError(w, http.StatusNotImplemented, errors.New("migration is not configured"))
			return
		}
		migrated, err := h.Migrator.Migrate(r.Context(), refID)
		if errors.Is(err, migration.ErrNotLocal) {
			writeJSON(w, http.StatusOK, newReferenceResponse(ref))
			return
		}
		var retryable *migration.RetryableError
		if errors.As(err, &retryable) {
			writeCodedError(w, http.StatusServiceUnavailable, codeStorageGone, err)
			return
		}
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newReferenceResponse(migrated))
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown reference route"))
	}
}
