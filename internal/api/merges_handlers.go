package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"clipforge/internal/models"
	"clipforge/internal/observability/logging"
	"clipforge/internal/storage"
)

type submitMergeRequest struct {
	AssetIDs []string          `json:"assetIds" validate:"required,min=1,dive,required"`
	Metadata map[string]string `json:"metadata"`
}

type mergeJobResponse struct {
	MergeJobID    string           `json:"mergeJobId"`
	Status        string           `json:"status"`
	InputAssetIDs []string         `json:"inputAssetIds"`
	OutputAssetID *string          `json:"outputAssetId,omitempty"`
	Segments      []models.Segment `json:"segments,omitempty"`
	ErrorCode     string           `json:"errorCode,omitempty"`
	Error         string           `json:"error,omitempty"`
	CreatedAt     string           `json:"createdAt"`
	StartedAt     *string          `json:"startedAt,omitempty"`
	FinishedAt    *string          `json:"finishedAt,omitempty"`
}

func newMergeJobResponse(job models.MergeJob) mergeJobResponse {
	resp := mergeJobResponse{
		MergeJobID:    job.ID,
		Status:        string(job.Status),
		InputAssetIDs: job.InputAssetIDs,
		OutputAssetID: job.OutputAssetID,
		Segments:      job.Segments,
		ErrorCode:     job.ErrorCode,
		Error:         job.ErrorDetail,
		CreatedAt:     job.CreatedAt.UTC().Format(time.RFC3339),
	}
	if job.StartedAt != nil {
		started := job.StartedAt.UTC().Format(time.RFC3339)
		resp.StartedAt = &started
	}
	if job.FinishedAt != nil {
		finished := job.FinishedAt.UTC().Format(time.RFC3339)
		resp.FinishedAt = &finished
	}
	return resp
}

// MergesCollection handles /api/merges.
func (h *Handler) MergesCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	var req submitMergeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeCodedError(w, http.StatusBadRequest, codeValidation, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeCodedError(w, http.StatusBadRequest, codeValidation, err)
		return
	}
	job, err := h.Merges.Submit(r.Context(), identity.OwnerID, req.AssetIDs)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"mergeJobId": job.ID,
		"status":     string(job.Status),
	})
}

// MergeByID handles /api/merges/{id}: GET for status, DELETE to cancel a
// queued job.
func (h *Handler) MergeByID(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	jobID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/merges/"), "/")
	if jobID == "" || strings.Contains(jobID, "/") {
		writeError(w, http.StatusNotFound, errors.New("merge job not found"))
		return
	}
	r = r.WithContext(logging.ContextWithJobID(r.Context(), jobID))

	switch r.Method {
	case http.MethodGet:
		record, found := h.Store.GetJob(jobID)
		if !found || record.OwnerID != identity.OwnerID {
			h.writeDomainError(w, r, storage.ErrJobNotFound)
			return
		}
		writeJSON(w, http.StatusOK, newMergeJobResponse(record))
	case http.MethodDelete:
		record, err := h.Merges.Cancel(jobID, identity.OwnerID)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newMergeJobResponse(record))
	default:
		w.Header().Set("Allow", "GET, DELETE")
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	}
}
