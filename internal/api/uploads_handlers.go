package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"clipforge/internal/models"
	"clipforge/internal/observability/logging"
	"clipforge/internal/storage"
	"clipforge/internal/upload"
)

const defaultMaxChunkBytes = 64 << 20

type initiateUploadRequest struct {
	Filename  string `json:"filename" validate:"max=512"`
	FileSize  int64  `json:"fileSize" validate:"required,gt=0"`
	ChunkSize int64  `json:"chunkSize" validate:"required,gt=0"`
	FileHash  string `json:"fileHash" validate:"omitempty,len=64,hexadecimal"`
	MimeType  string `json:"mimeType" validate:"required"`
}

type sessionResponse struct {
	SessionID       string   `json:"sessionId"`
	Status          string   `json:"status"`
	TotalChunks     int      `json:"totalChunks"`
	ReceivedIndices []int    `json:"receivedIndices"`
	MissingIndices  []int    `json:"missingIndices"`
	AssetID         string   `json:"assetId,omitempty"`
	FailureReason   string   `json:"failureReason,omitempty"`
	ExpiresAt       string   `json:"expiresAt"`
}

func newSessionResponse(session models.UploadSession) sessionResponse {
	return sessionResponse{
		SessionID:       session.ID,
		Status:          string(session.Status),
		TotalChunks:     session.TotalChunks,
		ReceivedIndices: session.ReceivedIndices(),
		MissingIndices:  session.MissingIndices(),
		AssetID:         session.AssetID,
		FailureReason:   session.FailureReason,
		ExpiresAt:       session.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

// UploadsCollection handles /api/uploads.
func (h *Handler) UploadsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	var req initiateUploadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeCodedError(w, http.StatusBadRequest, codeValidation, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeCodedError(w, http.StatusBadRequest, codeValidation, err)
		return
	}
	session, err := h.Uploads.Initiate(r.Context(), upload.InitiateRequest{
		OwnerID:      identity.OwnerID,
		Filename:     req.Filename,
		TotalSize:    req.FileSize,
		ChunkSize:    req.ChunkSize,
		MimeType:     req.MimeType,
		DeclaredHash: req.FileHash,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"sessionId": session.ID,
		"expiresAt": session.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// UploadByID handles /api/uploads/{id}, /api/uploads/{id}/complete, and
// /api/uploads/{id}/chunks/{index}.
func (h *Handler) UploadByID(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	segments := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/uploads/"), "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		writeError(w, http.StatusNotFound, errors.New("upload session not found"))
		return
	}
	sessionID := segments[0]
	r = r.WithContext(logging.ContextWithSessionID(r.Context(), sessionID))

	session, err := h.ownedSession(r, sessionID, identity.OwnerID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	switch {
	case len(segments) == 1 && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, newSessionResponse(session))
	case len(segments) == 2 && segments[1] == "complete" && r.Method == http.MethodPost:
		h.completeUpload(w, r, sessionID)
	case len(segments) == 3 && segments[1] == "chunks" && r.Method == http.MethodPut:
		h.putChunk(w, r, sessionID, segments[2])
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown upload route"))
	}
}

// ownedSession hides other owners' sessions behind a not-found.
func (h *Handler) ownedSession(r *http.Request, sessionID, ownerID string) (models.UploadSession, error) {
	session, err := h.Uploads.Status(r.Context(), sessionID)
	if err != nil {
		return models.UploadSession{}, err
	}
	if session.OwnerID != ownerID {
		return models.UploadSession{}, storage.ErrSessionNotFound
	}
	return session, nil
}

func (h *Handler) putChunk(w http.ResponseWriter, r *http.Request, sessionID, rawIndex string) {
	index, err := strconv.Atoi(rawIndex)
	if err != nil || index < 0 {
		writeCodedError(w, http.StatusBadRequest, codeValidation, fmt.Errorf("invalid chunk index %q", rawIndex))
		return
	}
	maxBytes := h.maxChunkBytes()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBytes))
	if err != nil {
		writeCodedError(w, http.StatusRequestEntityTooLarge, codeValidation, fmt.Errorf("chunk body exceeds %d bytes", maxBytes))
		return
	}
	checksum := strings.TrimSpace(r.Header.Get("X-Chunk-Checksum"))
	session, err := h.Uploads.UploadChunk(r.Context(), sessionID, index, body, checksum)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"index":    index,
		"accepted": true,
		"received": len(session.ReceivedIndices()),
		"expected": session.TotalChunks,
	})
}

func (h *Handler) completeUpload(w http.ResponseWriter, r *http.Request, sessionID string) {
	asset, err := h.Uploads.Complete(r.Context(), sessionID)
	if err != nil {
		var incomplete *upload.IncompleteUploadError
		if errors.As(err, &incomplete) {
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":          err.Error(),
				"code":           codeIncompleteUpload,
				"missingIndices": incomplete.Missing,
			})
			return
		}
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"assetId": asset.ID,
		"status":  string(asset.Status),
	})
}

func (h *Handler) maxChunkBytes() int64 {
	if h.MaxChunkBytes > 0 {
		return h.MaxChunkBytes
	}
	return defaultMaxChunkBytes
}
