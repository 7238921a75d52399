package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"clipforge/internal/models"
	"clipforge/internal/storage"
)

type assetResponse struct {
	AssetID     string           `json:"assetId"`
	Status      string           `json:"status"`
	MimeType    string           `json:"mimeType"`
	SizeBytes   int64            `json:"sizeBytes"`
	Duration    models.Duration  `json:"duration"`
	ContentHash string           `json:"contentHash,omitempty"`
	Segments    []models.Segment `json:"segments,omitempty"`
	CreatedAt   string           `json:"createdAt"`
	ReadyAt     *string          `json:"readyAt,omitempty"`
}

func newAssetResponse(asset models.MediaAsset) assetResponse {
	resp := assetResponse{
		AssetID:     asset.ID,
		Status:      string(asset.Status),
		MimeType:    asset.MimeType,
		SizeBytes:   asset.SizeBytes,
		Duration:    asset.Duration,
		ContentHash: asset.ContentHash,
		Segments:    asset.Segments,
		CreatedAt:   asset.CreatedAt.UTC().Format(time.RFC3339),
	}
	if asset.ReadyAt != nil {
		ready := asset.ReadyAt.UTC().Format(time.RFC3339)
		resp.ReadyAt = &ready
	}
	return resp
}

// AssetsCollection handles GET /api/assets: the caller's assets, newest
// last.
func (h *Handler) AssetsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	assets := h.Store.ListAssets(identity.OwnerID)
	responses := make([]assetResponse, 0, len(assets))
	for _, asset := range assets {
		responses = append(responses, newAssetResponse(asset))
	}
	writeJSON(w, http.StatusOK, responses)
}

// AssetByID handles /api/assets/{id} and its subresources:
//
//	GET  /api/assets/{id}                      range-aware binary download
//	GET  /api/assets/{id}/meta                 asset metadata
//	GET  /api/assets/{id}/segments/{index}     segment lookup
//	POST /api/assets/{id}/signed-url           mint a playback URL
func (h *Handler) AssetByID(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	segments := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/assets/"), "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		writeCodedError(w, http.StatusNotFound, codeAssetNotFound, errors.New("asset not found"))
		return
	}
	assetID := segments[0]

	asset, found := h.Store.GetAsset(assetID)
	if !found || asset.OwnerID != identity.OwnerID {
		h.writeDomainError(w, r, storage.ErrAssetNotFound)
		return
	}

	switch {
	case len(segments) == 1 && (r.Method == http.MethodGet || r.Method == http.MethodHead):
		if asset.Status != models.AssetReady {
			h.writeDomainError(w, r, storage.ErrAssetNotFound)
			return
		}
		h.streamAsset(w, r, asset.ID)
	case len(segments) == 2 && segments[1] == "meta" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, newAssetResponse(asset))
	case len(segments) == 2 && segments[1] == "signed-url" && r.Method == http.MethodPost:
		h.mintSignedURL(w, asset)
	case len(segments) == 3 && segments[1] == "segments" && r.Method == http.MethodGet:
		h.resolveSegment(w, asset, segments[2])
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown asset route"))
	}
}

func (h *Handler) mintSignedURL(w http.ResponseWriter, asset models.MediaAsset) {
	if asset.Status != models.AssetReady {
		writeCodedError(w, http.StatusNotFound, codeAssetNotFound, errors.New("asset is not ready"))
		return
	}
	signedURL, expiresAt := h.Signer.Sign(asset.ID)
	writeJSON(w, http.StatusOK, map[string]string{
		"url":       signedURL,
		"expiresAt": expiresAt.Format(time.RFC3339),
	})
}

type segmentResponse struct {
	StatementIndex int             `json:"statementIndex"`
	StartTime      models.Duration `json:"startTime"`
	EndTime        models.Duration `json:"endTime"`
	ApproxByteFrom int64           `json:"approxByteFrom"`
	ApproxByteTo   int64           `json:"approxByteTo"`
	SourceAssetID  string          `json:"sourceAssetId"`
}

// resolveSegment maps a segment's time range onto an approximate byte range
// assuming a constant average bitrate. Clients use it to seed range requests
// when seeking to a statement.
func (h *Handler) resolveSegment(w http.ResponseWriter, asset models.MediaAsset, rawIndex string) {
	index, err := strconv.Atoi(rawIndex)
	if err != nil || index < 0 || index >= len(asset.Segments) {
		writeCodedError(w, http.StatusNotFound, codeValidation, errors.New("segment index out of range"))
		return
	}
	if asset.Duration <= 0 || asset.SizeBytes <= 0 {
		writeCodedError(w, http.StatusConflict, codeConflict, errors.New("asset has no byte mapping"))
		return
	}
	segment := asset.Segments[index]
	total := asset.Duration.Seconds()
	from := int64(segment.Start.Seconds() / total * float64(asset.SizeBytes))
	to := int64(segment.End.Seconds() / total * float64(asset.SizeBytes))
	if to > asset.SizeBytes {
		to = asset.SizeBytes
	}
	writeJSON(w, http.StatusOK, segmentResponse{
		StatementIndex: segment.StatementIndex,
		StartTime:      segment.Start,
		EndTime:        segment.End,
		ApproxByteFrom: from,
		ApproxByteTo:   to,
		SourceAssetID:  segment.SourceAssetID,
	})
}

// streamAsset serves the published bytes with standard range semantics.
// http.ServeContent handles Range, If-Range, and HEAD.
func (h *Handler) streamAsset(w http.ResponseWriter, r *http.Request, assetID string) {
	asset, found := h.Store.GetAsset(assetID)
	if !found || asset.Status != models.AssetReady {
		h.writeDomainError(w, r, storage.ErrAssetNotFound)
		return
	}
	file, info, err := h.Library.Open(asset.StorageKey)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	defer file.Close()
	if asset.MimeType != "" {
		w.Header().Set("Content-Type", asset.MimeType)
	}
	w.Header().Set("Accept-Ranges", "bytes")
	h.Metrics.ObserveStreamRead(info.Size())
	http.ServeContent(w, r, "", info.ModTime(), file)
}
