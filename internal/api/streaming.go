package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

// Signer mints and verifies signed playback URLs. Verification is stateless,
// so the media route scales with read concurrency and never touches the
// repository for authorization.
type Signer struct {
	key     []byte
	baseURL string
	ttl     time.Duration
	now     func() time.Time
}

const (
	signerSalt       = "clipforge-stream-v1"
	signerIterations = 4096
	signerKeyLength  = 32
	defaultSignedTTL = 15 * time.Minute
)

// NewSigner derives the signing key from the configured secret. baseURL is
// the externally reachable prefix, e.g. "https://cdn.example.com".
func NewSigner(secret, baseURL string, ttl time.Duration) (*Signer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("signed url secret is required")
	}
	if ttl <= 0 {
		ttl = defaultSignedTTL
	}
	key := pbkdf2.Key([]byte(secret), []byte(signerSalt), signerIterations, signerKeyLength, sha256.New)
	return &Signer{
		key:     key,
		baseURL: strings.TrimRight(baseURL, "/"),
		ttl:     ttl,
		now:     time.Now,
	}, nil
}

// Sign returns a playback URL for the asset plus its expiry.
func (s *Signer) Sign(assetID string) (string, time.Time) {
	expiresAt := s.now().Add(s.ttl).UTC()
	exp := strconv.FormatInt(expiresAt.Unix(), 10)
	query := url.Values{}
	query.Set("exp", exp)
	query.Set("sig", s.signature(assetID, exp))
	return fmt.Sprintf("%s/media/%s?%s", s.baseURL, url.PathEscape(assetID), query.Encode()), expiresAt
}

// Verify checks the signature and expiry carried in the request query.
func (s *Signer) Verify(assetID, exp, sig string) error {
	expiry, err := strconv.ParseInt(exp, 10, 64)
	if err != nil {
		return errors.New("malformed expiry")
	}
	if s.now().Unix() > expiry {
		return errors.New("signed url expired")
	}
	expected := s.signature(assetID, exp)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return errors.New("signature mismatch")
	}
	return nil
}

func (s *Signer) signature(assetID, exp string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(assetID))
	mac.Write([]byte{0})
	mac.Write([]byte(exp))
	return hex.EncodeToString(mac.Sum(nil))
}

// ServeMedia handles /media/{assetID}?exp=...&sig=... with standard byte
// range semantics. The signature is the only authorization; the read path
// holds no locks and supports unbounded concurrency.
func (h *Handler) ServeMedia(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	assetID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/media/"), "/")
	if assetID == "" || strings.Contains(assetID, "/") {
		writeCodedError(w, http.StatusNotFound, codeAssetNotFound, errors.New("asset not found"))
		return
	}
	query := r.URL.Query()
	if err := h.Signer.Verify(assetID, query.Get("exp"), query.Get("sig")); err != nil {
		writeCodedError(w, http.StatusForbidden, codeAuthDenied, err)
		return
	}
	h.streamAsset(w, r, assetID)
}
