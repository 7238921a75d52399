package migration

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
)

// ErrBlobNotFound is returned when a device export does not contain the
// requested blob.
var ErrBlobNotFound = errors.New("legacy blob not found")

// DirSource reads legacy blobs from a mounted device export laid out as
// <root>/<deviceID>/<blobID>. Blob IDs keep their original file extension,
// which also supplies the mime type.
type DirSource struct {
	Root string
}

func (s DirSource) Fetch(ctx context.Context, deviceID, blobID string) (Blob, error) {
	if strings.ContainsAny(deviceID, `/\`) || strings.ContainsAny(blobID, `/\`) {
		return Blob{}, fmt.Errorf("invalid blob coordinates %q/%q", deviceID, blobID)
	}
	path := filepath.Join(s.Root, deviceID, blobID)
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return Blob{}, ErrBlobNotFound
	} else if err != nil {
		return Blob{}, fmt.Errorf("open blob: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return Blob{}, fmt.Errorf("stat blob: %w", err)
	}
	mimeType := mime.TypeByExtension(filepath.Ext(blobID))
	if mimeType == "" {
		mimeType = "video/mp4"
	}
	return Blob{
		Reader:   file,
		Size:     info.Size(),
		MimeType: mimeType,
		Filename: blobID,
	}, nil
}
