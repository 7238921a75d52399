// Package media wraps the external media-processing tools this service
// consumes: a prober that measures authoritative durations by demuxing the
// actual bytes, and a concatenator that joins normalized inputs into one
// output file.
package media

import (
	"context"
	"errors"

	"clipforge/internal/models"
)

// ErrInvalidInput is returned when a file cannot be decoded or probed; the
// merge engine maps it to the merge-input-invalid failure.
var ErrInvalidInput = errors.New("media input invalid")

// ErrToolFailed is returned when the external tool exits nonzero for reasons
// other than bad input or cancellation.
var ErrToolFailed = errors.New("media tool failed")

// ProbeResult carries the measured properties of one media file. Duration is
// always derived from the container/stream data, never from anything a
// client declared.
type ProbeResult struct {
	Duration  models.Duration
	Codec     string
	Width     int
	Height    int
	FrameRate float64
}

// Prober measures the authoritative duration and stream parameters of a
// media file by decoding or demuxing it.
type Prober interface {
	Probe(ctx context.Context, path string) (ProbeResult, error)
}

// Profile is the common target every merge input is normalized to before
// concatenation, so disparate resolutions, frame rates, and codecs produce a
// coherent output.
type Profile struct {
	Width      int
	Height     int
	FrameRate  int
	VideoCodec string
	AudioCodec string
}

// DefaultProfile is the normalization target applied when the caller does
// not override it.
func DefaultProfile() Profile {
	return Profile{
		Width:      1280,
		Height:     720,
		FrameRate:  30,
		VideoCodec: "libx264",
		AudioCodec: "aac",
	}
}

// Concatenator joins the ordered inputs into a single output file at the
// provided path, normalizing each input to the profile. Implementations must
// respect context cancellation: when the deadline expires the underlying
// process is killed and the partial output is abandoned.
type Concatenator interface {
	Concat(ctx context.Context, inputs []string, output string, profile Profile) error
}
