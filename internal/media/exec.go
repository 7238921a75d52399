package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"clipforge/internal/models"
)

// FFprobe measures media files by invoking the ffprobe binary as an isolated
// subprocess.
type FFprobe struct {
	Path   string
	Logger *slog.Logger
}

type ffprobeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType    string `json:"codec_type"`
		CodecName    string `json:"codec_name"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
	} `json:"streams"`
}

// Probe runs ffprobe against the file and parses its JSON report. A nonzero
// exit or an unparseable/zero duration both classify the input as invalid
// rather than a tool failure, since ffprobe exits nonzero for corrupt media.
func (p *FFprobe) Probe(ctx context.Context, path string) (ProbeResult, error) {
	binary := p.Path
	if strings.TrimSpace(binary) == "" {
		binary = "ffprobe"
	}
	args := []string{
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	}
	cmd := exec.CommandContext(ctx, binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ProbeResult{}, ctx.Err()
		}
		return ProbeResult{}, fmt.Errorf("%w: probe %s: %s", ErrInvalidInput, path, firstLine(stderr.String()))
	}

	var report ffprobeOutput
	if err := json.Unmarshal(stdout.Bytes(), &report); err != nil {
		return ProbeResult{}, fmt.Errorf("%w: decode probe report for %s: %v", ErrInvalidInput, path, err)
	}
	seconds, err := strconv.ParseFloat(strings.TrimSpace(report.Format.Duration), 64)
	if err != nil || seconds <= 0 {
		return ProbeResult{}, fmt.Errorf("%w: no usable duration for %s", ErrInvalidInput, path)
	}

	result := ProbeResult{Duration: models.DurationFromSeconds(seconds)}
	for _, stream := range report.Streams {
		if stream.CodecType != "video" {
			continue
		}
		result.Codec = stream.CodecName
		result.Width = stream.Width
		result.Height = stream.Height
		result.FrameRate = parseFrameRate(stream.AvgFrameRate)
		break
	}
	return result, nil
}

func parseFrameRate(ratio string) float64 {
	parts := strings.SplitN(strings.TrimSpace(ratio), "/", 2)
	if len(parts) != 2 {
		return 0
	}
	num, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0
	}
	den, err := strconv.ParseFloat(parts[1], 64)
	if err != nil || den == 0 {
		return 0
	}
	return num / den
}

// FFmpeg concatenates media files by invoking the ffmpeg binary as an
// isolated subprocess. Every input runs through a scale/fps/codec filter
// chain targeting the profile, so mixed source parameters cannot leak into
// the output.
type FFmpeg struct {
	Path   string
	Logger *slog.Logger
}

// Concat builds and runs a single ffmpeg invocation joining the inputs in
// order. The caller bounds the wall clock via ctx; on expiry the process is
// killed and the error reports the cancellation rather than a tool failure.
func (f *FFmpeg) Concat(ctx context.Context, inputs []string, output string, profile Profile) error {
	if len(inputs) == 0 {
		return fmt.Errorf("%w: no inputs to concatenate", ErrInvalidInput)
	}
	binary := f.Path
	if strings.TrimSpace(binary) == "" {
		binary = "ffmpeg"
	}

	args := append([]string{"-hide_banner", "-y"}, buildConcatArgs(inputs, output, profile)...)

	cmd := exec.CommandContext(ctx, binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%w: ffmpeg exited %d: %s", ErrToolFailed, exitErr.ExitCode(), firstLine(stderr.String()))
		}
		return fmt.Errorf("%w: run ffmpeg: %v", ErrToolFailed, err)
	}
	if f.Logger != nil {
		f.Logger.Debug("concatenation finished", "inputs", len(inputs), "output", output)
	}
	return nil
}

// buildConcatArgs assembles the filter-graph invocation: each input is
// scaled and padded to the profile dimensions, resampled to the target frame
// rate, then fed into the concat filter in request order.
func buildConcatArgs(inputs []string, output string, profile Profile) []string {
	args := make([]string, 0, len(inputs)*2+16)
	for _, input := range inputs {
		args = append(args, "-i", input)
	}

	var filter strings.Builder
	for i := range inputs {
		fmt.Fprintf(&filter,
			"[%d:v]scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,fps=%d,setsar=1[v%d];",
			i, profile.Width, profile.Height, profile.Width, profile.Height, profile.FrameRate, i)
		fmt.Fprintf(&filter, "[%d:a]aresample=async=1[a%d];", i, i)
	}
	for i := range inputs {
		fmt.Fprintf(&filter, "[v%d][a%d]", i, i)
	}
	fmt.Fprintf(&filter, "concat=n=%d:v=1:a=1[outv][outa]", len(inputs))

	args = append(args,
		"-filter_complex", filter.String(),
		"-map", "[outv]",
		"-map", "[outa]",
		"-c:v", profile.VideoCodec,
		"-c:a", profile.AudioCodec,
		"-movflags", "+faststart",
		output,
	)
	return args
}

func firstLine(s string) string {
	trimmed := strings.TrimSpace(s)
	if idx := strings.IndexByte(trimmed, '\n'); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	if trimmed == "" {
		return "no tool output"
	}
	return trimmed
}
