// Package transcoder shells out to ffmpeg to apply media transforms.
package transcoder

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/p2xai/gronka/pkg/gronka"
)

// FFmpeg runs transforms through an ffmpeg binary. Each invocation gets
// its own deadline so a wedged subprocess cannot pin an operation forever.
type FFmpeg struct {
	binaryPath string
	timeout    time.Duration
}

// Option configures an FFmpeg transcoder.
type Option func(*FFmpeg)

// WithBinaryPath overrides the ffmpeg binary location.
func WithBinaryPath(path string) Option {
	return func(f *FFmpeg) {
		f.binaryPath = path
	}
}

// WithTimeout bounds a single ffmpeg invocation.
func WithTimeout(d time.Duration) Option {
	return func(f *FFmpeg) {
		f.timeout = d
	}
}

// New creates an FFmpeg transcoder.
func New(opts ...Option) *FFmpeg {
	f := &FFmpeg{
		binaryPath: "ffmpeg",
		timeout:    5 * time.Minute,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Transform reads inputPath, applies spec, and writes outputPath. The
// caller owns both files on every exit path.
func (f *FFmpeg) Transform(ctx context.Context, inputPath, outputPath string, spec gronka.TransformSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}

	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	args := buildArgs(inputPath, outputPath, spec)
	cmd := exec.CommandContext(ctx, f.binaryPath, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", gronka.ErrTranscodeFailed, ctx.Err())
		}
		return fmt.Errorf("%w: %w: %s", gronka.ErrTranscodeFailed, err, lastLine(stderr.Bytes()))
	}
	return nil
}

func buildArgs(inputPath, outputPath string, spec gronka.TransformSpec) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-y"}

	if spec.TrimStart > 0 {
		args = append(args, "-ss", formatSeconds(spec.TrimStart))
	}
	args = append(args, "-i", inputPath)
	if spec.TrimEnd > 0 {
		args = append(args, "-t", formatSeconds(spec.TrimEnd-spec.TrimStart))
	}

	switch spec.TargetKind {
	case gronka.KindGIF:
		args = append(args, "-vf", "fps=15,scale=480:-1:flags=lanczos", "-an")
	case gronka.KindVideo:
		args = append(args, "-c:v", "libx264", "-pix_fmt", "yuv420p", "-movflags", "+faststart")
		if spec.OptimizeLevel > 0 {
			args = append(args, "-crf", strconv.Itoa(crfFor(spec.OptimizeLevel)))
		}
	default:
		if spec.OptimizeLevel > 0 {
			args = append(args, "-q:v", strconv.Itoa(qualityFor(spec.OptimizeLevel)))
		}
	}

	return append(args, outputPath)
}

// crfFor maps the 1-100 optimize level onto x264's 18-40 CRF range, where
// higher levels mean smaller output.
func crfFor(level int) int {
	return 18 + (level*22)/100
}

// qualityFor maps the 1-100 optimize level onto the 2-31 qscale range.
func qualityFor(level int) int {
	return 2 + (level*29)/100
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}

func lastLine(out []byte) string {
	trimmed := bytes.TrimRight(out, "\n")
	if len(trimmed) == 0 {
		return "no output"
	}
	if i := bytes.LastIndexByte(trimmed, '\n'); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	return string(trimmed)
}

var _ gronka.Transcoder = (*FFmpeg)(nil)
