// Package ffmpeg wraps the ffmpeg command line tool used to extract
// thumbnails and to synthesize placeholder videos.
package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

const DefaultBinary = "ffmpeg"

// ErrNotFound is returned when the binary is not on PATH.
var ErrNotFound = errors.New("ffmpeg not found")

// InstallHint is printed when the binary is missing.
const InstallHint = `Install ffmpeg:
  Ubuntu/Debian: sudo apt install ffmpeg
  macOS: brew install ffmpeg
  Windows: download from https://ffmpeg.org/download.html`

// Runner executes ffmpeg with the given arguments.
type Runner interface {
	Run(ctx context.Context, args ...string) error
}

type Exec struct {
	Binary string
}

// Lookup resolves binary on PATH and returns an Exec for it.
func Lookup(binary string) (*Exec, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = DefaultBinary
	}

	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, binary, err)
	}

	return &Exec{Binary: path}, nil
}

func (e *Exec) Run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, e.Binary, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("ffmpeg: %w", ctxErr)
		}
		return fmt.Errorf("ffmpeg: %w: %s", err, lastLine(output))
	}
	return nil
}

func lastLine(output []byte) string {
	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

type FrameOptions struct {
	Width     int
	Quality   int
	Timestamp string
}

// FrameArgs builds the arguments that extract one scaled JPEG frame.
func FrameArgs(input, output string, opts FrameOptions) []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-ss", opts.Timestamp,
		"-i", input,
		"-vframes", "1",
		"-vf", fmt.Sprintf("scale=%d:-1", opts.Width),
		"-q:v", strconv.Itoa(opts.Quality),
		"-y",
		output,
	}
}

func ExtractFrame(ctx context.Context, r Runner, input, output string, opts FrameOptions) error {
	return r.Run(ctx, FrameArgs(input, output, opts)...)
}

type VideoOptions struct {
	Width    int
	Height   int
	Duration float64
	FPS      int
}

// VideoForSize picks placeholder video parameters for a target file size.
func VideoForSize(targetKB int) VideoOptions {
	switch {
	case targetKB < 50:
		return VideoOptions{Width: 160, Height: 90, Duration: 1.0, FPS: 15}
	case targetKB < 100:
		return VideoOptions{Width: 240, Height: 135, Duration: 1.5, FPS: 20}
	case targetKB < 200:
		return VideoOptions{Width: 320, Height: 180, Duration: 2.0, FPS: 24}
	case targetKB < 500:
		return VideoOptions{Width: 480, Height: 270, Duration: 2.5, FPS: 25}
	default:
		return VideoOptions{Width: 640, Height: 360, Duration: 3.0, FPS: 30}
	}
}

// SynthesizeArgs builds the arguments that render a test pattern into a
// web-playable H.264 MP4.
func SynthesizeArgs(output string, opts VideoOptions) []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "lavfi",
		"-i", fmt.Sprintf("testsrc=size=%dx%d:rate=%d", opts.Width, opts.Height, opts.FPS),
		"-t", strconv.FormatFloat(opts.Duration, 'f', 1, 64),
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		"-y",
		output,
	}
}

func Synthesize(ctx context.Context, r Runner, output string, opts VideoOptions) error {
	return r.Run(ctx, SynthesizeArgs(output, opts)...)
}
