package audio

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"runtime"
)

// ScreenCapture grabs single JPEG frames of the primary display by
// shelling out to ffmpeg. One invocation per frame keeps the dependency
// surface small; at the sub-1fps rates the video uplink runs, process
// startup cost is irrelevant.
type ScreenCapture struct {
	ffmpegPath string
	grabArgs   []string
}

// NewScreenCapture locates ffmpeg and picks the grab input for the host
// platform.
func NewScreenCapture() (*ScreenCapture, error) {
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("screen capture requires ffmpeg on PATH: %w", err)
	}

	var grabArgs []string
	switch runtime.GOOS {
	case "darwin":
		grabArgs = []string{"-f", "avfoundation", "-capture_cursor", "1", "-i", "1:none"}
	case "linux":
		grabArgs = []string{"-f", "x11grab", "-i", ":0.0"}
	case "windows":
		grabArgs = []string{"-f", "gdigrab", "-i", "desktop"}
	default:
		return nil, fmt.Errorf("screen capture not supported on %s", runtime.GOOS)
	}

	return &ScreenCapture{ffmpegPath: path, grabArgs: grabArgs}, nil
}

// CaptureFrame grabs one frame and returns it JPEG-encoded.
func (c *ScreenCapture) CaptureFrame(ctx context.Context) ([]byte, error) {
	args := append([]string{"-loglevel", "error"}, c.grabArgs...)
	args = append(args,
		"-frames:v", "1",
		"-q:v", "4",
		"-f", "image2",
		"-c:v", "mjpeg",
		"pipe:1",
	)

	cmd := exec.CommandContext(ctx, c.ffmpegPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("ffmpeg frame grab: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("ffmpeg frame grab produced no output")
	}
	return stdout.Bytes(), nil
}
