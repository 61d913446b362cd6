// Package capture grabs single frames from a live stream
package capture

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	apperrors "github.com/GriffinCanCode/runwatch/internal/errors"
	"github.com/GriffinCanCode/runwatch/internal/trace"
)

// Source produces one JPEG frame of the stream per call.
type Source interface {
	Capture(ctx context.Context) ([]byte, error)
}

// runner executes an external tool and returns its stdout.
type runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = msg[len(msg)-512:]
		}
		return nil, fmt.Errorf("%s: %w: %s", name, err, msg)
	}
	return stdout.Bytes(), nil
}

// Options configures a StreamCapturer.
type Options struct {
	Channel   string
	YtDlpBin  string
	FFmpegBin string
}

// StreamCapturer resolves the channel's playlist URL with yt-dlp and pulls one
// frame from it with ffmpeg. The resolved URL is reused until a grab fails.
type StreamCapturer struct {
	opts    Options
	run     runner
	tempDir string

	mu        sync.Mutex
	streamURL string
}

// New creates a capturer with its own temp directory.
func New(opts Options) *StreamCapturer {
	if opts.YtDlpBin == "" {
		opts.YtDlpBin = "yt-dlp"
	}
	if opts.FFmpegBin == "" {
		opts.FFmpegBin = "ffmpeg"
	}
	tmpDir, err := os.MkdirTemp("", "runwatch-frames-*")
	if err != nil {
		slog.Error("failed to create temp dir for frames", "error", err)
		tmpDir = os.TempDir()
	}
	return &StreamCapturer{opts: opts, run: execRunner, tempDir: tmpDir}
}

// Capture implements Source.
func (c *StreamCapturer) Capture(ctx context.Context) ([]byte, error) {
	ctx, span := trace.StartSpan(ctx, "capture.frame")
	defer span.End()

	url, err := c.resolve(ctx)
	if err != nil {
		return nil, err
	}
	data, err := c.grab(ctx, url)
	if err != nil {
		// playlist URLs expire; resolve again on the next call
		c.mu.Lock()
		c.streamURL = ""
		c.mu.Unlock()
		return nil, err
	}
	span.SetAttr("bytes", len(data))
	return data, nil
}

func (c *StreamCapturer) resolve(ctx context.Context) (string, error) {
	c.mu.Lock()
	cached := c.streamURL
	c.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	out, err := c.run(ctx, c.opts.YtDlpBin, "--get-url", "https://twitch.tv/"+c.opts.Channel)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.CodeCaptureFailed, "resolve stream url").
			WithMetadata("channel", c.opts.Channel)
	}
	url := firstLine(string(out))
	if url == "" {
		return "", apperrors.New(apperrors.CodeCaptureFailed, "yt-dlp returned no stream url").
			WithMetadata("channel", c.opts.Channel)
	}

	c.mu.Lock()
	c.streamURL = url
	c.mu.Unlock()
	return url, nil
}

func (c *StreamCapturer) grab(ctx context.Context, url string) ([]byte, error) {
	f, err := os.CreateTemp(c.tempDir, "frame-*.jpg")
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeCaptureFailed, "create frame file")
	}
	path := f.Name()
	f.Close()
	defer os.Remove(path)

	if _, err := c.run(ctx, c.opts.FFmpegBin, "-y", "-loglevel", "error", "-i", url, "-vframes", "1", "-q:v", "2", path); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeCaptureFailed, "grab frame")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeCaptureFailed, "read frame")
	}
	if len(data) == 0 {
		return nil, apperrors.New(apperrors.CodeCaptureFailed, "ffmpeg produced an empty frame")
	}
	return data, nil
}

// Close cleans up temp directory
func (c *StreamCapturer) Close() {
	if c.tempDir != "" && c.tempDir != os.TempDir() {
		os.RemoveAll(c.tempDir)
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// FileSource serves a saved frame, for calibrating the timer region offline.
type FileSource struct{ Path string }

func (f FileSource) Capture(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(filepath.Clean(f.Path))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeCaptureFailed, "read frame file")
	}
	return data, nil
}
