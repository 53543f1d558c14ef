package assembler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"framereel/internal/config"
)

// StreamSpec describes the raw frame stream handed to an encoder.
type StreamSpec struct {
	Width  int
	Height int
	FPS    int
}

// Encoder opens a sink that writes an RGBA frame stream to path.
type Encoder interface {
	Open(ctx context.Context, path string, spec StreamSpec) (FrameSink, error)
}

// FrameSink receives canvas-sized frames in presentation order. Pixels are
// straight (non-premultiplied) RGBA, matching ffmpeg's rgba. Close
// finalizes the file; Abort discards it.
type FrameSink interface {
	WriteFrame(frame *image.NRGBA) error
	Close() error
	Abort()
}

// FFmpegEncoder pipes raw straight-alpha RGBA frames into ffmpeg and encodes them as H.264
// in an MP4 container.
type FFmpegEncoder struct {
	Binary      string
	Codec       string
	Preset      string
	CRF         int
	PixelFormat string
}

// NewFFmpegEncoder builds an encoder from the encoder configuration section.
func NewFFmpegEncoder(cfg config.Encoder) *FFmpegEncoder {
	return &FFmpegEncoder{
		Binary:      cfg.FFmpegBinary,
		Codec:       cfg.Codec,
		Preset:      cfg.Preset,
		CRF:         cfg.CRF,
		PixelFormat: cfg.PixelFormat,
	}
}

// Args returns the ffmpeg argument list for the given stream and output path.
func (e *FFmpegEncoder) Args(path string, spec StreamSpec) []string {
	codec := firstNonEmpty(e.Codec, "libx264")
	pixFmt := firstNonEmpty(e.PixelFormat, "yuv420p")
	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", spec.Width, spec.Height),
		"-r", strconv.Itoa(spec.FPS),
		"-i", "pipe:0",
		"-an",
		"-c:v", codec,
	}
	if preset := strings.TrimSpace(e.Preset); preset != "" {
		args = append(args, "-preset", preset)
	}
	if e.CRF > 0 {
		args = append(args, "-crf", strconv.Itoa(e.CRF))
	}
	// yuv420p needs even dimensions; pad by one pixel when the canvas is odd.
	args = append(args,
		"-vf", "pad=ceil(iw/2)*2:ceil(ih/2)*2",
		"-pix_fmt", pixFmt,
		"-r", strconv.Itoa(spec.FPS),
		"-movflags", "+faststart",
		"-f", "mp4",
		path,
	)
	return args
}

// Open starts ffmpeg with its stdin connected to the returned sink.
func (e *FFmpegEncoder) Open(ctx context.Context, path string, spec StreamSpec) (FrameSink, error) {
	if spec.Width <= 0 || spec.Height <= 0 || spec.FPS <= 0 {
		return nil, fmt.Errorf("invalid stream %dx%d@%d", spec.Width, spec.Height, spec.FPS)
	}
	binary := firstNonEmpty(e.Binary, "ffmpeg")
	cmd := exec.CommandContext(ctx, binary, e.Args(path, spec)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdin: %w", err)
	}
	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", binary, err)
	}
	return &ffmpegSink{cmd: cmd, stdin: stdin, stderr: stderr, spec: spec}, nil
}

type ffmpegSink struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *tailBuffer
	spec   StreamSpec

	once sync.Once
	err  error
}

func (s *ffmpegSink) WriteFrame(frame *image.NRGBA) error {
	b := frame.Bounds()
	if b.Dx() != s.spec.Width || b.Dy() != s.spec.Height {
		return fmt.Errorf("frame %dx%d does not match canvas %dx%d", b.Dx(), b.Dy(), s.spec.Width, s.spec.Height)
	}
	rowBytes := s.spec.Width * 4
	if frame.Stride == rowBytes && b.Min == (image.Point{}) {
		if _, err := s.stdin.Write(frame.Pix[:rowBytes*s.spec.Height]); err != nil {
			return s.pipeError(err)
		}
		return nil
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		start := frame.PixOffset(b.Min.X, y)
		if _, err := s.stdin.Write(frame.Pix[start : start+rowBytes]); err != nil {
			return s.pipeError(err)
		}
	}
	return nil
}

func (s *ffmpegSink) pipeError(err error) error {
	if msg := strings.TrimSpace(s.stderr.String()); msg != "" {
		return fmt.Errorf("write frame: %w: %s", err, msg)
	}
	return fmt.Errorf("write frame: %w", err)
}

func (s *ffmpegSink) Close() error {
	s.once.Do(func() {
		closeErr := s.stdin.Close()
		waitErr := s.cmd.Wait()
		switch {
		case waitErr != nil:
			s.err = fmt.Errorf("ffmpeg: %w: %s", waitErr, strings.TrimSpace(s.stderr.String()))
		case closeErr != nil && !errors.Is(closeErr, io.ErrClosedPipe):
			s.err = fmt.Errorf("ffmpeg stdin close: %w", closeErr)
		}
	})
	return s.err
}

func (s *ffmpegSink) Abort() {
	s.once.Do(func() {
		_ = s.stdin.Close()
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		_ = s.cmd.Wait()
		s.err = errors.New("ffmpeg aborted")
	})
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
