package assembler

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"

	"golang.org/x/image/draw"

	"framereel/internal/framegen"
	"framereel/internal/logging"
	"framereel/internal/media/ffprobe"
	"framereel/internal/services"
)

// VideoArtifact describes a committed output video.
type VideoArtifact struct {
	Path       string `json:"path"`
	FrameCount int    `json:"frame_count"`
	FPS        int    `json:"fps"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
}

// DurationSeconds is the nominal playback length at the artifact's frame rate.
func (a VideoArtifact) DurationSeconds() float64 {
	if a.FPS <= 0 {
		return 0
	}
	return float64(a.FrameCount) / float64(a.FPS)
}

// Assembler encodes an ordered frame set into a single video file.
type Assembler struct {
	encoder       Encoder
	ffprobeBinary string
	verify        bool
	logger        *slog.Logger
}

// Option customizes the assembler.
type Option func(*Assembler)

// WithVerification enables an ffprobe check of the encoded file before it is
// moved into place.
func WithVerification(ffprobeBinary string) Option {
	return func(a *Assembler) {
		a.verify = true
		a.ffprobeBinary = ffprobeBinary
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Assembler) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// New constructs an assembler around encoder.
func New(encoder Encoder, opts ...Option) *Assembler {
	a := &Assembler{encoder: encoder, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble writes frames to outputPath at a constant fps. The canvas takes the
// size of the lowest-ordinal frame and every other frame is resampled to it.
// Encoding targets a temporary file in the output directory that is linked
// to outputPath only after the encoder finishes cleanly.
func (a *Assembler) Assemble(ctx context.Context, frames []framegen.Frame, fps int, outputPath string) (VideoArtifact, error) {
	if len(frames) == 0 {
		return VideoArtifact{}, services.Wrap(services.ErrEmptyInput, "assemble", "validate", "no frames to assemble", nil)
	}
	if fps <= 0 {
		return VideoArtifact{}, services.Wrap(services.ErrValidation, "assemble", "validate", fmt.Sprintf("fps must be positive, got %d", fps), nil)
	}
	ordered, err := orderFrames(frames)
	if err != nil {
		return VideoArtifact{}, err
	}

	first := ordered[0].Image
	if first == nil || first.Bounds().Empty() {
		return VideoArtifact{}, services.Wrap(services.ErrEncode, "assemble", "canvas", "first frame has no pixels", nil)
	}
	width, height := first.Bounds().Dx(), first.Bounds().Dy()
	spec := StreamSpec{Width: width, Height: height, FPS: fps}

	dir := filepath.Dir(outputPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return VideoArtifact{}, services.Wrap(services.ErrEncode, "assemble", "prepare output", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(outputPath)+".*.part")
	if err != nil {
		return VideoArtifact{}, services.Wrap(services.ErrEncode, "assemble", "prepare output", "create temp file", err)
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	logger := logging.WithContext(ctx, a.logger)
	sink, err := a.encoder.Open(ctx, tmpPath, spec)
	if err != nil {
		return VideoArtifact{}, services.Wrap(services.ErrEncode, "assemble", "open writer", outputPath, err)
	}

	canvas := image.NewNRGBA(image.Rect(0, 0, width, height))
	for _, frame := range ordered {
		if err := ctx.Err(); err != nil {
			sink.Abort()
			return VideoArtifact{}, err
		}
		if err := normalize(canvas, frame.Image); err != nil {
			sink.Abort()
			return VideoArtifact{}, services.Wrap(services.ErrEncode, "assemble", "resample",
				fmt.Sprintf("frame %d", frame.Ordinal), err)
		}
		if err := sink.WriteFrame(canvas); err != nil {
			sink.Abort()
			return VideoArtifact{}, services.Wrap(services.ErrEncode, "assemble", "write frame",
				fmt.Sprintf("frame %d", frame.Ordinal), err)
		}
	}
	if err := sink.Close(); err != nil {
		if ctx.Err() != nil {
			return VideoArtifact{}, ctx.Err()
		}
		return VideoArtifact{}, services.Wrap(services.ErrEncode, "assemble", "finalize", outputPath, err)
	}

	artifact := VideoArtifact{Path: outputPath, FrameCount: len(ordered), FPS: fps, Width: width, Height: height}
	if a.verify {
		if err := a.verifyOutput(ctx, tmpPath, artifact); err != nil {
			return VideoArtifact{}, err
		}
	}
	// Link fails when outputPath exists, so a committed artifact is never
	// replaced.
	if err := os.Link(tmpPath, outputPath); err != nil {
		return VideoArtifact{}, services.Wrap(services.ErrEncode, "assemble", "commit output", outputPath, err)
	}
	committed = true
	_ = os.Remove(tmpPath)
	logger.Info("video assembled",
		logging.String("path", outputPath),
		logging.Int("frames", artifact.FrameCount),
		logging.Int("fps", fps),
		logging.Int("width", width),
		logging.Int("height", height),
	)
	return artifact, nil
}

// orderFrames sorts a copy of frames by ordinal and requires the ordinals to
// be exactly 0..n-1.
func orderFrames(frames []framegen.Frame) ([]framegen.Frame, error) {
	ordered := slices.Clone(frames)
	slices.SortFunc(ordered, func(a, b framegen.Frame) int { return a.Ordinal - b.Ordinal })
	for i, frame := range ordered {
		if frame.Ordinal != i {
			return nil, services.Wrap(services.ErrValidation, "assemble", "validate",
				fmt.Sprintf("frame ordinals must be contiguous from 0; position %d has ordinal %d", i, frame.Ordinal), nil)
		}
	}
	return ordered, nil
}

// normalize renders src into canvas as straight (non-premultiplied) RGBA
// bytes, resampling when the sizes differ. Every source goes through the same
// conversion so the channel order handed to the encoder never depends on how
// src was decoded.
func normalize(canvas *image.NRGBA, src image.Image) (err error) {
	if src == nil {
		return errors.New("frame has no image")
	}
	sb := src.Bounds()
	if sb.Empty() {
		return fmt.Errorf("frame has empty bounds %v", sb)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("resample panic: %v", r)
		}
	}()
	dst := canvas.Bounds()
	if sb.Dx() == dst.Dx() && sb.Dy() == dst.Dy() {
		draw.Draw(canvas, dst, src, sb.Min, draw.Src)
		return nil
	}
	draw.CatmullRom.Scale(canvas, dst, src, sb, draw.Src, nil)
	return nil
}

func (a *Assembler) verifyOutput(ctx context.Context, path string, want VideoArtifact) error {
	result, err := ffprobe.Inspect(ctx, a.ffprobeBinary, path)
	if err != nil {
		return services.Wrap(services.ErrEncode, "assemble", "verify output", "ffprobe failed", err)
	}
	video, ok := result.VideoStream()
	if !ok {
		return services.Wrap(services.ErrEncode, "assemble", "verify output", "no video stream in output", nil)
	}
	wantW, wantH := evenCeil(want.Width), evenCeil(want.Height)
	if video.Width != wantW || video.Height != wantH {
		return services.Wrap(services.ErrEncode, "assemble", "verify output",
			fmt.Sprintf("encoded %dx%d, expected %dx%d", video.Width, video.Height, wantW, wantH), nil)
	}
	if n := video.FrameCount(); n > 0 && n != want.FrameCount {
		return services.Wrap(services.ErrEncode, "assemble", "verify output",
			fmt.Sprintf("encoded %d frames, expected %d", n, want.FrameCount), nil)
	}
	if rate := video.FrameRate(); rate > 0 && math.Abs(rate-float64(want.FPS)) > 0.01 {
		return services.Wrap(services.ErrEncode, "assemble", "verify output",
			fmt.Sprintf("encoded at %.2f fps, expected %d", rate, want.FPS), nil)
	}
	logging.WithContext(ctx, a.logger).Debug("output verified",
		logging.String("path", path),
		logging.Int64("size_bytes", result.SizeBytes()),
	)
	return nil
}

func evenCeil(v int) int {
	return v + v%2
}
