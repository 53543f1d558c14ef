package framegen

import (
	"context"
	"fmt"
	"image"
)

// Fixed sampling parameters shared by every backend.
const (
	DefaultCFGScale = 7.0
	RandomSeed      = -1
)

// Request is the per-frame portion of a generation request.
type Request struct {
	Prompt         string
	NegativePrompt string
	Width          int
	Height         int
	Steps          int
}

// Frame is one generated still, tagged with its position in the run.
type Frame struct {
	Ordinal int
	Image   image.Image
	// Encoded holds the decoded payload bytes in their original raster
	// format so callers can persist the frame without re-encoding.
	Encoded []byte
	Format  string
	Width   int
	Height  int
}

// Generator produces a single frame for the given ordinal.
type Generator interface {
	Generate(ctx context.Context, req Request, ordinal int) (Frame, error)
}

// FrameError annotates a generation failure with the frame it belongs to.
type FrameError struct {
	Ordinal  int
	Attempts int
	Err      error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("frame %d (after %d attempt(s)): %v", e.Ordinal, e.Attempts, e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }
