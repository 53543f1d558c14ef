package pipeline

import (
	"errors"
	"strings"
	"testing"

	"framereel/internal/services"
)

func TestValidateRanges(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*GenerationRequest)
		want   string
	}{
		{"ok", func(*GenerationRequest) {}, ""},
		{"empty prompt", func(r *GenerationRequest) { r.Prompt = "" }, "prompt is required"},
		{"no user", func(r *GenerationRequest) { r.Username = "" }, "username is required"},
		{"odd width", func(r *GenerationRequest) { r.Width = 640 }, "width must be one of"},
		{"height", func(r *GenerationRequest) { r.Height = 256 }, "height must be one of"},
		{"steps low", func(r *GenerationRequest) { r.Steps = 19 }, "steps must be within"},
		{"steps high", func(r *GenerationRequest) { r.Steps = 51 }, "steps must be within"},
		{"frames low", func(r *GenerationRequest) { r.FrameCount = 3 }, "frame_count must be within"},
		{"frames high", func(r *GenerationRequest) { r.FrameCount = 9 }, "frame_count must be within"},
		{"fps low", func(r *GenerationRequest) { r.FPS = 0 }, "fps must be within"},
		{"fps high", func(r *GenerationRequest) { r.FPS = 6 }, "fps must be within"},
		{"long prompt", func(r *GenerationRequest) { r.Prompt = strings.Repeat("a", maxPromptLen+1) }, "prompt exceeds"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := redCube()
			tc.mutate(&req)
			err := req.Normalize().Validate()
			if tc.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, services.ErrValidation) || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q validation error, got %v", tc.want, err)
			}
		})
	}
}

func TestBoundaryValuesAccepted(t *testing.T) {
	for _, req := range []GenerationRequest{
		{Username: "u", Prompt: "p", Width: 1024, Height: 768, Steps: 20, FrameCount: 4, FPS: 1},
		{Username: "u", Prompt: "p", Width: 768, Height: 1024, Steps: 50, FrameCount: 8, FPS: 5},
	} {
		if err := req.Validate(); err != nil {
			t.Fatalf("expected %+v to validate: %v", req, err)
		}
	}
}

func TestWhitespacePromptRejected(t *testing.T) {
	req := redCube()
	req.Prompt = " \t\n"
	if err := req.Normalize().Validate(); err == nil {
		t.Fatal("expected whitespace-only prompt to be rejected")
	}
}
