package pipeline

import (
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"framereel/internal/framegen"
	"framereel/internal/services"
)

// Accepted request ranges.
const (
	MinSteps      = 20
	MaxSteps      = 50
	MinFrameCount = 4
	MaxFrameCount = 8
	MinFPS        = 1
	MaxFPS        = 5
	maxPromptLen  = 2000
)

// AllowedDimensions lists the accepted frame widths and heights.
var AllowedDimensions = []int{512, 768, 1024}

// GenerationRequest is one user's request for a video.
type GenerationRequest struct {
	Username       string `json:"username"`
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	Steps          int    `json:"steps"`
	FrameCount     int    `json:"frame_count"`
	FPS            int    `json:"fps"`
}

// Normalize trims whitespace and applies Unicode NFC to the text fields so
// visually identical prompts produce identical upstream requests.
func (r GenerationRequest) Normalize() GenerationRequest {
	r.Username = strings.TrimSpace(r.Username)
	r.Prompt = norm.NFC.String(strings.TrimSpace(r.Prompt))
	r.NegativePrompt = norm.NFC.String(strings.TrimSpace(r.NegativePrompt))
	return r
}

// Validate checks the request against the accepted ranges. It returns an
// error wrapping services.ErrValidation that lists every violation.
func (r GenerationRequest) Validate() error {
	var problems []string
	if r.Username == "" {
		problems = append(problems, "username is required")
	}
	if r.Prompt == "" {
		problems = append(problems, "prompt is required")
	} else if utf8.RuneCountInString(r.Prompt) > maxPromptLen {
		problems = append(problems, fmt.Sprintf("prompt exceeds %d characters", maxPromptLen))
	}
	if !slices.Contains(AllowedDimensions, r.Width) {
		problems = append(problems, fmt.Sprintf("width must be one of %v, got %d", AllowedDimensions, r.Width))
	}
	if !slices.Contains(AllowedDimensions, r.Height) {
		problems = append(problems, fmt.Sprintf("height must be one of %v, got %d", AllowedDimensions, r.Height))
	}
	if r.Steps < MinSteps || r.Steps > MaxSteps {
		problems = append(problems, fmt.Sprintf("steps must be within [%d,%d], got %d", MinSteps, MaxSteps, r.Steps))
	}
	if r.FrameCount < MinFrameCount || r.FrameCount > MaxFrameCount {
		problems = append(problems, fmt.Sprintf("frame_count must be within [%d,%d], got %d", MinFrameCount, MaxFrameCount, r.FrameCount))
	}
	if r.FPS < MinFPS || r.FPS > MaxFPS {
		problems = append(problems, fmt.Sprintf("fps must be within [%d,%d], got %d", MinFPS, MaxFPS, r.FPS))
	}
	if len(problems) > 0 {
		return services.Wrap(services.ErrValidation, "validate", "request", strings.Join(problems, "; "), nil)
	}
	return nil
}

func (r GenerationRequest) frameRequest(defaultNegative string) framegen.Request {
	negative := r.NegativePrompt
	if negative == "" {
		negative = strings.TrimSpace(defaultNegative)
	}
	return framegen.Request{
		Prompt:         r.Prompt,
		NegativePrompt: negative,
		Width:          r.Width,
		Height:         r.Height,
		Steps:          r.Steps,
	}
}
