package framegen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"framereel/internal/config"
)

// Backend adapts one text-to-image HTTP API. Implementations build the
// request for a frame and pull the encoded image payload out of a 2xx body.
type Backend interface {
	Name() string
	NewRequest(ctx context.Context, req Request) (*http.Request, error)
	ExtractPayload(body []byte) (string, error)
}

// errNoArtifact marks a 2xx body that carried no image payload.
var errNoArtifact = errors.New("response contained no image")

func newJSONRequest(ctx context.Context, endpoint string, payload any) (*http.Request, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// StabilityBackend talks to the hosted Stability text-to-image endpoint.
type StabilityBackend struct {
	BaseURL  string
	APIKey   string
	Engine   string
	Sampler  string
	CFGScale float64
}

type stabilityPrompt struct {
	Text   string  `json:"text"`
	Weight float64 `json:"weight"`
}

type stabilityRequest struct {
	TextPrompts []stabilityPrompt `json:"text_prompts"`
	CFGScale    float64           `json:"cfg_scale"`
	Height      int               `json:"height"`
	Width       int               `json:"width"`
	Steps       int               `json:"steps"`
	Samples     int               `json:"samples"`
	Sampler     string            `json:"sampler,omitempty"`
}

type stabilityResponse struct {
	Artifacts []struct {
		Base64       string `json:"base64"`
		FinishReason string `json:"finishReason"`
	} `json:"artifacts"`
}

func (b *StabilityBackend) Name() string { return config.BackendStability }

func (b *StabilityBackend) NewRequest(ctx context.Context, req Request) (*http.Request, error) {
	endpoint, err := url.JoinPath(b.BaseURL, "v1", "generation", b.Engine, "text-to-image")
	if err != nil {
		return nil, fmt.Errorf("build url: %w", err)
	}
	prompts := []stabilityPrompt{{Text: req.Prompt, Weight: 1}}
	if neg := strings.TrimSpace(req.NegativePrompt); neg != "" {
		prompts = append(prompts, stabilityPrompt{Text: neg, Weight: -1})
	}
	// The hosted API draws a random seed when none is sent.
	payload := stabilityRequest{
		TextPrompts: prompts,
		CFGScale:    cfgOrDefault(b.CFGScale),
		Height:      req.Height,
		Width:       req.Width,
		Steps:       req.Steps,
		Samples:     1,
		Sampler:     b.Sampler,
	}
	httpReq, err := newJSONRequest(ctx, endpoint, payload)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+b.APIKey)
	return httpReq, nil
}

func (b *StabilityBackend) ExtractPayload(body []byte) (string, error) {
	var resp stabilityResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(resp.Artifacts) == 0 {
		return "", errNoArtifact
	}
	artifact := resp.Artifacts[0]
	if strings.EqualFold(artifact.FinishReason, "ERROR") {
		return "", fmt.Errorf("artifact finish reason %q", artifact.FinishReason)
	}
	if strings.TrimSpace(artifact.Base64) == "" {
		return "", errNoArtifact
	}
	return artifact.Base64, nil
}

// WebUIBackend talks to a local Stable Diffusion WebUI txt2img endpoint.
type WebUIBackend struct {
	BaseURL  string
	APIKey   string
	Sampler  string
	CFGScale float64
}

type webUIRequest struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	Steps          int     `json:"steps"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	SamplerName    string  `json:"sampler_name,omitempty"`
	CFGScale       float64 `json:"cfg_scale"`
	Seed           int     `json:"seed"`
}

type webUIResponse struct {
	Images []string `json:"images"`
}

func (b *WebUIBackend) Name() string { return config.BackendWebUI }

func (b *WebUIBackend) NewRequest(ctx context.Context, req Request) (*http.Request, error) {
	endpoint, err := url.JoinPath(b.BaseURL, "sdapi", "v1", "txt2img")
	if err != nil {
		return nil, fmt.Errorf("build url: %w", err)
	}
	payload := webUIRequest{
		Prompt:         req.Prompt,
		NegativePrompt: strings.TrimSpace(req.NegativePrompt),
		Steps:          req.Steps,
		Width:          req.Width,
		Height:         req.Height,
		SamplerName:    b.Sampler,
		CFGScale:       cfgOrDefault(b.CFGScale),
		Seed:           RandomSeed,
	}
	httpReq, err := newJSONRequest(ctx, endpoint, payload)
	if err != nil {
		return nil, err
	}
	if key := strings.TrimSpace(b.APIKey); key != "" {
		if user, pass, ok := strings.Cut(key, ":"); ok {
			httpReq.SetBasicAuth(user, pass)
		} else {
			httpReq.Header.Set("Authorization", "Bearer "+key)
		}
	}
	return httpReq, nil
}

func (b *WebUIBackend) ExtractPayload(body []byte) (string, error) {
	var resp webUIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(resp.Images) == 0 || strings.TrimSpace(resp.Images[0]) == "" {
		return "", errNoArtifact
	}
	return resp.Images[0], nil
}

func cfgOrDefault(v float64) float64 {
	if v <= 0 {
		return DefaultCFGScale
	}
	return v
}

// BackendFor builds the backend selected by cfg.Kind.
func BackendFor(cfg config.Backend) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case config.BackendStability:
		return &StabilityBackend{
			BaseURL:  cfg.BaseURL,
			APIKey:   cfg.APIKey,
			Engine:   cfg.Engine,
			Sampler:  cfg.Sampler,
			CFGScale: cfg.CFGScale,
		}, nil
	case config.BackendWebUI:
		return &WebUIBackend{
			BaseURL:  cfg.BaseURL,
			APIKey:   cfg.APIKey,
			Sampler:  cfg.Sampler,
			CFGScale: cfg.CFGScale,
		}, nil
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Kind)
	}
}

// HealthProber is implemented by backends that expose a cheap authenticated
// read used to verify reachability and credentials.
type HealthProber interface {
	NewHealthRequest(ctx context.Context) (*http.Request, error)
}

func (b *StabilityBackend) NewHealthRequest(ctx context.Context) (*http.Request, error) {
	endpoint, err := url.JoinPath(b.BaseURL, "v1", "engines", "list")
	if err != nil {
		return nil, fmt.Errorf("build url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.APIKey)
	return req, nil
}

func (b *WebUIBackend) NewHealthRequest(ctx context.Context) (*http.Request, error) {
	endpoint, err := url.JoinPath(b.BaseURL, "sdapi", "v1", "sd-models")
	if err != nil {
		return nil, fmt.Errorf("build url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if key := strings.TrimSpace(b.APIKey); key != "" {
		if user, pass, ok := strings.Cut(key, ":"); ok {
			req.SetBasicAuth(user, pass)
		} else {
			req.Header.Set("Authorization", "Bearer "+key)
		}
	}
	return req, nil
}
