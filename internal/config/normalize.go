package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeBackend()
	c.normalizeEncoder()
	c.normalizeQuota()
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.RequestTimeoutSeconds <= 0 {
		c.Notifications.RequestTimeoutSeconds = defaultNtfyTimeout
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	return nil
}

func (c *Config) normalizePaths() error {
	fields := []struct {
		name     string
		value    *string
		fallback string
	}{
		{"paths.uploads_dir", &c.Paths.UploadsDir, defaultUploadsDir},
		{"paths.frames_dir", &c.Paths.FramesDir, defaultFramesDir},
		{"paths.output_dir", &c.Paths.OutputDir, defaultOutputDir},
		{"paths.log_dir", &c.Paths.LogDir, defaultLogDir},
	}
	for _, field := range fields {
		if strings.TrimSpace(*field.value) == "" {
			*field.value = field.fallback
		}
		expanded, err := expandPath(strings.TrimSpace(*field.value))
		if err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
		*field.value = expanded
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	if c.Paths.APIToken == "" {
		if value, ok := os.LookupEnv("FRAMEREEL_API_TOKEN"); ok {
			c.Paths.APIToken = strings.TrimSpace(value)
		}
	}
	return nil
}

func (c *Config) normalizeBackend() {
	b := &c.Backend
	b.Kind = strings.ToLower(strings.TrimSpace(b.Kind))
	if b.Kind == "" {
		b.Kind = BackendStability
	}

	b.APIKey = strings.TrimSpace(b.APIKey)
	if b.APIKey == "" {
		if value, ok := os.LookupEnv("STABILITY_API_KEY"); ok && b.Kind == BackendStability {
			b.APIKey = strings.TrimSpace(value)
		} else if value, ok := os.LookupEnv("FRAMEREEL_BACKEND_API_KEY"); ok {
			b.APIKey = strings.TrimSpace(value)
		}
	}

	b.BaseURL = strings.TrimRight(strings.TrimSpace(b.BaseURL), "/")
	if b.BaseURL == "" {
		if value, ok := os.LookupEnv("FRAMEREEL_BACKEND_URL"); ok {
			b.BaseURL = strings.TrimRight(strings.TrimSpace(value), "/")
		}
	}
	if b.BaseURL == "" {
		switch b.Kind {
		case BackendWebUI:
			b.BaseURL = defaultWebUIBaseURL
		default:
			b.BaseURL = defaultStabilityBaseURL
		}
	}

	b.Encoding = strings.ToLower(strings.TrimSpace(b.Encoding))
	if b.Encoding == "" {
		b.Encoding = DefaultEncoding(b.Kind)
	}
	b.Sampler = strings.TrimSpace(b.Sampler)
	if b.Sampler == "" && b.Kind == BackendWebUI {
		b.Sampler = defaultWebUISampler
	}
	b.Engine = strings.TrimSpace(b.Engine)
	if b.Engine == "" {
		b.Engine = defaultStabilityEngine
	}
	b.DefaultNegativePrompt = strings.TrimSpace(b.DefaultNegativePrompt)
	if b.CFGScale <= 0 {
		b.CFGScale = defaultCFGScale
	}
	if b.Burst <= 0 {
		b.Burst = defaultBurst
	}
}

// DefaultEncoding returns the payload encoding a backend kind emits when the
// configuration does not name one.
func DefaultEncoding(kind string) string {
	if kind == BackendWebUI {
		return EncodingHex
	}
	return EncodingBase64
}

func (c *Config) normalizeEncoder() {
	e := &c.Encoder
	e.FFmpegBinary = strings.TrimSpace(e.FFmpegBinary)
	if e.FFmpegBinary == "" {
		e.FFmpegBinary = defaultFFmpegBinary
	}
	e.FFprobeBinary = strings.TrimSpace(e.FFprobeBinary)
	if e.FFprobeBinary == "" {
		e.FFprobeBinary = defaultFFprobeBinary
	}
	e.Codec = strings.TrimSpace(e.Codec)
	if e.Codec == "" {
		e.Codec = defaultCodec
	}
	e.Preset = strings.TrimSpace(e.Preset)
	e.PixelFormat = strings.TrimSpace(e.PixelFormat)
	if e.PixelFormat == "" {
		e.PixelFormat = defaultPixelFormat
	}
}

func (c *Config) normalizeQuota() {
	c.Quota.DefaultTier = strings.ToLower(strings.TrimSpace(c.Quota.DefaultTier))
	if c.Quota.DefaultTier == "" {
		c.Quota.DefaultTier = defaultTier
	}
	if len(c.Quota.Users) > 0 {
		users := make(map[string]string, len(c.Quota.Users))
		for name, tier := range c.Quota.Users {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			users[name] = strings.ToLower(strings.TrimSpace(tier))
		}
		c.Quota.Users = users
	}
	c.Quota.CheckoutURL = strings.TrimSpace(c.Quota.CheckoutURL)
}
