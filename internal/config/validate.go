package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"framereel/internal/services"
)

var knownTiers = map[string]struct{}{"free": {}, "basic": {}, "pro": {}}

// Validate ensures the configuration is usable. A missing credential for the
// selected backend is reported as services.ErrConfiguration so callers can
// refuse to start.
func (c *Config) Validate() error {
	if err := c.validateBackend(); err != nil {
		return err
	}
	if err := c.validatePipeline(); err != nil {
		return err
	}
	if err := c.validateEncoder(); err != nil {
		return err
	}
	if err := c.validateQuota(); err != nil {
		return err
	}
	if topic := c.Notifications.NtfyTopic; topic != "" {
		if parsed, err := url.Parse(topic); err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("notifications.ntfy_topic %q is not an absolute URL", topic)
		}
	}
	return c.validateLogging()
}

func (c *Config) validateBackend() error {
	b := c.Backend
	switch b.Kind {
	case BackendStability:
		if b.APIKey == "" {
			defaultPath, err := DefaultConfigPath()
			if err != nil {
				defaultPath = "~/.config/framereel/config.toml"
			}
			return fmt.Errorf("%w: backend.api_key is required for the stability backend. Set STABILITY_API_KEY or edit %s (create with 'framereel config init')",
				services.ErrConfiguration, defaultPath)
		}
	case BackendWebUI:
	default:
		return fmt.Errorf("%w: backend.kind must be %q or %q, got %q", services.ErrConfiguration, BackendStability, BackendWebUI, b.Kind)
	}
	parsed, err := url.Parse(b.BaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("%w: backend.base_url %q is not an absolute URL", services.ErrConfiguration, b.BaseURL)
	}
	switch b.Encoding {
	case EncodingBase64, EncodingHex:
	default:
		return fmt.Errorf("backend.encoding must be %q or %q, got %q", EncodingBase64, EncodingHex, b.Encoding)
	}
	if err := ensurePositiveMap(map[string]int{
		"backend.timeout_seconds":    b.TimeoutSeconds,
		"backend.max_attempts":       b.MaxAttempts,
		"backend.retry_max_delay_ms": b.RetryMaxDelayMillis,
		"backend.burst":              b.Burst,
	}); err != nil {
		return err
	}
	if b.RetryBaseDelayMillis < 0 {
		return errors.New("backend.retry_base_delay_ms must be >= 0")
	}
	if b.RequestsPerSecond < 0 {
		return errors.New("backend.requests_per_second must be >= 0 (0 disables pacing)")
	}
	return nil
}

func (c *Config) validatePipeline() error {
	if c.Pipeline.Workers < 1 || c.Pipeline.Workers > 8 {
		return errors.New("pipeline.workers must be between 1 and 8")
	}
	if c.Pipeline.StaleFrameHours < 0 {
		return errors.New("pipeline.stale_frame_hours must be >= 0")
	}
	return nil
}

func (c *Config) validateEncoder() error {
	if c.Encoder.CRF < 0 || c.Encoder.CRF > 51 {
		return errors.New("encoder.crf must be between 0 and 51")
	}
	return nil
}

func (c *Config) validateQuota() error {
	if _, ok := knownTiers[c.Quota.DefaultTier]; !ok {
		return fmt.Errorf("quota.default_tier %q is not one of free, basic, pro", c.Quota.DefaultTier)
	}
	for user, tier := range c.Quota.Users {
		if _, ok := knownTiers[tier]; !ok {
			return fmt.Errorf("quota.users.%s: tier %q is not one of free, basic, pro", user, tier)
		}
	}
	if c.Quota.CheckoutURL != "" && !strings.Contains(c.Quota.CheckoutURL, "://") {
		return errors.New("quota.checkout_url must be an absolute URL")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
