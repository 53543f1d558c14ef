package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	UploadsDir string `toml:"uploads_dir"`
	FramesDir  string `toml:"frames_dir"`
	OutputDir  string `toml:"output_dir"`
	LogDir     string `toml:"log_dir"`
	APIBind    string `toml:"api_bind"`
	APIToken   string `toml:"api_token"`
}

// Backend selects and tunes the text-to-image service frames are generated with.
type Backend struct {
	// Kind is "stability" for the hosted API or "webui" for a local
	// Stable Diffusion WebUI instance.
	Kind    string `toml:"kind"`
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
	// Engine is the hosted engine identifier; ignored by webui.
	Engine string `toml:"engine"`
	// Encoding is the payload decoding strategy: "base64" or "hex".
	Encoding              string  `toml:"encoding"`
	Sampler               string  `toml:"sampler"`
	CFGScale              float64 `toml:"cfg_scale"`
	DefaultNegativePrompt string  `toml:"default_negative_prompt"`
	TimeoutSeconds        int     `toml:"timeout_seconds"`
	MaxAttempts           int     `toml:"max_attempts"`
	RetryBaseDelayMillis  int     `toml:"retry_base_delay_ms"`
	RetryMaxDelayMillis   int     `toml:"retry_max_delay_ms"`
	RequestsPerSecond     float64 `toml:"requests_per_second"`
	Burst                 int     `toml:"burst"`
}

// Pipeline contains per-run execution settings.
type Pipeline struct {
	Workers         int  `toml:"workers"`
	VerifyOutput    bool `toml:"verify_output"`
	StaleFrameHours int  `toml:"stale_frame_hours"`
}

// Encoder contains the ffmpeg settings used to assemble videos.
type Encoder struct {
	FFmpegBinary  string `toml:"ffmpeg_binary"`
	FFprobeBinary string `toml:"ffprobe_binary"`
	Codec         string `toml:"codec"`
	Preset        string `toml:"preset"`
	CRF           int    `toml:"crf"`
	PixelFormat   string `toml:"pixel_format"`
}

// Quota assigns subscription tiers to users.
type Quota struct {
	DefaultTier string            `toml:"default_tier"`
	Users       map[string]string `toml:"users"`
	// CheckoutURL is a template for upgrade links; "{tier}" is substituted.
	CheckoutURL string `toml:"checkout_url"`
}

// Notifications configures ntfy push messages for finished runs.
type Notifications struct {
	// NtfyTopic is the full topic URL, e.g. https://ntfy.sh/my-topic. Empty
	// disables notifications.
	NtfyTopic             string `toml:"ntfy_topic"`
	RequestTimeoutSeconds int    `toml:"request_timeout"`
	NotifyFailures        bool   `toml:"notify_failures"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for framereel.
//
// Configuration sections by subsystem:
//   - Paths: work areas, log directory, and API bind address
//   - Backend: image generation service selection and retry policy
//   - Pipeline: worker fan-out and output verification
//   - Encoder: ffmpeg binaries and codec settings
//   - Quota: tier assignment and upgrade links
//   - Notifications: ntfy push messages
//   - Logging: log format and level
type Config struct {
	Paths         Paths         `toml:"paths"`
	Backend       Backend       `toml:"backend"`
	Pipeline      Pipeline      `toml:"pipeline"`
	Encoder       Encoder       `toml:"encoder"`
	Quota         Quota         `toml:"quota"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/framereel/config.toml")
}

// Load locates, parses, and validates a configuration file. Values from a
// .env file in the working directory are exported first so credentials can
// live outside the TOML file. The returned config has all path fields
// expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	// A missing .env file is the normal production case.
	_ = godotenv.Load()

	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("framereel.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the upload, frame, output, and log areas. It is
// called once at startup so pipeline runs can assume they exist.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.UploadsDir, c.Paths.FramesDir, c.Paths.OutputDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// LedgerPath returns the location of the run history database.
func (c *Config) LedgerPath() string {
	return filepath.Join(c.Paths.LogDir, "runs.db")
}

// LockPath returns the lock file guarding a single API server per log dir.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.LogDir, "framereel.lock")
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
