package config

const (
	BackendStability = "stability"
	BackendWebUI     = "webui"

	EncodingBase64 = "base64"
	EncodingHex    = "hex"
)

const (
	defaultUploadsDir           = "~/.local/share/framereel/uploads"
	defaultFramesDir            = "~/.local/share/framereel/frames"
	defaultOutputDir            = "~/.local/share/framereel/output"
	defaultLogDir               = "~/.local/share/framereel/logs"
	defaultAPIBind              = "127.0.0.1:7878"
	defaultStabilityBaseURL     = "https://api.stability.ai"
	defaultStabilityEngine      = "stable-diffusion-xl-1024-v1-0"
	defaultWebUIBaseURL         = "http://127.0.0.1:7860"
	defaultWebUISampler         = "DPM++ 2M Karras"
	defaultCFGScale             = 7
	defaultBackendTimeout       = 120
	defaultMaxAttempts          = 3
	defaultRetryBaseDelayMillis = 1000
	defaultRetryMaxDelayMillis  = 10000
	defaultRequestsPerSecond    = 2
	defaultBurst                = 1
	defaultWorkers              = 1
	defaultStaleFrameHours      = 24
	defaultFFmpegBinary         = "ffmpeg"
	defaultFFprobeBinary        = "ffprobe"
	defaultCodec                = "libx264"
	defaultPreset               = "medium"
	defaultCRF                  = 23
	defaultPixelFormat          = "yuv420p"
	defaultTier                 = "free"
	defaultNtfyTimeout          = 10
	defaultLogFormat            = "console"
	defaultLogLevel             = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			UploadsDir: defaultUploadsDir,
			FramesDir:  defaultFramesDir,
			OutputDir:  defaultOutputDir,
			LogDir:     defaultLogDir,
			APIBind:    defaultAPIBind,
		},
		Backend: Backend{
			Kind:                 BackendStability,
			Engine:               defaultStabilityEngine,
			CFGScale:             defaultCFGScale,
			TimeoutSeconds:       defaultBackendTimeout,
			MaxAttempts:          defaultMaxAttempts,
			RetryBaseDelayMillis: defaultRetryBaseDelayMillis,
			RetryMaxDelayMillis:  defaultRetryMaxDelayMillis,
			RequestsPerSecond:    defaultRequestsPerSecond,
			Burst:                defaultBurst,
		},
		Pipeline: Pipeline{
			Workers:         defaultWorkers,
			VerifyOutput:    true,
			StaleFrameHours: defaultStaleFrameHours,
		},
		Encoder: Encoder{
			FFmpegBinary:  defaultFFmpegBinary,
			FFprobeBinary: defaultFFprobeBinary,
			Codec:         defaultCodec,
			Preset:        defaultPreset,
			CRF:           defaultCRF,
			PixelFormat:   defaultPixelFormat,
		},
		Quota: Quota{
			DefaultTier: defaultTier,
		},
		Notifications: Notifications{
			RequestTimeoutSeconds: defaultNtfyTimeout,
			NotifyFailures:        true,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
