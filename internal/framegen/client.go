package framegen

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"framereel/internal/config"
	"framereel/internal/logging"
	"framereel/internal/services"
)

const (
	defaultHTTPTimeout    = 120 * time.Second
	defaultRetryAttempts  = 3
	defaultRetryBaseDelay = 1 * time.Second
	defaultRetryMaxDelay  = 10 * time.Second
	// A malformed 2xx body is retried this many times before failing the frame.
	malformedRetries = 1
	maxErrorBody     = 2048
)

// maxResponseBody caps how much of a backend response is read. A 1024×1024
// PNG encoded as hex is well under this.
var maxResponseBody int64 = 64 << 20

// Client generates frames through a Backend, decoding payloads with the
// configured Decoder and retrying transient upstream failures.
type Client struct {
	backend    Backend
	decoder    Decoder
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger

	retryMaxAttempts int
	retryBaseDelay   time.Duration
	retryMaxDelay    time.Duration
	sleeper          func(time.Duration)
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithRetryMaxAttempts overrides the attempt ceiling for upstream failures.
func WithRetryMaxAttempts(attempts int) Option {
	return func(c *Client) {
		c.retryMaxAttempts = attempts
	}
}

// WithRetryBackoff overrides the retry backoff delays.
func WithRetryBackoff(baseDelay, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.retryBaseDelay = baseDelay
		c.retryMaxDelay = maxDelay
	}
}

// WithSleeper overrides how retry sleeps are performed (useful for tests).
func WithSleeper(sleeper func(time.Duration)) Option {
	return func(c *Client) {
		c.sleeper = sleeper
	}
}

// WithLimiter paces outbound requests. A nil limiter disables pacing.
func WithLimiter(limiter *rate.Limiter) Option {
	return func(c *Client) {
		c.limiter = limiter
	}
}

// WithDecoder overrides the payload decoding strategy.
func WithDecoder(decoder Decoder) Option {
	return func(c *Client) {
		if decoder != nil {
			c.decoder = decoder
		}
	}
}

// WithLogger attaches a logger for retry diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient constructs a client around backend. The decoder defaults to base64.
func NewClient(backend Backend, opts ...Option) *Client {
	client := &Client{
		backend:          backend,
		decoder:          Base64Decoder{},
		httpClient:       &http.Client{Timeout: defaultHTTPTimeout},
		logger:           logging.NewNop(),
		retryMaxAttempts: defaultRetryAttempts,
		retryBaseDelay:   defaultRetryBaseDelay,
		retryMaxDelay:    defaultRetryMaxDelay,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// NewFromConfig selects the backend, decoder, retry policy, and request pacing
// from the backend configuration section.
func NewFromConfig(cfg config.Backend, logger *slog.Logger, opts ...Option) (*Client, error) {
	backend, err := BackendFor(cfg)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "generate", "select backend", err.Error(), nil)
	}
	if backend.Name() == config.BackendStability && strings.TrimSpace(cfg.APIKey) == "" {
		return nil, services.Wrap(services.ErrConfiguration, "generate", "select backend",
			"stability backend requires an api key", nil)
	}
	encoding := cfg.Encoding
	if strings.TrimSpace(encoding) == "" {
		encoding = config.DefaultEncoding(cfg.Kind)
	}
	decoder, err := DecoderFor(encoding)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "generate", "select decoder", err.Error(), nil)
	}

	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	base := []Option{
		WithHTTPClient(&http.Client{Timeout: timeout}),
		WithDecoder(decoder),
		WithLogger(logging.NewComponentLogger(logger, "framegen")),
	}
	if cfg.MaxAttempts > 0 {
		base = append(base, WithRetryMaxAttempts(cfg.MaxAttempts))
	}
	if cfg.RetryMaxDelayMillis > 0 {
		base = append(base, WithRetryBackoff(
			time.Duration(cfg.RetryBaseDelayMillis)*time.Millisecond,
			time.Duration(cfg.RetryMaxDelayMillis)*time.Millisecond,
		))
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		base = append(base, WithLimiter(rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)))
	}
	return NewClient(backend, append(base, opts...)...), nil
}

// Backend returns the backend the client talks to.
func (c *Client) Backend() Backend {
	return c.backend
}

// HealthCheck issues a single probe request without retries. Rejected
// credentials wrap services.ErrAuth; anything else non-2xx wraps
// services.ErrUpstream.
func (c *Client) HealthCheck(ctx context.Context) error {
	name := c.backend.Name()
	prober, ok := c.backend.(HealthProber)
	if !ok {
		return nil
	}
	req, err := prober.NewHealthRequest(ctx)
	if err != nil {
		return services.Wrap(services.ErrConfiguration, "health", name, "build request", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return services.Wrap(services.ErrUpstream, "health", name, "request failed", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return services.Wrap(services.ErrAuth, "health", name, "credentials rejected",
			&httpStatusError{StatusCode: resp.StatusCode, Body: string(body)})
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return services.Wrap(services.ErrUpstream, "health", name, "unexpected status",
			&httpStatusError{StatusCode: resp.StatusCode, Body: string(body)})
	}
	return nil
}

type httpStatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// Generate produces the frame at ordinal. Authentication failures are returned
// at once; upstream failures are retried up to the attempt ceiling and a
// malformed success body is retried once. Errors are *FrameError values whose
// chain carries the matching services marker.
func (c *Client) Generate(ctx context.Context, req Request, ordinal int) (Frame, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	attempts := c.retryAttempts()
	malformed := 0
	var lastErr error

	attempt := 0
	for {
		attempt++
		frame, err := c.generateOnce(ctx, req, ordinal)
		if err == nil {
			return frame, nil
		}
		lastErr = err

		delay, retry := c.retryDelay(ctx, err, attempt, attempts, &malformed)
		if !retry {
			break
		}
		logging.WarnWithContext(logging.WithContext(ctx, c.logger), "frame request failed, retrying", "frame_retry",
			logging.Int(logging.FieldOrdinal, ordinal),
			logging.Int("attempt", attempt),
			logging.Duration("delay", delay),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "upstream service may be overloaded"),
			logging.String(logging.FieldImpact, "frame generation delayed"),
		)
		if err := c.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}
	return Frame{}, &FrameError{Ordinal: ordinal, Attempts: attempt, Err: lastErr}
}

func (c *Client) generateOnce(ctx context.Context, req Request, ordinal int) (Frame, error) {
	name := c.backend.Name()
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return Frame{}, ctx.Err()
			}
			return Frame{}, services.Wrap(services.ErrUpstream, "generate", name, "rate limiter", err)
		}
	}
	httpReq, err := c.backend.NewRequest(ctx, req)
	if err != nil {
		return Frame{}, services.Wrap(services.ErrConfiguration, "generate", name, "build request", err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Frame{}, ctx.Err()
		}
		return Frame{}, services.Wrap(services.ErrUpstream, "generate", name, "request failed", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody+1))
	if err != nil {
		if ctx.Err() != nil {
			return Frame{}, ctx.Err()
		}
		return Frame{}, services.Wrap(services.ErrUpstream, "generate", name, "read response", err)
	}
	oversized := int64(len(body)) > maxResponseBody

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return Frame{}, services.Wrap(services.ErrAuth, "generate", name, "credentials rejected",
			&httpStatusError{StatusCode: resp.StatusCode, Body: truncate(body)})
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		retryAfter, _ := parseRetryAfter(resp.Header.Get("Retry-After"))
		return Frame{}, services.Wrap(services.ErrUpstream, "generate", name, "unexpected status",
			&httpStatusError{StatusCode: resp.StatusCode, Body: truncate(body), RetryAfter: retryAfter})
	}

	if oversized {
		return Frame{}, services.Wrap(services.ErrMalformedResponse, "generate", name, "read response",
			fmt.Errorf("response exceeds %d bytes", maxResponseBody))
	}
	payload, err := c.backend.ExtractPayload(body)
	if err != nil {
		return Frame{}, services.Wrap(services.ErrMalformedResponse, "generate", name, "extract payload", err)
	}
	data, err := c.decoder.Decode(payload)
	if err != nil {
		return Frame{}, services.Wrap(services.ErrMalformedResponse, "generate", name, "decode payload", err)
	}
	img, format, err := decodeRaster(data)
	if err != nil {
		return Frame{}, services.Wrap(services.ErrMalformedResponse, "generate", name, "decode image", err)
	}
	bounds := img.Bounds()
	return Frame{
		Ordinal: ordinal,
		Image:   img,
		Encoded: data,
		Format:  format,
		Width:   bounds.Dx(),
		Height:  bounds.Dy(),
	}, nil
}

func truncate(body []byte) string {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return string(body)
}

func (c *Client) retryAttempts() int {
	if c == nil || c.retryMaxAttempts <= 0 {
		return 1
	}
	return c.retryMaxAttempts
}

func (c *Client) retryDelay(ctx context.Context, err error, attempt, maxAttempts int, malformed *int) (time.Duration, bool) {
	if err == nil || ctx.Err() != nil {
		return 0, false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return 0, false
	}
	switch {
	case errors.Is(err, services.ErrAuth), errors.Is(err, services.ErrConfiguration):
		return 0, false
	case errors.Is(err, services.ErrMalformedResponse):
		if *malformed >= malformedRetries || attempt >= maxAttempts+malformedRetries {
			return 0, false
		}
		*malformed++
		return c.backoffDelay(attempt), true
	case errors.Is(err, services.ErrUpstream):
		if attempt-*malformed >= maxAttempts {
			return 0, false
		}
		var statusErr *httpStatusError
		if errors.As(err, &statusErr) && statusErr.RetryAfter > 0 {
			return c.capDelay(statusErr.RetryAfter), true
		}
		return c.backoffDelay(attempt), true
	default:
		return 0, false
	}
}

func (c *Client) backoffDelay(attempt int) time.Duration {
	base := c.retryBaseDelay
	maxDelay := c.retryMaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultRetryMaxDelay
	}
	if base <= 0 {
		return 0
	}
	if attempt <= 0 {
		attempt = 1
	}
	// attempt 1 -> base, attempt 2 -> base*2, attempt 3 -> base*4, ...
	delay := base
	for i := 1; i < attempt; i++ {
		if delay > maxDelay/2 {
			delay = maxDelay
			break
		}
		delay *= 2
	}
	return c.capDelay(delay)
}

func (c *Client) capDelay(delay time.Duration) time.Duration {
	if delay < 0 {
		return 0
	}
	maxDelay := c.retryMaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultRetryMaxDelay
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func (c *Client) sleep(ctx context.Context, delay time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if delay <= 0 {
		return nil
	}
	if c.sleeper != nil {
		c.sleeper(delay)
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func parseRetryAfter(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if when, err := http.ParseTime(value); err == nil {
		delay := time.Until(when)
		if delay < 0 {
			return 0, false
		}
		return delay, true
	}
	return 0, false
}
