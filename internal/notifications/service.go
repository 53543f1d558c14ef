package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"framereel/internal/config"
	"framereel/internal/services"
)

const userAgent = "framereel/0.1.0"

// Service publishes run milestones.
type Service interface {
	NotifyRunCommitted(ctx context.Context, run RunSummary) error
	NotifyRunFailed(ctx context.Context, run RunSummary) error
	TestNotification(ctx context.Context) error
}

// RunSummary is the subset of a finished run that notifications describe.
type RunSummary struct {
	RunID           string
	Username        string
	ArtifactPath    string
	FrameCount      int
	DurationSeconds float64
	ErrorKind       services.Kind
	Message         string
}

// NewService builds an ntfy-backed service, or a no-op when no topic is
// configured.
func NewService(cfg config.Notifications) Service {
	topic := strings.TrimSpace(cfg.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
}

func (n *ntfyService) NotifyRunCommitted(ctx context.Context, run RunSummary) error {
	var b strings.Builder
	fmt.Fprintf(&b, "🎞️ Video ready for %s: %d frames, %.1fs", run.Username, run.FrameCount, run.DurationSeconds)
	if run.ArtifactPath != "" {
		fmt.Fprintf(&b, "\n%s", run.ArtifactPath)
	}
	return n.send(ctx, payload{
		title:   "framereel - Video Ready",
		message: b.String(),
		tags:    []string{"framereel", "committed"},
	})
}

func (n *ntfyService) NotifyRunFailed(ctx context.Context, run RunSummary) error {
	var b strings.Builder
	fmt.Fprintf(&b, "❌ Run %s for %s failed", run.RunID, run.Username)
	if run.ErrorKind != "" {
		fmt.Fprintf(&b, " (%s)", run.ErrorKind)
	}
	if msg := strings.TrimSpace(run.Message); msg != "" {
		fmt.Fprintf(&b, "\n%s", msg)
	}
	return n.send(ctx, payload{
		title:    "framereel - Run Failed",
		message:  b.String(),
		tags:     []string{"framereel", "failed", string(run.ErrorKind)},
		priority: "high",
	})
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	return n.send(ctx, payload{
		title:    "framereel - Test",
		message:  "🧪 Notification system test",
		tags:     []string{"framereel", "test"},
		priority: "low",
	})
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if tags := nonEmpty(data.tags); len(tags) > 0 {
		req.Header.Set("Tags", strings.Join(tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func nonEmpty(values []string) []string {
	out := values[:0:0]
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}

type noopService struct{}

func (noopService) NotifyRunCommitted(context.Context, RunSummary) error { return nil }
func (noopService) NotifyRunFailed(context.Context, RunSummary) error    { return nil }
func (noopService) TestNotification(context.Context) error               { return nil }
