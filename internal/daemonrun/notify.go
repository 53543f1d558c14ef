package daemonrun

import (
	"context"
	"log/slog"
	"time"

	"framereel/internal/daemon"
	"framereel/internal/logging"
	"framereel/internal/notifications"
	"framereel/internal/pipeline"
	"framereel/internal/services"
)

const notifyTimeout = 15 * time.Second

// notifyingRuns publishes finished runs after the wrapped executor returns.
// Caller mistakes (invalid input, quota) and cancellations are not announced.
type notifyingRuns struct {
	next     daemon.RunExecutor
	notifier notifications.Service
	failures bool
	logger   *slog.Logger
}

func (n *notifyingRuns) Run(ctx context.Context, req pipeline.GenerationRequest) pipeline.Outcome {
	outcome := n.next.Run(ctx, req)

	summary := notifications.RunSummary{
		RunID:     outcome.RunID,
		Username:  outcome.Username,
		ErrorKind: outcome.ErrorKind,
		Message:   outcome.Message,
	}
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	var err error
	switch {
	case outcome.Succeeded():
		summary.ArtifactPath = outcome.Artifact.Path
		summary.FrameCount = outcome.Artifact.FrameCount
		summary.DurationSeconds = outcome.Artifact.DurationSeconds()
		err = n.notifier.NotifyRunCommitted(sendCtx, summary)
	case n.failures && announceFailure(outcome.ErrorKind):
		err = n.notifier.NotifyRunFailed(sendCtx, summary)
	}
	if err != nil {
		logging.WarnWithContext(logging.WithContext(ctx, n.logger), "run notification failed", "notification_failed",
			logging.String(logging.FieldRunID, outcome.RunID),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic"),
			logging.String(logging.FieldImpact, "run result unaffected"),
		)
	}
	return outcome
}

func (n *notifyingRuns) ActiveRuns() map[string]struct{} {
	return n.next.ActiveRuns()
}

func announceFailure(kind services.Kind) bool {
	switch kind {
	case services.KindNone, services.KindInvalidRequest, services.KindQuotaExceeded, services.KindCanceled:
		return false
	default:
		return true
	}
}
