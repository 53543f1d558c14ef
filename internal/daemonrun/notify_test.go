package daemonrun

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"framereel/internal/assembler"
	"framereel/internal/config"
	"framereel/internal/notifications"
	"framereel/internal/pipeline"
	"framereel/internal/services"
)

type cannedRuns struct {
	outcome pipeline.Outcome
}

func (c cannedRuns) Run(context.Context, pipeline.GenerationRequest) pipeline.Outcome {
	return c.outcome
}

func (cannedRuns) ActiveRuns() map[string]struct{} { return map[string]struct{}{"x": {}} }

type topicRecorder struct {
	mu     sync.Mutex
	titles []string
}

func (r *topicRecorder) handler(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	r.titles = append(r.titles, req.Header.Get("Title"))
	r.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (r *topicRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.titles)
}

func TestNotifyingRunsAnnouncesOutcomes(t *testing.T) {
	committed := pipeline.Outcome{
		RunID: "ok", Username: "alice", State: pipeline.StateCommitted,
		Artifact: &assembler.VideoArtifact{Path: "/out/video_ok.mp4", FrameCount: 4, FPS: 2},
	}
	failed := func(kind services.Kind) pipeline.Outcome {
		return pipeline.Outcome{RunID: "bad", Username: "alice", State: pipeline.StateFailed, ErrorKind: kind}
	}

	cases := []struct {
		name     string
		outcome  pipeline.Outcome
		failures bool
		want     int
	}{
		{"committed", committed, false, 1},
		{"upstream failure", failed(services.KindUpstream), true, 1},
		{"failures disabled", failed(services.KindUpstream), false, 0},
		{"quota is not announced", failed(services.KindQuotaExceeded), true, 0},
		{"invalid request is not announced", failed(services.KindInvalidRequest), true, 0},
		{"cancellation is not announced", failed(services.KindCanceled), true, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := &topicRecorder{}
			srv := httptest.NewServer(http.HandlerFunc(rec.handler))
			defer srv.Close()

			runs := &notifyingRuns{
				next:     cannedRuns{outcome: tc.outcome},
				notifier: notifications.NewService(config.Notifications{NtfyTopic: srv.URL}),
				failures: tc.failures,
			}
			got := runs.Run(context.Background(), pipeline.GenerationRequest{})
			if got.RunID != tc.outcome.RunID {
				t.Fatalf("outcome not passed through: %+v", got)
			}
			if n := rec.count(); n != tc.want {
				t.Fatalf("expected %d notifications, got %d", tc.want, n)
			}
			if _, ok := runs.ActiveRuns()["x"]; !ok {
				t.Fatal("ActiveRuns not delegated")
			}
		})
	}
}

func TestNotifyingRunsSurvivesNotifierErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	want := pipeline.Outcome{RunID: "bad", State: pipeline.StateFailed, ErrorKind: services.KindEncode}
	runs := &notifyingRuns{
		next:     cannedRuns{outcome: want},
		notifier: notifications.NewService(config.Notifications{NtfyTopic: srv.URL}),
		failures: true,
	}
	got := runs.Run(context.Background(), pipeline.GenerationRequest{})
	if got.ErrorKind != services.KindEncode || got.State != pipeline.StateFailed {
		t.Fatalf("notification error leaked into outcome: %+v", got)
	}
}
