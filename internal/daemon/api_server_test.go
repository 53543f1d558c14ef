package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"framereel/internal/api"
	"framereel/internal/assembler"
	"framereel/internal/billing"
	"framereel/internal/config"
	"framereel/internal/ledger"
	"framereel/internal/pipeline"
	"framereel/internal/quota"
	"framereel/internal/services"
)

type fakeRuns struct {
	mu      sync.Mutex
	got     []pipeline.GenerationRequest
	outcome pipeline.Outcome
	ctxID   string
}

func (f *fakeRuns) Run(ctx context.Context, req pipeline.GenerationRequest) pipeline.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, req)
	f.ctxID, _ = services.RequestIDFromContext(ctx)
	out := f.outcome
	out.Username = req.Username
	return out
}

func (f *fakeRuns) ActiveRuns() map[string]struct{} { return map[string]struct{}{} }

type fixture struct {
	srv     *apiServer
	runs    *fakeRuns
	tracker *quota.Tracker
	ledger  *ledger.Store
	handler http.Handler
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.LogDir = t.TempDir()
	cfg.Paths.FramesDir = t.TempDir()
	cfg.Paths.OutputDir = t.TempDir()
	cfg.Paths.APIBind = "127.0.0.1:0"
	cfg.Paths.APIToken = token
	cfg.Quota.Users = map[string]string{"bea": "basic"}

	store, err := ledger.OpenPath(filepath.Join(cfg.Paths.LogDir, "runs.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	admitter, err := billing.NewStaticAdmitter(cfg.Quota)
	if err != nil {
		t.Fatal(err)
	}
	runs := &fakeRuns{}
	tracker := quota.NewTracker()
	d, err := New(&cfg, Deps{
		Runs:     runs,
		Usage:    tracker,
		Tiers:    admitter,
		Upgrades: billing.NewCheckoutLinks("https://shop.example/checkout?plan={tier}"),
		Ledger:   store,
	}, nil)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	srv, err := newAPIServer(&cfg, d, nil)
	if err != nil {
		t.Fatalf("newAPIServer: %v", err)
	}
	return &fixture{srv: srv, runs: runs, tracker: tracker, ledger: store, handler: srv.routes(token)}
}

func (f *fixture) do(t *testing.T, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

const cubeBody = `{"username":"demo","prompt":"a red cube","width":512,"height":512,"steps":30,"frame_count":4,"fps":2}`

func TestStartRunReturnsArtifact(t *testing.T) {
	f := newFixture(t, "")
	f.runs.outcome = pipeline.Outcome{
		RunID:    "r1",
		State:    pipeline.StateCommitted,
		Artifact: &assembler.VideoArtifact{Path: "/out/video_r1.mp4", FrameCount: 4, FPS: 2, Width: 512, Height: 512},
		Message:  services.UserMessage(services.KindNone),
	}

	w := f.do(t, http.MethodPost, "/api/runs", cubeBody, map[string]string{"X-Request-ID": "req-7"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp api.RunResult
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Artifact == nil || resp.Artifact.DurationSeconds != 2 {
		t.Fatalf("unexpected result %+v", resp)
	}
	if got := f.runs.got[0]; got.Prompt != "a red cube" || got.FrameCount != 4 || got.FPS != 2 {
		t.Fatalf("request not decoded: %+v", got)
	}
	if f.runs.ctxID != "req-7" || w.Header().Get("X-Request-ID") != "req-7" {
		t.Fatalf("request id not propagated: ctx=%q header=%q", f.runs.ctxID, w.Header().Get("X-Request-ID"))
	}
}

func TestStartRunQuotaExceededOffersUpgrade(t *testing.T) {
	f := newFixture(t, "")
	f.runs.outcome = pipeline.Outcome{
		RunID:     "r2",
		State:     pipeline.StateFailed,
		ErrorKind: services.KindQuotaExceeded,
		Message:   services.UserMessage(services.KindQuotaExceeded),
	}

	w := f.do(t, http.MethodPost, "/api/runs", cubeBody, nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	var resp api.RunResult
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.UpgradeURL != "https://shop.example/checkout?plan=basic" {
		t.Fatalf("unexpected upgrade url %q", resp.UpgradeURL)
	}
	if resp.ErrorKind != "quota_exceeded" {
		t.Fatalf("unexpected kind %q", resp.ErrorKind)
	}
}

func TestStartRunRejectsMalformedBody(t *testing.T) {
	f := newFixture(t, "")
	for _, body := range []string{"{", `{"prompt":"x","colour":"red"}`} {
		if w := f.do(t, http.MethodPost, "/api/runs", body, nil); w.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, w.Code)
		}
	}
	if len(f.runs.got) != 0 {
		t.Fatal("malformed bodies must not start runs")
	}
}

func TestStatusForOutcome(t *testing.T) {
	cases := map[services.Kind]int{
		services.KindNone:           http.StatusCreated,
		services.KindInvalidRequest: http.StatusBadRequest,
		services.KindUpstream:       http.StatusBadGateway,
		services.KindAuth:           http.StatusBadGateway,
		services.KindEncode:         http.StatusInternalServerError,
		services.KindCanceled:       http.StatusServiceUnavailable,
	}
	for kind, want := range cases {
		if got := statusForOutcome(pipeline.Outcome{ErrorKind: kind}); got != want {
			t.Errorf("kind %q: got %d, want %d", kind, got, want)
		}
	}
}

func TestListAndDescribeRuns(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	now := time.Now()
	for i, id := range []string{"old", "new"} {
		if err := f.ledger.Start(ctx, ledger.Run{ID: id, Username: "demo", State: "idle", CreatedAt: now.Add(time.Duration(i) * time.Second)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.ledger.Finish(ctx, "old", "committed", "", "", "/out/video_old.mp4"); err != nil {
		t.Fatal(err)
	}

	w := f.do(t, http.MethodGet, "/api/runs?username=demo", "", nil)
	var list api.RunListResponse
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil || w.Code != http.StatusOK {
		t.Fatalf("list: %d %v", w.Code, err)
	}
	if len(list.Runs) != 2 || list.Runs[0].ID != "new" {
		t.Fatalf("expected newest first, got %+v", list.Runs)
	}

	w = f.do(t, http.MethodGet, "/api/runs/old", "", nil)
	var one api.RunResponse
	if err := json.Unmarshal(w.Body.Bytes(), &one); err != nil || w.Code != http.StatusOK {
		t.Fatalf("describe: %d %v", w.Code, err)
	}
	if one.Run.State != "committed" || one.Run.ArtifactPath != "/out/video_old.mp4" {
		t.Fatalf("unexpected run %+v", one.Run)
	}

	if w := f.do(t, http.MethodGet, "/api/runs/missing", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/api/runs?limit=abc", "", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", w.Code)
	}
}

func TestUsageEndpoint(t *testing.T) {
	f := newFixture(t, "")
	res, err := f.tracker.Reserve("bea", quota.TierBasic)
	if err != nil {
		t.Fatal(err)
	}
	if err := res.Commit(); err != nil {
		t.Fatal(err)
	}

	w := f.do(t, http.MethodGet, "/api/usage?username=bea", "", nil)
	var usage api.Usage
	if err := json.Unmarshal(w.Body.Bytes(), &usage); err != nil || w.Code != http.StatusOK {
		t.Fatalf("usage: %d %v", w.Code, err)
	}
	if usage.Tier != "basic" || usage.Count != 1 || usage.Limit != 10 || usage.Remaining != 9 {
		t.Fatalf("unexpected usage %+v", usage)
	}

	f.tracker.Check("amy", quota.TierFree)
	w = f.do(t, http.MethodGet, "/api/usage", "", nil)
	var list api.UsageListResponse
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil || w.Code != http.StatusOK {
		t.Fatalf("usage list: %d %v", w.Code, err)
	}
	if len(list.Users) != 2 || list.Users[0].Username != "amy" || list.Users[1].Username != "bea" {
		t.Fatalf("unexpected usage list %+v", list.Users)
	}
	if list.Users[0].Tier != "free" || list.Users[0].Remaining != 3 {
		t.Fatalf("unexpected free user %+v", list.Users[0])
	}
}

func TestBearerTokenRequired(t *testing.T) {
	f := newFixture(t, "s3cret")
	if w := f.do(t, http.MethodGet, "/api/runs", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/api/runs", "", map[string]string{"Authorization": "Bearer wrong"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/api/runs", "", map[string]string{"Authorization": "Bearer s3cret"}); w.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", w.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t, "")
	for _, target := range []string{"/api/runs", "/api/usage?username=x", "/api/status"} {
		if w := f.do(t, http.MethodDelete, target, "", nil); w.Code != http.StatusMethodNotAllowed {
			t.Fatalf("%s: expected 405, got %d", target, w.Code)
		}
	}
}
