package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"framereel/internal/api"
	"framereel/internal/assembler"
	"framereel/internal/billing"
	"framereel/internal/config"
	"framereel/internal/daemon"
	"framereel/internal/ledger"
	"framereel/internal/pipeline"
	"framereel/internal/quota"
	"framereel/internal/services"
	"framereel/internal/testsupport"
)

type cliTestEnv struct {
	cfg        *config.Config
	configPath string
}

func setupCLITestEnv(t *testing.T, opts ...testsupport.ConfigOption) *cliTestEnv {
	t.Helper()

	cfg := testsupport.NewConfig(t, opts...)
	// Nothing listens here, so server calls fail fast.
	cfg.Paths.APIBind = "127.0.0.1:1"
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	configPath := filepath.Join(testsupport.BaseDir(cfg), "config.toml")
	writeTestConfig(t, configPath, cfg)
	return &cliTestEnv{cfg: cfg, configPath: configPath}
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

// committingRuns reports a committed run whose artifact is a small file.
type committingRuns struct {
	dir string
}

func (r committingRuns) Run(_ context.Context, req pipeline.GenerationRequest) pipeline.Outcome {
	path := filepath.Join(r.dir, "video_remote.mp4")
	if err := os.WriteFile(path, []byte("mp4 bytes"), 0o644); err != nil {
		return pipeline.Outcome{State: pipeline.StateFailed, ErrorKind: services.KindInternal, Err: err}
	}
	return pipeline.Outcome{
		RunID:    "remote",
		Username: req.Username,
		State:    pipeline.StateCommitted,
		Artifact: &assembler.VideoArtifact{Path: path, FrameCount: req.FrameCount, FPS: req.FPS, Width: req.Width, Height: req.Height},
		Message:  services.UserMessage(services.KindNone),
	}
}

func (committingRuns) ActiveRuns() map[string]struct{} { return nil }

func startServer(t *testing.T, env *cliTestEnv, runs daemon.RunExecutor) string {
	t.Helper()
	cfg := *env.cfg
	cfg.Paths.APIBind = "127.0.0.1:0"
	admitter, err := billing.NewStaticAdmitter(cfg.Quota)
	if err != nil {
		t.Fatalf("NewStaticAdmitter: %v", err)
	}
	store, err := ledger.Open(&cfg)
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	d, err := daemon.New(&cfg, daemon.Deps{
		Runs:     runs,
		Usage:    quota.NewTracker(),
		Tiers:    admitter,
		Upgrades: billing.NewCheckoutLinks(cfg.Quota.CheckoutURL),
		Ledger:   store,
	}, nil)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := d.Start(ctx); err != nil {
		cancel()
		t.Fatalf("daemon.Start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		d.Stop()
		_ = d.Close()
	})
	return d.Addr()
}

func seedRuns(t *testing.T, cfg *config.Config, runs ...ledger.Run) {
	t.Helper()
	store := testsupport.MustOpenLedger(t, cfg)
	ctx := context.Background()
	for _, run := range runs {
		state := run.State
		run.State = string(pipeline.StateQuotaChecked)
		if err := store.Start(ctx, run); err != nil {
			t.Fatalf("Start %s: %v", run.ID, err)
		}
		if err := store.Finish(ctx, run.ID, state, run.ErrorKind, run.ErrorMessage, run.ArtifactPath); err != nil {
			t.Fatalf("Finish %s: %v", run.ID, err)
		}
	}
}

func TestConfigInitWritesSample(t *testing.T) {
	target := filepath.Join(t.TempDir(), "framereel", "config.toml")
	stdout, _, err := runCLI(t, []string{"config", "init", "--path", target}, "")
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	if !strings.Contains(stdout, target) {
		t.Fatalf("expected target path in output, got %q", stdout)
	}
	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	if !strings.Contains(string(data), "[backend]") {
		t.Fatalf("sample config missing backend section")
	}

	if _, _, err := runCLI(t, []string{"config", "init", "--path", target}, ""); err == nil {
		t.Fatal("expected init to refuse overwriting without --overwrite")
	}
	if _, _, err := runCLI(t, []string{"config", "init", "--path", target, "--overwrite"}, ""); err != nil {
		t.Fatalf("config init --overwrite: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	env := setupCLITestEnv(t)
	stdout, _, err := runCLI(t, []string{"config", "validate"}, env.configPath)
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	for _, want := range []string{env.configPath, "webui", "Configuration valid"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("expected %q in output, got %q", want, stdout)
		}
	}
}

func TestRunsListShowAndSummary(t *testing.T) {
	env := setupCLITestEnv(t)
	now := time.Now()
	seedRuns(t, env.cfg,
		ledger.Run{ID: "run-ok", Username: "alice", Tier: "free", Prompt: "a lighthouse at dusk", Width: 512, Height: 512, Steps: 30, FrameCount: 4, FPS: 2, State: "committed", ArtifactPath: "/videos/run-ok.mp4", CreatedAt: now.Add(-2 * time.Minute)},
		ledger.Run{ID: "run-bad", Username: "bob", Tier: "basic", Prompt: "storm", Width: 768, Height: 768, Steps: 20, FrameCount: 5, FPS: 1, State: "failed", ErrorKind: "upstream", ErrorMessage: "backend returned 503", CreatedAt: now.Add(-time.Minute)},
	)

	stdout, _, err := runCLI(t, []string{"runs", "list"}, env.configPath)
	if err != nil {
		t.Fatalf("runs list: %v", err)
	}
	for _, want := range []string{"run-ok", "run-bad", "a lighthouse at dusk", "512x512"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("expected %q in runs list, got:\n%s", want, stdout)
		}
	}

	stdout, _, err = runCLI(t, []string{"runs", "list", "--user", "bob", "--json"}, env.configPath)
	if err != nil {
		t.Fatalf("runs list --json: %v", err)
	}
	var list api.RunListResponse
	if err := json.Unmarshal([]byte(stdout), &list); err != nil {
		t.Fatalf("decode list: %v\n%s", err, stdout)
	}
	if len(list.Runs) != 1 || list.Runs[0].ID != "run-bad" {
		t.Fatalf("expected only bob's run, got %+v", list.Runs)
	}

	stdout, _, err = runCLI(t, []string{"runs", "show", "run-bad"}, env.configPath)
	if err != nil {
		t.Fatalf("runs show: %v", err)
	}
	if !strings.Contains(stdout, "upstream backend returned 503") {
		t.Fatalf("expected error detail, got:\n%s", stdout)
	}

	if _, _, err := runCLI(t, []string{"runs", "show", "missing"}, env.configPath); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}

	stdout, _, err = runCLI(t, []string{"runs", "summary"}, env.configPath)
	if err != nil {
		t.Fatalf("runs summary: %v", err)
	}
	for _, want := range []string{"committed", "failed", "TOTAL"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("expected %q in summary, got:\n%s", want, stdout)
		}
	}
}

func TestRunsListEmpty(t *testing.T) {
	env := setupCLITestEnv(t)
	stdout, _, err := runCLI(t, []string{"runs", "list"}, env.configPath)
	if err != nil {
		t.Fatalf("runs list: %v", err)
	}
	if !strings.Contains(stdout, "No runs recorded") {
		t.Fatalf("unexpected output %q", stdout)
	}
}

func TestGenerateRejectsInvalidRequestLocally(t *testing.T) {
	env := setupCLITestEnv(t)
	stdout, _, err := runCLI(t, []string{"generate", "--user", "alice", "--frames", "99", "--json", "a red fox"}, env.configPath)
	if err == nil {
		t.Fatal("expected generate to fail")
	}
	var result api.RunResult
	if err := json.Unmarshal([]byte(stdout), &result); err != nil {
		t.Fatalf("decode result: %v\n%s", err, stdout)
	}
	if result.ErrorKind != string(services.KindInvalidRequest) || result.Artifact != nil {
		t.Fatalf("unexpected result %+v", result)
	}
	entries, err := os.ReadDir(env.cfg.Paths.OutputDir)
	if err != nil {
		t.Fatalf("read output dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no output files, found %d", len(entries))
	}
}

func TestGeneratePromptArgumentConflict(t *testing.T) {
	env := setupCLITestEnv(t)
	_, _, err := runCLI(t, []string{"generate", "--user", "alice", "--prompt", "one", "two"}, env.configPath)
	if err == nil || !strings.Contains(err.Error(), "both") {
		t.Fatalf("expected conflict error, got %v", err)
	}
}

func TestGenerateRemoteCopiesArtifact(t *testing.T) {
	env := setupCLITestEnv(t)
	addr := startServer(t, env, committingRuns{dir: env.cfg.Paths.OutputDir})
	copyDir := t.TempDir()

	stdout, stderr, err := runCLI(t, []string{
		"--server", addr, "generate", "--remote", "--user", "alice",
		"--frames", "5", "--fps", "2", "--copy-to", copyDir, "a red fox",
	}, env.configPath)
	if err != nil {
		t.Fatalf("generate --remote: %v\nstderr: %s", err, stderr)
	}
	if !strings.Contains(stdout, "committed") || !strings.Contains(stdout, "Duration: 2.5s") {
		t.Fatalf("unexpected output:\n%s", stdout)
	}
	data, err := os.ReadFile(filepath.Join(copyDir, "video_remote.mp4"))
	if err != nil {
		t.Fatalf("expected copied video: %v", err)
	}
	if string(data) != "mp4 bytes" {
		t.Fatalf("copied content mismatch: %q", data)
	}
}

func TestUsageFromServer(t *testing.T) {
	env := setupCLITestEnv(t, testsupport.WithUserTier("carol", "pro"))
	addr := startServer(t, env, committingRuns{dir: env.cfg.Paths.OutputDir})

	stdout, _, err := runCLI(t, []string{"--server", addr, "usage", "alice", "--json"}, env.configPath)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	var usage api.Usage
	if err := json.Unmarshal([]byte(stdout), &usage); err != nil {
		t.Fatalf("decode usage: %v\n%s", err, stdout)
	}
	if usage.Username != "alice" || usage.Tier != "free" || usage.Limit != 3 || usage.Remaining != 3 {
		t.Fatalf("unexpected usage %+v", usage)
	}

	stdout, _, err = runCLI(t, []string{"--server", addr, "usage", "carol"}, env.configPath)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if !strings.Contains(stdout, "unlimited") || !strings.Contains(stdout, "Pro") {
		t.Fatalf("expected unlimited for pro tier, got:\n%s", stdout)
	}

	stdout, _, err = runCLI(t, []string{"--server", addr, "usage"}, env.configPath)
	if err != nil {
		t.Fatalf("usage list: %v", err)
	}
	if !strings.Contains(stdout, "No usage recorded today") {
		t.Fatalf("expected empty usage list, got:\n%s", stdout)
	}
}

func TestUsageWithoutServer(t *testing.T) {
	env := setupCLITestEnv(t)
	_, _, err := runCLI(t, []string{"usage", "alice"}, env.configPath)
	if err == nil || !strings.Contains(err.Error(), "framereel serve") {
		t.Fatalf("expected hint to start the server, got %v", err)
	}
}

func TestStatusReportsChecksWithoutServer(t *testing.T) {
	env := setupCLITestEnv(t)
	leftover := filepath.Join(env.cfg.Paths.FramesDir, "crashed-run")
	if err := os.MkdirAll(leftover, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(leftover, "frame_000.png"), []byte("png"), 0o644); err != nil {
		t.Fatal(err)
	}
	stdout, _, err := runCLI(t, []string{"status", "--skip-backend", "--json"}, env.configPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var report statusReport
	if err := json.Unmarshal([]byte(stdout), &report); err != nil {
		t.Fatalf("decode status: %v\n%s", err, stdout)
	}
	if report.Server != nil || report.ServerError != "not running" {
		t.Fatalf("expected server not running, got %+v / %q", report.Server, report.ServerError)
	}
	if report.FrameDirs != 1 || report.FrameBytes != 3 {
		t.Fatalf("expected one leftover frame dir, got %d (%d bytes)", report.FrameDirs, report.FrameBytes)
	}
	if len(report.Checks) == 0 {
		t.Fatal("expected local checks")
	}
	for _, check := range report.Checks {
		if strings.Contains(check.Name, "directory") && !check.Passed {
			t.Fatalf("expected %s to pass: %s", check.Name, check.Detail)
		}
	}
	if len(report.Dependencies) == 0 || report.Dependencies[0].Name != "FFmpeg" {
		t.Fatalf("expected ffmpeg dependency first, got %+v", report.Dependencies)
	}
}

func TestStatusShowsRunningServer(t *testing.T) {
	env := setupCLITestEnv(t)
	addr := startServer(t, env, committingRuns{dir: env.cfg.Paths.OutputDir})
	stdout, _, err := runCLI(t, []string{"--server", addr, "status", "--skip-backend"}, env.configPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(stdout, "running (pid") {
		t.Fatalf("expected running server line, got:\n%s", stdout)
	}
}

func TestTestNotifyWithoutTopic(t *testing.T) {
	env := setupCLITestEnv(t)
	stdout, _, err := runCLI(t, []string{"test-notify"}, env.configPath)
	if err != nil {
		t.Fatalf("test-notify: %v", err)
	}
	if !strings.Contains(stdout, "not set") {
		t.Fatalf("unexpected output %q", stdout)
	}
}

func TestTestNotifySendsToTopic(t *testing.T) {
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- r.Header.Get("Title")
	}))
	defer srv.Close()

	cfg := testsupport.NewConfig(t)
	cfg.Notifications.NtfyTopic = srv.URL + "/framereel"
	configPath := filepath.Join(testsupport.BaseDir(cfg), "config.toml")
	writeTestConfig(t, configPath, cfg)

	stdout, _, err := runCLI(t, []string{"test-notify"}, configPath)
	if err != nil {
		t.Fatalf("test-notify: %v", err)
	}
	if title := <-received; title != "framereel - Test" {
		t.Fatalf("unexpected title %q", title)
	}
	if !strings.Contains(stdout, "Test notification sent") {
		t.Fatalf("unexpected output %q", stdout)
	}
}
