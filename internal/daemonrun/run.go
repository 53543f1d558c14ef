package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"framereel/internal/assembler"
	"framereel/internal/billing"
	"framereel/internal/config"
	"framereel/internal/daemon"
	"framereel/internal/deps"
	"framereel/internal/framegen"
	"framereel/internal/ledger"
	"framereel/internal/logging"
	"framereel/internal/notifications"
	"framereel/internal/pipeline"
	"framereel/internal/quota"
)

// App holds the collaborators built from one configuration.
type App struct {
	Orchestrator *pipeline.Orchestrator
	Tracker      *quota.Tracker
	Admitter     *billing.StaticAdmitter
	Upgrades     *billing.CheckoutLinks
	Ledger       *ledger.Store
	Generator    *framegen.Client
	Notifier     notifications.Service

	notifyFailures bool
	logger         *slog.Logger
}

// Build wires the pipeline from cfg. Extra options are applied to the
// orchestrator after the configured ones. Callers must Close the app.
func Build(cfg *config.Config, logger *slog.Logger, extra ...pipeline.Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	admitter, err := billing.NewStaticAdmitter(cfg.Quota)
	if err != nil {
		return nil, err
	}
	client, err := framegen.NewFromConfig(cfg.Backend, logger)
	if err != nil {
		return nil, err
	}

	asmOpts := []assembler.Option{assembler.WithLogger(logging.NewComponentLogger(logger, "assembler"))}
	if cfg.Pipeline.VerifyOutput {
		asmOpts = append(asmOpts, assembler.WithVerification(deps.ResolveFFprobe(cfg.Encoder.FFmpegBinary, cfg.Encoder.FFprobeBinary)))
	}
	asm := assembler.New(assembler.NewFFmpegEncoder(cfg.Encoder), asmOpts...)

	store, err := ledger.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open run ledger: %w", err)
	}

	tracker := quota.NewTracker()
	seedTracker(tracker, store, logger)
	opts := []pipeline.Option{
		pipeline.WithWorkers(cfg.Pipeline.Workers),
		pipeline.WithRecorder(store),
		pipeline.WithDefaultNegativePrompt(cfg.Backend.DefaultNegativePrompt),
		pipeline.WithLogger(logger),
	}
	orch := pipeline.New(admitter, tracker, client, asm,
		pipeline.Dirs{Frames: cfg.Paths.FramesDir, Output: cfg.Paths.OutputDir},
		append(opts, extra...)...)

	return &App{
		Orchestrator: orch,
		Tracker:      tracker,
		Admitter:     admitter,
		Upgrades:     billing.NewCheckoutLinks(cfg.Quota.CheckoutURL),
		Ledger:       store,
		Generator:    client,
		Notifier:     notifications.NewService(cfg.Notifications),

		notifyFailures: cfg.Notifications.NotifyFailures,
		logger:         logger,
	}, nil
}

// seedTracker restores today's committed counts from the ledger so quota holds
// across process restarts and one-shot local runs.
func seedTracker(tracker *quota.Tracker, store *ledger.Store, logger *slog.Logger) {
	counts, err := store.CountFinishedSince(context.Background(), string(pipeline.StateCommitted), tracker.DayStart())
	if err != nil {
		logging.WarnWithContext(logger, "failed to restore daily usage", "quota_restore_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "earlier generations today are not counted"),
		)
		return
	}
	for username, count := range counts {
		tracker.Restore(username, count)
	}
	if len(counts) > 0 {
		logger.Debug("restored daily usage", logging.Int("users", len(counts)))
	}
}

// DaemonDeps adapts the app for daemon.New. Runs served over the API publish
// notifications when a topic is configured.
func (a *App) DaemonDeps() daemon.Deps {
	return daemon.Deps{
		Runs: &notifyingRuns{
			next:     a.Orchestrator,
			notifier: a.Notifier,
			failures: a.notifyFailures,
			logger:   logging.NewComponentLogger(a.logger, "notifications"),
		},
		Usage:    a.Tracker,
		Tiers:    a.Admitter,
		Upgrades: a.Upgrades,
		Ledger:   a.Ledger,
	}
}

// Close releases the ledger.
func (a *App) Close() error {
	if a == nil || a.Ledger == nil {
		return nil
	}
	return a.Ledger.Close()
}

// Options configures server process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
}

// Run starts the API server and blocks until SIGINT or SIGTERM.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	level := cfg.Logging.Level
	if strings.TrimSpace(opts.LogLevel) != "" {
		level = opts.LogLevel
	}
	logPath := filepath.Join(cfg.Paths.LogDir, "framereel.log")
	logger, err := logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stdout", logPath},
		Development: opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logDependencySnapshot(logger, cfg)

	pidPath := filepath.Join(cfg.Paths.LogDir, "framereel.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	app, err := Build(cfg, logger)
	if err != nil {
		logger.Error("build pipeline", logging.Error(err))
		return err
	}

	d, err := daemon.New(cfg, app.DaemonDeps(), logger)
	if err != nil {
		_ = app.Close()
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		logger.Error("server start failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "server_start_failed"),
			logging.String(logging.FieldErrorHint, "check configuration, directories, and that no other server holds the lock"),
		)
		return err
	}

	<-signalCtx.Done()
	logger.Info("framereel server shutting down")
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logDependencySnapshot(logger *slog.Logger, cfg *config.Config) {
	if logger == nil || cfg == nil {
		return
	}
	ffmpeg := cfg.Encoder.FFmpegBinary
	ffprobe := deps.ResolveFFprobe(ffmpeg, cfg.Encoder.FFprobeBinary)
	logger.Info("dependency snapshot",
		logging.String(logging.FieldEventType, "dependency_snapshot"),
		logging.String("backend", cfg.Backend.Kind),
		logging.String("backend_url", cfg.Backend.BaseURL),
		logging.Bool("backend_key_present", strings.TrimSpace(cfg.Backend.APIKey) != ""),
		logging.Bool("ffmpeg_available", binaryAvailable(ffmpeg)),
		logging.String("ffmpeg_binary", ffmpeg),
		logging.Bool("ffprobe_available", binaryAvailable(ffprobe)),
		logging.String("ffprobe_binary", ffprobe),
		logging.Int("workers", cfg.Pipeline.Workers),
		logging.Bool("verify_output", cfg.Pipeline.VerifyOutput),
	)
}

func binaryAvailable(name string) bool {
	if strings.TrimSpace(name) == "" {
		return false
	}
	_, err := exec.LookPath(name)
	return err == nil
}
