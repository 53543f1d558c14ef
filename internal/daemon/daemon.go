package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"framereel/internal/api"
	"framereel/internal/config"
	"framereel/internal/ledger"
	"framereel/internal/logging"
	"framereel/internal/pipeline"
	"framereel/internal/preflight"
	"framereel/internal/quota"
	"framereel/internal/services"
	"framereel/internal/staging"
)

const defaultSweepInterval = time.Hour

// RunExecutor runs generation requests to completion.
type RunExecutor interface {
	Run(ctx context.Context, req pipeline.GenerationRequest) pipeline.Outcome
	ActiveRuns() map[string]struct{}
}

// UsageReader reports quota positions.
type UsageReader interface {
	Usage(username string) (quota.UsageRecord, bool)
	Records() []quota.UsageRecord
}

// TierResolver maps a username to its tier.
type TierResolver interface {
	IsAdmitted(ctx context.Context, username string) (quota.Tier, error)
}

// UpgradeLinker builds upgrade redirects for users who hit their limit.
type UpgradeLinker interface {
	CreateUpgradeSession(ctx context.Context, tier quota.Tier) (string, error)
}

// Deps are the collaborators a daemon serves requests with.
type Deps struct {
	Runs     RunExecutor
	Usage    UsageReader
	Tiers    TierResolver
	Upgrades UpgradeLinker
	Ledger   *ledger.Store
}

// Daemon owns the API server and background frame sweeping, and enforces a
// single instance per log directory.
type Daemon struct {
	cfg    *config.Config
	base   *slog.Logger
	logger *slog.Logger
	deps   Deps

	lockPath string
	lock     *flock.Flock

	sweepInterval time.Duration

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	api     *apiServer
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	PID          int
	LedgerPath   string
	LockFilePath string
	ActiveRuns   []string
}

// New constructs a daemon.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || deps.Runs == nil || deps.Usage == nil || deps.Tiers == nil {
		return nil, errors.New("daemon requires config, run executor, usage reader, and tier resolver")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	lockPath := cfg.LockPath()
	d := &Daemon{
		cfg:           cfg,
		base:          logger,
		logger:        logging.NewComponentLogger(logger, "daemon"),
		deps:          deps,
		lockPath:      lockPath,
		lock:          flock.New(lockPath),
		sweepInterval: defaultSweepInterval,
	}
	return d, nil
}

// Start acquires the instance lock, reconciles state left by a previous
// process, and begins serving.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another framereel server is already running")
	}

	if failed := preflight.Failed(preflight.RunAll(ctx, d.cfg, false)); len(failed) > 0 {
		_ = d.lock.Unlock()
		parts := make([]string, 0, len(failed))
		for _, r := range failed {
			parts = append(parts, r.Name+": "+r.Detail)
		}
		return services.Wrap(services.ErrConfiguration, "daemon", "preflight", strings.Join(parts, "; "), nil)
	}

	d.recover(ctx)

	runCtx, cancel := context.WithCancel(ctx)
	srv, err := newAPIServer(d.cfg, d, d.base)
	if err != nil {
		cancel()
		_ = d.lock.Unlock()
		return err
	}
	if err := srv.start(runCtx); err != nil {
		cancel()
		_ = d.lock.Unlock()
		return err
	}
	d.api = srv
	d.cancel = cancel

	d.wg.Add(1)
	go d.sweepLoop(runCtx)

	d.running.Store(true)
	d.logger.Info("framereel server started", logging.String("lock", d.lockPath))
	return nil
}

// recover marks runs a dead process left unfinished as failed and removes
// their frame directories. Nothing can be running yet, so every frame
// directory is orphaned.
func (d *Daemon) recover(ctx context.Context) {
	if d.deps.Ledger != nil {
		if ids, err := d.deps.Ledger.Unfinished(ctx); err == nil && len(ids) > 0 {
			d.logger.Debug("found interrupted runs", logging.String("run_ids", strings.Join(ids, ",")))
		}
		n, err := d.deps.Ledger.Abandon(ctx, string(pipeline.StateFailed), string(services.KindInternal), "interrupted by process exit")
		if err != nil {
			logging.WarnWithContext(d.logger, "failed to reconcile run history", "ledger_reconcile_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "interrupted runs still show as in progress"),
			)
		} else if n > 0 {
			d.logger.Info("marked interrupted runs failed", logging.Int64("runs", n))
		}
	}
	result := staging.CleanOrphaned(ctx, d.cfg.Paths.FramesDir, d.deps.Runs.ActiveRuns(), d.logger)
	if len(result.Removed) > 0 {
		d.logger.Info("removed orphaned frame directories", logging.Int("count", len(result.Removed)))
	}
}

func (d *Daemon) sweepLoop(ctx context.Context) {
	defer d.wg.Done()
	maxAge := time.Duration(d.cfg.Pipeline.StaleFrameHours) * time.Hour
	if maxAge <= 0 {
		return
	}
	ticker := time.NewTicker(d.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result := staging.CleanStale(ctx, d.cfg.Paths.FramesDir, maxAge, d.deps.Runs.ActiveRuns(), d.logger)
			if len(result.Removed) > 0 || len(result.Errors) > 0 {
				d.logger.Info("stale frame sweep finished",
					logging.Int("removed", len(result.Removed)),
					logging.Int("errors", len(result.Errors)),
				)
			}
		}
	}
}

// Stop shuts the API server down and releases the instance lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.api.stop()
	d.wg.Wait()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release server lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("framereel server stopped")
}

// Close stops the daemon and closes the ledger.
func (d *Daemon) Close() error {
	d.Stop()
	if d.deps.Ledger != nil {
		return d.deps.Ledger.Close()
	}
	return nil
}

// Addr returns the address the API server is listening on, if started.
func (d *Daemon) Addr() string {
	if d.api == nil || d.api.listener == nil {
		return ""
	}
	return d.api.listener.Addr().String()
}

// Status returns the current daemon status.
func (d *Daemon) Status() Status {
	active := make([]string, 0)
	for id := range d.deps.Runs.ActiveRuns() {
		active = append(active, id)
	}
	sort.Strings(active)
	return Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		LedgerPath:   d.cfg.LedgerPath(),
		LockFilePath: d.lockPath,
		ActiveRuns:   active,
	}
}

func (d *Daemon) runService() *api.RunService {
	if d.deps.Ledger == nil {
		return nil
	}
	return api.NewRunService(d.deps.Ledger)
}
