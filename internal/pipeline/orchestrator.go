package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"framereel/internal/assembler"
	"framereel/internal/framegen"
	"framereel/internal/ledger"
	"framereel/internal/logging"
	"framereel/internal/quota"
	"framereel/internal/services"
	"framereel/internal/staging"
)

// Admitter resolves the tier a user is admitted at.
type Admitter interface {
	IsAdmitted(ctx context.Context, username string) (quota.Tier, error)
}

// Reserver hands out quota admission slots.
type Reserver interface {
	Reserve(username string, tier quota.Tier) (*quota.Reservation, error)
}

// Assembler encodes an ordered frame set into a video.
type Assembler interface {
	Assemble(ctx context.Context, frames []framegen.Frame, fps int, outputPath string) (assembler.VideoArtifact, error)
}

// Recorder persists run history. Recording failures never fail a run.
type Recorder interface {
	Start(ctx context.Context, run ledger.Run) error
	Transition(ctx context.Context, id, state string) error
	Finish(ctx context.Context, id, state, errorKind, errorMessage, artifactPath string) error
}

// Progress is reported on every state change and after each finished frame.
type Progress struct {
	RunID       string
	State       State
	FramesDone  int
	FramesTotal int
}

// Dirs are the work areas a run writes to.
type Dirs struct {
	Frames string
	Output string
}

// Orchestrator runs generation requests through quota admission, frame
// generation, assembly, accounting, and cleanup.
type Orchestrator struct {
	admitter  Admitter
	quota     Reserver
	generator framegen.Generator
	assembler Assembler
	recorder  Recorder
	dirs      Dirs

	workers         int
	defaultNegative string
	logger          *slog.Logger
	newRunID        func() string
	progress        func(Progress)

	mu     sync.Mutex
	active map[string]struct{}
}

// Option customizes the orchestrator.
type Option func(*Orchestrator)

// WithWorkers bounds concurrent frame requests per run (minimum 1).
func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithRecorder attaches run history persistence.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) {
		o.recorder = r
	}
}

// WithDefaultNegativePrompt sets the negative prompt used when a request has none.
func WithDefaultNegativePrompt(prompt string) Option {
	return func(o *Orchestrator) {
		o.defaultNegative = prompt
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithRunIDs overrides run id generation (useful for tests).
func WithRunIDs(fn func() string) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.newRunID = fn
		}
	}
}

// WithProgress registers a callback for progress updates. It is called from
// worker goroutines and must be safe for concurrent use.
func WithProgress(fn func(Progress)) Option {
	return func(o *Orchestrator) {
		o.progress = fn
	}
}

// New wires an orchestrator. The directories are expected to exist; see
// config.EnsureDirectories.
func New(admitter Admitter, reserver Reserver, generator framegen.Generator, asm Assembler, dirs Dirs, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		admitter:  admitter,
		quota:     reserver,
		generator: generator,
		assembler: asm,
		dirs:      dirs,
		workers:   1,
		logger:    logging.NewNop(),
		newRunID:  uuid.NewString,
		active:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ActiveRuns returns the ids of runs currently executing. Their frame
// directories must not be swept.
func (o *Orchestrator) ActiveRuns() map[string]struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]struct{}, len(o.active))
	for id := range o.active {
		out[id] = struct{}{}
	}
	return out
}

// OutputPath returns where a run's artifact is written.
func (o *Orchestrator) OutputPath(runID string) string {
	return filepath.Join(o.dirs.Output, fmt.Sprintf("video_%s.mp4", runID))
}

// run carries the mutable state of one execution.
type run struct {
	id      string
	req     GenerationRequest
	tier    quota.Tier
	state   State
	logger  *slog.Logger
	started time.Time
}

// Run executes one request to a terminal state and reports the outcome.
// Frame storage is released on every return path, including panics and
// cancellation, and quota is counted only when the run commits.
func (o *Orchestrator) Run(ctx context.Context, req GenerationRequest) (outcome Outcome) {
	if ctx == nil {
		ctx = context.Background()
	}
	req = req.Normalize()
	r := &run{id: o.newRunID(), req: req, state: StateIdle, started: time.Now()}
	ctx = services.WithRunID(ctx, r.id)
	ctx = services.WithUsername(ctx, req.Username)
	r.logger = logging.WithContext(ctx, logging.NewComponentLogger(o.logger, "pipeline"))

	if err := req.Validate(); err != nil {
		r.logger.Info("request rejected", logging.Error(err))
		return o.fail(ctx, r, err, false)
	}

	o.track(r.id)
	defer o.untrack(r.id)

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("run panicked",
				logging.Any("panic", p),
				logging.String("stack", string(debug.Stack())),
			)
			outcome = o.fail(ctx, r, fmt.Errorf("run panicked: %v", p), true)
		}
	}()

	tier, err := o.admitter.IsAdmitted(ctx, req.Username)
	if err != nil {
		return o.fail(ctx, r, err, false)
	}
	r.tier = tier
	o.record(r, func(rec Recorder) error {
		return rec.Start(context.WithoutCancel(ctx), ledger.Run{
			ID:             r.id,
			Username:       req.Username,
			Tier:           string(tier),
			Prompt:         req.Prompt,
			NegativePrompt: req.NegativePrompt,
			Width:          req.Width,
			Height:         req.Height,
			Steps:          req.Steps,
			FrameCount:     req.FrameCount,
			FPS:            req.FPS,
			State:          string(StateIdle),
			CreatedAt:      r.started,
		})
	})

	reservation, err := o.quota.Reserve(req.Username, tier)
	if err != nil {
		r.logger.Info("run denied by quota",
			logging.String("tier", string(tier)),
			logging.String(logging.FieldErrorKind, string(services.KindQuotaExceeded)),
		)
		return o.fail(ctx, r, err, true)
	}
	// Release is a no-op after Commit.
	defer reservation.Release()
	o.transition(ctx, r, StateQuotaChecked, 0)

	workspace, err := staging.Open(o.dirs.Frames, r.id)
	if err != nil {
		return o.fail(ctx, r, fmt.Errorf("open frame workspace: %w", err), true)
	}
	defer func() {
		if err := workspace.Cleanup(); err != nil {
			logging.WarnWithContext(r.logger, "frame cleanup failed", "frame_cleanup_failed",
				logging.String("path", workspace.Dir()),
				logging.Error(err),
				logging.String(logging.FieldErrorKind, string(services.KindCleanup)),
				logging.String(logging.FieldErrorHint, "remove the directory manually or wait for the stale frame sweep"),
				logging.String(logging.FieldImpact, "disk space not reclaimed"),
			)
			return
		}
		r.logger.Debug("frame workspace removed", logging.String("path", workspace.Dir()))
	}()

	o.transition(ctx, r, StateGenerating, 0)
	frames, err := o.generateFrames(ctx, r, workspace)
	if err != nil {
		return o.fail(ctx, r, err, true)
	}

	o.transition(ctx, r, StateAssembling, len(frames))
	artifact, err := o.assembler.Assemble(services.WithStage(ctx, string(StateAssembling)), frames, req.FPS, o.OutputPath(r.id))
	if err != nil {
		return o.fail(ctx, r, err, true)
	}

	if err := reservation.Commit(); err != nil {
		// The artifact exists; a store failure here loses one count rather
		// than the user's video.
		logging.WarnWithContext(r.logger, "quota commit failed", "quota_commit_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "generation not counted against the daily limit"),
		)
	}
	r.state = StateCommitted
	o.emit(r, len(frames))
	o.record(r, func(rec Recorder) error {
		return rec.Finish(context.WithoutCancel(ctx), r.id, string(StateCommitted), "", "", artifact.Path)
	})
	r.logger.Info("run committed",
		logging.String("artifact", artifact.Path),
		logging.Int("frames", artifact.FrameCount),
		logging.Int("fps", artifact.FPS),
		logging.Duration("elapsed", time.Since(r.started).Round(time.Millisecond)),
	)
	return Outcome{
		RunID:    r.id,
		Username: req.Username,
		State:    StateCommitted,
		Artifact: &artifact,
		Message:  services.UserMessage(services.KindNone),
	}
}

// generateFrames requests every ordinal, at most o.workers at a time. The
// first failure cancels the shared context so no further requests start.
func (o *Orchestrator) generateFrames(ctx context.Context, r *run, workspace *staging.Workspace) ([]framegen.Frame, error) {
	total := r.req.FrameCount
	frames := make([]framegen.Frame, total)
	freq := r.req.frameRequest(o.defaultNegative)

	g, gctx := errgroup.WithContext(services.WithStage(ctx, string(StateGenerating)))
	g.SetLimit(o.workers)

	var (
		doneMu sync.Mutex
		done   int
	)
	for ordinal := 0; ordinal < total; ordinal++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					err = fmt.Errorf("frame %d: worker panicked: %v", ordinal, p)
				}
			}()
			if err := gctx.Err(); err != nil {
				return err
			}
			frame, err := o.generator.Generate(gctx, freq, ordinal)
			if err != nil {
				return err
			}
			if frame.Ordinal != ordinal {
				return fmt.Errorf("frame %d: generator returned ordinal %d", ordinal, frame.Ordinal)
			}
			if len(frame.Encoded) > 0 {
				if _, err := workspace.SaveFrame(frame); err != nil {
					return err
				}
			}
			frames[ordinal] = frame

			doneMu.Lock()
			done++
			n := done
			doneMu.Unlock()
			r.logger.Debug("frame generated",
				logging.Int(logging.FieldOrdinal, ordinal),
				logging.Int("width", frame.Width),
				logging.Int("height", frame.Height),
			)
			o.emit(r, n)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// A sibling's cancellation is not the cause; prefer the caller's.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return frames, nil
}

// fail moves the run to Failed and builds the outcome. recorded reports
// whether the run was written to the ledger.
func (o *Orchestrator) fail(ctx context.Context, r *run, err error, recorded bool) Outcome {
	kind := services.Classify(err)
	from := r.state
	r.state = StateFailed
	attrs := []logging.Attr{
		logging.String("from_state", string(from)),
		logging.String(logging.FieldErrorKind, string(kind)),
		logging.Error(err),
	}
	var frameErr *framegen.FrameError
	if errors.As(err, &frameErr) {
		attrs = append(attrs, logging.Int(logging.FieldOrdinal, frameErr.Ordinal), logging.Int("attempts", frameErr.Attempts))
	}
	switch kind {
	case services.KindQuotaExceeded, services.KindInvalidRequest, services.KindCanceled:
		r.logger.Info("run failed", logging.Args(attrs...)...)
	default:
		r.logger.Error("run failed", logging.Args(attrs...)...)
	}
	if recorded {
		o.emit(r, 0)
		o.record(r, func(rec Recorder) error {
			return rec.Finish(context.WithoutCancel(ctx), r.id, string(StateFailed), string(kind), err.Error(), "")
		})
	}
	return Outcome{
		RunID:     r.id,
		Username:  r.req.Username,
		State:     StateFailed,
		ErrorKind: kind,
		Message:   services.UserMessage(kind),
		Err:       err,
	}
}

func (o *Orchestrator) transition(ctx context.Context, r *run, next State, framesDone int) {
	r.logger.Debug("state transition",
		logging.String("from_state", string(r.state)),
		logging.String("to_state", string(next)),
	)
	r.state = next
	o.emit(r, framesDone)
	o.record(r, func(rec Recorder) error {
		return rec.Transition(context.WithoutCancel(ctx), r.id, string(next))
	})
}

func (o *Orchestrator) emit(r *run, framesDone int) {
	if o.progress == nil {
		return
	}
	o.progress(Progress{RunID: r.id, State: r.state, FramesDone: framesDone, FramesTotal: r.req.FrameCount})
}

func (o *Orchestrator) record(r *run, fn func(Recorder) error) {
	if o.recorder == nil {
		return
	}
	if err := fn(o.recorder); err != nil {
		logging.WarnWithContext(r.logger, "run history not recorded", "ledger_write_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the ledger database in the log directory"),
			logging.String(logging.FieldImpact, "run missing from history"),
		)
	}
}

func (o *Orchestrator) track(id string) {
	o.mu.Lock()
	o.active[id] = struct{}{}
	o.mu.Unlock()
}

func (o *Orchestrator) untrack(id string) {
	o.mu.Lock()
	delete(o.active, id)
	o.mu.Unlock()
}
