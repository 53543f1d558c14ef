package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"framereel/internal/api"
	"framereel/internal/config"
	"framereel/internal/daemonrun"
	"framereel/internal/fileutil"
	"framereel/internal/logging"
	"framereel/internal/pipeline"
	"framereel/internal/services"
)

type generateOptions struct {
	request  pipeline.GenerationRequest
	remote   bool
	copyTo   string
	jsonOut  bool
	quiet    bool
	logLevel string
}

func newGenerateCommand(ctx *commandContext) *cobra.Command {
	opts := generateOptions{
		request: pipeline.GenerationRequest{
			Width:      512,
			Height:     512,
			Steps:      30,
			FrameCount: pipeline.MinFrameCount,
			FPS:        2,
		},
	}

	cmd := &cobra.Command{
		Use:   "generate [prompt]",
		Short: "Generate a video from a text prompt",
		Long: "Generate renders frame_count images from the prompt and assembles them into\n" +
			"an MP4. The run either commits a video and counts against the user's daily\n" +
			"quota, or produces nothing.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				if strings.TrimSpace(opts.request.Prompt) != "" {
					return fmt.Errorf("prompt given both as argument and --prompt")
				}
				opts.request.Prompt = args[0]
			}
			return runGenerate(cmd, ctx, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.request.Username, "user", "u", os.Getenv("USER"), "User the run is billed to")
	flags.StringVarP(&opts.request.Prompt, "prompt", "p", "", "Text prompt")
	flags.StringVar(&opts.request.NegativePrompt, "negative", "", "Negative prompt (defaults to backend.default_negative_prompt)")
	flags.IntVar(&opts.request.Width, "width", opts.request.Width, "Frame width (512, 768, or 1024)")
	flags.IntVar(&opts.request.Height, "height", opts.request.Height, "Frame height (512, 768, or 1024)")
	flags.IntVar(&opts.request.Steps, "steps", opts.request.Steps, "Diffusion steps per frame (20-50)")
	flags.IntVar(&opts.request.FrameCount, "frames", opts.request.FrameCount, "Number of frames (4-8)")
	flags.IntVar(&opts.request.FPS, "fps", opts.request.FPS, "Playback frame rate (1-5)")
	flags.BoolVar(&opts.remote, "remote", false, "Submit the run to the framereel server instead of running it here")
	flags.StringVar(&opts.copyTo, "copy-to", "", "Also copy the finished video to this path or directory")
	flags.BoolVar(&opts.jsonOut, "json", false, "Print the result as JSON")
	flags.BoolVarP(&opts.quiet, "quiet", "q", false, "Suppress progress output")
	flags.StringVar(&opts.logLevel, "log-level", "", "Override logging.level for this run")

	return cmd
}

func runGenerate(cmd *cobra.Command, ctx *commandContext, opts generateOptions) error {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	runCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var result api.RunResult
	if opts.remote {
		client, err := ctx.apiClient()
		if err != nil {
			return err
		}
		if !opts.quiet {
			fmt.Fprintf(cmd.ErrOrStderr(), "Submitting run to %s...\n", ctx.serverAddress())
		}
		result, err = client.StartRun(runCtx, opts.request)
		if err != nil {
			return wrapAPIError(err, ctx.serverAddress())
		}
	} else {
		result, err = generateLocal(runCtx, cfg, opts, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
	}

	if result.Artifact != nil && strings.TrimSpace(opts.copyTo) != "" {
		dest, err := copyArtifact(result.Artifact.Path, opts.copyTo)
		if err != nil {
			return err
		}
		if !opts.quiet {
			fmt.Fprintf(cmd.ErrOrStderr(), "Copied video to %s\n", dest)
		}
	}

	if opts.jsonOut {
		if err := writeJSON(cmd, result); err != nil {
			return err
		}
	} else {
		printRunResult(cmd.OutOrStdout(), result)
	}
	if result.ErrorKind != "" {
		return fmt.Errorf("run %s failed: %s", result.RunID, result.ErrorKind)
	}
	return nil
}

func generateLocal(ctx context.Context, cfg *config.Config, opts generateOptions, progress io.Writer) (api.RunResult, error) {
	level := cfg.Logging.Level
	if strings.TrimSpace(opts.logLevel) != "" {
		level = opts.logLevel
	}
	logger, err := logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{filepath.Join(cfg.Paths.LogDir, "framereel.log")},
	})
	if err != nil {
		return api.RunResult{}, fmt.Errorf("init logger: %w", err)
	}

	var extra []pipeline.Option
	if !opts.quiet {
		extra = append(extra, pipeline.WithProgress(func(p pipeline.Progress) {
			fmt.Fprintln(progress, formatProgress(p))
		}))
	}
	app, err := daemonrun.Build(cfg, logger, extra...)
	if err != nil {
		return api.RunResult{}, err
	}
	defer app.Close()

	outcome := app.Orchestrator.Run(ctx, opts.request)
	result := api.FromOutcome(outcome)
	if outcome.ErrorKind == services.KindQuotaExceeded {
		result.UpgradeURL = localUpgradeURL(ctx, app, outcome.Username)
	}
	return result, nil
}

func localUpgradeURL(ctx context.Context, app *daemonrun.App, username string) string {
	tier, err := app.Admitter.IsAdmitted(ctx, username)
	if err != nil {
		return ""
	}
	next, ok := tier.Upgrade()
	if !ok {
		return ""
	}
	link, err := app.Upgrades.CreateUpgradeSession(ctx, next)
	if err != nil {
		return ""
	}
	return link
}

func formatProgress(p pipeline.Progress) string {
	switch p.State {
	case pipeline.StateGenerating:
		return fmt.Sprintf("[%s] generating frames %d/%d", p.RunID, p.FramesDone, p.FramesTotal)
	default:
		return fmt.Sprintf("[%s] %s", p.RunID, strings.ReplaceAll(string(p.State), "_", " "))
	}
}

// copyArtifact copies src to dest. A dest that is an existing directory
// receives the file under its original name.
func copyArtifact(src, dest string) (string, error) {
	target, err := config.ExpandPath(strings.TrimSpace(dest))
	if err != nil {
		return "", fmt.Errorf("resolve copy destination: %w", err)
	}
	if info, err := os.Stat(target); err == nil && info.IsDir() {
		target = filepath.Join(target, filepath.Base(src))
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("create copy destination: %w", err)
	}
	if err := fileutil.CopyFileVerified(src, target); err != nil {
		return "", fmt.Errorf("copy video to %s: %w", target, err)
	}
	return target, nil
}

func printRunResult(out io.Writer, result api.RunResult) {
	fmt.Fprintf(out, "Run:      %s\n", result.RunID)
	fmt.Fprintf(out, "User:     %s\n", result.Username)
	fmt.Fprintf(out, "State:    %s\n", result.State)
	if result.Artifact != nil {
		a := result.Artifact
		fmt.Fprintf(out, "Video:    %s\n", a.Path)
		fmt.Fprintf(out, "Frames:   %d @ %d fps (%dx%d)\n", a.FrameCount, a.FPS, a.Width, a.Height)
		fmt.Fprintf(out, "Duration: %.1fs\n", a.DurationSeconds)
	}
	fmt.Fprintf(out, "Message:  %s\n", result.Message)
	if result.UpgradeURL != "" {
		fmt.Fprintf(out, "Upgrade:  %s\n", result.UpgradeURL)
	}
}
