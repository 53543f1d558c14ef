package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"framereel/internal/api"
	"framereel/internal/preflight"
	"framereel/internal/staging"
)

const serverProbeTimeout = 2 * time.Second

type statusReport struct {
	Server       *api.ServerStatus      `json:"server"`
	ServerError  string                 `json:"serverError,omitempty"`
	Backend      string                 `json:"backend"`
	BackendURL   string                 `json:"backendUrl"`
	LedgerPath   string                 `json:"ledgerPath"`
	FramesDir    string                 `json:"framesDir"`
	FrameDirs    int                    `json:"frameDirs"`
	FrameBytes   int64                  `json:"frameBytes"`
	Checks       []api.CheckResult      `json:"checks"`
	Dependencies []api.DependencyStatus `json:"dependencies"`
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var skipBackend bool
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report readiness of this host and the framereel server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			report := statusReport{
				Backend:      cfg.Backend.Kind,
				BackendURL:   cfg.Backend.BaseURL,
				LedgerPath:   cfg.LedgerPath(),
				Checks:       api.FromChecks(preflight.RunAll(cmd.Context(), cfg, !skipBackend)),
				Dependencies: api.FromDependencies(preflight.CheckSystemDeps(cfg)),
			}
			report.FramesDir = cfg.Paths.FramesDir
			if dirs, err := staging.ListDirectories(cfg.Paths.FramesDir); err == nil {
				report.FrameDirs = len(dirs)
				for _, d := range dirs {
					report.FrameBytes += d.Size
				}
			}
			report.Server, report.ServerError = probeServer(cmd.Context(), ctx)

			if jsonOut {
				return writeJSON(cmd, report)
			}
			printStatus(cmd, report)
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipBackend, "skip-backend", false, "Do not contact the image generation backend")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print status as JSON")
	return cmd
}

func probeServer(parent context.Context, ctx *commandContext) (*api.ServerStatus, string) {
	client, err := ctx.apiClient()
	if err != nil {
		return nil, err.Error()
	}
	probeCtx, cancel := context.WithTimeout(parent, serverProbeTimeout)
	defer cancel()
	status, err := client.Status(probeCtx)
	if err != nil {
		if errors.Is(err, api.ErrAPIUnavailable) || errors.Is(err, context.DeadlineExceeded) {
			return nil, "not running"
		}
		return nil, err.Error()
	}
	return &status, ""
}

func printStatus(cmd *cobra.Command, report statusReport) {
	stdout := cmd.OutOrStdout()
	colorize := shouldColorize(stdout)
	section := func(title string, lines []string) {
		for _, line := range renderSectionHeader(title, colorize) {
			fmt.Fprintln(stdout, line)
		}
		for _, line := range lines {
			fmt.Fprintln(stdout, line)
		}
		fmt.Fprintln(stdout)
	}

	section("Server", serverLines(report, colorize))
	section("Backend", []string{
		renderStatusLine("Kind", statusInfo, report.Backend, colorize),
		renderStatusLine("URL", statusInfo, report.BackendURL, colorize),
	})
	section("Storage", storageLines(report, colorize))
	section("Checks", checkLines(report.Checks, colorize))
	section("Dependencies", dependencyLines(report.Dependencies, colorize))
}

func serverLines(report statusReport, colorize bool) []string {
	if report.Server == nil {
		return []string{
			renderStatusLine("Server", statusWarn, report.ServerError, colorize),
			renderStatusLine("Ledger", statusInfo, report.LedgerPath, colorize),
		}
	}
	s := report.Server
	lines := []string{
		renderStatusLine("Server", statusOK, "running (pid "+strconv.Itoa(s.PID)+")", colorize),
		renderStatusLine("Ledger", statusInfo, s.LedgerPath, colorize),
		renderStatusLine("Active runs", statusInfo, strconv.Itoa(len(s.ActiveRuns)), colorize),
	}
	if len(s.RunCounts) > 0 {
		states := make([]string, 0, len(s.RunCounts))
		for state := range s.RunCounts {
			states = append(states, state)
		}
		sort.Strings(states)
		parts := make([]string, 0, len(states))
		for _, state := range states {
			parts = append(parts, fmt.Sprintf("%s=%d", state, s.RunCounts[state]))
		}
		lines = append(lines, renderStatusLine("Runs", statusInfo, strings.Join(parts, " "), colorize))
	}
	return lines
}

// storageLines flags leftover frame directories. With no server running
// they can only belong to a crashed or in-progress local run.
func storageLines(report statusReport, colorize bool) []string {
	kind := statusInfo
	if report.FrameDirs > 0 && report.Server == nil {
		kind = statusWarn
	}
	value := fmt.Sprintf("%d (%.1f MiB)", report.FrameDirs, float64(report.FrameBytes)/(1<<20))
	return []string{
		renderStatusLine("Frames", statusInfo, report.FramesDir, colorize),
		renderStatusLine("Run directories", kind, value, colorize),
	}
}
