package preflight

import (
	"context"

	"framereel/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes the directory and space checks for the configured work
// areas. The backend probe is opt-in because it spends a network round trip.
func RunAll(ctx context.Context, cfg *config.Config, probeBackend bool) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result
	dirs := []struct{ name, path string }{
		{"Frames directory", cfg.Paths.FramesDir},
		{"Output directory", cfg.Paths.OutputDir},
		{"Log directory", cfg.Paths.LogDir},
	}
	for _, d := range dirs {
		if d.path == "" {
			continue
		}
		results = append(results, CheckDirectoryAccess(d.name, d.path))
	}
	if cfg.Paths.FramesDir != "" {
		results = append(results, CheckFreeSpace("Frames free space", cfg.Paths.FramesDir, MinFreeBytes))
	}
	if cfg.Paths.OutputDir != "" {
		results = append(results, CheckFreeSpace("Output free space", cfg.Paths.OutputDir, MinFreeBytes))
	}

	if probeBackend {
		results = append(results, CheckBackend(ctx, cfg.Backend))
	}
	return results
}

// Failed returns the results that did not pass.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}
