package api

import (
	"time"

	"framereel/internal/deps"
	"framereel/internal/ledger"
	"framereel/internal/pipeline"
	"framereel/internal/preflight"
	"framereel/internal/quota"
)

// FromRun converts a ledger row.
func FromRun(run ledger.Run) Run {
	dto := Run{
		ID:             run.ID,
		Username:       run.Username,
		Tier:           run.Tier,
		Prompt:         run.Prompt,
		NegativePrompt: run.NegativePrompt,
		Width:          run.Width,
		Height:         run.Height,
		Steps:          run.Steps,
		FrameCount:     run.FrameCount,
		FPS:            run.FPS,
		State:          run.State,
		ErrorKind:      run.ErrorKind,
		ErrorMessage:   run.ErrorMessage,
		ArtifactPath:   run.ArtifactPath,
		CreatedAt:      formatTime(run.CreatedAt),
		UpdatedAt:      formatTime(run.UpdatedAt),
		FinishedAt:     formatTime(run.FinishedAt),
	}
	if run.Finished() {
		dto.ElapsedSeconds = run.Duration().Round(time.Millisecond).Seconds()
	}
	return dto
}

// FromRuns converts a slice of ledger rows, preserving order.
func FromRuns(runs []ledger.Run) []Run {
	if len(runs) == 0 {
		return nil
	}
	out := make([]Run, 0, len(runs))
	for _, run := range runs {
		out = append(out, FromRun(run))
	}
	return out
}

// FromOutcome converts a pipeline outcome.
func FromOutcome(outcome pipeline.Outcome) RunResult {
	result := RunResult{
		RunID:     outcome.RunID,
		Username:  outcome.Username,
		State:     string(outcome.State),
		ErrorKind: string(outcome.ErrorKind),
		Message:   outcome.Message,
	}
	if a := outcome.Artifact; a != nil {
		result.Artifact = &Artifact{
			Path:            a.Path,
			FrameCount:      a.FrameCount,
			FPS:             a.FPS,
			Width:           a.Width,
			Height:          a.Height,
			DurationSeconds: a.DurationSeconds(),
		}
	}
	return result
}

// FromUsage converts a usage record. Remaining is -1 for unlimited tiers.
func FromUsage(rec quota.UsageRecord, tier quota.Tier) Usage {
	limit := tier.Limit()
	remaining := quota.Unlimited
	if limit != quota.Unlimited {
		remaining = max(limit-rec.Count-rec.Reserved, 0)
	}
	date := ""
	if !rec.Date.IsZero() {
		date = rec.Date.Format(time.DateOnly)
	}
	return Usage{
		Username:  rec.Username,
		Tier:      string(tier),
		Date:      date,
		Count:     rec.Count,
		Reserved:  rec.Reserved,
		Limit:     limit,
		Remaining: remaining,
	}
}

// FromDependencies converts binary availability results.
func FromDependencies(statuses []deps.Status) []DependencyStatus {
	out := make([]DependencyStatus, len(statuses))
	for i, dep := range statuses {
		out[i] = DependencyStatus{
			Name:        dep.Name,
			Command:     dep.Command,
			Description: dep.Description,
			Optional:    dep.Optional,
			Available:   dep.Available,
			Detail:      dep.Detail,
		}
	}
	return out
}

// FromChecks converts preflight results.
func FromChecks(results []preflight.Result) []CheckResult {
	out := make([]CheckResult, len(results))
	for i, r := range results {
		out[i] = CheckResult{Name: r.Name, Passed: r.Passed, Detail: r.Detail}
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}

// ParseTime reads a timestamp produced by this package. Unparseable or empty
// values yield the zero time.
func ParseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	for _, layout := range []string{dateTimeFormat, time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return time.Time{}
}
