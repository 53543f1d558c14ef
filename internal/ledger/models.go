package ledger

import "time"

// Run is one persisted pipeline run.
type Run struct {
	ID             string
	Username       string
	Tier           string
	Prompt         string
	NegativePrompt string
	Width          int
	Height         int
	Steps          int
	FrameCount     int
	FPS            int
	State          string
	ErrorKind      string
	ErrorMessage   string
	ArtifactPath   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	FinishedAt     time.Time
}

// Finished reports whether the run reached a terminal state.
func (r Run) Finished() bool {
	return !r.FinishedAt.IsZero()
}

// Duration is the wall time between creation and the terminal transition.
func (r Run) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.CreatedAt)
}

// ListFilter narrows List results.
type ListFilter struct {
	Username string
	States   []string
	Limit    int
}

// Summary aggregates run counts by state.
type Summary struct {
	Total   int
	ByState map[string]int
}
