package api

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Run describes a ledger entry in a transport-friendly format.
type Run struct {
	ID             string  `json:"id"`
	Username       string  `json:"username"`
	Tier           string  `json:"tier,omitempty"`
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negativePrompt,omitempty"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	Steps          int     `json:"steps"`
	FrameCount     int     `json:"frameCount"`
	FPS            int     `json:"fps"`
	State          string  `json:"state"`
	ErrorKind      string  `json:"errorKind,omitempty"`
	ErrorMessage   string  `json:"errorMessage,omitempty"`
	ArtifactPath   string  `json:"artifactPath,omitempty"`
	CreatedAt      string  `json:"createdAt,omitempty"`
	UpdatedAt      string  `json:"updatedAt,omitempty"`
	FinishedAt     string  `json:"finishedAt,omitempty"`
	ElapsedSeconds float64 `json:"elapsedSeconds,omitempty"`
}

// Artifact describes a committed video.
type Artifact struct {
	Path            string  `json:"path"`
	FrameCount      int     `json:"frameCount"`
	FPS             int     `json:"fps"`
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	DurationSeconds float64 `json:"durationSeconds"`
}

// RunResult is the response to a generation request. Message is safe to show
// to the requesting user; detailed causes stay in the logs and ledger.
type RunResult struct {
	RunID      string    `json:"runId"`
	Username   string    `json:"username"`
	State      string    `json:"state"`
	Artifact   *Artifact `json:"artifact,omitempty"`
	ErrorKind  string    `json:"errorKind,omitempty"`
	Message    string    `json:"message"`
	UpgradeURL string    `json:"upgradeUrl,omitempty"`
}

// Usage reports one user's quota position for today.
type Usage struct {
	Username  string `json:"username"`
	Tier      string `json:"tier"`
	Date      string `json:"date"`
	Count     int    `json:"count"`
	Reserved  int    `json:"reserved"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
}

// UsageListResponse wraps every user with usage today.
type UsageListResponse struct {
	Users []Usage `json:"users"`
}

// DependencyStatus captures availability of an external dependency.
type DependencyStatus struct {
	Name        string `json:"name"`
	Command     string `json:"command"`
	Description string `json:"description"`
	Optional    bool   `json:"optional"`
	Available   bool   `json:"available"`
	Detail      string `json:"detail,omitempty"`
}

// CheckResult mirrors a single readiness check.
type CheckResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// ServerStatus aggregates API server runtime information.
type ServerStatus struct {
	Running      bool               `json:"running"`
	PID          int                `json:"pid"`
	LedgerPath   string             `json:"ledgerPath"`
	LockFilePath string             `json:"lockFilePath"`
	Backend      string             `json:"backend"`
	ActiveRuns   []string           `json:"activeRuns"`
	RunCounts    map[string]int     `json:"runCounts"`
	Checks       []CheckResult      `json:"checks"`
	Dependencies []DependencyStatus `json:"dependencies"`
}

// RunListResponse wraps a collection of runs.
type RunListResponse struct {
	Runs []Run `json:"runs"`
}

// RunResponse wraps a single run.
type RunResponse struct {
	Run Run `json:"run"`
}
