package pipeline

import (
	"framereel/internal/assembler"
	"framereel/internal/services"
)

// State is a run's position in the pipeline.
type State string

const (
	StateIdle         State = "idle"
	StateQuotaChecked State = "quota_checked"
	StateGenerating   State = "generating"
	StateAssembling   State = "assembling"
	StateCommitted    State = "committed"
	StateFailed       State = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateFailed
}

// Outcome is the single result a run reports to its caller. Err keeps the
// detailed cause for diagnostics and is never serialized.
type Outcome struct {
	RunID     string                   `json:"run_id"`
	Username  string                   `json:"username"`
	State     State                    `json:"state"`
	Artifact  *assembler.VideoArtifact `json:"artifact,omitempty"`
	ErrorKind services.Kind            `json:"error_kind,omitempty"`
	Message   string                   `json:"message"`
	Err       error                    `json:"-"`
}

// Succeeded reports whether the run committed an artifact.
func (o Outcome) Succeeded() bool {
	return o.State == StateCommitted && o.Artifact != nil
}
