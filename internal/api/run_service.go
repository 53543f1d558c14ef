package api

import (
	"context"
	"errors"

	"framereel/internal/ledger"
)

// RunReader abstracts the ledger queries needed by API consumers.
type RunReader interface {
	List(ctx context.Context, filter ledger.ListFilter) ([]ledger.Run, error)
	Get(ctx context.Context, id string) (*ledger.Run, error)
	Summarize(ctx context.Context) (ledger.Summary, error)
}

// RunService exposes read-only run history returning API DTOs.
type RunService struct {
	store RunReader
}

// NewRunService constructs a RunService around the provided reader.
func NewRunService(store RunReader) *RunService {
	if store == nil {
		return nil
	}
	return &RunService{store: store}
}

// List returns runs newest first.
func (s *RunService) List(ctx context.Context, filter ledger.ListFilter) ([]Run, error) {
	if s == nil || s.store == nil {
		return nil, nil
	}
	runs, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	return FromRuns(runs), nil
}

// Describe fetches a single run. A missing run yields nil without error.
func (s *RunService) Describe(ctx context.Context, id string) (*Run, error) {
	if s == nil || s.store == nil {
		return nil, nil
	}
	run, err := s.store.Get(ctx, id)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, nil
	}
	if err != nil || run == nil {
		return nil, err
	}
	dto := FromRun(*run)
	return &dto, nil
}

// Counts returns run totals keyed by state.
func (s *RunService) Counts(ctx context.Context) (map[string]int, error) {
	if s == nil || s.store == nil {
		return nil, nil
	}
	summary, err := s.store.Summarize(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(summary.ByState))
	for state, n := range summary.ByState {
		out[state] = n
	}
	return out, nil
}
