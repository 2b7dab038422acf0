package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/checkrun-ci/checkrun/pkg/domain"
	"github.com/checkrun-ci/checkrun/pkg/ports"
)

// InMemoryRunStore implements RunStore with an in-process map. It backs
// the single-process CLI and tests. States are deep-copied on the way in
// and out so callers never share mutable instances with the store.
type InMemoryRunStore struct {
	mu   sync.RWMutex
	runs map[string]*domain.RunState
}

// NewInMemoryRunStore creates a new in-memory run store.
func NewInMemoryRunStore() *InMemoryRunStore {
	return &InMemoryRunStore{
		runs: make(map[string]*domain.RunState),
	}
}

// SaveRun persists the initial state of a run.
func (s *InMemoryRunStore) SaveRun(ctx context.Context, state *domain.RunState) error {
	clone, err := cloneState(state)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[state.RunID] = clone
	return nil
}

// GetRun returns a copy of a run's state.
func (s *InMemoryRunStore) GetRun(ctx context.Context, runID string) (*domain.RunState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ports.ErrRunNotFound, runID)
	}

	return cloneState(state)
}

// SaveInstance upserts one instance record of a run.
func (s *InMemoryRunStore) SaveInstance(ctx context.Context, runID string, inst *domain.JobInstance) error {
	clone := &domain.JobInstance{}
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to marshal instance: %w", err)
	}
	if err := json.Unmarshal(data, clone); err != nil {
		return fmt.Errorf("failed to copy instance: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("%w: %s", ports.ErrRunNotFound, runID)
	}

	for i, existing := range state.Instances {
		if existing.ID == inst.ID {
			state.Instances[i] = clone
			return nil
		}
	}
	state.Instances = append(state.Instances, clone)
	return nil
}

// UpdateRunStatus transitions a run's metadata, stamping StartedAt on the
// first running transition and CompletedAt on the first terminal one.
// Terminal statuses are sticky.
func (s *InMemoryRunStore) UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus, runErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("%w: %s", ports.ErrRunNotFound, runID)
	}
	if state.Status.Terminal() {
		return nil
	}

	now := time.Now()
	state.Status = status
	if runErr != "" {
		state.Error = runErr
	}
	if status == domain.RunStatusRunning && state.StartedAt == nil {
		state.StartedAt = &now
	}
	if status.Terminal() && state.CompletedAt == nil {
		state.CompletedAt = &now
	}

	return nil
}

// ListRuns returns copies of all stored runs, newest first.
func (s *InMemoryRunStore) ListRuns(ctx context.Context) ([]*domain.RunState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.RunState, 0, len(s.runs))
	for _, state := range s.runs {
		clone, err := cloneState(state)
		if err != nil {
			return nil, err
		}
		out = append(out, clone)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].SubmittedAt.After(out[j].SubmittedAt)
	})

	return out, nil
}

// DeleteRun removes a run.
func (s *InMemoryRunStore) DeleteRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.runs, runID)
	return nil
}

func cloneState(state *domain.RunState) (*domain.RunState, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run state: %w", err)
	}
	clone := &domain.RunState{}
	if err := json.Unmarshal(data, clone); err != nil {
		return nil, fmt.Errorf("failed to copy run state: %w", err)
	}
	return clone, nil
}
