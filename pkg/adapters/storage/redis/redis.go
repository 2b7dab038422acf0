package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/checkrun-ci/checkrun/pkg/domain"
	"github.com/checkrun-ci/checkrun/pkg/ports"
)

const (
	keyPrefix      = "checkrun:run:"
	metaField      = "meta"
	instancePrefix = "instance:"
)

// RunStore implements RunStore on a Redis hash per run. The run's
// metadata lives in one field and each instance in its own field, so
// workers writing their instance never race the manager writing the
// run's status.
type RunStore struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewRunStore creates a new Redis run store.
func NewRunStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RunStore {
	return &RunStore{
		client: client,
		logger: logger,
		ttl:    ttl,
	}
}

// SaveRun persists the initial state of a run.
func (s *RunStore) SaveRun(ctx context.Context, state *domain.RunState) error {
	key := getRunKey(state.RunID)

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal run state: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, metaField, data)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save run state: %w", err)
	}

	s.logger.Debug("run state saved",
		zap.String("run_id", state.RunID),
		zap.Int("instances", len(state.Instances)))

	return nil
}

// SaveInstance upserts one instance's state in its own hash field.
func (s *RunStore) SaveInstance(ctx context.Context, runID string, inst *domain.JobInstance) error {
	key := getRunKey(runID)

	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to marshal instance: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, instancePrefix+inst.ID, data)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save instance: %w", err)
	}

	return nil
}

// UpdateRunStatus advances the run's lifecycle status and stamps
// StartedAt on the first running transition and CompletedAt on the first
// terminal one. Once terminal, further updates are ignored. The manager
// is the only caller, so the read-modify-write on the meta field is safe.
func (s *RunStore) UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus, runErr string) error {
	key := getRunKey(runID)

	data, err := s.client.HGet(ctx, key, metaField).Bytes()
	if err != nil {
		if err == redis.Nil {
			return fmt.Errorf("%w: %s", ports.ErrRunNotFound, runID)
		}
		return fmt.Errorf("failed to get run state: %w", err)
	}

	var state domain.RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to unmarshal run state: %w", err)
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

	updated, err := json.Marshal(&state)
	if err != nil {
		return fmt.Errorf("failed to marshal run state: %w", err)
	}
	if err := s.client.HSet(ctx, key, metaField, updated).Err(); err != nil {
		return fmt.Errorf("failed to save run state: %w", err)
	}

	s.logger.Debug("run status updated",
		zap.String("run_id", runID),
		zap.String("status", string(status)))

	return nil
}

// GetRun loads a run, merging the freshest per-instance fields over the
// instance list recorded in the run's metadata.
func (s *RunStore) GetRun(ctx context.Context, runID string) (*domain.RunState, error) {
	key := getRunKey(runID)

	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get run state: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", ports.ErrRunNotFound, runID)
	}

	meta, ok := fields[metaField]
	if !ok {
		return nil, fmt.Errorf("run %s has no metadata field", runID)
	}

	var state domain.RunState
	if err := json.Unmarshal([]byte(meta), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run state: %w", err)
	}

	for field, value := range fields {
		if !strings.HasPrefix(field, instancePrefix) {
			continue
		}
		var inst domain.JobInstance
		if err := json.Unmarshal([]byte(value), &inst); err != nil {
			s.logger.Error("failed to unmarshal instance field",
				zap.String("run_id", runID),
				zap.String("field", field),
				zap.Error(err))
			continue
		}
		merged := false
		for i, existing := range state.Instances {
			if existing.ID == inst.ID {
				state.Instances[i] = &inst
				merged = true
				break
			}
		}
		if !merged {
			state.Instances = append(state.Instances, &inst)
		}
	}

	return &state, nil
}

// ListRuns loads all stored runs, newest first.
func (s *RunStore) ListRuns(ctx context.Context) ([]*domain.RunState, error) {
	pattern := keyPrefix + "*"

	var cursor uint64
	var keys []string
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan run keys: %w", err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	states := make([]*domain.RunState, 0, len(keys))
	for _, key := range keys {
		state, err := s.GetRun(ctx, strings.TrimPrefix(key, keyPrefix))
		if err != nil {
			s.logger.Warn("skipping unreadable run",
				zap.String("key", key),
				zap.Error(err))
			continue
		}
		states = append(states, state)
	}

	sort.Slice(states, func(i, j int) bool {
		return states[i].SubmittedAt.After(states[j].SubmittedAt)
	})

	return states, nil
}

// DeleteRun removes a run and all its instance fields.
func (s *RunStore) DeleteRun(ctx context.Context, runID string) error {
	if err := s.client.Del(ctx, getRunKey(runID)).Err(); err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	s.logger.Debug("run deleted", zap.String("run_id", runID))
	return nil
}

// getRunKey returns the Redis hash key for a run.
func getRunKey(runID string) string {
	return keyPrefix + runID
}
