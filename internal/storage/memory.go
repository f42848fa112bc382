package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"palaestra/internal/model"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	runs        map[string]model.RunState
	policies    []model.Policy
	policyIDs   map[string]struct{}
	cells       map[string]model.MatrixCell
	checkpoints map[string]model.Checkpoint
	evals       map[string][]model.EvalPoint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Init is idempotent: a resumed run calls it again and must find the
// prior run's state intact.
func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}
	s.initialized = true
	s.runs = make(map[string]model.RunState)
	s.policies = nil
	s.policyIDs = make(map[string]struct{})
	s.cells = make(map[string]model.MatrixCell)
	s.checkpoints = make(map[string]model.Checkpoint)
	s.evals = make(map[string][]model.EvalPoint)
	return nil
}

func (s *MemoryStore) SaveRunState(_ context.Context, state model.RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state.TeamKeys = append([]string(nil), state.TeamKeys...)
	s.runs[state.RunID] = state
	return nil
}

func (s *MemoryStore) GetRunState(_ context.Context, runID string) (model.RunState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.runs[runID]
	if !ok {
		return model.RunState{}, false, nil
	}
	state.TeamKeys = append([]string(nil), state.TeamKeys...)
	return state, true, nil
}

func (s *MemoryStore) ListRunStates(_ context.Context) ([]model.RunState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.RunState, 0, len(s.runs))
	for _, state := range s.runs {
		state.TeamKeys = append([]string(nil), state.TeamKeys...)
		out = append(out, state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out, nil
}

func (s *MemoryStore) AppendPolicy(_ context.Context, policy model.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.policyIDs[policy.ID]; exists {
		return fmt.Errorf("%w: %s", ErrPolicyExists, policy.ID)
	}
	s.policyIDs[policy.ID] = struct{}{}
	s.policies = append(s.policies, policy)
	return nil
}

func (s *MemoryStore) ListPolicies(_ context.Context) ([]model.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Policy, len(s.policies))
	copy(out, s.policies)
	return out, nil
}

func (s *MemoryStore) SaveMatrixCells(_ context.Context, cells []model.MatrixCell) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cell := range cells {
		s.cells[cellKey(cell)] = cell
	}
	return nil
}

func (s *MemoryStore) ListMatrixCells(_ context.Context) ([]model.MatrixCell, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.MatrixCell, 0, len(s.cells))
	for _, cell := range s.cells {
		out = append(out, cell)
	}
	return out, nil
}

func (s *MemoryStore) SaveCheckpoint(_ context.Context, checkpoint model.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.checkpoints[checkpoint.ID]; exists {
		return fmt.Errorf("%w: %s", ErrCheckpointExists, checkpoint.ID)
	}
	checkpoint.Payload = append([]byte(nil), checkpoint.Payload...)
	s.checkpoints[checkpoint.ID] = checkpoint
	return nil
}

func (s *MemoryStore) GetCheckpoint(_ context.Context, id string) (model.Checkpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	checkpoint, ok := s.checkpoints[id]
	if !ok {
		return model.Checkpoint{}, false, nil
	}
	checkpoint.Payload = append([]byte(nil), checkpoint.Payload...)
	return checkpoint, true, nil
}

func (s *MemoryStore) SaveEvalHistory(_ context.Context, runID string, history []model.EvalPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := make([]model.EvalPoint, len(history))
	copy(copied, history)
	s.evals[runID] = copied
	return nil
}

func (s *MemoryStore) GetEvalHistory(_ context.Context, runID string) ([]model.EvalPoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history, ok := s.evals[runID]
	if !ok {
		return nil, false, nil
	}
	copied := make([]model.EvalPoint, len(history))
	copy(copied, history)
	return copied, true, nil
}

func cellKey(cell model.MatrixCell) string {
	return cell.PolicyA + "|" + cell.PolicyB + "|" + cell.TeamA + "|" + cell.TeamB
}
