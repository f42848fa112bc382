// Package population maintains the append-only set of frozen policies, the
// pairwise win-rate matrix over them, and the meta-strategy distributions
// opponent sampling reads. The coordinating loop is the only writer;
// samplers and the status surface read consistent snapshots.
package population

import (
	"errors"
	"fmt"
	"sync"

	"palaestra/internal/model"
	"palaestra/internal/team"
)

// ErrDuplicateID reports an attempt to add a policy id the population
// already holds.
var ErrDuplicateID = errors.New("duplicate policy id")

// Result is one counted game outcome from side A's view, ready to fold
// into the matrix.
type Result struct {
	PolicyA string
	PolicyB string
	TeamA   string
	TeamB   string
	Outcome float64
}

// Manager owns population and matrix state. Policies are append-only and
// batches of results apply atomically: a snapshot taken between batches
// never observes a half-applied iteration.
type Manager struct {
	mu       sync.RWMutex
	policies []model.Policy
	byID     map[string]struct{}
	teams    []team.Team
	matrix   *Matrix
}

func NewManager(teams []team.Team) *Manager {
	return &Manager{
		byID:   make(map[string]struct{}),
		teams:  append([]team.Team(nil), teams...),
		matrix: NewMatrix(),
	}
}

// AddPolicy appends one frozen policy. Ids are permanent: re-adding one
// fails with ErrDuplicateID even across restarts.
func (m *Manager) AddPolicy(p model.Policy) error {
	if p.ID == "" {
		return fmt.Errorf("policy id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byID[p.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, p.ID)
	}
	m.byID[p.ID] = struct{}{}
	m.policies = append(m.policies, p)
	return nil
}

// RecordBatch folds a full iteration of game results into the matrix
// under one lock acquisition.
func (m *Manager) RecordBatch(results []Result) {
	if len(results) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range results {
		m.matrix.Record(r.PolicyA, r.PolicyB, r.TeamA, r.TeamB, r.Outcome)
	}
}

// Restore replaces population and matrix state from persisted records,
// used when resuming a run.
func (m *Manager) Restore(policies []model.Policy, cells []model.MatrixCell) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byID := make(map[string]struct{}, len(policies))
	for _, p := range policies {
		if p.ID == "" {
			return fmt.Errorf("restore: policy with empty id")
		}
		if _, exists := byID[p.ID]; exists {
			return fmt.Errorf("restore: %w: %s", ErrDuplicateID, p.ID)
		}
		byID[p.ID] = struct{}{}
	}

	m.byID = byID
	m.policies = append([]model.Policy(nil), policies...)
	m.matrix = NewMatrix()
	m.matrix.Load(cells)
	return nil
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.policies)
}

// Policies returns the population in append order.
func (m *Manager) Policies() []model.Policy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.Policy(nil), m.policies...)
}

// Latest returns the most recently added policy.
func (m *Manager) Latest() (model.Policy, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.policies) == 0 {
		return model.Policy{}, false
	}
	return m.policies[len(m.policies)-1], true
}

// Teams returns the shared eligible team set.
func (m *Manager) Teams() []team.Team {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]team.Team(nil), m.teams...)
}

// MatrixCells lists the matrix in canonical order, for persistence.
func (m *Manager) MatrixCells() []model.MatrixCell {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.matrix.Cells()
}

// View snapshots population, teams and matrix for one sampling decision.
// The snapshot is immutable: later batches do not leak into it.
func (m *Manager) View() View {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return View{
		Policies: append([]model.Policy(nil), m.policies...),
		Teams:    append([]team.Team(nil), m.teams...),
		matrix:   m.matrix.Clone(),
	}
}

// MetaStrategy computes the distribution over the population for the
// given kind from the current matrix. See ComputeMetaStrategy.
func (m *Manager) MetaStrategy(kind MetaKind, livePolicyID string) (model.MetaStrategy, error) {
	return ComputeMetaStrategy(m.View(), kind, livePolicyID)
}

// View is a consistent read-only snapshot used by opponent sampling.
type View struct {
	Policies []model.Policy
	Teams    []team.Team
	matrix   *Matrix
}

func (v View) Len() int { return len(v.Policies) }

func (v View) Latest() (model.Policy, bool) {
	if len(v.Policies) == 0 {
		return model.Policy{}, false
	}
	return v.Policies[len(v.Policies)-1], true
}

// Cell resolves one oriented matrix entry.
func (v View) Cell(policyA, policyB, teamA, teamB string) (model.MatrixCell, bool) {
	if v.matrix == nil {
		return model.MatrixCell{}, false
	}
	return v.matrix.Cell(policyA, policyB, teamA, teamB)
}

// AggregateRate pools team pairings into one rate from policyA's view.
func (v View) AggregateRate(policyA, policyB string) (float64, int) {
	if v.matrix == nil {
		return 0, 0
	}
	return v.matrix.AggregateRate(policyA, policyB)
}
