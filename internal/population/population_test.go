package population

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"palaestra/internal/model"
)

func seedPolicies(t *testing.T, m *Manager, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		p := model.Policy{ID: fmt.Sprintf("pol-%d", i), Seq: i, Algorithm: "fictitious-play"}
		if err := m.AddPolicy(p); err != nil {
			t.Fatalf("add policy %d: %v", i, err)
		}
	}
}

func TestManagerAddPolicyAppendOnly(t *testing.T) {
	m := NewManager(nil)
	seedPolicies(t, m, 3)

	if m.Len() != 3 {
		t.Fatalf("len = %d, want 3", m.Len())
	}
	latest, ok := m.Latest()
	if !ok || latest.ID != "pol-2" {
		t.Fatalf("latest = %+v, want pol-2", latest)
	}

	err := m.AddPolicy(model.Policy{ID: "pol-1"})
	if !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("error = %v, want ErrDuplicateID", err)
	}
	if m.Len() != 3 {
		t.Fatalf("duplicate add changed the population")
	}

	if err := m.AddPolicy(model.Policy{}); err == nil {
		t.Fatalf("expected error for empty policy id")
	}
}

func TestManagerPoliciesOrdered(t *testing.T) {
	m := NewManager(nil)
	seedPolicies(t, m, 4)

	policies := m.Policies()
	for i, p := range policies {
		if p.ID != fmt.Sprintf("pol-%d", i) {
			t.Fatalf("policy %d = %s, out of append order", i, p.ID)
		}
	}

	// The returned slice is a copy.
	policies[0].ID = "mutated"
	if fresh := m.Policies(); fresh[0].ID != "pol-0" {
		t.Fatalf("caller mutation leaked into the manager")
	}
}

func TestManagerRecordBatchAtomicSnapshot(t *testing.T) {
	m := NewManager(nil)
	seedPolicies(t, m, 2)

	m.RecordBatch([]Result{
		{PolicyA: LivePolicyID, PolicyB: "pol-0", TeamA: "t1", TeamB: "t2", Outcome: 1},
	})

	before := m.View()

	m.RecordBatch([]Result{
		{PolicyA: LivePolicyID, PolicyB: "pol-0", TeamA: "t1", TeamB: "t2", Outcome: 0},
		{PolicyA: LivePolicyID, PolicyB: "pol-1", TeamA: "t1", TeamB: "t2", Outcome: 0.5},
	})

	rate, games := before.AggregateRate(LivePolicyID, "pol-0")
	if games != 1 || rate != 1 {
		t.Fatalf("snapshot observed a later batch: rate=%v games=%d", rate, games)
	}
	if _, games := before.AggregateRate(LivePolicyID, "pol-1"); games != 0 {
		t.Fatalf("snapshot observed a later pairing")
	}

	after := m.View()
	rate, games = after.AggregateRate(LivePolicyID, "pol-0")
	if games != 2 || math.Abs(rate-0.5) > 1e-12 {
		t.Fatalf("batch not applied: rate=%v games=%d", rate, games)
	}
}

func TestManagerRestore(t *testing.T) {
	m := NewManager(nil)
	seedPolicies(t, m, 3)
	m.RecordBatch([]Result{
		{PolicyA: LivePolicyID, PolicyB: "pol-0", TeamA: "t1", TeamB: "t2", Outcome: 1},
		{PolicyA: LivePolicyID, PolicyB: "pol-1", TeamA: "t1", TeamB: "t2", Outcome: 0},
	})

	policies := m.Policies()
	cells := m.MatrixCells()

	restored := NewManager(nil)
	if err := restored.Restore(policies, cells); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.Len() != 3 {
		t.Fatalf("restored len = %d, want 3", restored.Len())
	}
	got := restored.Policies()
	for i, p := range policies {
		if got[i].ID != p.ID {
			t.Fatalf("restored order differs at %d: %s vs %s", i, got[i].ID, p.ID)
		}
	}
	for i, cell := range restored.MatrixCells() {
		if cell != cells[i] {
			t.Fatalf("restored cell %d differs: %+v vs %+v", i, cell, cells[i])
		}
	}

	if err := restored.AddPolicy(model.Policy{ID: "pol-1"}); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("restored population lost id tracking: %v", err)
	}
}

func TestManagerRestoreRejectsDuplicates(t *testing.T) {
	m := NewManager(nil)
	err := m.Restore([]model.Policy{{ID: "x"}, {ID: "x"}}, nil)
	if !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("error = %v, want ErrDuplicateID", err)
	}
}
