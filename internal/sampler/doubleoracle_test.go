package sampler

import (
	"fmt"
	"math/rand"
	"testing"

	"palaestra/internal/model"
	"palaestra/internal/population"
)

// recordMemberCycle gives the three members a rock-paper-scissors payoff
// structure, so the restricted game's equilibrium is uniform.
func recordMemberCycle(t *testing.T, m *population.Manager) {
	t.Helper()
	pairs := [][2]string{{"pol-0", "pol-1"}, {"pol-1", "pol-2"}, {"pol-2", "pol-0"}}
	var results []population.Result
	for _, pair := range pairs {
		for i := 0; i < 4; i++ {
			results = append(results, population.Result{
				PolicyA: pair[0], PolicyB: pair[1],
				TeamA: "t1", TeamB: "t2", Outcome: 1,
			})
		}
	}
	m.RecordBatch(results)
	for i := 0; i < 3; i++ {
		recordLiveGames(m, fmt.Sprintf("pol-%d", i), 1, 1)
	}
}

func TestDoubleOracleSamplesFromEquilibrium(t *testing.T) {
	teams := fixtureTeams(t, "Calyrex-Shadow", "Calyrex-Ice")
	m := fixtureManager(t, 3, teams)
	recordMemberCycle(t, m)
	s := NewDoubleOracle(Config{})
	rng := rand.New(rand.NewSource(43))

	const draws = 2400
	view := m.View()
	counts := make(map[string]int)
	for i := 0; i < draws; i++ {
		opp, err := s.PickOpponent(rng, view, teams[0], true)
		if err != nil {
			t.Fatalf("pick opponent: %v", err)
		}
		if opp.Placeholder || opp.Live {
			t.Fatalf("unexpected opponent flags: %+v", opp)
		}
		counts[opp.PolicyID]++
	}

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("pol-%d", i)
		if counts[id] < 700 || counts[id] > 900 {
			t.Fatalf("%s drawn %d times of %d, want about a third: %v", id, counts[id], draws, counts)
		}
	}
}

func TestDoubleOracleExpandLatch(t *testing.T) {
	teams := fixtureTeams(t, "Calyrex-Shadow", "Calyrex-Ice")
	m := fixtureManager(t, 3, teams)
	recordMemberCycle(t, m)
	s := NewDoubleOracle(Config{})
	rng := rand.New(rand.NewSource(47))

	if s.ShouldExpand() {
		t.Fatal("expand latched before any recomputation")
	}

	view := m.View()
	if _, err := s.PickOpponent(rng, view, teams[0], true); err != nil {
		t.Fatalf("first pick: %v", err)
	}
	if s.ShouldExpand() {
		t.Fatal("expand latched after a single recomputation")
	}

	if _, err := s.PickOpponent(rng, view, teams[0], true); err != nil {
		t.Fatalf("second pick: %v", err)
	}
	if !s.ShouldExpand() {
		t.Fatal("equilibrium stopped moving but expand did not latch")
	}
	if s.ShouldExpand() {
		t.Fatal("expand latch did not reset on read")
	}

	// Growing the population changes the distribution length, which must
	// restart the convergence watch instead of latching immediately.
	p := model.Policy{ID: "pol-3", Seq: 4, CheckpointID: "ckpt-0004x"}
	if err := m.AddPolicy(p); err != nil {
		t.Fatalf("add policy: %v", err)
	}
	recordLiveGames(m, "pol-3", 1, 1)
	grown := m.View()
	if _, err := s.PickOpponent(rng, grown, teams[0], true); err != nil {
		t.Fatalf("post-growth pick: %v", err)
	}
	if s.ShouldExpand() {
		t.Fatal("expand latched from a single post-growth recomputation")
	}
	if _, err := s.PickOpponent(rng, grown, teams[0], true); err != nil {
		t.Fatalf("post-growth pick: %v", err)
	}
	if !s.ShouldExpand() {
		t.Fatal("post-growth convergence did not latch")
	}
}

func TestDoubleOracleStallFallsBackToUniform(t *testing.T) {
	teams := fixtureTeams(t, "Calyrex-Shadow", "Calyrex-Ice")
	view := fixtureManager(t, 3, teams).View()
	s := NewDoubleOracle(Config{})
	s.solve = func(view population.View) (model.MetaStrategy, error) {
		// A degenerate distribution alongside a stall. The sampler must
		// ignore the distribution and draw uniformly instead.
		return model.MetaStrategy{
			PolicyIDs: []string{"pol-0", "pol-1", "pol-2"},
			Probs:     []float64{1, 0, 0},
		}, fmt.Errorf("%w: after 2000 iterations", population.ErrConvergenceStall)
	}
	rng := rand.New(rand.NewSource(53))

	const draws = 300
	counts := make(map[string]int)
	for i := 0; i < draws; i++ {
		opp, err := s.PickOpponent(rng, view, teams[0], true)
		if err != nil {
			t.Fatalf("pick opponent: %v", err)
		}
		counts[opp.PolicyID]++
	}

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("pol-%d", i)
		if counts[id] < 60 || counts[id] > 140 {
			t.Fatalf("%s drawn %d times of %d under stall fallback: %v", id, counts[id], draws, counts)
		}
	}
	if s.ShouldExpand() {
		t.Fatal("stalled recomputations must not latch expansion")
	}
}
