package sampler

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"palaestra/internal/battle"
	"palaestra/internal/model"
	"palaestra/internal/player"
	"palaestra/internal/population"
	"palaestra/internal/team"
)

func fixtureTeam(t *testing.T, lead string) team.Team {
	t.Helper()
	species := []string{lead, "Incineroar", "Rillaboom", "Amoonguss", "Farigiraf", "Raging Bolt"}
	builds := make([]team.Build, 0, team.Size)
	for _, s := range species {
		builds = append(builds, team.Build{
			Species: s,
			Level:   50,
			IVs:     team.DefaultIVs(),
			Moves:   []string{"Protect"},
		})
	}
	tm, err := team.New(builds)
	if err != nil {
		t.Fatalf("build fixture team: %v", err)
	}
	return tm
}

func fixtureTeams(t *testing.T, leads ...string) []team.Team {
	t.Helper()
	out := make([]team.Team, 0, len(leads))
	for _, lead := range leads {
		out = append(out, fixtureTeam(t, lead))
	}
	return out
}

func fixtureManager(t *testing.T, policies int, teams []team.Team) *population.Manager {
	t.Helper()
	m := population.NewManager(teams)
	for i := 0; i < policies; i++ {
		p := model.Policy{
			ID:           fmt.Sprintf("pol-%d", i),
			Seq:          i + 1,
			Algorithm:    AlgorithmFictitious,
			CheckpointID: fmt.Sprintf("ckpt-%04d", i+1),
			Iteration:    (i + 1) * 10,
		}
		if err := m.AddPolicy(p); err != nil {
			t.Fatalf("add policy %d: %v", i, err)
		}
	}
	return m
}

func recordLiveGames(m *population.Manager, policyID string, wins, losses int) {
	results := make([]population.Result, 0, wins+losses)
	for i := 0; i < wins; i++ {
		results = append(results, population.Result{
			PolicyA: population.LivePolicyID, PolicyB: policyID,
			TeamA: "t1", TeamB: "t2", Outcome: 1,
		})
	}
	for i := 0; i < losses; i++ {
		results = append(results, population.Result{
			PolicyA: population.LivePolicyID, PolicyB: policyID,
			TeamA: "t1", TeamB: "t2", Outcome: 0,
		})
	}
	m.RecordBatch(results)
}

func TestNewKnownAlgorithms(t *testing.T) {
	for _, name := range Algorithms() {
		s, err := New(name, Config{})
		if err != nil {
			t.Fatalf("New(%q): %v", name, err)
		}
		if s.Name() != name {
			t.Fatalf("New(%q).Name() = %q", name, s.Name())
		}
	}
	if _, err := New("bogus", Config{}); !errors.Is(err, ErrUnknownAlgorithm) {
		t.Fatalf("unknown algorithm error = %v, want ErrUnknownAlgorithm", err)
	}
}

func TestPickOpponentRequiresRandomSource(t *testing.T) {
	teams := fixtureTeams(t, "Calyrex-Shadow", "Calyrex-Ice")
	view := fixtureManager(t, 2, teams).View()
	for _, name := range Algorithms() {
		s, err := New(name, Config{})
		if err != nil {
			t.Fatalf("New(%q): %v", name, err)
		}
		if _, err := s.PickOpponent(nil, view, teams[0], true); err == nil {
			t.Fatalf("%s accepted a nil random source", name)
		}
	}
}

func TestSelfPlayPicksLatest(t *testing.T) {
	teams := fixtureTeams(t, "Calyrex-Shadow", "Calyrex-Ice", "Miraidon")
	m := fixtureManager(t, 4, teams)
	s, err := New(AlgorithmSelfPlay, Config{FrameStack: 3})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rng := rand.New(rand.NewSource(11))

	view := m.View()
	for i := 0; i < 20; i++ {
		opp, err := s.PickOpponent(rng, view, teams[0], true)
		if err != nil {
			t.Fatalf("pick opponent: %v", err)
		}
		if opp.PolicyID != "pol-3" {
			t.Fatalf("self-play picked %s, want pol-3", opp.PolicyID)
		}
		if opp.Live || opp.Placeholder {
			t.Fatalf("self-play flagged live=%v placeholder=%v", opp.Live, opp.Placeholder)
		}
		if opp.Player.Kind != player.KindCheckpoint {
			t.Fatalf("player kind = %q, want checkpoint", opp.Player.Kind)
		}
		if opp.Player.PolicyID != "pol-3" || string(opp.Player.Payload) != "ckpt-0004" {
			t.Fatalf("player spec = %+v, want pol-3 backed by ckpt-0004", opp.Player)
		}
		if opp.Player.FrameStack != 3 {
			t.Fatalf("frame stack = %d, want 3", opp.Player.FrameStack)
		}
	}

	p := model.Policy{ID: "pol-4", Seq: 5, CheckpointID: "ckpt-0005"}
	if err := m.AddPolicy(p); err != nil {
		t.Fatalf("add policy: %v", err)
	}
	opp, err := s.PickOpponent(rng, m.View(), teams[0], true)
	if err != nil {
		t.Fatalf("pick opponent: %v", err)
	}
	if opp.PolicyID != "pol-4" {
		t.Fatalf("self-play picked %s after growth, want pol-4", opp.PolicyID)
	}
}

func TestSelfPlayUsesLiveBeforeFirstCheckpoint(t *testing.T) {
	teams := fixtureTeams(t, "Calyrex-Shadow", "Calyrex-Ice")
	m := population.NewManager(teams)
	s, err := New(AlgorithmSelfPlay, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rng := rand.New(rand.NewSource(3))

	opp, err := s.PickOpponent(rng, m.View(), teams[0], true)
	if err != nil {
		t.Fatalf("pick opponent: %v", err)
	}
	if !opp.Live {
		t.Fatal("expected the live training policy as opponent")
	}
	if opp.Placeholder {
		t.Fatal("live opponent must not be flagged as placeholder")
	}
	if opp.PolicyID != population.LivePolicyID {
		t.Fatalf("policy id = %q, want %q", opp.PolicyID, population.LivePolicyID)
	}
	if opp.Player.Kind != "" {
		t.Fatalf("player kind = %q, want empty for the loop to fill", opp.Player.Kind)
	}
}

func TestFictitiousPlayUniform(t *testing.T) {
	teams := fixtureTeams(t, "Calyrex-Shadow", "Calyrex-Ice")
	view := fixtureManager(t, 4, teams).View()
	s, err := New(AlgorithmFictitious, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rng := rand.New(rand.NewSource(7))

	const draws = 4000
	counts := make(map[string]int)
	for i := 0; i < draws; i++ {
		opp, err := s.PickOpponent(rng, view, teams[0], true)
		if err != nil {
			t.Fatalf("pick opponent: %v", err)
		}
		counts[opp.PolicyID]++
	}

	// 16.27 is the 99.9th percentile of chi-square with 3 degrees of
	// freedom.
	expected := float64(draws) / 4
	chi2 := 0.0
	for i := 0; i < 4; i++ {
		d := float64(counts[fmt.Sprintf("pol-%d", i)]) - expected
		chi2 += d * d / expected
	}
	if chi2 > 16.27 {
		t.Fatalf("draw counts %v give chi-square %.2f, want uniform", counts, chi2)
	}
}

func TestFictitiousPlayCoversUnplayedMembers(t *testing.T) {
	teams := fixtureTeams(t, "Calyrex-Shadow", "Calyrex-Ice")
	m := fixtureManager(t, 3, teams)
	recordLiveGames(m, "pol-0", 5, 5)
	s, err := New(AlgorithmFictitious, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rng := rand.New(rand.NewSource(19))

	view := m.View()
	counts := make(map[string]int)
	for i := 0; i < 400; i++ {
		opp, err := s.PickOpponent(rng, view, teams[0], true)
		if err != nil {
			t.Fatalf("pick opponent: %v", err)
		}
		counts[opp.PolicyID]++
	}
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("pol-%d", i)
		if counts[id] == 0 {
			t.Fatalf("fictitious play never sampled %s: %v", id, counts)
		}
	}
}

func TestExploitationFavorsWeakOpponents(t *testing.T) {
	teams := fixtureTeams(t, "Calyrex-Shadow", "Calyrex-Ice")
	m := fixtureManager(t, 2, teams)
	recordLiveGames(m, "pol-0", 9, 1)
	recordLiveGames(m, "pol-1", 1, 9)
	s, err := New(AlgorithmExploitation, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rng := rand.New(rand.NewSource(23))

	const draws = 2000
	view := m.View()
	counts := make(map[string]int)
	for i := 0; i < draws; i++ {
		opp, err := s.PickOpponent(rng, view, teams[0], true)
		if err != nil {
			t.Fatalf("pick opponent: %v", err)
		}
		counts[opp.PolicyID]++
	}

	// Inverse win-rate weights are 0.1 and 0.9, so pol-1 should take
	// about nine draws in ten.
	share := float64(counts["pol-1"]) / draws
	if share < 0.85 || share > 0.95 {
		t.Fatalf("pol-1 share = %.3f over %v, want about 0.9", share, counts)
	}
}

func TestExploitationMasksUnplayedMembers(t *testing.T) {
	teams := fixtureTeams(t, "Calyrex-Shadow", "Calyrex-Ice")
	m := fixtureManager(t, 3, teams)
	recordLiveGames(m, "pol-0", 2, 8)
	recordLiveGames(m, "pol-1", 5, 5)
	s, err := New(AlgorithmExploitation, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rng := rand.New(rand.NewSource(29))

	view := m.View()
	counts := make(map[string]int)
	for i := 0; i < 400; i++ {
		opp, err := s.PickOpponent(rng, view, teams[0], true)
		if err != nil {
			t.Fatalf("pick opponent: %v", err)
		}
		counts[opp.PolicyID]++
	}
	if counts["pol-2"] != 0 {
		t.Fatalf("sampled pol-2 %d times despite zero recorded games", counts["pol-2"])
	}
	if counts["pol-0"] == 0 || counts["pol-1"] == 0 {
		t.Fatalf("played members missing from draws: %v", counts)
	}
}

func TestMirrorExclusionNeverDispatchesMirror(t *testing.T) {
	teams := fixtureTeams(t, "Calyrex-Shadow", "Calyrex-Ice", "Miraidon")
	learner := teams[0]
	view := fixtureManager(t, 3, teams).View()

	for _, name := range Algorithms() {
		s, err := New(name, Config{})
		if err != nil {
			t.Fatalf("New(%q): %v", name, err)
		}
		rng := rand.New(rand.NewSource(31))
		for i := 0; i < 200; i++ {
			opp, err := s.PickOpponent(rng, view, learner, false)
			if err != nil {
				t.Fatalf("%s pick %d: %v", name, i, err)
			}
			if opp.Team.Key() == learner.Key() {
				t.Fatalf("%s dispatched a mirror pairing on pick %d", name, i)
			}
		}
	}
}

func TestMirrorExclusionWithSingleTeam(t *testing.T) {
	teams := fixtureTeams(t, "Calyrex-Shadow")
	view := fixtureManager(t, 2, teams).View()
	s, err := New(AlgorithmFictitious, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rng := rand.New(rand.NewSource(37))

	if _, err := s.PickOpponent(rng, view, teams[0], false); !errors.Is(err, battle.ErrInvalidMatchup) {
		t.Fatalf("single-team exclusion error = %v, want ErrInvalidMatchup", err)
	}

	opp, err := s.PickOpponent(rng, view, teams[0], true)
	if err != nil {
		t.Fatalf("mirror-allowed pick: %v", err)
	}
	if opp.Team.Key() != teams[0].Key() {
		t.Fatalf("team key = %s, want the single team %s", opp.Team.Key(), teams[0].Key())
	}
}

func TestPlaceholderFallbackOnEmptyPopulation(t *testing.T) {
	teams := fixtureTeams(t, "Calyrex-Shadow", "Calyrex-Ice")
	view := population.NewManager(teams).View()
	for _, name := range []string{AlgorithmFictitious, AlgorithmDoubleOracle, AlgorithmExploitation} {
		s, err := New(name, Config{FrameStack: 6})
		if err != nil {
			t.Fatalf("New(%q): %v", name, err)
		}
		rng := rand.New(rand.NewSource(41))

		opp, err := s.PickOpponent(rng, view, teams[0], true)
		if err != nil {
			t.Fatalf("%s pick: %v", name, err)
		}
		if !opp.Placeholder {
			t.Fatalf("%s returned a non-placeholder opponent on an empty population", name)
		}
		if opp.PolicyID != PlaceholderPolicyID {
			t.Fatalf("%s policy id = %q, want %q", name, opp.PolicyID, PlaceholderPolicyID)
		}
		if opp.Player.Kind != player.KindRandom {
			t.Fatalf("%s player kind = %q, want random", name, opp.Player.Kind)
		}
		if opp.Player.FrameStack != 6 {
			t.Fatalf("%s frame stack = %d, want 6", name, opp.Player.FrameStack)
		}
	}
}
