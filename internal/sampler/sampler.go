// Package sampler picks the opponent for each training iteration from the
// frozen population. Four algorithms are supported: self-play, fictitious
// play, double oracle and policy exploitation. All of them fall back to a
// frame-stacked random placeholder while the population is still empty.
package sampler

import (
	"errors"
	"fmt"
	"math/rand"

	"palaestra/internal/battle"
	"palaestra/internal/model"
	"palaestra/internal/player"
	"palaestra/internal/population"
	"palaestra/internal/team"
)

// Algorithm names accepted by New.
const (
	AlgorithmSelfPlay     = "self-play"
	AlgorithmFictitious   = "fictitious-play"
	AlgorithmDoubleOracle = "double-oracle"
	AlgorithmExploitation = "policy-exploitation"
)

// PlaceholderPolicyID keys win-rate entries for the random placeholder
// opponent used before the first checkpoint enters the population.
const PlaceholderPolicyID = "random"

// ErrUnknownAlgorithm reports an algorithm name New does not recognize.
var ErrUnknownAlgorithm = errors.New("unknown sampling algorithm")

// Opponent is one sampled (policy, team) pairing for the next episode
// batch.
type Opponent struct {
	// PolicyID keys win-rate matrix entries for this opponent.
	PolicyID string
	// Policy is the frozen population member backing the opponent. Zero
	// for live and placeholder opponents.
	Policy model.Policy
	// Player is the opponent's per-episode player spec. Payload carries
	// the checkpoint id; the training loop swaps in stored weights when
	// it has them.
	Player player.Spec
	Team   team.Team
	// Live marks the mutable training policy itself, returned by
	// self-play before any checkpoint exists.
	Live bool
	// Placeholder marks the empty-population random fallback.
	Placeholder bool
}

// Sampler picks the opponent for one training iteration.
type Sampler interface {
	Name() string
	PickOpponent(rng *rand.Rand, view population.View, learnerTeam team.Team, allowMirror bool) (Opponent, error)
}

// Expander is implemented by samplers that decide when the population
// should grow. The training loop answers a true result by snapshotting
// the live policy into the population.
type Expander interface {
	ShouldExpand() bool
}

// Config carries the knobs shared by all sampling algorithms.
type Config struct {
	// FrameStack is the observation window depth for spawned players.
	FrameStack int
	// ExpandThreshold bounds double-oracle meta-strategy movement between
	// successive recomputations; below it the restricted game counts as
	// converged.
	ExpandThreshold float64
}

func normalizeConfig(cfg Config) Config {
	if cfg.FrameStack <= 0 {
		cfg.FrameStack = player.DefaultFrameStack
	}
	if cfg.ExpandThreshold <= 0 {
		cfg.ExpandThreshold = DefaultExpandThreshold
	}
	return cfg
}

// New returns the sampler for the named algorithm.
func New(algorithm string, cfg Config) (Sampler, error) {
	cfg = normalizeConfig(cfg)
	switch algorithm {
	case AlgorithmSelfPlay:
		return SelfPlay{cfg: cfg}, nil
	case AlgorithmFictitious:
		return FictitiousPlay{cfg: cfg}, nil
	case AlgorithmDoubleOracle:
		return NewDoubleOracle(cfg), nil
	case AlgorithmExploitation:
		return Exploitation{cfg: cfg}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algorithm)
	}
}

// Algorithms lists the accepted algorithm names in sorted order.
func Algorithms() []string {
	return []string{
		AlgorithmDoubleOracle,
		AlgorithmFictitious,
		AlgorithmExploitation,
		AlgorithmSelfPlay,
	}
}

// SelfPlay always returns the most recently added policy, or the live
// training policy before the first checkpoint exists. The policy choice
// carries no randomness; only the opponent team is drawn.
type SelfPlay struct {
	cfg Config
}

func (SelfPlay) Name() string { return AlgorithmSelfPlay }

func (s SelfPlay) PickOpponent(rng *rand.Rand, view population.View, learnerTeam team.Team, allowMirror bool) (Opponent, error) {
	if rng == nil {
		return Opponent{}, fmt.Errorf("random source is required")
	}

	latest, ok := view.Latest()
	opponentTeam, err := pickOpponentTeam(rng, view.Teams, learnerTeam, allowMirror)
	if err != nil {
		return Opponent{}, err
	}
	if !ok {
		return Opponent{
			PolicyID: population.LivePolicyID,
			Live:     true,
			Team:     opponentTeam,
		}, nil
	}
	return policyOpponent(latest, opponentTeam, s.cfg.FrameStack), nil
}

// FictitiousPlay draws the opponent uniformly from the entire population,
// including members without any recorded games yet.
type FictitiousPlay struct {
	cfg Config
}

func (FictitiousPlay) Name() string { return AlgorithmFictitious }

func (s FictitiousPlay) PickOpponent(rng *rand.Rand, view population.View, learnerTeam team.Team, allowMirror bool) (Opponent, error) {
	if rng == nil {
		return Opponent{}, fmt.Errorf("random source is required")
	}
	if view.Len() == 0 {
		return placeholderOpponent(rng, view.Teams, learnerTeam, allowMirror, s.cfg.FrameStack)
	}

	chosen := view.Policies[rng.Intn(view.Len())]
	opponentTeam, err := pickOpponentTeam(rng, view.Teams, learnerTeam, allowMirror)
	if err != nil {
		return Opponent{}, err
	}
	return policyOpponent(chosen, opponentTeam, s.cfg.FrameStack), nil
}

// Exploitation weights sampling toward the members the live policy has the
// lowest win rate against.
type Exploitation struct {
	cfg Config
}

func (Exploitation) Name() string { return AlgorithmExploitation }

func (s Exploitation) PickOpponent(rng *rand.Rand, view population.View, learnerTeam team.Team, allowMirror bool) (Opponent, error) {
	if rng == nil {
		return Opponent{}, fmt.Errorf("random source is required")
	}
	if view.Len() == 0 {
		return placeholderOpponent(rng, view.Teams, learnerTeam, allowMirror, s.cfg.FrameStack)
	}

	ms, err := population.ComputeMetaStrategy(view, population.MetaInverse, population.LivePolicyID)
	if err != nil {
		return Opponent{}, fmt.Errorf("exploitation weights: %w", err)
	}
	chosen := view.Policies[sampleIndex(rng, ms.Probs)]
	opponentTeam, err := pickOpponentTeam(rng, view.Teams, learnerTeam, allowMirror)
	if err != nil {
		return Opponent{}, err
	}
	return policyOpponent(chosen, opponentTeam, s.cfg.FrameStack), nil
}

// DrawTeam picks one team uniformly at random.
func DrawTeam(rng *rand.Rand, teams []team.Team) (team.Team, error) {
	if rng == nil {
		return team.Team{}, fmt.Errorf("random source is required")
	}
	if len(teams) == 0 {
		return team.Team{}, fmt.Errorf("no teams to draw from")
	}
	return teams[rng.Intn(len(teams))], nil
}

// pickOpponentTeam draws uniformly among the teams that do not mirror the
// learner's team when mirrors are excluded.
func pickOpponentTeam(rng *rand.Rand, teams []team.Team, learnerTeam team.Team, allowMirror bool) (team.Team, error) {
	if allowMirror {
		return DrawTeam(rng, teams)
	}
	eligible := make([]team.Team, 0, len(teams))
	for _, t := range teams {
		if t.Key() != learnerTeam.Key() {
			eligible = append(eligible, t)
		}
	}
	if len(eligible) == 0 {
		return team.Team{}, fmt.Errorf("%w: no opponent team differs from %s", battle.ErrInvalidMatchup, learnerTeam.Key())
	}
	return DrawTeam(rng, eligible)
}

func policyOpponent(p model.Policy, opponentTeam team.Team, frameStack int) Opponent {
	return Opponent{
		PolicyID: p.ID,
		Policy:   p,
		Player: player.Spec{
			Kind:       player.KindCheckpoint,
			PolicyID:   p.ID,
			Payload:    []byte(p.CheckpointID),
			FrameStack: frameStack,
		},
		Team: opponentTeam,
	}
}

func placeholderOpponent(rng *rand.Rand, teams []team.Team, learnerTeam team.Team, allowMirror bool, frameStack int) (Opponent, error) {
	opponentTeam, err := pickOpponentTeam(rng, teams, learnerTeam, allowMirror)
	if err != nil {
		return Opponent{}, err
	}
	return Opponent{
		PolicyID:    PlaceholderPolicyID,
		Placeholder: true,
		Player: player.Spec{
			Kind:       player.KindRandom,
			Seed:       rng.Int63(),
			FrameStack: frameStack,
		},
		Team: opponentTeam,
	}, nil
}

// sampleIndex draws an index from a normalized distribution. It never
// lands on a zero-probability index as long as any index has mass.
func sampleIndex(rng *rand.Rand, probs []float64) int {
	r := rng.Float64()
	acc := 0.0
	last := 0
	for i, p := range probs {
		if p <= 0 {
			continue
		}
		acc += p
		last = i
		if r < acc {
			return i
		}
	}
	return last
}
