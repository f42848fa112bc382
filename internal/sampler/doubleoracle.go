package sampler

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"

	"palaestra/internal/model"
	"palaestra/internal/population"
	"palaestra/internal/team"
)

// DefaultExpandThreshold is the meta-strategy movement bound below which
// the restricted game counts as converged.
const DefaultExpandThreshold = 0.05

// DoubleOracle solves the restricted game over the current population and
// samples opponents from the resulting equilibrium mix. Once successive
// equilibria stop moving it latches an expansion request so the training
// loop adds the live policy as a new pure strategy.
type DoubleOracle struct {
	cfg   Config
	solve func(view population.View) (model.MetaStrategy, error)

	mu     sync.Mutex
	last   []float64
	expand bool
}

func NewDoubleOracle(cfg Config) *DoubleOracle {
	return &DoubleOracle{
		cfg: normalizeConfig(cfg),
		solve: func(view population.View) (model.MetaStrategy, error) {
			return population.ComputeMetaStrategy(view, population.MetaNash, population.LivePolicyID)
		},
	}
}

func (*DoubleOracle) Name() string { return AlgorithmDoubleOracle }

func (s *DoubleOracle) PickOpponent(rng *rand.Rand, view population.View, learnerTeam team.Team, allowMirror bool) (Opponent, error) {
	if rng == nil {
		return Opponent{}, fmt.Errorf("random source is required")
	}
	if view.Len() == 0 {
		return placeholderOpponent(rng, view.Teams, learnerTeam, allowMirror, s.cfg.FrameStack)
	}

	var idx int
	ms, err := s.solve(view)
	switch {
	case errors.Is(err, population.ErrConvergenceStall):
		// Sample uniformly for this iteration, the way fictitious play
		// would, and keep the previous equilibrium as the latch baseline.
		slog.Warn("restricted game did not converge, sampling uniformly",
			"population", view.Len(),
			"err", err,
		)
		idx = rng.Intn(view.Len())
	case err != nil:
		return Opponent{}, fmt.Errorf("restricted game: %w", err)
	default:
		s.observe(ms.Probs)
		idx = sampleIndex(rng, ms.Probs)
	}

	opponentTeam, err := pickOpponentTeam(rng, view.Teams, learnerTeam, allowMirror)
	if err != nil {
		return Opponent{}, err
	}
	return policyOpponent(view.Policies[idx], opponentTeam, s.cfg.FrameStack), nil
}

// observe latches expansion once the equilibrium stops moving between two
// successive recomputations over the same population size.
func (s *DoubleOracle) observe(probs []float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.last) == len(probs) && maxShift(s.last, probs) < s.cfg.ExpandThreshold {
		s.expand = true
	}
	s.last = append(s.last[:0], probs...)
}

// ShouldExpand reports whether the restricted game converged since the
// last call. The latch resets on read.
func (s *DoubleOracle) ShouldExpand() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.expand
	s.expand = false
	return v
}

func maxShift(a, b []float64) float64 {
	shift := 0.0
	for i := range a {
		d := a[i] - b[i]
		if d < 0 {
			d = -d
		}
		if d > shift {
			shift = d
		}
	}
	return shift
}
