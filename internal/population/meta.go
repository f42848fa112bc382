package population

import (
	"errors"
	"fmt"
	"math"

	"palaestra/internal/model"
)

// LivePolicyID keys matrix entries for the mutable training policy,
// which lives outside the frozen population until it is checkpointed.
const LivePolicyID = "live"

// ErrConvergenceStall reports a restricted game whose meta-strategy did
// not settle within the solver's iteration budget. The distribution
// returned alongside it is still usable.
var ErrConvergenceStall = errors.New("restricted game convergence stall")

// MetaKind selects how the distribution over the population is derived.
type MetaKind string

const (
	// MetaLatest is the degenerate distribution on the newest policy.
	MetaLatest MetaKind = "latest"
	// MetaUniform weights every policy equally.
	MetaUniform MetaKind = "uniform"
	// MetaNash solves the restricted game over the population.
	MetaNash MetaKind = "nash"
	// MetaInverse weights policies by how poorly the live policy fares
	// against them.
	MetaInverse MetaKind = "inverse"
)

const (
	defaultSolverIterations = 2000
	defaultSolverTolerance  = 1e-4
	solverCheckInterval     = 50
)

// ComputeMetaStrategy derives the distribution over view's population for
// kind. Except for MetaLatest, a policy with zero recorded games against
// the live policy gets zero mass unless nothing has been recorded at all,
// in which case the distribution is uniform. A MetaNash result that hit
// the iteration budget is returned together with ErrConvergenceStall.
func ComputeMetaStrategy(view View, kind MetaKind, livePolicyID string) (model.MetaStrategy, error) {
	n := view.Len()
	ms := model.MetaStrategy{
		PolicyIDs: make([]string, n),
		Probs:     make([]float64, n),
	}
	for i, p := range view.Policies {
		ms.PolicyIDs[i] = p.ID
	}
	if n == 0 {
		return ms, nil
	}
	if livePolicyID == "" {
		livePolicyID = LivePolicyID
	}

	switch kind {
	case MetaLatest:
		ms.Probs[n-1] = 1
		return ms, nil
	case MetaUniform:
		for i := range ms.Probs {
			ms.Probs[i] = 1
		}
		ms.Probs = maskByGames(view, livePolicyID, ms.Probs)
		return ms, nil
	case MetaInverse:
		for i, p := range view.Policies {
			rate, games := view.AggregateRate(livePolicyID, p.ID)
			if games > 0 {
				ms.Probs[i] = 1 - rate
			}
		}
		ms.Probs = maskByGames(view, livePolicyID, ms.Probs)
		return ms, nil
	case MetaNash:
		result := SolveRestrictedGame(restrictedPayoff(view), defaultSolverIterations, defaultSolverTolerance)
		ms.Probs = maskByGames(view, livePolicyID, result.Probs)
		if !result.Converged {
			return ms, fmt.Errorf("%w: after %d iterations", ErrConvergenceStall, result.Iterations)
		}
		return ms, nil
	default:
		return model.MetaStrategy{}, fmt.Errorf("unknown meta-strategy kind %q", kind)
	}
}

// maskByGames zeroes entries for policies the live policy has never
// played and renormalizes. With no recorded games anywhere the cold-start
// rule applies: uniform over the whole population. A mask that would
// erase all mass also degrades to uniform over the unmasked set.
func maskByGames(view View, livePolicyID string, weights []float64) []float64 {
	games := make([]int, view.Len())
	total := 0
	for i, p := range view.Policies {
		_, g := view.AggregateRate(livePolicyID, p.ID)
		games[i] = g
		total += g
	}

	out := make([]float64, len(weights))
	if total == 0 {
		for i := range out {
			out[i] = 1 / float64(len(out))
		}
		return out
	}

	sum := 0.0
	for i, w := range weights {
		if games[i] == 0 || w <= 0 {
			continue
		}
		out[i] = w
		sum += w
	}
	if sum == 0 {
		played := 0
		for _, g := range games {
			if g > 0 {
				played++
			}
		}
		for i, g := range games {
			if g > 0 {
				out[i] = 1 / float64(played)
			}
		}
		return out
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// restrictedPayoff builds the row player's payoff matrix over the
// population from aggregate win rates. Pairings without data sit at the
// even baseline.
func restrictedPayoff(view View) [][]float64 {
	n := view.Len()
	payoff := make([][]float64, n)
	for i := range payoff {
		payoff[i] = make([]float64, n)
		for j := range payoff[i] {
			if i == j {
				payoff[i][j] = 0.5
				continue
			}
			rate, games := view.AggregateRate(view.Policies[i].ID, view.Policies[j].ID)
			if games == 0 {
				rate = 0.5
			}
			payoff[i][j] = rate
		}
	}
	return payoff
}

// SolveResult is the outcome of one restricted-game solve.
type SolveResult struct {
	Probs      []float64
	Converged  bool
	Iterations int
}

// SolveRestrictedGame approximates an equilibrium of the symmetric
// restricted game by regret matching: both sides play the current
// regret-matched strategy, positive regrets accumulate, and the average
// strategy is the answer. Convergence is declared when the average stops
// moving by more than tolerance between checks.
func SolveRestrictedGame(payoff [][]float64, iterations int, tolerance float64) SolveResult {
	n := len(payoff)
	if n == 0 {
		return SolveResult{Converged: true}
	}
	if n == 1 {
		return SolveResult{Probs: []float64{1}, Converged: true, Iterations: 1}
	}
	if iterations <= 0 {
		iterations = defaultSolverIterations
	}

	regretSum := make([]float64, n)
	strategySum := make([]float64, n)
	current := uniform(n)
	previous := uniform(n)

	for t := 1; t <= iterations; t++ {
		// Expected payoff of each pure strategy against the mixed one.
		pure := make([]float64, n)
		mixed := 0.0
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				pure[i] += payoff[i][j] * current[j]
			}
			mixed += current[i] * pure[i]
		}
		for i := 0; i < n; i++ {
			regretSum[i] += pure[i] - mixed
			strategySum[i] += current[i]
		}
		current = regretMatch(regretSum)

		if t%solverCheckInterval == 0 {
			average := normalize(strategySum)
			if maxDelta(average, previous) < tolerance {
				return SolveResult{Probs: average, Converged: true, Iterations: t}
			}
			previous = average
		}
	}
	return SolveResult{Probs: normalize(strategySum), Converged: false, Iterations: iterations}
}

// SolveFictitiousPlay estimates equilibrium strategies for a zero-sum
// matrix game by iterated best response against the opponent's empirical
// mixture. Payoff is the row player's; the column player plays its
// complement. Returns the two average strategies.
func SolveFictitiousPlay(payoff [][]float64, iterations int) ([]float64, []float64) {
	n := len(payoff)
	if n == 0 {
		return nil, nil
	}
	if iterations <= 0 {
		iterations = defaultSolverIterations
	}

	rowCounts := make([]float64, n)
	colCounts := make([]float64, n)
	rowCounts[0]++
	colCounts[0]++
	for t := 1; t < iterations; t++ {
		rowBest := bestRowResponse(payoff, colCounts)
		colBest := bestColResponse(payoff, rowCounts)
		rowCounts[rowBest]++
		colCounts[colBest]++
	}
	return normalize(rowCounts), normalize(colCounts)
}

func bestRowResponse(payoff [][]float64, colCounts []float64) int {
	best, bestValue := 0, math.Inf(-1)
	for i := range payoff {
		value := 0.0
		for j, c := range colCounts {
			value += payoff[i][j] * c
		}
		if value > bestValue {
			best, bestValue = i, value
		}
	}
	return best
}

func bestColResponse(payoff [][]float64, rowCounts []float64) int {
	best, bestValue := 0, math.Inf(1)
	for j := range payoff[0] {
		value := 0.0
		for i, c := range rowCounts {
			value += payoff[i][j] * c
		}
		if value < bestValue {
			best, bestValue = j, value
		}
	}
	return best
}

// regretMatch maps accumulated regrets to a strategy: negative regrets
// clip to zero and the rest normalize, falling back to uniform when no
// regret is positive.
func regretMatch(regretSum []float64) []float64 {
	out := make([]float64, len(regretSum))
	total := 0.0
	for i, r := range regretSum {
		if r > 0 {
			out[i] = r
			total += r
		}
	}
	if total <= 0 {
		return uniform(len(regretSum))
	}
	for i := range out {
		out[i] /= total
	}
	return out
}

func normalize(v []float64) []float64 {
	out := make([]float64, len(v))
	total := 0.0
	for _, x := range v {
		total += x
	}
	if total <= 0 {
		return uniform(len(v))
	}
	for i, x := range v {
		out[i] = x / total
	}
	return out
}

func uniform(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1 / float64(n)
	}
	return out
}

func maxDelta(a, b []float64) float64 {
	delta := 0.0
	for i := range a {
		if d := math.Abs(a[i] - b[i]); d > delta {
			delta = d
		}
	}
	return delta
}
