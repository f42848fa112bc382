package training

import (
	"context"
	"fmt"

	"palaestra/internal/battle"
	"palaestra/internal/model"
	"palaestra/internal/player"
	"palaestra/internal/population"
	"palaestra/internal/sampler"
	"palaestra/internal/team"
)

// Evaluator plays the live policy against the frame-stacked random
// baseline after each checkpoint. Opponent seed and teams are fixed so
// the win-rate series stays comparable across checkpoints.
type Evaluator struct {
	Runner      EpisodeRunner
	Format      string
	Episodes    int
	FrameStack  int
	AllowMirror bool
	Seed        int64
}

// Evaluate runs the evaluation batch for one freshly frozen policy and
// returns its point in the run's win-rate series.
func (e *Evaluator) Evaluate(ctx context.Context, iteration int, policyID string, weights []byte, teams []team.Team) (model.EvalPoint, error) {
	if e.Runner == nil || e.Episodes <= 0 {
		return model.EvalPoint{}, fmt.Errorf("evaluator is not configured")
	}
	learnerTeam, baselineTeam, err := evalTeams(teams, e.AllowMirror)
	if err != nil {
		return model.EvalPoint{}, err
	}

	m := battle.Matchup{
		Format: e.Format,
		SideA: battle.Side{
			Name:     "learner",
			PolicyID: population.LivePolicyID,
			Player: player.Spec{
				Kind:       player.KindCheckpoint,
				PolicyID:   policyID,
				Payload:    weights,
				FrameStack: e.FrameStack,
			},
			Team: learnerTeam,
		},
		SideB: battle.Side{
			Name:     "baseline",
			PolicyID: sampler.PlaceholderPolicyID,
			Player: player.Spec{
				Kind:       player.KindRandom,
				Seed:       e.Seed,
				FrameStack: e.FrameStack,
			},
			Team: baselineTeam,
		},
		AllowMirror: e.AllowMirror,
	}

	_, tally, err := e.Runner.RunEpisodes(ctx, m, e.Episodes)
	if err != nil {
		return model.EvalPoint{}, fmt.Errorf("evaluation batch: %w", err)
	}
	return model.EvalPoint{
		Iteration: iteration,
		PolicyID:  policyID,
		WinRate:   tally.Rate(),
		Games:     tally.Games,
		Aborted:   tally.Aborted,
	}, nil
}

// evalTeams fixes the pairing to the first eligible teams: the learner
// plays the first team, the baseline the first team that does not mirror
// it when mirrors are excluded.
func evalTeams(teams []team.Team, allowMirror bool) (team.Team, team.Team, error) {
	if len(teams) == 0 {
		return team.Team{}, team.Team{}, fmt.Errorf("no teams to evaluate with")
	}
	learner := teams[0]
	if allowMirror {
		return learner, teams[0], nil
	}
	for _, t := range teams[1:] {
		if t.Key() != learner.Key() {
			return learner, t, nil
		}
	}
	return team.Team{}, team.Team{}, fmt.Errorf("%w: no non-mirror baseline team", battle.ErrInvalidMatchup)
}
