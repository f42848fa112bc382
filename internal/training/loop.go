// Package training drives the per-iteration orchestration: sample an
// opponent from the population, collect an episode batch through the
// worker pool, hand trajectories to the opaque improver, fold outcomes
// into the win-rate matrix, and checkpoint the live policy into the
// population on cadence. Runs are resumable from the save directory.
package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"palaestra/internal/battle"
	"palaestra/internal/model"
	"palaestra/internal/player"
	"palaestra/internal/population"
	"palaestra/internal/sampler"
	"palaestra/internal/storage"
	"palaestra/internal/team"
	"palaestra/internal/telemetry"
)

// EpisodeRunner runs one matchup's episode budget to completion. It is a
// barrier: the call returns only when every requested episode has
// completed or aborted.
type EpisodeRunner interface {
	RunEpisodes(ctx context.Context, m battle.Matchup, n int) ([]battle.Episode, battle.Tally, error)
}

const (
	DefaultFormat          = "gen9vgc2024regg"
	DefaultEpisodes        = 16
	DefaultCheckpointEvery = 10

	initialWeightBytes = 64
	flushTimeout       = 30 * time.Second
)

// Config fixes a training run for its lifetime. Structural problems are
// rejected by NewLoop before any server process is touched.
type Config struct {
	RunID     string
	Algorithm string
	Format    string

	Store      storage.Store
	Runner     EpisodeRunner
	EvalRunner EpisodeRunner
	Improver   Improver

	Teams []team.Team
	// FixedTeamA and FixedTeamB pin one side's team. With both set,
	// opponent sampling is bypassed entirely in favor of a single
	// deterministic pairing. The zero Team leaves a side free.
	FixedTeamA team.Team
	FixedTeamB team.Team

	Iterations      int
	Episodes        int
	EvalEpisodes    int
	CheckpointEvery int
	FrameStack      int
	AllowMirror     bool
	Seed            int64
	// ExpandThreshold is the double-oracle restricted-game convergence
	// bound; zero uses the sampler default.
	ExpandThreshold float64
	// BehaviorClone seeds the live weights and the population with a
	// pretrained checkpoint instead of fresh random weights.
	BehaviorClone []byte

	Status *telemetry.Status
}

// Summary reports where a run (or run segment) ended.
type Summary struct {
	RunID          string
	Iterations     int
	PopulationSize int
	LastEvalRate   float64
}

// Loop is the coordinating goroutine of a run. Workers only return
// results; every population and matrix mutation happens here, after the
// batch barrier and before the next sampling decision reads the matrix.
type Loop struct {
	cfg  Config
	pop  *population.Manager
	pick sampler.Sampler
	rng  *rand.Rand

	state   model.RunState
	weights []byte
	evals   []model.EvalPoint
}

func NewLoop(cfg Config) (*Loop, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Runner == nil {
		return nil, errors.New("episode runner is required")
	}
	if len(cfg.Teams) == 0 {
		return nil, fmt.Errorf("%w: at least one team is required", team.ErrInvalid)
	}
	if cfg.Iterations <= 0 {
		return nil, errors.New("iteration count must be > 0")
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = sampler.AlgorithmSelfPlay
	}
	if cfg.Format == "" {
		cfg.Format = DefaultFormat
	}
	if cfg.Episodes <= 0 {
		cfg.Episodes = DefaultEpisodes
	}
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = DefaultCheckpointEvery
	}
	if cfg.FrameStack <= 0 {
		cfg.FrameStack = player.DefaultFrameStack
	}
	if cfg.Improver == nil {
		cfg.Improver = IdentityImprover{}
	}

	fixedA, fixedB := cfg.FixedTeamA.Key() != "", cfg.FixedTeamB.Key() != ""
	if fixedA && fixedB && !cfg.AllowMirror && cfg.FixedTeamA.Key() == cfg.FixedTeamB.Key() {
		return nil, fmt.Errorf("%w: fixed teams mirror each other", battle.ErrInvalidMatchup)
	}

	pick, err := sampler.New(cfg.Algorithm, sampler.Config{
		FrameStack:      cfg.FrameStack,
		ExpandThreshold: cfg.ExpandThreshold,
	})
	if err != nil {
		return nil, err
	}

	return &Loop{
		cfg:  cfg,
		pop:  population.NewManager(cfg.Teams),
		pick: pick,
		rng:  rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// Run executes the remaining iterations of the run. A canceled context
// stops dispatch, discards in-flight episodes, and still flushes the
// completed state to the store before returning.
func (l *Loop) Run(ctx context.Context) (Summary, error) {
	if err := l.cfg.Store.Init(ctx); err != nil {
		return Summary{}, fmt.Errorf("init store: %w", err)
	}
	if err := l.prepare(ctx); err != nil {
		return Summary{}, err
	}

	l.cfg.Status.Update(func(s *telemetry.Snapshot) {
		s.Running = true
		s.RunID = l.state.RunID
		s.Algorithm = l.cfg.Algorithm
		s.Iteration = l.state.Iteration
		s.PopulationSize = l.pop.Len()
		s.StartedAtUTC = time.Now().UTC().Format(time.RFC3339)
	})
	defer l.cfg.Status.Update(func(s *telemetry.Snapshot) {
		s.Running = false
		s.Phase = "stopped"
	})
	telemetry.SetPopulationSize(l.pop.Len())

	for l.state.Iteration < l.cfg.Iterations {
		if ctx.Err() != nil {
			l.flush()
			return l.summary(), ctx.Err()
		}
		if err := l.iterate(ctx); err != nil {
			l.flush()
			return l.summary(), err
		}
	}

	l.setPhase("persisting")
	if err := l.persist(ctx, true); err != nil {
		return l.summary(), fmt.Errorf("final persist: %w", err)
	}
	l.setPhase("done")
	return l.summary(), nil
}

// prepare restores a previous run segment from the store, or lays down a
// fresh run state, seeding the population from a behavior-cloned
// checkpoint when one is configured.
func (l *Loop) prepare(ctx context.Context) error {
	runID := l.cfg.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	state, ok, err := l.cfg.Store.GetRunState(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run state: %w", err)
	}
	if ok {
		return l.resume(ctx, state)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	l.state = model.RunState{
		VersionedRecord: storage.Versioned(),
		RunID:           runID,
		Algorithm:       l.cfg.Algorithm,
		BattleFormat:    l.cfg.Format,
		Seed:            l.cfg.Seed,
		FrameStack:      l.cfg.FrameStack,
		MirrorMatches:   l.cfg.AllowMirror,
		TeamKeys:        teamKeys(l.cfg.Teams),
		CreatedAtUTC:    now,
		UpdatedAtUTC:    now,
	}

	if len(l.cfg.BehaviorClone) > 0 {
		l.weights = append([]byte(nil), l.cfg.BehaviorClone...)
		if err := l.freeze(ctx, "behavior-clone", 0); err != nil {
			return fmt.Errorf("seed behavior-clone policy: %w", err)
		}
	} else {
		l.weights = initialWeights(l.rng)
	}
	return l.persist(ctx, true)
}

func (l *Loop) resume(ctx context.Context, state model.RunState) error {
	if state.Algorithm != l.cfg.Algorithm {
		return fmt.Errorf("run %s was trained with %s, not %s", state.RunID, state.Algorithm, l.cfg.Algorithm)
	}

	policies, err := l.cfg.Store.ListPolicies(ctx)
	if err != nil {
		return fmt.Errorf("load population manifest: %w", err)
	}
	cells, err := l.cfg.Store.ListMatrixCells(ctx)
	if err != nil {
		return fmt.Errorf("load win-rate matrix: %w", err)
	}
	if err := l.pop.Restore(policies, cells); err != nil {
		return err
	}

	l.weights = initialWeights(l.rng)
	if state.LiveCheckpointID != "" {
		ckpt, ok, err := l.cfg.Store.GetCheckpoint(ctx, state.LiveCheckpointID)
		if err != nil {
			return fmt.Errorf("load live checkpoint: %w", err)
		}
		if !ok {
			return fmt.Errorf("live checkpoint %s is missing", state.LiveCheckpointID)
		}
		l.weights = ckpt.Payload
	}

	if evals, ok, err := l.cfg.Store.GetEvalHistory(ctx, state.RunID); err != nil {
		return fmt.Errorf("load eval history: %w", err)
	} else if ok {
		l.evals = evals
	}

	if !sameKeys(state.TeamKeys, teamKeys(l.cfg.Teams)) {
		slog.Warn("team set differs from the persisted run", "run", state.RunID)
	}

	l.state = state
	slog.Info("resumed run",
		"run", state.RunID,
		"iteration", state.Iteration,
		"population", l.pop.Len(),
		"matrix_cells", len(cells))
	return nil
}

// iterate runs one full training iteration: sample, collect, improve,
// record, and checkpoint on cadence or double-oracle expansion.
func (l *Loop) iterate(ctx context.Context) error {
	iter := l.state.Iteration

	l.setPhase("sampling")
	opp, learnerTeam, err := l.pickMatchup(ctx)
	if err != nil {
		return fmt.Errorf("iteration %d: sample opponent: %w", iter, err)
	}
	l.cfg.Status.Update(func(s *telemetry.Snapshot) { s.OpponentID = opp.PolicyID })

	m := battle.Matchup{
		Format: l.cfg.Format,
		SideA: battle.Side{
			Name:     "learner",
			PolicyID: population.LivePolicyID,
			Player:   l.liveSpec(),
			Team:     learnerTeam,
		},
		SideB: battle.Side{
			Name:     opp.PolicyID,
			PolicyID: opp.PolicyID,
			Player:   opp.Player,
			Team:     opp.Team,
		},
		AllowMirror: l.cfg.AllowMirror,
	}
	if opp.Live {
		m.SideB.Player = l.liveSpec()
	}

	l.setPhase("collecting")
	episodes, tally, err := l.cfg.Runner.RunEpisodes(ctx, m, l.cfg.Episodes)
	if err != nil {
		return fmt.Errorf("iteration %d: episode batch: %w", iter, err)
	}
	telemetry.CountEpisodes(tally.Wins, tally.Draws, tally.Losses, tally.Aborted, tally.Rate())

	l.setPhase("improving")
	updated, err := l.cfg.Improver.Improve(ctx, l.weights, countedEpisodes(episodes))
	if err != nil {
		return fmt.Errorf("iteration %d: improve policy: %w", iter, err)
	}
	l.weights = updated

	// The whole batch lands in the matrix under one lock before the next
	// sampling decision can read it.
	l.setPhase("recording")
	l.pop.RecordBatch(resultsForBatch(opp, learnerTeam, episodes))

	l.state.Iteration = iter + 1
	telemetry.CountIteration()
	l.cfg.Status.Update(func(s *telemetry.Snapshot) {
		s.Iteration = l.state.Iteration
		s.EpisodesPlayed += tally.Games
		s.LastBatchRate = tally.Rate()
	})
	slog.Info("iteration complete",
		"run", l.state.RunID,
		"iteration", l.state.Iteration,
		"opponent", opp.PolicyID,
		"games", tally.Games,
		"aborted", tally.Aborted,
		"rate", tally.Rate())

	expand := false
	if ex, ok := l.pick.(sampler.Expander); ok {
		expand = ex.ShouldExpand()
	}
	withLive := false
	if l.state.Iteration%l.cfg.CheckpointEvery == 0 || expand {
		if expand {
			slog.Info("restricted game converged, expanding population",
				"run", l.state.RunID,
				"iteration", l.state.Iteration)
		}
		l.setPhase("checkpointing")
		if err := l.freeze(ctx, l.cfg.Algorithm, l.state.Iteration); err != nil {
			return fmt.Errorf("iteration %d: checkpoint: %w", iter, err)
		}
		withLive = true
	}

	l.setPhase("persisting")
	if err := l.persist(ctx, withLive); err != nil {
		return fmt.Errorf("iteration %d: persist: %w", iter, err)
	}
	return nil
}

// pickMatchup resolves the iteration's pairing, honoring fixed-team
// overrides: one override pins that side's team, both together bypass
// sampling for a single deterministic matchup.
func (l *Loop) pickMatchup(ctx context.Context) (sampler.Opponent, team.Team, error) {
	fixedA, fixedB := l.cfg.FixedTeamA.Key() != "", l.cfg.FixedTeamB.Key() != ""

	if fixedA && fixedB {
		opp := sampler.Opponent{
			PolicyID: population.LivePolicyID,
			Live:     true,
			Team:     l.cfg.FixedTeamB,
		}
		if latest, ok := l.pop.Latest(); ok {
			opp = sampler.Opponent{
				PolicyID: latest.ID,
				Policy:   latest,
				Player: player.Spec{
					Kind:       player.KindCheckpoint,
					PolicyID:   latest.ID,
					Payload:    []byte(latest.CheckpointID),
					FrameStack: l.cfg.FrameStack,
				},
				Team: l.cfg.FixedTeamB,
			}
		}
		opp, err := l.resolveOpponent(ctx, opp)
		return opp, l.cfg.FixedTeamA, err
	}

	learnerTeam := l.cfg.FixedTeamA
	if !fixedA {
		pool := l.cfg.Teams
		if fixedB && !l.cfg.AllowMirror {
			pool = excludeKey(pool, l.cfg.FixedTeamB.Key())
			if len(pool) == 0 {
				return sampler.Opponent{}, team.Team{}, fmt.Errorf("%w: every team mirrors the fixed opponent team", battle.ErrInvalidMatchup)
			}
		}
		drawn, err := sampler.DrawTeam(l.rng, pool)
		if err != nil {
			return sampler.Opponent{}, team.Team{}, err
		}
		learnerTeam = drawn
	}

	opp, err := l.pick.PickOpponent(l.rng, l.pop.View(), learnerTeam, l.cfg.AllowMirror)
	if err != nil {
		return sampler.Opponent{}, team.Team{}, err
	}
	if fixedB {
		if !l.cfg.AllowMirror && learnerTeam.Key() == l.cfg.FixedTeamB.Key() {
			return sampler.Opponent{}, team.Team{}, fmt.Errorf("%w: learner team mirrors the fixed opponent team", battle.ErrInvalidMatchup)
		}
		opp.Team = l.cfg.FixedTeamB
	}
	opp, err = l.resolveOpponent(ctx, opp)
	if err != nil {
		return sampler.Opponent{}, team.Team{}, err
	}
	return opp, learnerTeam, nil
}

// resolveOpponent swaps the checkpoint reference the sampler put in the
// player spec for the stored weights, when the store has them.
func (l *Loop) resolveOpponent(ctx context.Context, opp sampler.Opponent) (sampler.Opponent, error) {
	if opp.Player.Kind == player.KindCheckpoint && opp.Policy.CheckpointID != "" {
		ckpt, ok, err := l.cfg.Store.GetCheckpoint(ctx, opp.Policy.CheckpointID)
		if err != nil {
			return sampler.Opponent{}, fmt.Errorf("load opponent checkpoint %s: %w", opp.Policy.CheckpointID, err)
		}
		if ok {
			opp.Player.Payload = ckpt.Payload
		}
	}
	return opp, nil
}

// freeze snapshots the live weights into a new immutable policy and
// appends it to the population, the manifest, and the checkpoint log,
// then runs the evaluation pass when one is configured.
func (l *Loop) freeze(ctx context.Context, algorithm string, iteration int) error {
	id := fmt.Sprintf("p%04d", l.state.NextPolicySeq)
	now := time.Now().UTC().Format(time.RFC3339)

	if err := l.cfg.Store.SaveCheckpoint(ctx, model.Checkpoint{
		VersionedRecord: storage.Versioned(),
		ID:              id,
		PolicyID:        id,
		Iteration:       iteration,
		Payload:         l.weights,
		CreatedAtUTC:    now,
	}); err != nil {
		return err
	}

	policy := model.Policy{
		VersionedRecord: storage.Versioned(),
		ID:              id,
		Seq:             l.state.NextPolicySeq,
		Algorithm:       algorithm,
		CheckpointID:    id,
		Iteration:       iteration,
		CreatedAtUTC:    now,
	}
	if err := l.pop.AddPolicy(policy); err != nil {
		return err
	}
	if err := l.cfg.Store.AppendPolicy(ctx, policy); err != nil {
		return err
	}
	l.state.NextPolicySeq++
	telemetry.CountCheckpoint(l.pop.Len())
	l.cfg.Status.Update(func(s *telemetry.Snapshot) { s.PopulationSize = l.pop.Len() })
	slog.Info("froze policy", "run", l.state.RunID, "policy", id, "iteration", iteration, "population", l.pop.Len())

	if l.cfg.EvalRunner != nil && l.cfg.EvalEpisodes > 0 {
		eval := &Evaluator{
			Runner:      l.cfg.EvalRunner,
			Format:      l.cfg.Format,
			Episodes:    l.cfg.EvalEpisodes,
			FrameStack:  l.cfg.FrameStack,
			AllowMirror: l.cfg.AllowMirror,
			Seed:        l.cfg.Seed,
		}
		point, err := eval.Evaluate(ctx, iteration, id, l.weights, l.cfg.Teams)
		if err != nil {
			// Evaluation is advisory: a failed pass never fails the run.
			slog.Warn("evaluation pass failed", "run", l.state.RunID, "policy", id, "err", err)
		} else {
			l.evals = append(l.evals, point)
			telemetry.SetEvalWinRate(point.WinRate)
			l.cfg.Status.Update(func(s *telemetry.Snapshot) { s.LastEvalRate = point.WinRate })
			if err := l.cfg.Store.SaveEvalHistory(ctx, l.state.RunID, l.evals); err != nil {
				return fmt.Errorf("save eval history: %w", err)
			}
		}
	}
	return nil
}

// persist writes the matrix and run state; withLive additionally appends
// a live-weights checkpoint so a restart resumes from the exact weights.
func (l *Loop) persist(ctx context.Context, withLive bool) error {
	if withLive {
		id := fmt.Sprintf("live-%08d", l.state.Iteration)
		err := l.cfg.Store.SaveCheckpoint(ctx, model.Checkpoint{
			VersionedRecord: storage.Versioned(),
			ID:              id,
			Iteration:       l.state.Iteration,
			Payload:         l.weights,
			CreatedAtUTC:    time.Now().UTC().Format(time.RFC3339),
		})
		switch {
		case errors.Is(err, storage.ErrCheckpointExists):
			// Already flushed by an earlier attempt at this iteration.
		case err != nil:
			return fmt.Errorf("save live checkpoint: %w", err)
		}
		l.state.LiveCheckpointID = id
	}

	cells := l.pop.MatrixCells()
	for i := range cells {
		cells[i].VersionedRecord = storage.Versioned()
	}
	if err := l.cfg.Store.SaveMatrixCells(ctx, cells); err != nil {
		return fmt.Errorf("save matrix: %w", err)
	}

	l.state.UpdatedAtUTC = time.Now().UTC().Format(time.RFC3339)
	if err := l.cfg.Store.SaveRunState(ctx, l.state); err != nil {
		return fmt.Errorf("save run state: %w", err)
	}
	return nil
}

// flush is the best-effort persist on the failure and shutdown paths. It
// uses its own deadline because the run context is usually already
// canceled by the time it is called.
func (l *Loop) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := l.persist(ctx, true); err != nil {
		slog.Error("best-effort flush failed", "run", l.state.RunID, "err", err)
	}
}

func (l *Loop) liveSpec() player.Spec {
	return player.Spec{
		Kind:       player.KindCheckpoint,
		PolicyID:   population.LivePolicyID,
		Payload:    l.weights,
		FrameStack: l.cfg.FrameStack,
	}
}

func (l *Loop) setPhase(phase string) {
	l.cfg.Status.Update(func(s *telemetry.Snapshot) { s.Phase = phase })
}

func (l *Loop) summary() Summary {
	s := Summary{
		RunID:          l.state.RunID,
		Iterations:     l.state.Iteration,
		PopulationSize: l.pop.Len(),
	}
	if len(l.evals) > 0 {
		s.LastEvalRate = l.evals[len(l.evals)-1].WinRate
	}
	return s
}

// resultsForBatch orients every counted episode from the learner's side.
// Aborted episodes carry no outcome value and are dropped here, never
// silently counted as losses.
func resultsForBatch(opp sampler.Opponent, learnerTeam team.Team, episodes []battle.Episode) []population.Result {
	results := make([]population.Result, 0, len(episodes))
	for _, ep := range episodes {
		value, counted := ep.Outcome.Value()
		if !counted {
			continue
		}
		results = append(results, population.Result{
			PolicyA: population.LivePolicyID,
			PolicyB: opp.PolicyID,
			TeamA:   learnerTeam.Key(),
			TeamB:   opp.Team.Key(),
			Outcome: value,
		})
	}
	return results
}

func countedEpisodes(episodes []battle.Episode) []battle.Episode {
	out := make([]battle.Episode, 0, len(episodes))
	for _, ep := range episodes {
		if _, counted := ep.Outcome.Value(); counted {
			out = append(out, ep)
		}
	}
	return out
}

func initialWeights(rng *rand.Rand) []byte {
	weights := make([]byte, initialWeightBytes)
	rng.Read(weights)
	return weights
}

func teamKeys(teams []team.Team) []string {
	keys := make([]string, len(teams))
	for i, t := range teams {
		keys[i] = t.Key()
	}
	return keys
}

func sameKeys(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func excludeKey(teams []team.Team, key string) []team.Team {
	out := make([]team.Team, 0, len(teams))
	for _, t := range teams {
		if t.Key() != key {
			out = append(out, t)
		}
	}
	return out
}
