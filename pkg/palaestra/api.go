// Package palaestra is the embedding API over the training orchestrator:
// one client per save directory, with Train driving a full run and the
// inspection calls reading back what a run persisted.
package palaestra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"palaestra/internal/battle"
	"palaestra/internal/model"
	"palaestra/internal/sampler"
	"palaestra/internal/showdown"
	"palaestra/internal/storage"
	"palaestra/internal/team"
	"palaestra/internal/telemetry"
	"palaestra/internal/training"
)

const (
	defaultSaveDir = "runs/default"
	dbFileName     = "run.db"

	defaultIterations = 100
	defaultPort       = 8000
)

type Options struct {
	StoreKind string
	SaveDir   string
}

// Client owns one save directory's store. Close releases it.
type Client struct {
	store   storage.Store
	saveDir string

	initOnce sync.Once
	initErr  error
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	saveDir := opts.SaveDir
	if saveDir == "" {
		saveDir = defaultSaveDir
	}

	store, err := storage.NewStore(storeKind, filepath.Join(saveDir, dbFileName))
	if err != nil {
		return nil, err
	}
	return &Client{store: store, saveDir: saveDir}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) SaveDir() string { return c.saveDir }

func (c *Client) init(ctx context.Context) error {
	c.initOnce.Do(func() {
		c.initErr = c.store.Init(ctx)
	})
	return c.initErr
}

// TrainRequest carries every knob of one training run. Zero values take
// the documented defaults.
type TrainRequest struct {
	RunID     string
	Algorithm string
	Format    string

	TeamsDir string
	// Team1Path and Team2Path pin one side's team each; both together
	// bypass opponent sampling for a single fixed pairing.
	Team1Path         string
	Team2Path         string
	BehaviorClonePath string

	Iterations      int
	Episodes        int
	EvalEpisodes    int
	CheckpointEvery int
	FrameStack      int
	NoMirrorMatch   bool
	Seed            int64

	NumEnvs         int
	NumEvalWorkers  int
	Port            int
	ServerCommand   []string
	ImproverCommand []string

	StatusAddr string
}

type RunSummary struct {
	RunID          string
	Algorithm      string
	SaveDir        string
	Iterations     int
	PopulationSize int
	LastEvalRate   float64
	TeamsLoaded    int
}

// Train runs (or resumes) a training run against live simulator servers.
// Configuration problems surface before any server process is spawned.
func (c *Client) Train(ctx context.Context, req TrainRequest) (RunSummary, error) {
	if err := c.init(ctx); err != nil {
		return RunSummary{}, err
	}
	if req.Algorithm == "" {
		req.Algorithm = sampler.AlgorithmSelfPlay
	}
	if req.Iterations <= 0 {
		req.Iterations = defaultIterations
	}
	if req.NumEnvs <= 0 {
		req.NumEnvs = 1
	}
	if req.Port <= 0 {
		req.Port = defaultPort
	}

	teams, fixedA, fixedB, err := loadTeams(req)
	if err != nil {
		return RunSummary{}, err
	}

	var behaviorClone []byte
	if req.BehaviorClonePath != "" {
		behaviorClone, err = os.ReadFile(req.BehaviorClonePath)
		if err != nil {
			return RunSummary{}, fmt.Errorf("read behavior-clone checkpoint: %w", err)
		}
	}

	manager := showdown.NewManager(showdown.ManagerConfig{Command: req.ServerCommand})
	defer manager.ReleaseAll()

	pool, err := battle.NewPool(battle.PoolConfig{
		Manager:  manager,
		BasePort: req.Port,
		Workers:  req.NumEnvs,
		Seed:     req.Seed,
	})
	if err != nil {
		return RunSummary{}, err
	}

	var evalRunner training.EpisodeRunner
	if req.NumEvalWorkers > 0 && req.EvalEpisodes > 0 {
		evalPool, err := battle.NewPool(battle.PoolConfig{
			Manager:  manager,
			BasePort: req.Port + req.NumEnvs,
			Workers:  req.NumEvalWorkers,
			Seed:     req.Seed + 1,
		})
		if err != nil {
			return RunSummary{}, err
		}
		evalRunner = evalPool
	}

	var improver training.Improver
	if len(req.ImproverCommand) > 0 {
		improver = training.ExecImprover{Command: req.ImproverCommand}
	}

	var status *telemetry.Status
	if req.StatusAddr != "" {
		status = &telemetry.Status{}
		server := telemetry.NewServer(req.StatusAddr, status)
		if err := server.Start(); err != nil {
			return RunSummary{}, fmt.Errorf("start status server: %w", err)
		}
		defer func() {
			_ = server.Shutdown(context.Background())
		}()
	}

	loop, err := training.NewLoop(training.Config{
		RunID:           req.RunID,
		Algorithm:       req.Algorithm,
		Format:          req.Format,
		Store:           c.store,
		Runner:          pool,
		EvalRunner:      evalRunner,
		Improver:        improver,
		Teams:           teams,
		FixedTeamA:      fixedA,
		FixedTeamB:      fixedB,
		Iterations:      req.Iterations,
		Episodes:        req.Episodes,
		EvalEpisodes:    req.EvalEpisodes,
		CheckpointEvery: req.CheckpointEvery,
		FrameStack:      req.FrameStack,
		AllowMirror:     !req.NoMirrorMatch,
		Seed:            req.Seed,
		BehaviorClone:   behaviorClone,
		Status:          status,
	})
	if err != nil {
		return RunSummary{}, err
	}

	summary, err := loop.Run(ctx)
	out := RunSummary{
		RunID:          summary.RunID,
		Algorithm:      req.Algorithm,
		SaveDir:        c.saveDir,
		Iterations:     summary.Iterations,
		PopulationSize: summary.PopulationSize,
		LastEvalRate:   summary.LastEvalRate,
		TeamsLoaded:    len(teams),
	}
	return out, err
}

// loadTeams resolves the run's team set. Fixed team files join the pool
// so sampling-side draws can still use them.
func loadTeams(req TrainRequest) ([]team.Team, team.Team, team.Team, error) {
	var fixedA, fixedB team.Team
	var teams []team.Team

	if req.TeamsDir != "" {
		loaded, report, err := team.LoadDirectory(req.TeamsDir)
		if err != nil {
			return nil, fixedA, fixedB, err
		}
		if report.SkippedBanned+report.SkippedDuplicates+report.SkippedInvalid > 0 {
			slog.Warn("skipped team files",
				"dir", req.TeamsDir,
				"banned", report.SkippedBanned,
				"duplicates", report.SkippedDuplicates,
				"invalid", report.SkippedInvalid)
		}
		teams = loaded
	}

	if req.Team1Path != "" {
		t, err := team.LoadFile(req.Team1Path)
		if err != nil {
			return nil, fixedA, fixedB, err
		}
		fixedA = t
		teams = mergeTeam(teams, t)
	}
	if req.Team2Path != "" {
		t, err := team.LoadFile(req.Team2Path)
		if err != nil {
			return nil, fixedA, fixedB, err
		}
		fixedB = t
		teams = mergeTeam(teams, t)
	}

	if len(teams) == 0 {
		return nil, fixedA, fixedB, fmt.Errorf("%w: no teams configured (set a teams dir or team files)", team.ErrInvalid)
	}
	return teams, fixedA, fixedB, nil
}

func mergeTeam(teams []team.Team, t team.Team) []team.Team {
	for _, have := range teams {
		if have.Key() == t.Key() {
			return teams
		}
	}
	return append(teams, t)
}

// ErrRunNotFound reports an inspection call naming a run id the store
// does not hold.
var ErrRunNotFound = errors.New("run not found")

// Runs lists the persisted run states in the save directory.
func (c *Client) Runs(ctx context.Context) ([]model.RunState, error) {
	if err := c.init(ctx); err != nil {
		return nil, err
	}
	return c.store.ListRunStates(ctx)
}

// Run loads one run state by id, or the only run when id is empty.
func (c *Client) Run(ctx context.Context, runID string) (model.RunState, error) {
	if err := c.init(ctx); err != nil {
		return model.RunState{}, err
	}
	if runID == "" {
		states, err := c.store.ListRunStates(ctx)
		if err != nil {
			return model.RunState{}, err
		}
		if len(states) != 1 {
			return model.RunState{}, fmt.Errorf("%w: %d runs in %s, pass a run id", ErrRunNotFound, len(states), c.saveDir)
		}
		return states[0], nil
	}

	state, ok, err := c.store.GetRunState(ctx, runID)
	if err != nil {
		return model.RunState{}, err
	}
	if !ok {
		return model.RunState{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return state, nil
}

// Population returns the frozen policy manifest in append order.
func (c *Client) Population(ctx context.Context) ([]model.Policy, error) {
	if err := c.init(ctx); err != nil {
		return nil, err
	}
	return c.store.ListPolicies(ctx)
}

// Matrix returns the persisted win-rate cells.
func (c *Client) Matrix(ctx context.Context) ([]model.MatrixCell, error) {
	if err := c.init(ctx); err != nil {
		return nil, err
	}
	return c.store.ListMatrixCells(ctx)
}

// EvalHistory returns a run's evaluation win-rate series.
func (c *Client) EvalHistory(ctx context.Context, runID string) ([]model.EvalPoint, error) {
	state, err := c.Run(ctx, runID)
	if err != nil {
		return nil, err
	}
	history, ok, err := c.store.GetEvalHistory(ctx, state.RunID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return history, nil
}
