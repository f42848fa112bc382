package storage

import (
	"context"
	"errors"

	"palaestra/internal/model"
)

var (
	// ErrPolicyExists guards the append-only population manifest.
	ErrPolicyExists = errors.New("policy already stored")
	// ErrCheckpointExists guards the append-only checkpoint log; weights
	// are never overwritten once written.
	ErrCheckpointExists = errors.New("checkpoint already stored")
)

// Store defines persistence for a training run's resumable state: the run
// snapshot, the ordered policy manifest, the sparse win-rate matrix, the
// checkpoint log, and the evaluation history.
type Store interface {
	Init(ctx context.Context) error
	SaveRunState(ctx context.Context, state model.RunState) error
	GetRunState(ctx context.Context, runID string) (model.RunState, bool, error)
	ListRunStates(ctx context.Context) ([]model.RunState, error)
	AppendPolicy(ctx context.Context, policy model.Policy) error
	ListPolicies(ctx context.Context) ([]model.Policy, error)
	SaveMatrixCells(ctx context.Context, cells []model.MatrixCell) error
	ListMatrixCells(ctx context.Context) ([]model.MatrixCell, error)
	SaveCheckpoint(ctx context.Context, checkpoint model.Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (model.Checkpoint, bool, error)
	SaveEvalHistory(ctx context.Context, runID string, history []model.EvalPoint) error
	GetEvalHistory(ctx context.Context, runID string) ([]model.EvalPoint, bool, error)
}
