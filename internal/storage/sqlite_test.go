package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"palaestra/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store := NewSQLiteStore(filepath.Join(t.TempDir(), "run.db"))
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestSQLiteStorePolicyOrderAndDuplicates(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	for i, id := range []string{"p0000", "p0001", "p0002"} {
		policy := model.Policy{VersionedRecord: Versioned(), ID: id, Seq: i, Algorithm: "fictitious-play", Iteration: i * 10}
		if err := store.AppendPolicy(ctx, policy); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}

	err := store.AppendPolicy(ctx, model.Policy{VersionedRecord: Versioned(), ID: "p0001", Seq: 9})
	if !errors.Is(err, ErrPolicyExists) {
		t.Fatalf("expected ErrPolicyExists, got %v", err)
	}

	policies, err := store.ListPolicies(ctx)
	if err != nil {
		t.Fatalf("list policies: %v", err)
	}
	if len(policies) != 3 {
		t.Fatalf("got %d policies, want 3", len(policies))
	}
	for i, policy := range policies {
		if policy.Seq != i {
			t.Fatalf("policy %d out of order: %+v", i, policy)
		}
	}
}

func TestSQLiteStoreMatrixCellUpsert(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	cell := model.MatrixCell{
		VersionedRecord: Versioned(),
		PolicyA:         "p0000",
		PolicyB:         "p0001",
		TeamA:           "aaa",
		TeamB:           "bbb",
		Rate:            0.5,
		Games:           2,
		Wins:            1,
		Losses:          1,
	}
	if err := store.SaveMatrixCells(ctx, []model.MatrixCell{cell}); err != nil {
		t.Fatalf("save cells: %v", err)
	}

	cell.Rate = 0.625
	cell.Games = 8
	if err := store.SaveMatrixCells(ctx, []model.MatrixCell{cell}); err != nil {
		t.Fatalf("update cells: %v", err)
	}

	cells, err := store.ListMatrixCells(ctx)
	if err != nil {
		t.Fatalf("list cells: %v", err)
	}
	if len(cells) != 1 {
		t.Fatalf("got %d cells, want 1", len(cells))
	}
	if cells[0].Rate != 0.625 || cells[0].Games != 8 {
		t.Fatalf("unexpected cell: %+v", cells[0])
	}
}

func TestSQLiteStoreCheckpointFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := NewSQLiteStore(filepath.Join(dir, "run.db"))
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	payload := []byte("opaque-weights")
	checkpoint := model.Checkpoint{VersionedRecord: Versioned(), ID: "p0004", PolicyID: "p0004", Iteration: 40, Payload: payload, CreatedAtUTC: "2025-01-02T03:04:05Z"}
	if err := store.SaveCheckpoint(ctx, checkpoint); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}

	onDisk, err := os.ReadFile(filepath.Join(dir, "checkpoints", "p0004.ckpt"))
	if err != nil {
		t.Fatalf("read checkpoint file: %v", err)
	}
	if string(onDisk) != string(payload) {
		t.Fatalf("unexpected checkpoint file contents: %q", onDisk)
	}

	err = store.SaveCheckpoint(ctx, checkpoint)
	if !errors.Is(err, ErrCheckpointExists) {
		t.Fatalf("expected ErrCheckpointExists, got %v", err)
	}

	loaded, ok, err := store.GetCheckpoint(ctx, "p0004")
	if err != nil {
		t.Fatalf("get checkpoint: %v", err)
	}
	if !ok {
		t.Fatal("expected persisted checkpoint")
	}
	if string(loaded.Payload) != string(payload) || loaded.Iteration != 40 {
		t.Fatalf("unexpected checkpoint: %+v", loaded)
	}
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "run.db")

	store := NewSQLiteStore(dbPath)
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	state := model.RunState{VersionedRecord: Versioned(), RunID: "run-1", Algorithm: "self-play", Iteration: 12}
	if err := store.SaveRunState(ctx, state); err != nil {
		t.Fatalf("save run state: %v", err)
	}
	if err := store.AppendPolicy(ctx, model.Policy{VersionedRecord: Versioned(), ID: "p0000", Seq: 0}); err != nil {
		t.Fatalf("append policy: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := NewSQLiteStore(dbPath)
	if err := reopened.Init(ctx); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() {
		_ = reopened.Close()
	})

	loaded, ok, err := reopened.GetRunState(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run state: %v", err)
	}
	if !ok || loaded.Iteration != 12 {
		t.Fatalf("run state lost across reopen: ok=%v state=%+v", ok, loaded)
	}
	policies, err := reopened.ListPolicies(ctx)
	if err != nil {
		t.Fatalf("list policies: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("policies lost across reopen: %+v", policies)
	}
}
