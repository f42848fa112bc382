package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"palaestra/internal/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists run state in a single database file inside the save
// directory. Checkpoint payloads live as individual files under
// checkpoints/ next to the database, so weights can be handed to the
// external learner by path.
type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(s.checkpointDir(), 0o755); err != nil {
		return err
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) SaveRunState(ctx context.Context, state model.RunState) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeRunState(state)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO run_state (run_id, schema_version, codec_version, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			schema_version = excluded.schema_version,
			codec_version = excluded.codec_version,
			payload = excluded.payload
	`, state.RunID, state.SchemaVersion, state.CodecVersion, payload)
	return err
}

func (s *SQLiteStore) GetRunState(ctx context.Context, runID string) (model.RunState, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.RunState{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM run_state WHERE run_id = ?`, runID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.RunState{}, false, nil
		}
		return model.RunState{}, false, err
	}

	state, err := DecodeRunState(payload)
	if err != nil {
		return model.RunState{}, false, fmt.Errorf("decode run state %s: %w", runID, err)
	}
	return state, true, nil
}

func (s *SQLiteStore) ListRunStates(ctx context.Context) ([]model.RunState, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT payload FROM run_state ORDER BY run_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []model.RunState
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		state, err := DecodeRunState(payload)
		if err != nil {
			return nil, fmt.Errorf("decode run state: %w", err)
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

func (s *SQLiteStore) AppendPolicy(ctx context.Context, policy model.Policy) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	var exists int
	err = db.QueryRowContext(ctx, `SELECT 1 FROM policies WHERE id = ?`, policy.ID).Scan(&exists)
	if err == nil {
		return fmt.Errorf("%w: %s", ErrPolicyExists, policy.ID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	payload, err := EncodePolicy(policy)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO policies (id, seq, schema_version, codec_version, payload)
		VALUES (?, ?, ?, ?, ?)
	`, policy.ID, policy.Seq, policy.SchemaVersion, policy.CodecVersion, payload)
	return err
}

func (s *SQLiteStore) ListPolicies(ctx context.Context) ([]model.Policy, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT payload FROM policies ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []model.Policy
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		policy, err := DecodePolicy(payload)
		if err != nil {
			return nil, fmt.Errorf("decode policy: %w", err)
		}
		policies = append(policies, policy)
	}
	return policies, rows.Err()
}

func (s *SQLiteStore) SaveMatrixCells(ctx context.Context, cells []model.MatrixCell) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, cell := range cells {
		payload, err := EncodeMatrixCell(cell)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO matrix_cells (policy_a, policy_b, team_a, team_b, payload)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(policy_a, policy_b, team_a, team_b) DO UPDATE SET
				payload = excluded.payload
		`, cell.PolicyA, cell.PolicyB, cell.TeamA, cell.TeamB, payload)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListMatrixCells(ctx context.Context) ([]model.MatrixCell, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT payload FROM matrix_cells`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cells []model.MatrixCell
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		cell, err := DecodeMatrixCell(payload)
		if err != nil {
			return nil, fmt.Errorf("decode matrix cell: %w", err)
		}
		cells = append(cells, cell)
	}
	return cells, rows.Err()
}

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, checkpoint model.Checkpoint) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	file := filepath.Join(s.checkpointDir(), checkpoint.ID+".ckpt")
	f, err := os.OpenFile(file, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: %s", ErrCheckpointExists, checkpoint.ID)
		}
		return err
	}
	if _, err := f.Write(checkpoint.Payload); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, policy_id, iteration, file, created_at_utc)
		VALUES (?, ?, ?, ?, ?)
	`, checkpoint.ID, checkpoint.PolicyID, checkpoint.Iteration, file, checkpoint.CreatedAtUTC)
	if err != nil {
		return fmt.Errorf("record checkpoint %s: %w", checkpoint.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetCheckpoint(ctx context.Context, id string) (model.Checkpoint, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.Checkpoint{}, false, err
	}

	checkpoint := model.Checkpoint{VersionedRecord: Versioned(), ID: id}
	err = db.QueryRowContext(ctx, `
		SELECT policy_id, iteration, file, created_at_utc FROM checkpoints WHERE id = ?
	`, id).Scan(&checkpoint.PolicyID, &checkpoint.Iteration, &checkpoint.File, &checkpoint.CreatedAtUTC)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Checkpoint{}, false, nil
		}
		return model.Checkpoint{}, false, err
	}

	payload, err := os.ReadFile(checkpoint.File)
	if err != nil {
		return model.Checkpoint{}, false, fmt.Errorf("read checkpoint %s: %w", id, err)
	}
	checkpoint.Payload = payload
	return checkpoint, true, nil
}

func (s *SQLiteStore) SaveEvalHistory(ctx context.Context, runID string, history []model.EvalPoint) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeEvalHistory(history)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO eval_history (run_id, payload)
		VALUES (?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			payload = excluded.payload
	`, runID, payload)
	return err
}

func (s *SQLiteStore) GetEvalHistory(ctx context.Context, runID string) ([]model.EvalPoint, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM eval_history WHERE run_id = ?`, runID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}

	history, err := DecodeEvalHistory(payload)
	if err != nil {
		return nil, false, fmt.Errorf("decode eval history %s: %w", runID, err)
	}
	return history, true, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	return s.db, nil
}

func (s *SQLiteStore) checkpointDir() string {
	return filepath.Join(filepath.Dir(s.path), "checkpoints")
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS run_state (
			run_id TEXT PRIMARY KEY,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS policies (
			id TEXT PRIMARY KEY,
			seq INTEGER NOT NULL,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS matrix_cells (
			policy_a TEXT NOT NULL,
			policy_b TEXT NOT NULL,
			team_a TEXT NOT NULL,
			team_b TEXT NOT NULL,
			payload BLOB NOT NULL,
			PRIMARY KEY (policy_a, policy_b, team_a, team_b)
		);
		CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			policy_id TEXT,
			iteration INTEGER NOT NULL,
			file TEXT NOT NULL,
			created_at_utc TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS eval_history (
			run_id TEXT PRIMARY KEY,
			payload BLOB NOT NULL
		);
	`)
	return err
}
