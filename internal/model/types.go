package model

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// Policy is one frozen member of the training population. Policies are
// append-only: once added they are never mutated or removed.
type Policy struct {
	VersionedRecord
	ID           string `json:"id"`
	Seq          int    `json:"seq"`
	Algorithm    string `json:"algorithm"`
	CheckpointID string `json:"checkpoint_id"`
	Iteration    int    `json:"iteration"`
	CreatedAtUTC string `json:"created_at_utc"`
}

// Checkpoint holds an opaque snapshot of policy weights. The payload is
// produced and consumed by the external learner; the orchestrator only
// moves it around.
type Checkpoint struct {
	VersionedRecord
	ID           string `json:"id"`
	PolicyID     string `json:"policy_id,omitempty"`
	Iteration    int    `json:"iteration"`
	Payload      []byte `json:"payload,omitempty"`
	File         string `json:"file,omitempty"`
	CreatedAtUTC string `json:"created_at_utc"`
}

// MatrixCell is one sparse entry of the pairwise win-rate matrix, keyed by
// (policy, team) on both sides. Rate is the running mean outcome for the A
// side under win=1, draw=0.5, loss=0.
type MatrixCell struct {
	VersionedRecord
	PolicyA string  `json:"policy_a"`
	PolicyB string  `json:"policy_b"`
	TeamA   string  `json:"team_a"`
	TeamB   string  `json:"team_b"`
	Rate    float64 `json:"rate"`
	Games   int     `json:"games"`
	Wins    int     `json:"wins"`
	Draws   int     `json:"draws"`
	Losses  int     `json:"losses"`
}

// RunState is the resumable snapshot of a training run: everything needed
// to continue iteration numbering without gaps after a restart.
type RunState struct {
	VersionedRecord
	RunID            string   `json:"run_id"`
	Algorithm        string   `json:"algorithm"`
	BattleFormat     string   `json:"battle_format"`
	Iteration        int      `json:"iteration"`
	NextPolicySeq    int      `json:"next_policy_seq"`
	LiveCheckpointID string   `json:"live_checkpoint_id,omitempty"`
	Seed             int64    `json:"seed"`
	FrameStack       int      `json:"frame_stack"`
	MirrorMatches    bool     `json:"mirror_matches"`
	TeamKeys         []string `json:"team_keys"`
	CreatedAtUTC     string   `json:"created_at_utc"`
	UpdatedAtUTC     string   `json:"updated_at_utc"`
}

// EvalPoint records one evaluation pass of the live policy against the
// baseline opponent.
type EvalPoint struct {
	Iteration int     `json:"iteration"`
	PolicyID  string  `json:"policy_id"`
	WinRate   float64 `json:"win_rate"`
	Games     int     `json:"games"`
	Aborted   int     `json:"aborted,omitempty"`
}

// MetaStrategy is a probability distribution over the population, aligned
// with policy sequence order.
type MetaStrategy struct {
	PolicyIDs []string  `json:"policy_ids"`
	Probs     []float64 `json:"probs"`
}
