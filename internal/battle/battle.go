// Package battle runs episodes between two policy sides on external
// simulator servers and aggregates their outcomes. It owns the worker
// pool that fans a per-iteration episode budget out across server
// processes and the per-episode protocol driving underneath it.
package battle

import (
	"errors"
	"time"

	"palaestra/internal/player"
	"palaestra/internal/team"
)

var (
	// ErrInvalidMatchup reports a pairing that must not be dispatched,
	// such as a mirror match when mirrors are excluded.
	ErrInvalidMatchup = errors.New("invalid matchup")
	// ErrEpisodeAborted marks an episode that failed its retry and is
	// excluded from every statistic.
	ErrEpisodeAborted = errors.New("episode aborted")
)

// Outcome is the terminal result of one episode from side A's view.
type Outcome string

const (
	OutcomeWin     Outcome = "win"
	OutcomeLoss    Outcome = "loss"
	OutcomeDraw    Outcome = "draw"
	OutcomeAborted Outcome = "aborted"
)

// Value maps the outcome onto the win-rate scale: win 1, draw 0.5,
// loss 0. Aborted episodes have no value.
func (o Outcome) Value() (float64, bool) {
	switch o {
	case OutcomeWin:
		return 1, true
	case OutcomeDraw:
		return 0.5, true
	case OutcomeLoss:
		return 0, true
	}
	return 0, false
}

// Side binds one policy to the team it plays.
type Side struct {
	Name     string
	PolicyID string
	Player   player.Spec
	Team     team.Team
}

// Matchup is the unit of work the pool dispatches: one concrete pairing
// of (policy, team) against (policy, team).
type Matchup struct {
	Format      string
	SideA       Side
	SideB       Side
	AllowMirror bool
}

// Validate rejects structurally unusable pairings before any server is
// touched.
func (m Matchup) Validate() error {
	if m.Format == "" {
		return errors.New("matchup format is required")
	}
	if m.SideA.Team.Key() == "" || m.SideB.Team.Key() == "" {
		return errors.New("matchup requires a team on both sides")
	}
	if !m.AllowMirror && m.SideA.Team.Key() == m.SideB.Team.Key() {
		return ErrInvalidMatchup
	}
	return nil
}

// Mirror reports whether both sides resolve to the identical team.
func (m Matchup) Mirror() bool {
	return m.SideA.Team.Key() == m.SideB.Team.Key()
}

// Step is one decision taken during an episode.
type Step struct {
	Side   string  `json:"side"`
	RQID   int     `json:"rqid"`
	Choice string  `json:"choice"`
	Reward float64 `json:"reward"`
}

// Episode is one completed (or aborted) battle.
type Episode struct {
	ID         string        `json:"id"`
	Index      int           `json:"index"`
	Room       string        `json:"room,omitempty"`
	ServerPort int           `json:"server_port"`
	Winner     string        `json:"winner,omitempty"`
	Outcome    Outcome       `json:"outcome"`
	Turns      int           `json:"turns"`
	Duration   time.Duration `json:"duration"`
	Steps      []Step        `json:"steps,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Tally aggregates one batch of episodes from side A's view. Aborted
// episodes are counted separately and contribute nothing to the score.
type Tally struct {
	Games   int     `json:"games"`
	Wins    int     `json:"wins"`
	Draws   int     `json:"draws"`
	Losses  int     `json:"losses"`
	Aborted int     `json:"aborted"`
	Score   float64 `json:"score"`
}

// Rate is the mean outcome value over counted games, 0 when nothing
// counted.
func (t Tally) Rate() float64 {
	if t.Games == 0 {
		return 0
	}
	return t.Score / float64(t.Games)
}

// TallyEpisodes builds the aggregate for a batch. Episodes that never
// ran (zero Outcome) are skipped entirely.
func TallyEpisodes(episodes []Episode) Tally {
	var t Tally
	for _, ep := range episodes {
		if ep.Outcome == OutcomeAborted {
			t.Aborted++
			continue
		}
		value, counted := ep.Outcome.Value()
		if !counted {
			continue
		}
		t.Games++
		t.Score += value
		switch ep.Outcome {
		case OutcomeWin:
			t.Wins++
		case OutcomeDraw:
			t.Draws++
		case OutcomeLoss:
			t.Losses++
		}
	}
	return t
}
