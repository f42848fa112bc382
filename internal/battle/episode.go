package battle

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"palaestra/internal/player"
	"palaestra/internal/showdown"
	"palaestra/internal/team"
)

// runEpisode plays one battle between the matchup's sides on server. Both
// sides log in as fresh guests, side A issues the challenge and side B
// accepts it; the loop then answers decision requests until the server
// reports a winner or a tie.
func runEpisode(ctx context.Context, server *showdown.Server, m Matchup, index int) (Episode, error) {
	started := time.Now()
	episode := Episode{
		ID:         uuid.NewString(),
		Index:      index,
		ServerPort: server.Port(),
		Outcome:    OutcomeAborted,
	}

	userA := sideUsername(m.SideA.Name, "a", index)
	userB := sideUsername(m.SideB.Name, "b", index)

	sessionA, err := showdown.Dial(ctx, server.WebsocketURL(), userA)
	if err != nil {
		return episode, fmt.Errorf("side a: %w", err)
	}
	defer sessionA.Close()

	sessionB, err := showdown.Dial(ctx, server.WebsocketURL(), userB)
	if err != nil {
		return episode, fmt.Errorf("side b: %w", err)
	}
	defer sessionB.Close()

	playerA, err := player.New(m.SideA.Player)
	if err != nil {
		return episode, fmt.Errorf("side a: %w", err)
	}
	playerB, err := player.New(m.SideB.Player)
	if err != nil {
		return episode, fmt.Errorf("side b: %w", err)
	}

	if err := sessionA.UploadTeam(m.SideA.Team.Pack()); err != nil {
		return episode, err
	}
	if err := sessionB.UploadTeam(m.SideB.Team.Pack()); err != nil {
		return episode, err
	}

	state := &episodeState{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return driveSide(gctx, sessionA, playerA, state, "a", "")
	})
	g.Go(func() error {
		return driveSide(gctx, sessionB, playerB, state, "b", sessionA.UserID())
	})

	if err := sessionA.Challenge(userB, m.Format); err != nil {
		return episode, err
	}

	driveErr := g.Wait()

	episode.Room = state.Room()
	episode.Turns = state.Turns()
	episode.Steps = state.Steps()
	episode.Duration = time.Since(started)

	if episode.Room != "" {
		sessionA.Leave(episode.Room)
		sessionB.Leave(episode.Room)
	}

	if driveErr != nil {
		episode.Error = driveErr.Error()
		return episode, driveErr
	}

	winner, tie := state.Result()
	switch {
	case tie:
		episode.Outcome = OutcomeDraw
		state.rewardSteps(0, 0)
	case team.ToID(winner) == sessionA.UserID():
		episode.Winner = winner
		episode.Outcome = OutcomeWin
		state.rewardSteps(1, -1)
	default:
		episode.Winner = winner
		episode.Outcome = OutcomeLoss
		state.rewardSteps(-1, 1)
	}
	episode.Steps = state.Steps()
	return episode, nil
}

// driveSide answers one session's decision requests until the battle
// ends. acceptFrom, when set, names the opponent whose challenge this
// side must accept.
func driveSide(ctx context.Context, s *showdown.Session, p player.Player, state *episodeState, side, acceptFrom string) error {
	room := ""
	lastRQID := 0
	for {
		msg, err := s.Next(ctx)
		if err != nil {
			return fmt.Errorf("side %s: %w", side, err)
		}
		if room == "" && msg.Room != "" {
			room = msg.Room
			state.setRoom(room)
		}

		switch msg.Type {
		case "pm":
			if acceptFrom != "" && team.ToID(msg.Arg(0)) == acceptFrom && strings.HasPrefix(msg.Arg(2), "/challenge") {
				if err := s.AcceptChallenge(acceptFrom); err != nil {
					return err
				}
			}
		case "updatechallenges":
			if acceptFrom == "" {
				continue
			}
			var update struct {
				ChallengesFrom map[string]string `json:"challengesFrom"`
			}
			if json.Unmarshal([]byte(msg.Arg(0)), &update) != nil {
				continue
			}
			if _, ok := update.ChallengesFrom[acceptFrom]; ok {
				if err := s.AcceptChallenge(acceptFrom); err != nil {
					return err
				}
			}
		case "request":
			if msg.Arg(0) == "" {
				continue
			}
			req, err := showdown.DecodeRequest([]byte(msg.Arg(0)))
			if err != nil {
				return fmt.Errorf("side %s: %w", side, err)
			}
			lastRQID = req.RQID
			choice := p.Choose(req)
			if choice == "" {
				continue
			}
			state.recordStep(side, req.RQID, choice)
			if err := s.Choose(room, choice, req.RQID); err != nil {
				return err
			}
		case "error":
			// The server rejected a choice; yield to its default rather
			// than stalling the battle.
			if room != "" && lastRQID > 0 && strings.HasPrefix(msg.Arg(0), "[Invalid choice]") {
				if err := s.Choose(room, "default", lastRQID); err != nil {
					return err
				}
			}
		case "turn":
			if n, err := strconv.Atoi(msg.Arg(0)); err == nil {
				state.setTurns(n)
			}
		case "win":
			state.setWinner(msg.Arg(0))
			return nil
		case "tie":
			state.setTie()
			return nil
		}
	}
}

// episodeState is shared by the two side drivers; the coordinator reads
// it only after both have returned.
type episodeState struct {
	mu     sync.Mutex
	room   string
	turns  int
	winner string
	tie    bool
	steps  []Step
}

func (s *episodeState) setRoom(room string) {
	s.mu.Lock()
	if s.room == "" {
		s.room = room
	}
	s.mu.Unlock()
}

func (s *episodeState) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

func (s *episodeState) setTurns(n int) {
	s.mu.Lock()
	if n > s.turns {
		s.turns = n
	}
	s.mu.Unlock()
}

func (s *episodeState) Turns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns
}

func (s *episodeState) setWinner(name string) {
	s.mu.Lock()
	s.winner = name
	s.mu.Unlock()
}

func (s *episodeState) setTie() {
	s.mu.Lock()
	s.tie = true
	s.mu.Unlock()
}

func (s *episodeState) Result() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.winner, s.tie
}

func (s *episodeState) recordStep(side string, rqid int, choice string) {
	s.mu.Lock()
	s.steps = append(s.steps, Step{Side: side, RQID: rqid, Choice: choice})
	s.mu.Unlock()
}

// rewardSteps assigns the terminal reward to each side's final step.
func (s *episodeState) rewardSteps(rewardA, rewardB float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lastA, lastB := -1, -1
	for i, step := range s.steps {
		if step.Side == "a" {
			lastA = i
		} else {
			lastB = i
		}
	}
	if lastA >= 0 {
		s.steps[lastA].Reward = rewardA
	}
	if lastB >= 0 {
		s.steps[lastB].Reward = rewardB
	}
}

func (s *episodeState) Steps() []Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Step, len(s.steps))
	copy(out, s.steps)
	return out
}

// sideUsername builds a login name unique per side and episode that fits
// the server's 18 character limit.
func sideUsername(name, fallback string, index int) string {
	id := team.ToID(name)
	if id == "" {
		id = fallback
	}
	if len(id) > 10 {
		id = id[:10]
	}
	return fmt.Sprintf("%s-%d", id, index)
}
