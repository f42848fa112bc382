// Package showdown manages external battle-simulator processes and the
// websocket sessions that drive battles on them. It speaks the simulator's
// pipe-delimited message protocol and nothing else; game rules stay on the
// server side.
package showdown

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message is one line of simulator protocol, optionally scoped to a room.
// The wire form is ">roomid\n" followed by "|TYPE|ARG1|ARG2|..." lines;
// lines without a leading pipe are plain log text (Type "").
type Message struct {
	Room string
	Type string
	Args []string
}

func (m Message) Arg(i int) string {
	if i < 0 || i >= len(m.Args) {
		return ""
	}
	return m.Args[i]
}

// ParseFrame splits one websocket frame into messages. A frame carries at
// most one room header; every following line belongs to that room.
func ParseFrame(frame string) []Message {
	room := ""
	lines := strings.Split(frame, "\n")
	if len(lines) > 0 && strings.HasPrefix(lines[0], ">") {
		room = strings.TrimPrefix(lines[0], ">")
		lines = lines[1:]
	}

	messages := make([]Message, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "|") {
			messages = append(messages, Message{Room: room, Type: "", Args: []string{line}})
			continue
		}
		parts := strings.Split(line[1:], "|")
		messages = append(messages, Message{Room: room, Type: parts[0], Args: parts[1:]})
	}
	return messages
}

// Request is the simulator's per-turn decision request, decoded from the
// |request| message payload. Exactly one of the Wait/TeamPreview/
// ForceSwitch/Active shapes is meaningful at a time.
type Request struct {
	RQID              int          `json:"rqid"`
	Wait              bool         `json:"wait,omitempty"`
	TeamPreview       bool         `json:"teamPreview,omitempty"`
	MaxChosenTeamSize int          `json:"maxChosenTeamSize,omitempty"`
	ForceSwitch       []bool       `json:"forceSwitch,omitempty"`
	Active            []ActiveSlot `json:"active,omitempty"`
	Side              Side         `json:"side"`
}

type ActiveSlot struct {
	Moves            []MoveOption `json:"moves"`
	Trapped          bool         `json:"trapped,omitempty"`
	CanTerastallize  string       `json:"canTerastallize,omitempty"`
}

type MoveOption struct {
	Name     string `json:"move"`
	ID       string `json:"id"`
	PP       int    `json:"pp"`
	MaxPP    int    `json:"maxpp"`
	Target   string `json:"target"`
	Disabled bool   `json:"disabled"`
}

type Side struct {
	Name    string        `json:"name"`
	ID      string        `json:"id"`
	Pokemon []SidePokemon `json:"pokemon"`
}

type SidePokemon struct {
	Ident     string `json:"ident"`
	Details   string `json:"details"`
	Condition string `json:"condition"`
	Active    bool   `json:"active"`
}

// Fainted reports whether the condition string marks the creature as down.
func (p SidePokemon) Fainted() bool {
	return strings.HasSuffix(p.Condition, " fnt") || p.Condition == "0 fnt"
}

func DecodeRequest(payload []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	return &req, nil
}
