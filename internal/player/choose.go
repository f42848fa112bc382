package player

import (
	"math/rand"
	"strconv"
	"strings"

	"palaestra/internal/showdown"
)

// choose builds one complete choice string for a decision request: a team
// order for preview, one switch or move atom per active slot otherwise.
// Slots with no legal option emit "pass"; a wait request emits "".
func choose(rng *rand.Rand, req *showdown.Request, teraBudget *bool) string {
	switch {
	case req == nil || req.Wait:
		return ""
	case req.TeamPreview:
		return previewChoice(rng, req)
	case len(req.ForceSwitch) > 0:
		return forcedSwitchChoice(rng, req)
	case len(req.Active) > 0:
		return moveChoice(rng, req, teraBudget)
	}
	return "default"
}

func previewChoice(rng *rand.Rand, req *showdown.Request) string {
	n := len(req.Side.Pokemon)
	if n == 0 {
		return "default"
	}
	size := req.MaxChosenTeamSize
	if size <= 0 || size > n {
		size = n
	}

	var sb strings.Builder
	sb.WriteString("team ")
	for _, i := range rng.Perm(n)[:size] {
		sb.WriteString(strconv.Itoa(i + 1))
	}
	return sb.String()
}

func forcedSwitchChoice(rng *rand.Rand, req *showdown.Request) string {
	bench := benchIndexes(req.Side)
	atoms := make([]string, 0, len(req.ForceSwitch))
	for _, forced := range req.ForceSwitch {
		if !forced || len(bench) == 0 {
			atoms = append(atoms, "pass")
			continue
		}
		pick := rng.Intn(len(bench))
		atoms = append(atoms, "switch "+strconv.Itoa(bench[pick]))
		// A bench slot can only come in for one fainted spot per turn.
		bench = append(bench[:pick], bench[pick+1:]...)
	}
	return strings.Join(atoms, ", ")
}

func moveChoice(rng *rand.Rand, req *showdown.Request, teraBudget *bool) string {
	doubles := len(req.Active) > 1
	atoms := make([]string, 0, len(req.Active))
	for slot, active := range req.Active {
		usable := usableMoves(active)
		if len(usable) == 0 {
			atoms = append(atoms, "default")
			continue
		}
		move := usable[rng.Intn(len(usable))]
		atom := "move " + strconv.Itoa(move.index)
		if doubles {
			if target, ok := moveTarget(rng, move.option.Target, slot); ok {
				atom += " " + strconv.Itoa(target)
			}
		}
		if active.CanTerastallize != "" && teraBudget != nil && !*teraBudget && rng.Intn(4) == 0 {
			*teraBudget = true
			atom += " terastallize"
		}
		atoms = append(atoms, atom)
	}
	return strings.Join(atoms, ", ")
}

type usableMove struct {
	index  int
	option showdown.MoveOption
}

func usableMoves(active showdown.ActiveSlot) []usableMove {
	usable := make([]usableMove, 0, len(active.Moves))
	for i, m := range active.Moves {
		if m.Disabled {
			continue
		}
		if m.MaxPP > 0 && m.PP <= 0 {
			continue
		}
		usable = append(usable, usableMove{index: i + 1, option: m})
	}
	return usable
}

// moveTarget picks a target slot for single-target moves in a double
// battle. Foe slots are positive, ally slots negative; spread, side and
// self moves take no target.
func moveTarget(rng *rand.Rand, target string, slot int) (int, bool) {
	switch target {
	case "normal", "any", "adjacentFoe":
		return rng.Intn(2) + 1, true
	case "adjacentAlly":
		if slot == 0 {
			return -2, true
		}
		return -1, true
	case "adjacentAllyOrSelf":
		return -(rng.Intn(2) + 1), true
	}
	return 0, false
}

func benchIndexes(side showdown.Side) []int {
	bench := make([]int, 0, len(side.Pokemon))
	for i, p := range side.Pokemon {
		if p.Active || p.Fainted() || p.Condition == "" {
			continue
		}
		bench = append(bench, i+1)
	}
	return bench
}
