package player

import (
	"errors"
	"math/rand"
	"strings"
	"testing"

	"palaestra/internal/showdown"
)

func moveRequest(rqid int) *showdown.Request {
	return &showdown.Request{
		RQID: rqid,
		Active: []showdown.ActiveSlot{
			{
				Moves: []showdown.MoveOption{
					{ID: "astralbarrage", PP: 8, MaxPP: 8, Target: "allAdjacentFoes"},
					{ID: "protect", PP: 16, MaxPP: 16, Target: "self"},
					{ID: "psychic", PP: 16, MaxPP: 16, Target: "normal", Disabled: true},
					{ID: "pollenpuff", PP: 0, MaxPP: 24, Target: "normal"},
				},
				CanTerastallize: "Ghost",
			},
			{
				Moves: []showdown.MoveOption{
					{ID: "fakeout", PP: 16, MaxPP: 16, Target: "normal"},
					{ID: "knockoff", PP: 32, MaxPP: 32, Target: "normal"},
				},
			},
		},
		Side: showdown.Side{
			ID: "p1",
			Pokemon: []showdown.SidePokemon{
				{Ident: "p1: Calyrex", Condition: "175/175", Active: true},
				{Ident: "p1: Incineroar", Condition: "202/202", Active: true},
				{Ident: "p1: Rillaboom", Condition: "207/207"},
				{Ident: "p1: Urshifu", Condition: "0 fnt"},
			},
		},
	}
}

func TestNewRejectsUnknownKind(t *testing.T) {
	if _, err := New(Spec{Kind: "llm"}); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("error = %v, want ErrUnknownKind", err)
	}
}

func TestNewDefaultsToRandom(t *testing.T) {
	p, err := New(Spec{Seed: 1})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if p.Kind() != KindRandom {
		t.Fatalf("kind = %q, want %q", p.Kind(), KindRandom)
	}
}

func TestRandomChoosesOnlyUsableMoves(t *testing.T) {
	req := moveRequest(1)
	for seed := int64(0); seed < 50; seed++ {
		p := NewRandom(seed, 1)
		choice := p.Choose(req)
		atoms := strings.Split(choice, ", ")
		if len(atoms) != 2 {
			t.Fatalf("seed %d: expected 2 atoms, got %q", seed, choice)
		}
		// Slot one: psychic is disabled and pollenpuff is out of PP, so
		// only moves 1 and 2 are legal.
		if strings.Contains(atoms[0], "move 3") || strings.Contains(atoms[0], "move 4") {
			t.Fatalf("seed %d: picked unusable move: %q", seed, choice)
		}
		if !strings.HasPrefix(atoms[0], "move ") || !strings.HasPrefix(atoms[1], "move ") {
			t.Fatalf("seed %d: expected move atoms, got %q", seed, choice)
		}
	}
}

func TestRandomSpreadMovesTakeNoTarget(t *testing.T) {
	req := moveRequest(1)
	for seed := int64(0); seed < 50; seed++ {
		p := NewRandom(seed, 1)
		atoms := strings.Split(p.Choose(req), ", ")
		if strings.HasPrefix(atoms[0], "move 1") && atoms[0] != "move 1" && atoms[0] != "move 1 terastallize" {
			t.Fatalf("seed %d: spread move got a target: %q", seed, atoms[0])
		}
		if strings.HasPrefix(atoms[0], "move 2") && atoms[0] != "move 2" && atoms[0] != "move 2 terastallize" {
			t.Fatalf("seed %d: self move got a target: %q", seed, atoms[0])
		}
	}
}

func TestRandomForcedSwitchNeverReusesBench(t *testing.T) {
	req := &showdown.Request{
		RQID:        3,
		ForceSwitch: []bool{true, true},
		Side: showdown.Side{
			ID: "p1",
			Pokemon: []showdown.SidePokemon{
				{Ident: "p1: Calyrex", Condition: "0 fnt", Active: true},
				{Ident: "p1: Incineroar", Condition: "0 fnt", Active: true},
				{Ident: "p1: Rillaboom", Condition: "207/207"},
				{Ident: "p1: Urshifu", Condition: "176/176"},
			},
		},
	}
	for seed := int64(0); seed < 50; seed++ {
		p := NewRandom(seed, 1)
		atoms := strings.Split(p.Choose(req), ", ")
		if len(atoms) != 2 {
			t.Fatalf("seed %d: expected 2 atoms, got %v", seed, atoms)
		}
		if atoms[0] == atoms[1] {
			t.Fatalf("seed %d: both slots switched to the same bench index: %v", seed, atoms)
		}
		for _, atom := range atoms {
			if atom != "switch 3" && atom != "switch 4" {
				t.Fatalf("seed %d: unexpected switch atom %q", seed, atom)
			}
		}
	}
}

func TestRandomForcedSwitchPassesWithEmptyBench(t *testing.T) {
	req := &showdown.Request{
		RQID:        4,
		ForceSwitch: []bool{true, false},
		Side: showdown.Side{
			ID: "p1",
			Pokemon: []showdown.SidePokemon{
				{Ident: "p1: Calyrex", Condition: "0 fnt", Active: true},
				{Ident: "p1: Incineroar", Condition: "100/202", Active: true},
				{Ident: "p1: Rillaboom", Condition: "0 fnt"},
				{Ident: "p1: Urshifu", Condition: "0 fnt"},
			},
		},
	}
	p := NewRandom(1, 1)
	if got := p.Choose(req); got != "pass, pass" {
		t.Fatalf("choice = %q, want %q", got, "pass, pass")
	}
}

func TestRandomTeamPreviewRespectsChosenSize(t *testing.T) {
	req := &showdown.Request{
		RQID:              1,
		TeamPreview:       true,
		MaxChosenTeamSize: 4,
		Side: showdown.Side{
			ID: "p1",
			Pokemon: []showdown.SidePokemon{
				{Ident: "p1: Calyrex", Condition: "175/175"},
				{Ident: "p1: Incineroar", Condition: "202/202"},
				{Ident: "p1: Rillaboom", Condition: "207/207"},
				{Ident: "p1: Urshifu", Condition: "176/176"},
				{Ident: "p1: Farigiraf", Condition: "217/217"},
				{Ident: "p1: Raging Bolt", Condition: "197/197"},
			},
		},
	}
	for seed := int64(0); seed < 20; seed++ {
		p := NewRandom(seed, 1)
		choice := p.Choose(req)
		order, ok := strings.CutPrefix(choice, "team ")
		if !ok {
			t.Fatalf("seed %d: choice = %q", seed, choice)
		}
		if len(order) != 4 {
			t.Fatalf("seed %d: expected 4 slots, got %q", seed, order)
		}
		seen := map[byte]bool{}
		for i := 0; i < len(order); i++ {
			d := order[i]
			if d < '1' || d > '6' {
				t.Fatalf("seed %d: slot out of range in %q", seed, order)
			}
			if seen[d] {
				t.Fatalf("seed %d: duplicate slot in %q", seed, order)
			}
			seen[d] = true
		}
	}
}

func TestRandomWaitRequestsNeedNoChoice(t *testing.T) {
	p := NewRandom(1, 1)
	if got := p.Choose(&showdown.Request{RQID: 9, Wait: true}); got != "" {
		t.Fatalf("wait choice = %q, want empty", got)
	}
}

func TestRandomTerastallizesAtMostOnce(t *testing.T) {
	p := NewRandom(7, 1)
	teras := 0
	for rqid := 1; rqid <= 40; rqid++ {
		choice := p.Choose(moveRequest(rqid))
		teras += strings.Count(choice, "terastallize")
	}
	if teras > 1 {
		t.Fatalf("terastallized %d times in one battle", teras)
	}
}

func TestFrameWindowKeepsMostRecent(t *testing.T) {
	p := NewRandom(1, 3)
	for rqid := 1; rqid <= 5; rqid++ {
		p.Choose(moveRequest(rqid))
	}
	frames := p.Frames()
	if len(frames) != 3 {
		t.Fatalf("frames = %d, want 3", len(frames))
	}
	for i, want := range []int{3, 4, 5} {
		if frames[i].RQID != want {
			t.Fatalf("frame %d rqid = %d, want %d", i, frames[i].RQID, want)
		}
	}
}

func TestCheckpointChoosesDeterministically(t *testing.T) {
	payload := []byte("policy weights v3")
	req := moveRequest(12)

	first := NewCheckpoint("pol-3", payload, 1).Choose(req)
	for i := 0; i < 10; i++ {
		if got := NewCheckpoint("pol-3", payload, 1).Choose(req); got != first {
			t.Fatalf("choice varied for identical checkpoint and request: %q vs %q", got, first)
		}
	}
}

func TestCheckpointChoiceDependsOnPayload(t *testing.T) {
	a := NewCheckpoint("pol-a", []byte("weights a"), 1)
	b := NewCheckpoint("pol-b", []byte("weights b"), 1)

	varied := false
	for rqid := 1; rqid <= 64 && !varied; rqid++ {
		r := moveRequest(rqid)
		if a.Choose(r) != b.Choose(r) {
			varied = true
		}
	}
	if !varied {
		t.Fatalf("different payloads never produced different choices")
	}
}

func TestChooseTargetsStayAdjacent(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 100; i++ {
		target, ok := moveTarget(rng, "normal", 0)
		if !ok || (target != 1 && target != 2) {
			t.Fatalf("normal target = %d ok=%v", target, ok)
		}
		target, ok = moveTarget(rng, "adjacentAlly", 0)
		if !ok || target != -2 {
			t.Fatalf("ally target for slot 0 = %d ok=%v", target, ok)
		}
		target, ok = moveTarget(rng, "adjacentAlly", 1)
		if !ok || target != -1 {
			t.Fatalf("ally target for slot 1 = %d ok=%v", target, ok)
		}
		if _, ok = moveTarget(rng, "allAdjacentFoes", 0); ok {
			t.Fatalf("spread move should take no target")
		}
	}
}
