// Package player implements the action-choosing side of a battle. Every
// opponent variant, from the cold-start random placeholder to a frozen
// population checkpoint, satisfies the same single-method capability so
// the rest of the system never depends on a concrete kind.
package player

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"

	"palaestra/internal/showdown"
)

const (
	KindRandom     = "random"
	KindCheckpoint = "checkpoint"

	DefaultFrameStack = 4
)

// ErrUnknownKind reports a player spec naming a kind nobody registered.
var ErrUnknownKind = errors.New("unknown player kind")

// Player chooses one action per simulator decision request. Players are
// per-episode: construct a fresh one for every battle.
type Player interface {
	Kind() string
	// Choose returns the slash-command choice for req, without the
	// leading "/choose". An empty string means no response is owed.
	Choose(req *showdown.Request) string
}

// Spec selects and parameterizes a player kind.
type Spec struct {
	Kind       string
	Seed       int64
	FrameStack int
	// PolicyID and Payload identify the checkpoint for KindCheckpoint.
	PolicyID string
	Payload  []byte
}

// New builds a player from spec. The zero Kind defaults to the random
// placeholder.
func New(spec Spec) (Player, error) {
	if spec.FrameStack <= 0 {
		spec.FrameStack = DefaultFrameStack
	}
	switch spec.Kind {
	case "", KindRandom:
		return NewRandom(spec.Seed, spec.FrameStack), nil
	case KindCheckpoint:
		return NewCheckpoint(spec.PolicyID, spec.Payload, spec.FrameStack), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, spec.Kind)
	}
}

// frameWindow keeps the most recent decision requests as the player's
// observation stack.
type frameWindow struct {
	depth  int
	frames []*showdown.Request
}

func (w *frameWindow) push(req *showdown.Request) {
	if w.depth <= 0 {
		return
	}
	w.frames = append(w.frames, req)
	if len(w.frames) > w.depth {
		w.frames = w.frames[len(w.frames)-w.depth:]
	}
}

// Frames returns the stacked requests, oldest first.
func (w *frameWindow) Frames() []*showdown.Request {
	out := make([]*showdown.Request, len(w.frames))
	copy(out, w.frames)
	return out
}

// Random is the frame-stacked placeholder used when the population is
// empty and as the fixed evaluation baseline. It picks uniformly among
// legal options.
type Random struct {
	rng      *rand.Rand
	window   frameWindow
	teraUsed bool
}

func NewRandom(seed int64, frameStack int) *Random {
	return &Random{
		rng:    rand.New(rand.NewSource(seed)),
		window: frameWindow{depth: frameStack},
	}
}

func (p *Random) Kind() string { return KindRandom }

func (p *Random) Choose(req *showdown.Request) string {
	p.window.push(req)
	return choose(p.rng, req, &p.teraUsed)
}

func (p *Random) Frames() []*showdown.Request { return p.window.Frames() }

// Checkpoint acts for a frozen population member. Weight inference lives
// outside this process, so the stand-in decision head derives every
// choice deterministically from the checkpoint bytes and the request
// identity: the same checkpoint facing the same request always picks the
// same action.
type Checkpoint struct {
	policyID string
	sum      [sha256.Size]byte
	window   frameWindow
	teraUsed bool
}

func NewCheckpoint(policyID string, payload []byte, frameStack int) *Checkpoint {
	return &Checkpoint{
		policyID: policyID,
		sum:      sha256.Sum256(payload),
		window:   frameWindow{depth: frameStack},
	}
}

func (p *Checkpoint) Kind() string { return KindCheckpoint }

func (p *Checkpoint) PolicyID() string { return p.policyID }

func (p *Checkpoint) Choose(req *showdown.Request) string {
	p.window.push(req)
	rng := rand.New(rand.NewSource(p.requestSeed(req)))
	return choose(rng, req, &p.teraUsed)
}

func (p *Checkpoint) Frames() []*showdown.Request { return p.window.Frames() }

func (p *Checkpoint) requestSeed(req *showdown.Request) int64 {
	h := fnv.New64a()
	h.Write(p.sum[:])
	if req != nil {
		fmt.Fprintf(h, "|%d|%s|%d", req.RQID, req.Side.ID, len(req.Side.Pokemon))
	}
	return int64(h.Sum64())
}
