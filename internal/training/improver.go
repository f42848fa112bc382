package training

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"

	"palaestra/internal/battle"
)

// Improver is the policy-improvement step consumed by the training loop.
// The gradient machinery lives outside this process; the loop only hands
// over the current weights with the iteration's trajectories and takes
// back updated weights.
type Improver interface {
	Improve(ctx context.Context, weights []byte, episodes []battle.Episode) ([]byte, error)
}

// IdentityImprover returns the weights unchanged. It is the default when
// no external learner is configured and keeps the orchestration loop,
// matrix bookkeeping and checkpoint cadence fully exercisable on their
// own.
type IdentityImprover struct{}

func (IdentityImprover) Improve(_ context.Context, weights []byte, _ []battle.Episode) ([]byte, error) {
	return weights, nil
}

// ExecImprover shells out to an external learner command. The command
// reads one JSON document from stdin carrying the current weights and the
// episode batch and writes one JSON document with the updated weights to
// stdout.
type ExecImprover struct {
	Command []string
}

type improveInput struct {
	Weights  []byte           `json:"weights"`
	Episodes []battle.Episode `json:"episodes"`
}

type improveOutput struct {
	Weights []byte `json:"weights"`
}

func (e ExecImprover) Improve(ctx context.Context, weights []byte, episodes []battle.Episode) ([]byte, error) {
	if len(e.Command) == 0 {
		return nil, errors.New("improver command is required")
	}

	input, err := json.Marshal(improveInput{Weights: weights, Episodes: episodes})
	if err != nil {
		return nil, fmt.Errorf("encode improver input: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.Command[0], e.Command[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return nil, fmt.Errorf("improver %s: %v: %s", e.Command[0], err, stderr.String())
		}
		return nil, fmt.Errorf("improver %s: %w", e.Command[0], err)
	}

	var output improveOutput
	if err := json.Unmarshal(stdout.Bytes(), &output); err != nil {
		return nil, fmt.Errorf("decode improver output: %w", err)
	}
	if len(output.Weights) == 0 {
		return nil, errors.New("improver returned no weights")
	}
	return output.Weights, nil
}
