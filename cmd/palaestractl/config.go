package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"palaestra/pkg/palaestra"
)

// loadTrainRequestFromConfig reads a run config JSON file. Keys match the
// train subcommand's flag names; command values may be either a string
// (split on whitespace) or an array of arguments.
func loadTrainRequestFromConfig(path string) (palaestra.TrainRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return palaestra.TrainRequest{}, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return palaestra.TrainRequest{}, err
	}

	var req palaestra.TrainRequest
	if v, ok := asString(raw["run_id"]); ok {
		req.RunID = v
	}
	if v, ok := asString(raw["algorithm"]); ok {
		req.Algorithm = v
	}
	if v, ok := asString(raw["battle_format"]); ok {
		req.Format = v
	}
	if v, ok := asString(raw["teams"]); ok {
		req.TeamsDir = v
	}
	if v, ok := asString(raw["team1"]); ok {
		req.Team1Path = v
	}
	if v, ok := asString(raw["team2"]); ok {
		req.Team2Path = v
	}
	if v, ok := asString(raw["behavior_clone"]); ok {
		req.BehaviorClonePath = v
	}
	if v, ok := asInt(raw["iterations"]); ok {
		req.Iterations = v
	}
	if v, ok := asInt(raw["episodes"]); ok {
		req.Episodes = v
	}
	if v, ok := asInt(raw["eval_episodes"]); ok {
		req.EvalEpisodes = v
	}
	if v, ok := asInt(raw["checkpoint_every"]); ok {
		req.CheckpointEvery = v
	}
	if v, ok := asInt(raw["frame_stack"]); ok {
		req.FrameStack = v
	}
	if v, ok := asBool(raw["no_mirror_match"]); ok {
		req.NoMirrorMatch = v
	}
	if v, ok := asInt64(raw["seed"]); ok {
		req.Seed = v
	}
	if v, ok := asInt(raw["num_envs"]); ok {
		req.NumEnvs = v
	}
	if v, ok := asInt(raw["num_eval_workers"]); ok {
		req.NumEvalWorkers = v
	}
	if v, ok := asInt(raw["port"]); ok {
		req.Port = v
	}
	if v, ok := asCommand(raw["server_cmd"]); ok {
		req.ServerCommand = v
	}
	if v, ok := asCommand(raw["improver_cmd"]); ok {
		req.ImproverCommand = v
	}
	if v, ok := asString(raw["status_addr"]); ok {
		req.StatusAddr = v
	}
	return req, nil
}

func loadOrDefaultTrainRequest(configPath string) (palaestra.TrainRequest, error) {
	if configPath == "" {
		return palaestra.TrainRequest{}, nil
	}
	req, err := loadTrainRequestFromConfig(configPath)
	if err != nil {
		return palaestra.TrainRequest{}, fmt.Errorf("load config: %w", err)
	}
	return req, nil
}

// overrideFromFlags applies explicitly set flags over a config-loaded
// request, so the command line always wins.
func overrideFromFlags(req *palaestra.TrainRequest, set map[string]bool, flagValue map[string]any) {
	for name := range set {
		v, ok := flagValue[name]
		if !ok {
			continue
		}
		switch name {
		case "run_id":
			req.RunID = v.(string)
		case "algorithm":
			req.Algorithm = v.(string)
		case "battle_format":
			req.Format = v.(string)
		case "teams":
			req.TeamsDir = v.(string)
		case "team1":
			req.Team1Path = v.(string)
		case "team2":
			req.Team2Path = v.(string)
		case "behavior_clone":
			req.BehaviorClonePath = v.(string)
		case "iterations":
			req.Iterations = v.(int)
		case "episodes":
			req.Episodes = v.(int)
		case "eval_episodes":
			req.EvalEpisodes = v.(int)
		case "checkpoint_every":
			req.CheckpointEvery = v.(int)
		case "frame_stack":
			req.FrameStack = v.(int)
		case "no_mirror_match":
			req.NoMirrorMatch = v.(bool)
		case "seed":
			req.Seed = v.(int64)
		case "num_envs":
			req.NumEnvs = v.(int)
		case "num_eval_workers":
			req.NumEvalWorkers = v.(int)
		case "port":
			req.Port = v.(int)
		case "server_cmd":
			req.ServerCommand = splitCommand(v.(string))
		case "improver_cmd":
			req.ImproverCommand = splitCommand(v.(string))
		case "status_addr":
			req.StatusAddr = v.(string)
		}
	}
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case float64:
		return int(x), true
	default:
		return 0, false
	}
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int64:
		return x, true
	case float64:
		return int64(x), true
	default:
		return 0, false
	}
}

func asCommand(v any) ([]string, bool) {
	switch x := v.(type) {
	case string:
		if strings.TrimSpace(x) == "" {
			return nil, false
		}
		return strings.Fields(x), true
	case []any:
		args := make([]string, 0, len(x))
		for _, item := range x {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			args = append(args, s)
		}
		if len(args) == 0 {
			return nil, false
		}
		return args, true
	default:
		return nil, false
	}
}
