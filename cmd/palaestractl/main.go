package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"palaestra/internal/sampler"
	"palaestra/internal/storage"
	"palaestra/internal/team"
	"palaestra/pkg/palaestra"
)

const defaultSaveDir = "runs/default"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "train":
		return runTrain(ctx, args[1:])
	case "teams":
		return runTeams(ctx, args[1:])
	case "population":
		return runPopulation(ctx, args[1:])
	case "matrix":
		return runMatrix(ctx, args[1:])
	case "evals":
		return runEvals(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: palaestractl <train|teams|population|matrix|evals|runs> [flags]", msg)
}

func runTrain(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional run config JSON path; explicit flags win")
	runID := fs.String("run_id", "", "explicit run id (optional, resumes an existing run)")
	algorithm := fs.String("algorithm", sampler.AlgorithmSelfPlay, "opponent sampling algorithm: "+strings.Join(sampler.Algorithms(), "|"))
	battleFormat := fs.String("battle_format", "", "battle format id (empty uses the current default)")
	teamsDir := fs.String("teams", "", "directory of team files to draw from")
	team1 := fs.String("team1", "", "team file pinned to the learner side")
	team2 := fs.String("team2", "", "team file pinned to the opponent side")
	behaviorClone := fs.String("behavior_clone", "", "checkpoint file seeding the initial policy")
	iterations := fs.Int("iterations", 0, "training iterations to run (0 uses the default)")
	episodes := fs.Int("episodes", 0, "episodes per iteration (0 uses the default)")
	evalEpisodes := fs.Int("eval_episodes", 0, "evaluation episodes per checkpoint (0 disables evaluation)")
	checkpointEvery := fs.Int("checkpoint_every", 0, "iterations between frozen checkpoints (0 uses the default)")
	frameStack := fs.Int("frame_stack", 0, "observation frames stacked per step (0 uses the default)")
	noMirrorMatch := fs.Bool("no_mirror_match", false, "exclude mirror matchups from sampling")
	numEnvs := fs.Int("num_envs", 1, "parallel training environments, one simulator server each")
	numEvalWorkers := fs.Int("num_eval_workers", 0, "parallel evaluation environments")
	port := fs.Int("port", 0, "first simulator server port")
	serverCmd := fs.String("server_cmd", "", "simulator server launch command (overrides the default)")
	improverCmd := fs.String("improver_cmd", "", "external learner command; empty keeps weights unchanged")
	seed := fs.Int64("seed", 1, "rng seed")
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	saveDir := fs.String("save_dir", defaultSaveDir, "run save directory")
	statusAddr := fs.String("status_addr", "", "status/metrics HTTP listen address (empty disables)")
	logLevel := fs.String("log_level", "info", "log level: debug|info|warn|error")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := configureLogging(*logLevel); err != nil {
		return err
	}
	setFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	req, err := loadOrDefaultTrainRequest(*configPath)
	if err != nil {
		return err
	}
	if *configPath == "" {
		req = palaestra.TrainRequest{
			RunID:             *runID,
			Algorithm:         *algorithm,
			Format:            *battleFormat,
			TeamsDir:          *teamsDir,
			Team1Path:         *team1,
			Team2Path:         *team2,
			BehaviorClonePath: *behaviorClone,
			Iterations:        *iterations,
			Episodes:          *episodes,
			EvalEpisodes:      *evalEpisodes,
			CheckpointEvery:   *checkpointEvery,
			FrameStack:        *frameStack,
			NoMirrorMatch:     *noMirrorMatch,
			Seed:              *seed,
			NumEnvs:           *numEnvs,
			NumEvalWorkers:    *numEvalWorkers,
			Port:              *port,
			ServerCommand:     splitCommand(*serverCmd),
			ImproverCommand:   splitCommand(*improverCmd),
			StatusAddr:        *statusAddr,
		}
	} else {
		overrideFromFlags(&req, setFlags, map[string]any{
			"run_id":           *runID,
			"algorithm":        *algorithm,
			"battle_format":    *battleFormat,
			"teams":            *teamsDir,
			"team1":            *team1,
			"team2":            *team2,
			"behavior_clone":   *behaviorClone,
			"iterations":       *iterations,
			"episodes":         *episodes,
			"eval_episodes":    *evalEpisodes,
			"checkpoint_every": *checkpointEvery,
			"frame_stack":      *frameStack,
			"no_mirror_match":  *noMirrorMatch,
			"seed":             *seed,
			"num_envs":         *numEnvs,
			"num_eval_workers": *numEvalWorkers,
			"port":             *port,
			"server_cmd":       *serverCmd,
			"improver_cmd":     *improverCmd,
			"status_addr":      *statusAddr,
		})
	}

	client, err := palaestra.New(palaestra.Options{
		StoreKind: *storeKind,
		SaveDir:   *saveDir,
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	summary, err := client.Train(ctx, req)
	if err != nil {
		return err
	}
	fmt.Printf("run completed run_id=%s algorithm=%s iterations=%s population=%d teams=%d\n",
		summary.RunID, summary.Algorithm, humanize.Comma(int64(summary.Iterations)),
		summary.PopulationSize, summary.TeamsLoaded)
	if summary.LastEvalRate > 0 {
		fmt.Printf("last_eval_win_rate=%.3f\n", summary.LastEvalRate)
	}
	fmt.Printf("save_dir=%s\n", summary.SaveDir)
	return nil
}

func runTeams(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("teams", flag.ContinueOnError)
	dir := fs.String("dir", "", "directory of team files to inspect")
	jsonOut := fs.Bool("json", false, "emit the team list as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dir == "" {
		return errors.New("teams: -dir is required")
	}

	teams, report, err := team.LoadDirectory(*dir)
	if err != nil {
		return err
	}

	if *jsonOut {
		type teamEntry struct {
			Lead string `json:"lead"`
			Key  string `json:"key"`
		}
		entries := make([]teamEntry, 0, len(teams))
		for _, t := range teams {
			entries = append(entries, teamEntry{Lead: t.Lead(), Key: t.Key()})
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	for i, t := range teams {
		fmt.Printf("%3d  %-24s %s\n", i+1, t.Lead(), t.Key())
	}
	fmt.Printf("loaded=%d banned=%d duplicates=%d invalid=%d\n",
		report.Loaded, report.SkippedBanned, report.SkippedDuplicates, report.SkippedInvalid)
	return nil
}

func runPopulation(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("population", flag.ContinueOnError)
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	saveDir := fs.String("save_dir", defaultSaveDir, "run save directory")
	jsonOut := fs.Bool("json", false, "emit the population as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := palaestra.New(palaestra.Options{StoreKind: *storeKind, SaveDir: *saveDir})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	policies, err := client.Population(ctx)
	if err != nil {
		return err
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(policies)
	}
	if len(policies) == 0 {
		fmt.Println("no policies found")
		return nil
	}
	for _, p := range policies {
		fmt.Printf("%s  seq=%d algorithm=%s iteration=%d frozen=%s\n",
			p.ID, p.Seq, p.Algorithm, p.Iteration, humanizeUTC(p.CreatedAtUTC))
	}
	return nil
}

func runMatrix(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("matrix", flag.ContinueOnError)
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	saveDir := fs.String("save_dir", defaultSaveDir, "run save directory")
	minGames := fs.Int("min_games", 0, "hide cells with fewer recorded games")
	jsonOut := fs.Bool("json", false, "emit the matrix cells as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := palaestra.New(palaestra.Options{StoreKind: *storeKind, SaveDir: *saveDir})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	cells, err := client.Matrix(ctx)
	if err != nil {
		return err
	}
	if *minGames > 0 {
		kept := cells[:0]
		for _, c := range cells {
			if c.Games >= *minGames {
				kept = append(kept, c)
			}
		}
		cells = kept
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cells)
	}
	if len(cells) == 0 {
		fmt.Println("no matrix cells found")
		return nil
	}
	for _, c := range cells {
		fmt.Printf("%s(%s) vs %s(%s)  rate=%.3f games=%s w/d/l=%d/%d/%d\n",
			c.PolicyA, shortKey(c.TeamA), c.PolicyB, shortKey(c.TeamB),
			c.Rate, humanize.Comma(int64(c.Games)), c.Wins, c.Draws, c.Losses)
	}
	return nil
}

func runEvals(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("evals", flag.ContinueOnError)
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	saveDir := fs.String("save_dir", defaultSaveDir, "run save directory")
	runID := fs.String("run_id", "", "run id (optional when the save dir holds one run)")
	jsonOut := fs.Bool("json", false, "emit the eval history as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := palaestra.New(palaestra.Options{StoreKind: *storeKind, SaveDir: *saveDir})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	history, err := client.EvalHistory(ctx, *runID)
	if err != nil {
		return err
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(history)
	}
	if len(history) == 0 {
		fmt.Println("no evaluation history found")
		return nil
	}
	for _, p := range history {
		fmt.Printf("iteration=%d policy=%s win_rate=%.3f games=%s aborted=%d\n",
			p.Iteration, p.PolicyID, p.WinRate, humanize.Comma(int64(p.Games)), p.Aborted)
	}
	return nil
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	saveDir := fs.String("save_dir", defaultSaveDir, "run save directory")
	jsonOut := fs.Bool("json", false, "emit the run list as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := palaestra.New(palaestra.Options{StoreKind: *storeKind, SaveDir: *saveDir})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	states, err := client.Runs(ctx)
	if err != nil {
		return err
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(states)
	}
	if len(states) == 0 {
		fmt.Println("no runs found")
		return nil
	}
	for _, s := range states {
		fmt.Printf("%s  algorithm=%s iteration=%d policies=%d updated=%s\n",
			s.RunID, s.Algorithm, s.Iteration, s.NextPolicySeq, humanizeUTC(s.UpdatedAtUTC))
	}
	return nil
}

func configureLogging(level string) error {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "", "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return fmt.Errorf("unknown log level: %s", level)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
	return nil
}

// splitCommand turns a flag value like "node pokemon-showdown start" into
// argv form. Quoting is not supported; arguments with spaces need a config
// file instead.
func splitCommand(s string) []string {
	return strings.Fields(s)
}

func humanizeUTC(stamp string) string {
	t, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return stamp
	}
	return humanize.Time(t)
}

func shortKey(key string) string {
	const max = 12
	if len(key) <= max {
		return key
	}
	return key[:max]
}
