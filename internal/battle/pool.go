package battle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"palaestra/internal/showdown"
	"palaestra/internal/telemetry"
)

type PoolConfig struct {
	Manager *showdown.Manager
	// BasePort is the first simulator port; worker i owns BasePort+i
	// exclusively for its lifetime.
	BasePort int
	Workers  int
	// Seed is the base for per-episode player seeds.
	Seed           int64
	EpisodeTimeout time.Duration
	// ShutdownGrace is how long an in-flight episode may keep running
	// after the batch context is cancelled before it is torn down.
	ShutdownGrace time.Duration
}

// Pool partitions an episode budget across workers, one simulator server
// per worker. RunEpisodes is a barrier: it returns only when every
// requested episode has completed, aborted, or the context is done.
type Pool struct {
	cfg PoolConfig
	run func(ctx context.Context, server *showdown.Server, m Matchup, index int) (Episode, error)
}

func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Manager == nil {
		return nil, fmt.Errorf("server manager is required")
	}
	if cfg.BasePort <= 0 {
		return nil, fmt.Errorf("base port must be > 0")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.EpisodeTimeout <= 0 {
		cfg.EpisodeTimeout = 5 * time.Minute
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	return &Pool{cfg: cfg, run: runEpisode}, nil
}

// RunEpisodes plays n episodes of the matchup and returns them indexed by
// episode number, worst case partially filled when the context ends the
// batch early. The tally covers completed episodes only.
func (p *Pool) RunEpisodes(ctx context.Context, m Matchup, n int) ([]Episode, Tally, error) {
	if err := m.Validate(); err != nil {
		return nil, Tally{}, err
	}
	if n <= 0 {
		return nil, Tally{}, fmt.Errorf("episode count must be > 0")
	}

	workers := p.cfg.Workers
	if workers > n {
		workers = n
	}

	episodes := make([]Episode, n)
	jobs := make(chan int)

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			return p.worker(gctx, w, m, jobs, episodes)
		})
	}
	g.Go(func() error {
		defer close(jobs)
		for i := 0; i < n; i++ {
			select {
			case jobs <- i:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	err := g.Wait()
	tally := TallyEpisodes(episodes)
	slog.Debug("episode batch finished",
		"requested", n,
		"games", tally.Games,
		"aborted", tally.Aborted,
		"rate", tally.Rate())
	if err != nil {
		return episodes, tally, err
	}
	return episodes, tally, nil
}

// worker owns one server port for the life of the batch. Each episode it
// picks up runs against its server; a failed episode gets one retry on a
// freshly acquired server before it is marked aborted.
func (p *Pool) worker(ctx context.Context, index int, m Matchup, jobs <-chan int, episodes []Episode) error {
	port := p.cfg.BasePort + index
	server, err := p.cfg.Manager.Acquire(ctx, port)
	if err != nil {
		return err
	}
	defer func() {
		p.cfg.Manager.Release(server)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case idx, ok := <-jobs:
			if !ok {
				return nil
			}
			episode, runErr := p.runWithRetry(ctx, &server, port, m, idx)
			episodes[idx] = episode
			if runErr != nil {
				return runErr
			}
		}
	}
}

func (p *Pool) runWithRetry(ctx context.Context, server **showdown.Server, port int, m Matchup, idx int) (Episode, error) {
	var episode Episode
	for attempt := 1; ; attempt++ {
		epCtx, cancel := p.episodeContext(ctx)
		var err error
		episode, err = p.run(epCtx, *server, p.episodeMatchup(m, idx), idx)
		cancel()
		if err == nil {
			// An episode that finished within the shutdown grace still
			// counts; the worker loop stops dispatch on its next select.
			return episode, nil
		}
		if ctx.Err() != nil {
			// Shutdown: the partial episode is discarded, not retried.
			episode.Outcome = OutcomeAborted
			return episode, ctx.Err()
		}
		slog.Warn("episode failed",
			"port", port,
			"episode", idx,
			"attempt", attempt,
			"err", err)
		if attempt == 2 {
			break
		}

		p.cfg.Manager.Release(*server)
		fresh, acquireErr := p.cfg.Manager.Acquire(ctx, port)
		if acquireErr != nil {
			return episode, fmt.Errorf("reacquire port %d: %w", port, acquireErr)
		}
		*server = fresh
		telemetry.CountServerRestart()
	}

	episode.Outcome = OutcomeAborted
	if episode.Error == "" {
		episode.Error = ErrEpisodeAborted.Error()
	}
	return episode, nil
}

// episodeContext bounds one episode by the episode timeout. Cancelling
// the batch does not cut the episode off immediately: it gets the
// shutdown grace to reach a terminal state first.
func (p *Pool) episodeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	epCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.EpisodeTimeout)
	stop := context.AfterFunc(ctx, func() {
		time.AfterFunc(p.cfg.ShutdownGrace, cancel)
	})
	return epCtx, func() {
		stop()
		cancel()
	}
}

func (p *Pool) episodeMatchup(m Matchup, idx int) Matchup {
	m.SideA.Player.Seed = p.cfg.Seed + int64(idx)*2
	m.SideB.Player.Seed = p.cfg.Seed + int64(idx)*2 + 1
	return m
}
