// Package telemetry exposes the training run to the outside: Prometheus
// metrics and a small status HTTP endpoint serving a JSON snapshot of the
// run's progress.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	iterationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "palaestra",
		Subsystem: "training",
		Name:      "iterations_total",
		Help:      "Completed training iterations",
	})

	episodesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "palaestra",
		Subsystem: "training",
		Name:      "episodes_total",
		Help:      "Completed episodes by terminal outcome",
	}, []string{"outcome"})

	checkpointsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "palaestra",
		Subsystem: "training",
		Name:      "checkpoints_total",
		Help:      "Policies frozen into the population",
	})

	serverRestartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "palaestra",
		Subsystem: "showdown",
		Name:      "server_restarts_total",
		Help:      "Simulator servers replaced after a failed episode",
	})

	populationSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "palaestra",
		Subsystem: "population",
		Name:      "size",
		Help:      "Frozen policies in the population",
	})

	batchWinRate = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "palaestra",
		Subsystem: "training",
		Name:      "batch_win_rate",
		Help:      "Live policy win rate over the last episode batch",
	})

	evalWinRate = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "palaestra",
		Subsystem: "eval",
		Name:      "win_rate",
		Help:      "Win rate of the last evaluation pass against the baseline",
	})
)

// CountIteration marks one completed training iteration.
func CountIteration() {
	iterationsTotal.Inc()
}

// CountEpisodes folds one batch's outcome counts into the episode
// counters and records the batch win rate.
func CountEpisodes(wins, draws, losses, aborted int, rate float64) {
	episodesTotal.WithLabelValues("win").Add(float64(wins))
	episodesTotal.WithLabelValues("draw").Add(float64(draws))
	episodesTotal.WithLabelValues("loss").Add(float64(losses))
	episodesTotal.WithLabelValues("aborted").Add(float64(aborted))
	batchWinRate.Set(rate)
}

// CountServerRestart marks one simulator server replaced mid-batch.
func CountServerRestart() {
	serverRestartsTotal.Inc()
}

// CountCheckpoint marks one policy frozen into the population of the
// given new size.
func CountCheckpoint(population int) {
	checkpointsTotal.Inc()
	populationSize.Set(float64(population))
}

// SetPopulationSize records the population size without a checkpoint,
// used when a resumed run restores its manifest.
func SetPopulationSize(population int) {
	populationSize.Set(float64(population))
}

// SetEvalWinRate records the last evaluation pass result.
func SetEvalWinRate(rate float64) {
	evalWinRate.Set(rate)
}
