package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/gradepop-crawler/internal/progress"
)

// PrometheusSink exports run progress via Prometheus: runs started and
// finished, the in-flight run's completion percentage, and per-source
// outcomes.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runPercent    prometheus.Gauge
	runDuration   *prometheus.HistogramVec

	sourceOutcomes *prometheus.CounterVec
	sourceDuration *prometheus.HistogramVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gradepop_progress_runs_started_total",
			Help: "Update runs that have started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gradepop_progress_runs_completed_total",
			Help: "Update runs completed partitioned by result.",
		}, []string{"result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gradepop_progress_runs_running",
			Help: "Update runs currently executing.",
		}),
		runPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gradepop_progress_run_percent",
			Help: "Completion percentage of the latest run.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gradepop_progress_run_duration_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"result"}),
		sourceOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gradepop_progress_source_outcomes_total",
			Help: "Per-source outcomes within update runs.",
		}, []string{"source", "outcome"}),
		sourceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gradepop_progress_source_duration_seconds",
			Help:    "Per-source processing time within update runs.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
		}, []string{"source"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runPercent,
		s.runDuration,
		s.sourceOutcomes,
		s.sourceDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Step {
	case progress.StepRunStart:
		s.runsStarted.Inc()
		s.runPercent.Set(0)
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
	case progress.StepRunDone:
		s.finishRun(evt, "success")
	case progress.StepRunError:
		s.finishRun(evt, "error")
	case progress.StepSourceDone:
		s.finishSource(evt, "success")
	case progress.StepSourceError:
		s.finishSource(evt, "error")
	case progress.StepSourceSkipped:
		s.finishSource(evt, "skipped")
	}
}

func (s *PrometheusSink) finishRun(evt progress.Event, result string) {
	s.runsCompleted.WithLabelValues(result).Inc()
	s.runPercent.Set(evt.Percent)
	if evt.Dur > 0 {
		s.runDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.RunID) {
		s.runsRunning.Dec()
	}
}

func (s *PrometheusSink) finishSource(evt progress.Event, outcome string) {
	s.sourceOutcomes.WithLabelValues(evt.Source, outcome).Inc()
	s.runPercent.Set(evt.Percent)
	if evt.Dur > 0 {
		s.sourceDuration.WithLabelValues(evt.Source).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[string]struct{})}
}

func (t *runTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
