// Package scheduler decides which sources are due, runs them in priority
// order, and records every run in the update history.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/gradepop-crawler/internal/cardstore"
	"github.com/JakeFAU/gradepop-crawler/internal/crawler"
	"github.com/JakeFAU/gradepop-crawler/internal/failure"
	"github.com/JakeFAU/gradepop-crawler/internal/history"
	"github.com/JakeFAU/gradepop-crawler/internal/kv"
	"github.com/JakeFAU/gradepop-crawler/internal/metrics"
	"github.com/JakeFAU/gradepop-crawler/internal/progress"
	"github.com/JakeFAU/gradepop-crawler/internal/registry"
	"github.com/JakeFAU/gradepop-crawler/internal/sources"
)

var tracer = otel.Tracer("github.com/JakeFAU/gradepop-crawler/internal/scheduler")

const (
	cancelledNote   = "run cancelled"
	persistTimeout  = 10 * time.Second
	defaultTopic    = "update-runs"
	outcomeSuccess  = "success"
	outcomeFailed   = "failed"
	outcomeSkipped  = "skipped"
	outcomeSystemic = "systemic"
)

// Sweeper prunes expired entries from a cache.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Config tunes the Orchestrator.
type Config struct {
	// RetentionDays bounds stored price and grading rows; <= 0 keeps all.
	RetentionDays int
	// NotifyTopic names the run-completed notification topic.
	NotifyTopic string
	// Location is the timezone the daily update time is read in.
	Location *time.Location
	// Settings apply until persisted settings are loaded.
	Settings Settings
}

// Dependencies are the Orchestrator's collaborators. Cards, Sweepers,
// Publisher, Progress, Prober, and Store are optional.
type Dependencies struct {
	Registry  *registry.Registry
	History   *history.History
	Fetcher   sources.Fetcher
	Prober    Prober
	Cards     cardstore.Store
	Sweepers  []Sweeper
	Publisher crawler.Publisher
	Progress  progress.Emitter
	Store     kv.Store
	Clock     crawler.Clock
	IDs       crawler.IDGenerator
	Logger    *zap.Logger
}

// ManualResult is returned to foreground callers of TriggerManualUpdate.
// Busy is set when another run held the lock and nothing was executed.
type ManualResult struct {
	Success bool                               `json:"success"`
	Busy    bool                               `json:"busy,omitempty"`
	RunID   string                             `json:"run_id,omitempty"`
	Results map[string]history.SourceRunResult `json:"results,omitempty"`
	Summary history.Summary                    `json:"summary"`
	Error   string                             `json:"error,omitempty"`
}

// Status is the service overview shown to operators.
type Status struct {
	Running    bool               `json:"running"`
	AutoUpdate Settings           `json:"auto_update"`
	Timezone   string             `json:"timezone"`
	NextRun    *time.Time         `json:"next_run,omitempty"`
	LastRun    *history.UpdateRun `json:"last_run,omitempty"`
	Sources    registry.Snapshot  `json:"sources"`
}

// Orchestrator runs update passes. At most one pass executes at a time;
// scheduled and manual runs share the lock.
type Orchestrator struct {
	cfg  Config
	deps Dependencies
	log  *zap.Logger

	mu      sync.Mutex
	running bool
	// idle is closed when the run holding the lock has been recorded.
	idle chan struct{}

	settingsMu sync.RWMutex
	settings   Settings

	wake chan struct{}
}

// New validates deps and returns an idle Orchestrator.
func New(cfg Config, deps Dependencies) (*Orchestrator, error) {
	switch {
	case deps.Registry == nil:
		return nil, errors.New("scheduler: registry is required")
	case deps.History == nil:
		return nil, errors.New("scheduler: history is required")
	case deps.Fetcher == nil:
		return nil, errors.New("scheduler: source fetcher is required")
	case deps.Clock == nil:
		return nil, errors.New("scheduler: clock is required")
	case deps.IDs == nil:
		return nil, errors.New("scheduler: id generator is required")
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.NotifyTopic == "" {
		cfg.NotifyTopic = defaultTopic
	}
	if cfg.Settings.UpdateTime == "" {
		cfg.Settings.UpdateTime = DefaultSettings().UpdateTime
	}
	if _, _, err := ParseClock(cfg.Settings.UpdateTime); err != nil {
		return nil, err
	}
	if deps.Progress == nil {
		deps.Progress = progress.Discard{}
	}
	if deps.Prober == nil {
		deps.Prober = HTTPProber{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:      cfg,
		deps:     deps,
		log:      logger.Named("scheduler"),
		settings: cfg.Settings,
		wake:     make(chan struct{}, 1),
	}, nil
}

// LoadState restores settings, registry state, and history from the kv
// store.
func (o *Orchestrator) LoadState(ctx context.Context) error {
	if o.deps.Store != nil {
		s, err := kv.GetJSON[Settings](ctx, o.deps.Store, SettingsKey)
		switch {
		case errors.Is(err, kv.ErrNotFound):
		case err != nil:
			return fmt.Errorf("load settings: %w", err)
		default:
			if _, _, perr := ParseClock(s.UpdateTime); perr != nil {
				o.log.Warn("ignoring persisted settings", zap.Error(perr))
				break
			}
			o.settingsMu.Lock()
			o.settings = s
			o.settingsMu.Unlock()
		}
	}
	if err := o.deps.Registry.Load(ctx); err != nil {
		return err
	}
	return o.deps.History.Load(ctx)
}

// ScheduledRun executes every due source. Source failures land in the
// returned run and in history, never in an error. ok is false when another
// run was already in progress and nothing executed.
func (o *Orchestrator) ScheduledRun(ctx context.Context) (run history.UpdateRun, ok bool) {
	if !o.acquire() {
		o.log.Info("scheduled run skipped", zap.Error(failure.ErrRunInProgress))
		return history.UpdateRun{}, false
	}
	defer o.release()
	due := o.deps.Registry.Due(o.deps.Clock.Now())
	return o.execute(ctx, history.TriggerScheduled, registry.GroupByPriority(due)), true
}

// TriggerManualUpdate runs the named sources regardless of whether they are
// due. With no key it behaves like ScheduledRun and only runs due sources.
// Unlike scheduled runs, failures are returned to the caller. A concurrent
// run yields ManualResult{Busy: true} and a nil error.
func (o *Orchestrator) TriggerManualUpdate(ctx context.Context, keys ...string) (ManualResult, error) {
	selected, err := o.resolve(keys)
	if err != nil {
		return ManualResult{Error: err.Error()}, err
	}
	if !o.acquire() {
		o.log.Info("manual run rejected", zap.Error(failure.ErrRunInProgress))
		return ManualResult{Busy: true, Error: failure.ErrRunInProgress.Error()}, nil
	}
	defer o.release()

	if len(keys) == 0 {
		selected = o.deps.Registry.Due(o.deps.Clock.Now())
	}
	run := o.execute(ctx, history.TriggerManual, registry.GroupByPriority(selected))
	res := ManualResult{
		Success: run.Succeeded(),
		RunID:   run.ID,
		Results: run.Results,
		Summary: run.Summary,
	}
	if err := runError(run); err != nil {
		res.Error = err.Error()
		return res, err
	}
	return res, nil
}

// resolve looks up explicitly requested sources. It runs before the lock is
// taken so an unknown key never blocks other callers.
func (o *Orchestrator) resolve(keys []string) ([]registry.Source, error) {
	selected := make([]registry.Source, 0, len(keys))
	for _, key := range keys {
		src, ok := o.deps.Registry.FindByKey(key)
		if !ok {
			return nil, fmt.Errorf("%w: %s", registry.ErrUnknownSource, key)
		}
		// An explicit request runs the source even when it is disabled.
		src.Enabled = true
		selected = append(selected, src)
	}
	return selected, nil
}

func runError(run history.UpdateRun) error {
	switch {
	case run.Systemic:
		if run.Error != "" {
			return fmt.Errorf("%w: %s", failure.ErrConnectivity, run.Error)
		}
		return failure.ErrConnectivity
	case run.Summary.Failed > 0:
		var first string
		for _, key := range sortedKeys(run.Results) {
			if r := run.Results[key]; !r.Success && !r.Skipped {
				first = fmt.Sprintf("%s: %s", key, r.Error)
				break
			}
		}
		return fmt.Errorf("%d of %d sources failed (%s)", run.Summary.Failed, run.Summary.Total, first)
	default:
		return nil
	}
}

func (o *Orchestrator) acquire() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return false
	}
	o.running = true
	o.idle = make(chan struct{})
	metrics.SetRunInProgress(true)
	return true
}

func (o *Orchestrator) release() {
	o.mu.Lock()
	o.running = false
	close(o.idle)
	o.mu.Unlock()
	metrics.SetRunInProgress(false)
}

// Wait blocks until the in-flight run, if any, has finished and been
// persisted. Shutdown calls it before closing the stores the run writes to.
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.Lock()
	running, idle := o.running, o.idle
	o.mu.Unlock()
	if !running {
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for update run: %w", ctx.Err())
	}
}

// Running reports whether a run holds the lock.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// execute performs one run over groups, high then medium then low. The
// caller holds the run lock.
func (o *Orchestrator) execute(ctx context.Context, trigger history.Trigger, groups registry.Groups) history.UpdateRun {
	clock := o.deps.Clock
	run := history.UpdateRun{
		Trigger:   trigger,
		StartTime: clock.Now().UTC(),
		Results:   make(map[string]history.SourceRunResult),
	}
	id, err := o.deps.IDs.NewID()
	if err != nil {
		o.log.Warn("run id generation failed", zap.Error(err))
		id = fmt.Sprintf("run-%d", run.StartTime.UnixNano())
	}
	run.ID = id

	ctx, span := tracer.Start(ctx, "scheduler.run")
	span.SetAttributes(attribute.String("run.id", run.ID), attribute.String("run.trigger", string(trigger)))
	defer span.End()

	logger := o.log.With(zap.String("run_id", run.ID), zap.String("trigger", string(trigger)))
	ordered := groups.Ordered()
	logger.Info("update run started", zap.Int("sources", len(ordered)))
	o.emit(progress.Event{RunID: run.ID, Step: progress.StepRunStart, Note: string(trigger)})

	if err := o.deps.Prober.Probe(ctx); err != nil {
		run.Systemic = true
		run.Error = err.Error()
		logger.Warn("connectivity probe failed; run aborted", zap.Error(err))
	} else {
		o.runSources(ctx, &run, ordered, logger)
	}

	run.EndTime = clock.Now().UTC()
	run.Summary = history.Summarize(run.Results)
	o.finish(ctx, run, logger)

	outcome := outcomeSuccess
	switch {
	case run.Systemic:
		outcome = outcomeSystemic
		span.SetStatus(codes.Error, run.Error)
	case run.Summary.Failed > 0:
		outcome = outcomeFailed
	}
	metrics.ObserveUpdateRun(string(trigger), outcome)
	span.SetAttributes(
		attribute.Int("run.successful", run.Summary.Successful),
		attribute.Int("run.failed", run.Summary.Failed),
		attribute.Int("run.skipped", run.Summary.Skipped),
	)

	final := progress.Event{RunID: run.ID, Step: progress.StepRunDone, Percent: 100, Dur: run.Duration()}
	if run.Systemic || run.Summary.Failed > 0 {
		final.Step = progress.StepRunError
		final.Note = runNote(run)
	}
	o.emit(final)
	logger.Info("update run finished",
		zap.Int("total", run.Summary.Total),
		zap.Int("successful", run.Summary.Successful),
		zap.Int("failed", run.Summary.Failed),
		zap.Int("skipped", run.Summary.Skipped),
		zap.Bool("systemic", run.Systemic),
		zap.Duration("duration", run.Duration()),
	)
	return run
}

func (o *Orchestrator) runSources(ctx context.Context, run *history.UpdateRun, ordered []registry.Source, logger *zap.Logger) {
	for i, src := range ordered {
		var res history.SourceRunResult
		if ctx.Err() != nil {
			now := o.deps.Clock.Now().UTC()
			res = history.SourceRunResult{
				Source: src.Key, Type: src.Type, Start: now, End: now, Skipped: true, Error: cancelledNote,
			}
		} else {
			res = o.runSource(ctx, run.ID, src, logger)
		}
		run.Results[src.Key] = res

		if err := o.deps.Registry.RecordAttempt(src.Key, registry.Attempt{
			At: res.End, Success: res.Success, Skipped: res.Skipped, Error: res.Error,
		}); err != nil {
			logger.Warn("record source attempt failed", zap.String("source", src.Key), zap.Error(err))
		}

		evt := progress.Event{
			RunID:   run.ID,
			Step:    progress.StepSourceDone,
			Source:  src.Key,
			Percent: progress.Percent(i+1, len(ordered)),
			Dur:     res.End.Sub(res.Start),
			Note:    res.Error,
		}
		switch {
		case res.Skipped:
			evt.Step = progress.StepSourceSkipped
		case !res.Success:
			evt.Step = progress.StepSourceError
		}
		o.emit(evt)
	}
}

func (o *Orchestrator) runSource(ctx context.Context, runID string, src registry.Source, logger *zap.Logger) history.SourceRunResult {
	clock := o.deps.Clock
	res := history.SourceRunResult{Source: src.Key, Type: src.Type, Start: clock.Now().UTC()}

	ctx, span := tracer.Start(ctx, "scheduler.source")
	span.SetAttributes(attribute.String("source.key", src.Key), attribute.String("source.type", string(src.Type)))
	defer span.End()

	o.emit(progress.Event{RunID: runID, Step: progress.StepSourceStart, Source: src.Key})
	out, err := o.fetch(ctx, src)
	res.End = clock.Now().UTC()
	res.UnitsUpdated = out.UnitsUpdated

	outcome := outcomeSuccess
	switch {
	case err == nil:
		res.Success = true
	case errors.Is(err, failure.ErrPolicyDenied):
		res.Skipped = true
		res.Error = err.Error()
		outcome = outcomeSkipped
		logger.Info("source skipped by robots policy", zap.String("source", src.Key), zap.Error(err))
	default:
		res.Error = err.Error()
		outcome = outcomeFailed
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("source failed",
			zap.String("source", src.Key),
			zap.String("kind", failure.Kind(err)),
			zap.Error(err),
		)
	}
	span.SetAttributes(attribute.Int("source.units_updated", res.UnitsUpdated))
	metrics.ObserveSourceRun(string(src.Type), outcome, res.End.Sub(res.Start))
	return res
}

// fetch runs the type fetcher for src, turning a panic into an error so one
// faulty source cannot take the process down.
func (o *Orchestrator) fetch(ctx context.Context, src registry.Source) (out sources.Outcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			o.log.Error("source fetcher panicked",
				zap.String("source", src.Key),
				zap.Any("panic", rec),
				zap.Stack("stack"),
			)
			out, err = sources.Outcome{}, fmt.Errorf("source %s panicked: %v", src.Key, rec)
		}
	}()
	return o.deps.Fetcher.Fetch(ctx, src)
}

// finish records the run and performs post-run housekeeping. It runs even
// when ctx was cancelled so interrupted runs still reach history.
func (o *Orchestrator) finish(ctx context.Context, run history.UpdateRun, logger *zap.Logger) {
	o.deps.History.Append(run)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err := o.persist(ctx); err != nil {
		logger.Warn("persist run state failed", zap.Error(err))
	}
	if !run.Systemic {
		o.cleanup(ctx, logger)
	}
	if o.deps.Publisher != nil {
		if id, err := o.deps.Publisher.Publish(ctx, o.cfg.NotifyTopic, run); err != nil {
			logger.Warn("run notification failed", zap.Error(err))
		} else {
			logger.Debug("run notification published", zap.String("message_id", id))
		}
	}
}

func (o *Orchestrator) persist(ctx context.Context) error {
	return errors.Join(
		o.saveSettings(ctx),
		o.deps.History.Save(ctx),
		o.deps.Registry.Save(ctx),
	)
}

func (o *Orchestrator) cleanup(ctx context.Context, logger *zap.Logger) {
	if o.deps.Cards != nil {
		cutoff := cardstore.RetentionCutoff(o.deps.Clock.Now(), o.cfg.RetentionDays)
		removed, err := o.deps.Cards.CleanupExpired(ctx, cutoff)
		if err != nil {
			logger.Warn("retention cleanup failed", zap.Error(err))
		} else if removed > 0 {
			logger.Info("retention cleanup removed rows", zap.Int64("rows", removed))
		}
	}
	for _, s := range o.deps.Sweepers {
		if _, err := s.Sweep(ctx); err != nil {
			logger.Warn("cache sweep failed", zap.Error(err))
		}
	}
}

func (o *Orchestrator) emit(evt progress.Event) {
	if evt.TS.IsZero() {
		evt.TS = o.deps.Clock.Now().UTC()
	}
	o.deps.Progress.Emit(evt)
}

func runNote(run history.UpdateRun) string {
	if run.Systemic {
		return run.Error
	}
	return fmt.Sprintf("%d of %d sources failed", run.Summary.Failed, run.Summary.Total)
}
