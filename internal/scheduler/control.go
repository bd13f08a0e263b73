package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gradepop-crawler/internal/history"
	"github.com/JakeFAU/gradepop-crawler/internal/kv"
	"github.com/JakeFAU/gradepop-crawler/internal/registry"
)

// Settings returns the current auto-update settings.
func (o *Orchestrator) Settings() Settings {
	o.settingsMu.RLock()
	defer o.settingsMu.RUnlock()
	return o.settings
}

// EnableAutoUpdate turns the daily run on at hhmm.
func (o *Orchestrator) EnableAutoUpdate(ctx context.Context, hhmm string) error {
	return o.updateSettings(ctx, func(s *Settings) error {
		if hhmm != "" {
			if _, _, err := ParseClock(hhmm); err != nil {
				return err
			}
			s.UpdateTime = hhmm
		}
		s.AutoUpdateEnabled = true
		return nil
	})
}

// DisableAutoUpdate stops future daily runs. A run already in progress is
// not interrupted.
func (o *Orchestrator) DisableAutoUpdate(ctx context.Context) error {
	return o.updateSettings(ctx, func(s *Settings) error {
		s.AutoUpdateEnabled = false
		return nil
	})
}

// SetUpdateTime moves the daily run to hhmm without changing whether it is
// enabled.
func (o *Orchestrator) SetUpdateTime(ctx context.Context, hhmm string) error {
	return o.updateSettings(ctx, func(s *Settings) error {
		if _, _, err := ParseClock(hhmm); err != nil {
			return err
		}
		s.UpdateTime = hhmm
		return nil
	})
}

func (o *Orchestrator) updateSettings(ctx context.Context, fn func(*Settings) error) error {
	o.settingsMu.Lock()
	next := o.settings
	if err := fn(&next); err != nil {
		o.settingsMu.Unlock()
		return err
	}
	o.settings = next
	o.settingsMu.Unlock()

	o.log.Info("auto-update settings changed",
		zap.Bool("enabled", next.AutoUpdateEnabled),
		zap.String("time", next.UpdateTime),
	)
	o.notify()
	return o.saveSettings(ctx)
}

func (o *Orchestrator) saveSettings(ctx context.Context) error {
	if o.deps.Store == nil {
		return nil
	}
	if err := kv.SetJSON(ctx, o.deps.Store, SettingsKey, o.Settings()); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// ToggleDataSource enables or disables a source and persists the registry.
func (o *Orchestrator) ToggleDataSource(ctx context.Context, key string, enabled bool) error {
	if err := o.deps.Registry.ToggleEnabled(key, enabled); err != nil {
		return err
	}
	return o.deps.Registry.Save(ctx)
}

// SetSourceUpdateInterval changes how often a source is due.
func (o *Orchestrator) SetSourceUpdateInterval(ctx context.Context, key string, hours int) error {
	if err := o.deps.Registry.SetInterval(key, hours); err != nil {
		return err
	}
	return o.deps.Registry.Save(ctx)
}

// ServiceStatus summarizes the orchestrator for operators.
func (o *Orchestrator) ServiceStatus() Status {
	settings := o.Settings()
	st := Status{
		Running:    o.Running(),
		AutoUpdate: settings,
		Timezone:   o.cfg.Location.String(),
		Sources:    o.deps.Registry.StatusSnapshot(),
	}
	if next, ok := settings.NextRun(o.deps.Clock.Now(), o.cfg.Location); ok {
		st.NextRun = &next
	}
	if last, ok := o.deps.History.Last(); ok {
		st.LastRun = &last
	}
	return st
}

// UpdateHistory returns up to limit runs, newest first.
func (o *Orchestrator) UpdateHistory(limit int) []history.UpdateRun {
	return o.deps.History.Recent(limit)
}

// DataSourceStatus returns the registry overview grouped by type.
func (o *Orchestrator) DataSourceStatus() registry.Snapshot {
	return o.deps.Registry.StatusSnapshot()
}

// Run drives the daily auto-update until ctx ends. Settings changes wake the
// loop so the next run time is recomputed at once.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.log.Info("auto-update loop started", zap.String("timezone", o.cfg.Location.String()))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		next, enabled := o.Settings().NextRun(o.deps.Clock.Now(), o.cfg.Location)
		if !enabled {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-o.wake:
				continue
			}
		}
		wait := next.Sub(o.deps.Clock.Now())
		o.log.Debug("next scheduled run", zap.Time("at", next), zap.Duration("in", wait))
		if woken := o.sleep(ctx, wait); woken {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !o.Settings().AutoUpdateEnabled {
			continue
		}
		o.ScheduledRun(ctx)
	}
}

// sleep waits d on the injected clock and reports whether a settings change
// interrupted it.
func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) (woken bool) {
	sleepCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	wakeCh := make(chan struct{})
	go func() {
		select {
		case <-o.wake:
			close(wakeCh)
			cancel()
		case <-sleepCtx.Done():
		}
	}()
	err := o.deps.Clock.Sleep(sleepCtx, d)
	if err == nil {
		return false
	}
	select {
	case <-wakeCh:
		return ctx.Err() == nil
	default:
		return false
	}
}

func (o *Orchestrator) notify() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func sortedKeys(m map[string]history.SourceRunResult) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
