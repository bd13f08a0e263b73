package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gradepop-crawler/internal/kv"
)

// StorageKey is the kv key the registry persists under.
const StorageKey = "registry:sources"

// Groups partitions enabled sources by priority.
type Groups struct {
	High   []Source `json:"high"`
	Medium []Source `json:"medium"`
	Low    []Source `json:"low"`
}

// Ordered returns the groups flattened high, medium, low.
func (g Groups) Ordered() []Source {
	out := make([]Source, 0, len(g.High)+len(g.Medium)+len(g.Low))
	out = append(out, g.High...)
	out = append(out, g.Medium...)
	return append(out, g.Low...)
}

// Snapshot summarizes registry state for status displays.
type Snapshot struct {
	Total    int                     `json:"total"`
	Enabled  int                     `json:"enabled"`
	ByStatus map[Status]int          `json:"by_status"`
	ByType   map[SourceType][]Source `json:"by_type"`
}

// Attempt is the outcome of one source execution.
type Attempt struct {
	At      time.Time
	Success bool
	// Skipped attempts leave LastUpdate untouched so the source stays due.
	Skipped bool
	Error   string
}

// Registry is an ordered, concurrency-safe set of sources.
type Registry struct {
	mu      sync.RWMutex
	sources []Source
	index   map[string]int
	store   kv.Store
	logger  *zap.Logger
}

// New builds a registry from initial, preserving order. Duplicate keys are
// rejected.
func New(initial []Source, store kv.Store, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{index: make(map[string]int), store: store, logger: logger.Named("registry")}
	for _, src := range initial {
		if _, dup := r.index[src.Key]; dup {
			return nil, fmt.Errorf("duplicate source %q", src.Key)
		}
		if err := r.upsertLocked(src); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// List returns every source in registration order.
func (r *Registry) List() []Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Source, len(r.sources))
	for i, src := range r.sources {
		out[i] = src.clone()
	}
	return out
}

// ListByType groups every source by type, preserving registration order.
func (r *Registry) ListByType() map[SourceType][]Source {
	out := make(map[SourceType][]Source, len(Types))
	for _, src := range r.List() {
		out[src.Type] = append(out[src.Type], src)
	}
	return out
}

// FindByKey returns the source registered under key.
func (r *Registry) FindByKey(key string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.index[key]
	if !ok {
		return Source{}, false
	}
	return r.sources[i].clone(), true
}

// Upsert adds src or replaces the source with the same key in place.
func (r *Registry) Upsert(src Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upsertLocked(src)
}

func (r *Registry) upsertLocked(src Source) error {
	if src.Status == "" {
		src.Status = StatusIdle
	}
	if err := src.Validate(); err != nil {
		return err
	}
	if i, ok := r.index[src.Key]; ok {
		r.sources[i] = src.clone()
		return nil
	}
	r.index[src.Key] = len(r.sources)
	r.sources = append(r.sources, src.clone())
	return nil
}

// ToggleEnabled enables or disables key.
func (r *Registry) ToggleEnabled(key string, enabled bool) error {
	return r.mutate(key, func(src *Source) error {
		src.Enabled = enabled
		return nil
	})
}

// SetInterval changes how often key becomes due.
func (r *Registry) SetInterval(key string, hours int) error {
	if hours <= 0 {
		return fmt.Errorf("source %s: %w, got %d", key, ErrInvalidInterval, hours)
	}
	return r.mutate(key, func(src *Source) error {
		src.UpdateIntervalHours = hours
		return nil
	})
}

// RecordAttempt stores the outcome of a source execution.
func (r *Registry) RecordAttempt(key string, attempt Attempt) error {
	return r.mutate(key, func(src *Source) error {
		switch {
		case attempt.Skipped:
			src.Status = StatusIdle
			src.LastError = attempt.Error
		case attempt.Success:
			at := attempt.At
			src.LastUpdate = &at
			src.Status = StatusSuccess
			src.LastError = ""
		default:
			at := attempt.At
			src.LastUpdate = &at
			src.Status = StatusError
			src.LastError = attempt.Error
		}
		return nil
	})
}

func (r *Registry) mutate(key string, fn func(*Source) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.index[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, key)
	}
	return fn(&r.sources[i])
}

// StatusSnapshot summarizes the registry.
func (r *Registry) StatusSnapshot() Snapshot {
	snap := Snapshot{ByStatus: make(map[Status]int), ByType: r.ListByType()}
	for _, src := range r.List() {
		snap.Total++
		if src.Enabled {
			snap.Enabled++
		}
		snap.ByStatus[src.Status]++
	}
	return snap
}

// GroupByPriority partitions the registry's enabled sources.
func (r *Registry) GroupByPriority() Groups {
	return GroupByPriority(r.List())
}

// Due returns enabled sources that are due at now, in registration order.
func (r *Registry) Due(now time.Time) []Source {
	var due []Source
	for _, src := range r.List() {
		if src.IsDue(now) {
			due = append(due, src)
		}
	}
	return due
}

// GroupByPriority partitions enabled sources into priority groups. Disabled
// sources are dropped and only the first occurrence of a key is kept.
func GroupByPriority(sources []Source) Groups {
	var g Groups
	seen := make(map[string]struct{}, len(sources))
	for _, src := range sources {
		if !src.Enabled {
			continue
		}
		if _, dup := seen[src.Key]; dup {
			continue
		}
		seen[src.Key] = struct{}{}
		switch src.Priority {
		case PriorityHigh:
			g.High = append(g.High, src)
		case PriorityMedium:
			g.Medium = append(g.Medium, src)
		default:
			g.Low = append(g.Low, src)
		}
	}
	return g
}

// Load merges persisted state into the registry. Persisted sources that are
// already registered keep their runtime fields (enabled, interval, status,
// last update, last error); unknown persisted sources are appended.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	persisted, err := kv.GetJSON[[]Source](ctx, r.store, StorageKey)
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range persisted {
		i, ok := r.index[p.Key]
		if !ok {
			if err := r.upsertLocked(p); err != nil {
				r.logger.Warn("skipping invalid persisted source", zap.String("key", p.Key), zap.Error(err))
			}
			continue
		}
		current := &r.sources[i]
		current.Enabled = p.Enabled
		if p.UpdateIntervalHours > 0 {
			current.UpdateIntervalHours = p.UpdateIntervalHours
		}
		current.LastUpdate = p.LastUpdate
		if p.Status != "" {
			current.Status = p.Status
		}
		current.LastError = p.LastError
	}
	r.logger.Debug("registry loaded", zap.Int("persisted", len(persisted)), zap.Int("total", len(r.sources)))
	return nil
}

// Save persists every source.
func (r *Registry) Save(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	if err := kv.SetJSON(ctx, r.store, StorageKey, r.List()); err != nil {
		return fmt.Errorf("save registry: %w", err)
	}
	return nil
}
