// Package history records update runs in a bounded, persisted FIFO.
package history

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gradepop-crawler/internal/kv"
	"github.com/JakeFAU/gradepop-crawler/internal/registry"
)

// StorageKey is the kv key the history persists under.
const StorageKey = "history:runs"

// DefaultLimit is the number of runs kept when no limit is configured.
const DefaultLimit = 100

// Trigger says what started a run.
type Trigger string

// Triggers.
const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// SourceRunResult is the outcome of one source within a run.
type SourceRunResult struct {
	Source       string              `json:"source"`
	Type         registry.SourceType `json:"type"`
	Start        time.Time           `json:"start"`
	End          time.Time           `json:"end"`
	Success      bool                `json:"success"`
	Skipped      bool                `json:"skipped"`
	Error        string              `json:"error,omitempty"`
	UnitsUpdated int                 `json:"units_updated"`
}

// Summary counts source outcomes in a run.
type Summary struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

// UpdateRun is one orchestrator execution.
type UpdateRun struct {
	ID        string                     `json:"id"`
	Trigger   Trigger                    `json:"trigger"`
	StartTime time.Time                  `json:"start_time"`
	EndTime   time.Time                  `json:"end_time"`
	Results   map[string]SourceRunResult `json:"results"`
	Summary   Summary                    `json:"summary"`
	// Systemic marks runs aborted before any source was attempted.
	Systemic bool   `json:"systemic"`
	Error    string `json:"error,omitempty"`
}

// Summarize counts results. A skipped result is never also counted as
// failed.
func Summarize(results map[string]SourceRunResult) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		switch {
		case r.Skipped:
			s.Skipped++
		case r.Success:
			s.Successful++
		default:
			s.Failed++
		}
	}
	return s
}

// Succeeded reports whether the run completed with no failed source.
func (r UpdateRun) Succeeded() bool {
	return !r.Systemic && r.Error == "" && r.Summary.Failed == 0
}

// Duration is EndTime minus StartTime.
func (r UpdateRun) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// PublishAttributes labels the run-completed notification.
func (r UpdateRun) PublishAttributes() map[string]string {
	return map[string]string{
		"run_id":     r.ID,
		"trigger":    string(r.Trigger),
		"systemic":   strconv.FormatBool(r.Systemic),
		"successful": strconv.Itoa(r.Summary.Successful),
		"failed":     strconv.Itoa(r.Summary.Failed),
		"skipped":    strconv.Itoa(r.Summary.Skipped),
	}
}

// History keeps the most recent runs, oldest first.
type History struct {
	mu     sync.RWMutex
	runs   []UpdateRun
	limit  int
	store  kv.Store
	logger *zap.Logger
}

// New returns an empty History bounded to limit runs (DefaultLimit when
// limit <= 0). store may be nil to disable persistence.
func New(limit int, store kv.Store, logger *zap.Logger) *History {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &History{limit: limit, store: store, logger: logger.Named("history")}
}

// Append adds run, evicting the oldest runs beyond the limit.
func (h *History) Append(run UpdateRun) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs = append(h.runs, run)
	if over := len(h.runs) - h.limit; over > 0 {
		h.runs = append([]UpdateRun(nil), h.runs[over:]...)
	}
}

// Recent returns up to limit runs, newest first. limit <= 0 returns all.
func (h *History) Recent(limit int) []UpdateRun {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := len(h.runs)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]UpdateRun, 0, n)
	for i := len(h.runs) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, h.runs[i])
	}
	return out
}

// Last returns the newest run.
func (h *History) Last() (UpdateRun, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.runs) == 0 {
		return UpdateRun{}, false
	}
	return h.runs[len(h.runs)-1], true
}

// Len returns the number of stored runs.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.runs)
}

// Load replaces the in-memory runs with the persisted ones.
func (h *History) Load(ctx context.Context) error {
	if h.store == nil {
		return nil
	}
	runs, err := kv.GetJSON[[]UpdateRun](ctx, h.store, StorageKey)
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	if over := len(runs) - h.limit; over > 0 {
		runs = runs[over:]
	}
	h.mu.Lock()
	h.runs = runs
	h.mu.Unlock()
	h.logger.Debug("history loaded", zap.Int("runs", len(runs)))
	return nil
}

// Save persists every stored run.
func (h *History) Save(ctx context.Context) error {
	if h.store == nil {
		return nil
	}
	h.mu.RLock()
	runs := append([]UpdateRun(nil), h.runs...)
	h.mu.RUnlock()
	if err := kv.SetJSON(ctx, h.store, StorageKey, runs); err != nil {
		return fmt.Errorf("save history: %w", err)
	}
	return nil
}
