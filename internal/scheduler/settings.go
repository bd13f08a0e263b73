package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SettingsKey is the kv key auto-update settings persist under.
const SettingsKey = "settings:auto_update"

// Settings controls the daily auto-update.
type Settings struct {
	AutoUpdateEnabled bool `json:"auto_update_enabled" mapstructure:"enabled"`
	// UpdateTime is the local wall-clock time of the daily run, "HH:MM".
	UpdateTime string `json:"update_time" mapstructure:"time"`
}

// ErrInvalidClock marks an update time that is not a valid "HH:MM".
var ErrInvalidClock = errors.New("update time must be HH:MM")

// DefaultSettings enables a 03:00 daily run.
func DefaultSettings() Settings {
	return Settings{AutoUpdateEnabled: true, UpdateTime: "03:00"}
}

// ParseClock splits "HH:MM" into hour and minute.
func ParseClock(hhmm string) (hour, minute int, err error) {
	h, m, ok := strings.Cut(strings.TrimSpace(hhmm), ":")
	if !ok {
		return 0, 0, fmt.Errorf("%w: got %q", ErrInvalidClock, hhmm)
	}
	hour, herr := strconv.Atoi(h)
	minute, merr := strconv.Atoi(m)
	if herr != nil || merr != nil || len(m) != 2 || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: got %q", ErrInvalidClock, hhmm)
	}
	return hour, minute, nil
}

// NextRun returns the first instant strictly after now at which the daily
// run fires in loc. ok is false while auto-update is disabled.
func (s Settings) NextRun(now time.Time, loc *time.Location) (next time.Time, ok bool) {
	if !s.AutoUpdateEnabled {
		return time.Time{}, false
	}
	hour, minute, err := ParseClock(s.UpdateTime)
	if err != nil {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.Local
	}
	local := now.In(loc)
	next = time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, hour, minute, 0, 0, loc)
	}
	return next, true
}
