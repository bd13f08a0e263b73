package progress

import (
	"errors"
	"fmt"
	"time"
)

// Step denotes the milestone represented by an Event.
type Step string

// Supported progress steps.
const (
	StepRunStart      Step = "RUN_START"
	StepRunDone       Step = "RUN_DONE"
	StepRunError      Step = "RUN_ERROR"
	StepSourceStart   Step = "SOURCE_START"
	StepSourceDone    Step = "SOURCE_DONE"
	StepSourceError   Step = "SOURCE_ERROR"
	StepSourceSkipped Step = "SOURCE_SKIPPED"
)

// Event captures one update-run milestone.
type Event struct {
	// RunID identifies the update run.
	RunID string `json:"run_id"`
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time `json:"ts"`
	// Step denotes which lifecycle milestone occurred.
	Step Step `json:"step"`
	// Source is the registry key for source-scoped steps.
	Source string `json:"source,omitempty"`
	// Percent is the share of the run's sources finished, 0 to 100.
	Percent float64 `json:"percent"`
	// Dur is the elapsed time for completed sources and runs.
	Dur time.Duration `json:"dur,omitempty"`
	// Note carries low-volume context such as error text.
	Note string `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Step {
	case StepRunStart, StepRunDone, StepRunError:
	case StepSourceStart, StepSourceDone, StepSourceError, StepSourceSkipped:
		if e.Source == "" {
			return fmt.Errorf("%s requires source", e.Step)
		}
	default:
		return fmt.Errorf("unknown step %q", e.Step)
	}
	if e.Percent < 0 || e.Percent > 100 {
		return fmt.Errorf("percent %.1f out of range", e.Percent)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the step ends a run.
func (e Event) Terminal() bool {
	return e.Step == StepRunDone || e.Step == StepRunError
}

// Percent returns done/total as a percentage, 100 when total is zero.
func Percent(done, total int) float64 {
	if total <= 0 {
		return 100
	}
	if done > total {
		done = total
	}
	return float64(done) * 100 / float64(total)
}
