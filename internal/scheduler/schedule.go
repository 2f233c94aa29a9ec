package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule types for recurring tasks.
const (
	ScheduleInterval = "interval"
	ScheduleCron     = "cron"
)

// NextRun computes the next run of a recurring task after from. Interval
// expressions are Go durations ("90m"); cron expressions use the standard
// five-field syntax or descriptors such as "@daily".
func NextRun(scheduleType, expr string, from time.Time) (time.Time, error) {
	switch scheduleType {
	case ScheduleInterval:
		d, err := time.ParseDuration(expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid interval %q: %w", expr, err)
		}
		if d <= 0 {
			return time.Time{}, fmt.Errorf("interval must be positive: %q", expr)
		}
		return from.Add(d), nil
	case ScheduleCron:
		sched, err := cron.ParseStandard(expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
		}
		return sched.Next(from), nil
	default:
		return time.Time{}, fmt.Errorf("unknown schedule type %q", scheduleType)
	}
}
