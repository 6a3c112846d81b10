package core

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

// Five standard fields with an optional leading seconds field.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron validates a cron expression and returns the underlying schedule.
func ParseCron(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.Wrap(ErrInvalidTrigger, "cron expression is empty")
	}
	if strings.HasPrefix(expr, "@") {
		return nil, errors.Wrap(ErrInvalidTrigger, "descriptor expressions are not supported")
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidTrigger, "invalid cron expression %q: %v", expr, err)
	}
	return schedule, nil
}

// NextOccurrences returns the next n execution times from a base time.
func NextOccurrences(schedule cron.Schedule, base time.Time, n int) []time.Time {
	times := make([]time.Time, 0, n)
	next := base
	for i := 0; i < n; i++ {
		next = schedule.Next(next)
		times = append(times, next)
	}
	return times
}

const (
	defaultPreviewCount = 5
	maxPreviewCount     = 10
)

// PreviewCron parses expr and lists its next firings after base in base's location.
// A count outside 1..10 falls back to 5.
func PreviewCron(expr string, base time.Time, count int) ([]time.Time, error) {
	schedule, err := ParseCron(expr)
	if err != nil {
		return nil, err
	}
	if count <= 0 || count > maxPreviewCount {
		count = defaultPreviewCount
	}
	return NextOccurrences(schedule, base, count), nil
}

// NextRun returns the next firing of a cron job after base, or false if the job has no
// valid cron trigger.
func NextRun(job *Job, base time.Time) (time.Time, bool) {
	if job.Trigger.Kind != TriggerCron {
		return time.Time{}, false
	}
	schedule, err := ParseCron(job.Trigger.Cron)
	if err != nil {
		return time.Time{}, false
	}
	return schedule.Next(base), true
}

// ValidateTrigger checks that the trigger variant carries the payload it needs.
func ValidateTrigger(t Trigger) error {
	switch t.Kind {
	case TriggerCron:
		_, err := ParseCron(t.Cron)
		return err
	case TriggerEvent:
		if strings.TrimSpace(t.EventType) == "" {
			return errors.Wrap(ErrInvalidTrigger, "event trigger requires an event type")
		}
		return nil
	case TriggerManual:
		return nil
	default:
		return errors.Wrapf(ErrInvalidTrigger, "unknown trigger kind %q", t.Kind)
	}
}
