package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Recurrence is a validated cron descriptor. It is parsed once when a
// recurring schedule is created and re-parsed on load, so a bad expression
// can only fail at creation time, never while computing occurrences.
type Recurrence struct {
	expr     string
	schedule cron.Schedule
}

// ParseRecurrence validates and compiles a cron expression. Descriptors
// like "@hourly" and "@every 90s" are accepted alongside field syntax.
func ParseRecurrence(expr string) (*Recurrence, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return nil, fmt.Errorf("cron expression is empty")
	}
	schedule, err := cronParser.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", trimmed, err)
	}
	return &Recurrence{expr: trimmed, schedule: schedule}, nil
}

// ValidateCron reports whether an expression would parse, without keeping
// the compiled form. Used by schedule creation validation.
func ValidateCron(expr string) error {
	_, err := ParseRecurrence(expr)
	return err
}

// String returns the original expression.
func (r *Recurrence) String() string {
	return r.expr
}

// NextAfter returns the first occurrence strictly after t, in UTC.
// It is a pure function of the expression and t.
func (r *Recurrence) NextAfter(t time.Time) time.Time {
	return r.schedule.Next(t.UTC())
}
