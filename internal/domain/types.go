package domain

import (
	"fmt"
	"time"
)

// Frequency is the recurrence pattern of a task's reminder.
type Frequency string

const (
	FreqNone    Frequency = "none"
	FreqDaily   Frequency = "daily"
	FreqWeekly  Frequency = "weekly"
	FreqMonthly Frequency = "monthly"
)

// Rule describes how a task recurs. The zero value means no recurrence.
type Rule struct {
	Frequency  Frequency      `json:"frequency"`
	Interval   int            `json:"interval"`
	Weekdays   []time.Weekday `json:"days_of_week,omitempty"`
	DayOfMonth int            `json:"day_of_month,omitempty"`
}

// Recurring reports whether the rule describes a repeating schedule.
func (r Rule) Recurring() bool {
	return r.Frequency != "" && r.Frequency != FreqNone
}

// Validate checks the rule for data errors. Weekly rules may carry an empty
// weekday set (the anchor's weekday is used), but explicit weekdays and an
// explicit day-of-month must be in range.
func (r Rule) Validate() error {
	switch r.Frequency {
	case "", FreqNone, FreqDaily, FreqWeekly:
	case FreqMonthly:
		if r.DayOfMonth < 0 || r.DayOfMonth > 31 {
			return fmt.Errorf("day_of_month out of range: %d", r.DayOfMonth)
		}
	default:
		return fmt.Errorf("unknown recurrence frequency: %q", r.Frequency)
	}
	for _, d := range r.Weekdays {
		if d < time.Sunday || d > time.Saturday {
			return fmt.Errorf("weekday out of range: %d", d)
		}
	}
	if r.Interval < 0 {
		return fmt.Errorf("interval must be >= 1, got %d", r.Interval)
	}
	return nil
}

// Task is the immutable snapshot the scheduling core works on. The core never
// owns or mutates the task row itself.
type Task struct {
	ID          string
	UserID      string
	Title       string
	Description string
	DueAt       *time.Time
	ReminderAt  *time.Time
	Recurrence  Rule
	Completed   bool
	ParentID    *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Outcome is the result of handling one occurrence.
type Outcome string

const (
	OutcomeSent   Outcome = "sent"
	OutcomeFailed Outcome = "failed"
)

// Occurrence records that one logical occurrence of a task has been handled.
// FiredAt is the computed occurrence timestamp; SentAt is wall-clock time.
type Occurrence struct {
	ID      int64
	TaskID  string
	FiredAt time.Time
	Outcome Outcome
	Detail  string
	SentAt  time.Time
}

// Status is the scheduler's coarse health state.
type Status string

const (
	StatusInitialized Status = "initialized"
	StatusRunning     Status = "running"
	StatusError       Status = "error"
)

// Heartbeat is the singleton liveness record, updated at the end of every
// cycle. Counters are cumulative across the life of the row.
type Heartbeat struct {
	LastRunAt time.Time
	Processed int64
	Fired     int64
	Errors    int64
	Status    Status
	UpdatedAt time.Time
}

// User is the minimal contact record needed to deliver a reminder.
type User struct {
	ID        string
	Email     string
	Name      string
	CreatedAt time.Time
}
