// Package schedule decides whether a task is actionable this cycle: the grace
// gate excludes abandoned work, the selector applies the reminder window, and
// the guard suppresses occurrences that already fired.
package schedule

import (
	"time"

	"github.com/rs/zerolog/log"

	"remindflow/internal/domain"
)

const (
	DefaultGracePeriod  = 7 * 24 * time.Hour
	DefaultLookahead    = 5 * time.Minute
	DefaultOverdueGrace = 5 * time.Minute
)

// Gate excludes tasks that should never fire regardless of recurrence:
// completed tasks, and tasks so far past due the user has abandoned them.
type Gate struct {
	GracePeriod time.Duration
}

func NewGate(gracePeriod time.Duration) Gate {
	if gracePeriod <= 0 {
		gracePeriod = DefaultGracePeriod
	}
	return Gate{GracePeriod: gracePeriod}
}

// Skip reports whether the task must be excluded this cycle.
func (g Gate) Skip(task domain.Task, now time.Time) bool {
	if task.Completed {
		return true
	}
	if task.DueAt != nil {
		if overdue := now.Sub(*task.DueAt); overdue > g.GracePeriod {
			log.Info().
				Str("task_id", task.ID).
				Dur("overdue", overdue).
				Msg("task past grace period, skipping reminder")
			return true
		}
	}
	return false
}

// Selector is the precise second-stage filter applied per candidate. The
// coarse first stage (not completed, reminder configured) happens in the
// store query.
type Selector struct {
	Lookahead    time.Duration
	OverdueGrace time.Duration
}

func NewSelector(lookahead, overdueGrace time.Duration) Selector {
	if lookahead <= 0 {
		lookahead = DefaultLookahead
	}
	if overdueGrace <= 0 {
		overdueGrace = DefaultOverdueGrace
	}
	return Selector{Lookahead: lookahead, OverdueGrace: overdueGrace}
}

// ShouldProcess reports whether the task's reminder belongs to this cycle.
// One-time reminders must fall in [now - OverdueGrace, now + Lookahead);
// recurring tasks always pass, since "next Monday" cannot be evaluated by a
// static window comparison and the calculator owns that decision.
func (s Selector) ShouldProcess(task domain.Task, now time.Time) bool {
	if task.ReminderAt == nil {
		return false
	}
	if task.Recurrence.Recurring() {
		return true
	}
	r := *task.ReminderAt
	return !r.Before(now.Add(-s.OverdueGrace)) && r.Before(now.Add(s.Lookahead))
}
