package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"remindflow/internal/domain"
	"remindflow/internal/recurrence"
	"remindflow/internal/schedule"
	"remindflow/internal/store"
)

// CompletionEvent is the inbound "task completed" trigger. The recurrence
// rule and dates travel inline so the handler never reads the task row. The
// transport delivers at least once; redelivery is absorbed by the guard.
type CompletionEvent struct {
	TaskID      string      `json:"task_id"`
	UserID      string      `json:"user_id"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	CompletedAt time.Time   `json:"completed_at"`
	DueAt       *time.Time  `json:"due_at"`
	ReminderAt  *time.Time  `json:"reminder_at"`
	Recurrence  domain.Rule `json:"recurrence"`
}

// CompletionHandler is the event-driven realization: completing a recurring
// task creates its next occurrence. It shares the calculator and guard with
// the polling loop; the only math of its own is the reminder offset.
type CompletionHandler struct {
	repo  store.Repository
	calc  recurrence.Calculator
	guard schedule.Guard

	mu    sync.Mutex
	locks map[string]*taskLock
}

// taskLock is a per-task mutex with a waiter count so entries can be dropped
// from the map once the last holder releases. The map stays proportional to
// in-flight events, not to every task id ever seen.
type taskLock struct {
	mu  sync.Mutex
	ref int
}

func NewCompletionHandler(repo store.Repository, cfg Config) *CompletionHandler {
	cfg = cfg.withDefaults()
	return &CompletionHandler{
		repo:  repo,
		calc:  recurrence.Calculator{OverdueGrace: cfg.OverdueGrace},
		guard: schedule.NewGuard(repo, cfg.DuplicateTolerance, cfg.FailClosed),
		locks: make(map[string]*taskLock),
	}
}

// HandleCompleted creates the next occurrence of a completed recurring task.
// Calls are serialized per task id so a redelivered event racing the first
// delivery cannot create two follow-ups.
func (h *CompletionHandler) HandleCompleted(ctx context.Context, ev CompletionEvent) error {
	if !ev.Recurrence.Recurring() {
		return nil
	}
	if err := ev.Recurrence.Validate(); err != nil {
		log.Warn().Err(err).Str("task_id", ev.TaskID).Msg("completion event with bad recurrence rule")
		return nil
	}
	if ev.DueAt == nil || ev.ReminderAt == nil {
		log.Warn().Str("task_id", ev.TaskID).Msg("recurring completion event missing due or reminder date")
		return nil
	}

	unlock := h.lock(ev.TaskID)
	defer unlock()

	now := ev.CompletedAt
	if now.IsZero() {
		now = time.Now()
	}

	nextDue, ok := h.calc.Next(*ev.DueAt, ev.Recurrence, now)
	if !ok {
		log.Warn().
			Str("task_id", ev.TaskID).
			Str("frequency", string(ev.Recurrence.Frequency)).
			Msg("no next occurrence for completed task")
		return nil
	}

	if h.guard.AlreadyFired(ctx, ev.TaskID, nextDue) {
		log.Debug().Str("task_id", ev.TaskID).Time("next_due", nextDue).Msg("next occurrence already created")
		return nil
	}

	// Keep the reminder the same distance ahead of the due date.
	nextReminder := nextDue.Add(-ev.DueAt.Sub(*ev.ReminderAt))

	id, err := h.repo.CreateTask(ctx, domain.Task{
		UserID:      ev.UserID,
		Title:       ev.Title,
		Description: ev.Description,
		DueAt:       &nextDue,
		ReminderAt:  &nextReminder,
		Recurrence:  ev.Recurrence,
		ParentID:    &ev.TaskID,
	})
	if err != nil {
		return fmt.Errorf("create next occurrence of task %s: %w", ev.TaskID, err)
	}

	if err := h.repo.RecordOccurrence(ctx, domain.Occurrence{
		TaskID:  ev.TaskID,
		FiredAt: nextDue,
		Outcome: domain.OutcomeSent,
		Detail:  "created " + id,
		SentAt:  time.Now(),
	}); err != nil {
		log.Error().Err(err).Str("task_id", ev.TaskID).Msg("failed to record occurrence for created task")
	}

	log.Info().
		Str("task_id", ev.TaskID).
		Str("next_task_id", id).
		Time("next_due", nextDue).
		Msg("next task occurrence created")
	return nil
}

func (h *CompletionHandler) lock(taskID string) func() {
	h.mu.Lock()
	l, ok := h.locks[taskID]
	if !ok {
		l = &taskLock{}
		h.locks[taskID] = l
	}
	l.ref++
	h.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		h.mu.Lock()
		l.ref--
		if l.ref == 0 {
			delete(h.locks, taskID)
		}
		h.mu.Unlock()
	}
}
