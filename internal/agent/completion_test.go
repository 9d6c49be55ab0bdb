package agent

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remindflow/internal/domain"
)

func seedParentTask(t *testing.T, h *CompletionHandler, ev *CompletionEvent) {
	t.Helper()
	id, err := h.repo.CreateTask(context.Background(), domain.Task{
		UserID:     ev.UserID,
		Title:      ev.Title,
		DueAt:      ev.DueAt,
		ReminderAt: ev.ReminderAt,
		Recurrence: ev.Recurrence,
		Completed:  true,
	})
	require.NoError(t, err)
	ev.TaskID = id
}

func TestHandleCompleted_CreatesNextOccurrence(t *testing.T) {
	repo := newTestRepo(t)
	h := NewCompletionHandler(repo, Config{})
	ctx := context.Background()

	due := time.Date(2025, time.January, 15, 17, 0, 0, 0, time.UTC)
	reminder := time.Date(2025, time.January, 15, 9, 0, 0, 0, time.UTC)
	ev := CompletionEvent{
		UserID:      "usr_1",
		Title:       "take out recycling",
		CompletedAt: time.Date(2025, time.January, 15, 18, 0, 0, 0, time.UTC),
		DueAt:       &due,
		ReminderAt:  &reminder,
		Recurrence:  domain.Rule{Frequency: domain.FreqDaily},
	}
	seedParentTask(t, h, &ev)

	require.NoError(t, h.HandleCompleted(ctx, ev))

	tasks, err := repo.ReminderCandidates(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	next := tasks[0]
	assert.Equal(t, "take out recycling", next.Title)
	require.NotNil(t, next.ParentID)
	assert.Equal(t, ev.TaskID, *next.ParentID)
	require.NotNil(t, next.DueAt)
	assert.True(t, next.DueAt.Equal(time.Date(2025, time.January, 16, 17, 0, 0, 0, time.UTC)))
	// Reminder keeps the same 8-hour lead on the due date.
	require.NotNil(t, next.ReminderAt)
	assert.True(t, next.ReminderAt.Equal(time.Date(2025, time.January, 16, 9, 0, 0, 0, time.UTC)))
	assert.Equal(t, domain.FreqDaily, next.Recurrence.Frequency)
}

func TestHandleCompleted_RedeliveryIsIdempotent(t *testing.T) {
	repo := newTestRepo(t)
	h := NewCompletionHandler(repo, Config{})
	ctx := context.Background()

	due := time.Date(2025, time.January, 15, 17, 0, 0, 0, time.UTC)
	reminder := due.Add(-time.Hour)
	ev := CompletionEvent{
		UserID:      "usr_1",
		Title:       "weekly report",
		CompletedAt: due.Add(time.Hour),
		DueAt:       &due,
		ReminderAt:  &reminder,
		Recurrence: domain.Rule{
			Frequency: domain.FreqWeekly,
			Weekdays:  []time.Weekday{time.Monday, time.Wednesday},
		},
	}
	seedParentTask(t, h, &ev)

	require.NoError(t, h.HandleCompleted(ctx, ev))
	// At-least-once transport: the same event arrives again.
	require.NoError(t, h.HandleCompleted(ctx, ev))

	tasks, err := repo.ReminderCandidates(ctx)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)

	occ, err := repo.ListOccurrences(ctx, ev.TaskID, 10)
	require.NoError(t, err)
	assert.Len(t, occ, 1)
}

func TestHandleCompleted_IgnoresNonRecurring(t *testing.T) {
	repo := newTestRepo(t)
	h := NewCompletionHandler(repo, Config{})
	ctx := context.Background()

	due := time.Now()
	require.NoError(t, h.HandleCompleted(ctx, CompletionEvent{
		TaskID:     "tsk_1",
		UserID:     "usr_1",
		Title:      "one and done",
		DueAt:      &due,
		ReminderAt: &due,
		Recurrence: domain.Rule{Frequency: domain.FreqNone},
	}))

	tasks, err := repo.ReminderCandidates(ctx)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestHandleCompleted_BadRuleIsDataError(t *testing.T) {
	repo := newTestRepo(t)
	h := NewCompletionHandler(repo, Config{})
	ctx := context.Background()

	due := time.Now()
	// Unknown frequency is logged and dropped, never an error to the caller:
	// failing would make the transport redeliver a poison event forever.
	require.NoError(t, h.HandleCompleted(ctx, CompletionEvent{
		TaskID:     "tsk_1",
		UserID:     "usr_1",
		Title:      "glitched",
		DueAt:      &due,
		ReminderAt: &due,
		Recurrence: domain.Rule{Frequency: "hourly"},
	}))

	tasks, err := repo.ReminderCandidates(ctx)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	require.NoError(t, h.HandleCompleted(ctx, CompletionEvent{
		TaskID:     "tsk_2",
		UserID:     "usr_1",
		Title:      "missing dates",
		Recurrence: domain.Rule{Frequency: domain.FreqDaily},
	}))
	tasks, err = repo.ReminderCandidates(ctx)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	// An out-of-range weekday must be rejected here, before it can be
	// persisted and corrupt the candidate population.
	require.NoError(t, h.HandleCompleted(ctx, CompletionEvent{
		TaskID:     "tsk_3",
		UserID:     "usr_1",
		Title:      "weekday out of range",
		DueAt:      &due,
		ReminderAt: &due,
		Recurrence: domain.Rule{Frequency: domain.FreqWeekly, Weekdays: []time.Weekday{9}},
	}))
	tasks, err = repo.ReminderCandidates(ctx)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestHandleCompleted_LocksAreReleased(t *testing.T) {
	repo := newTestRepo(t)
	h := NewCompletionHandler(repo, Config{})
	ctx := context.Background()

	due := time.Date(2025, time.January, 15, 17, 0, 0, 0, time.UTC)
	reminder := due.Add(-time.Hour)
	for i := 0; i < 5; i++ {
		ev := CompletionEvent{
			UserID:      "usr_1",
			Title:       fmt.Sprintf("chore %d", i),
			CompletedAt: due.Add(time.Hour),
			DueAt:       &due,
			ReminderAt:  &reminder,
			Recurrence:  domain.Rule{Frequency: domain.FreqDaily},
		}
		seedParentTask(t, h, &ev)
		require.NoError(t, h.HandleCompleted(ctx, ev))
	}

	// The lock map tracks in-flight events only; idle entries are dropped.
	h.mu.Lock()
	remaining := len(h.locks)
	h.mu.Unlock()
	assert.Zero(t, remaining)
}
