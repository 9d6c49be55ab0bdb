package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"remindflow/internal/domain"
)

func ptr(t time.Time) *time.Time { return &t }

func TestGate_Skip(t *testing.T) {
	gate := NewGate(0)
	now := time.Date(2025, time.January, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		task domain.Task
		want bool
	}{
		{
			name: "completed task always excluded",
			task: domain.Task{Completed: true, ReminderAt: ptr(now.Add(time.Minute))},
			want: true,
		},
		{
			name: "8 days overdue excluded even when recurring",
			task: domain.Task{
				DueAt:      ptr(now.Add(-8 * 24 * time.Hour)),
				ReminderAt: ptr(now),
				Recurrence: domain.Rule{Frequency: domain.FreqDaily},
			},
			want: true,
		},
		{
			name: "6 days overdue still within grace",
			task: domain.Task{DueAt: ptr(now.Add(-6 * 24 * time.Hour)), ReminderAt: ptr(now)},
			want: false,
		},
		{
			name: "no due date passes",
			task: domain.Task{ReminderAt: ptr(now)},
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, gate.Skip(tt.task, now))
		})
	}
}

func TestSelector_ShouldProcess(t *testing.T) {
	sel := NewSelector(5*time.Minute, 5*time.Minute)
	now := time.Date(2025, time.January, 15, 14, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		task domain.Task
		want bool
	}{
		{
			name: "no reminder configured",
			task: domain.Task{},
			want: false,
		},
		{
			name: "one-time inside lookahead",
			task: domain.Task{ReminderAt: ptr(now.Add(3 * time.Minute))},
			want: true,
		},
		{
			name: "one-time beyond lookahead",
			task: domain.Task{ReminderAt: ptr(now.Add(6 * time.Minute))},
			want: false,
		},
		{
			name: "one-time at lookahead boundary excluded",
			task: domain.Task{ReminderAt: ptr(now.Add(5 * time.Minute))},
			want: false,
		},
		{
			name: "one-time 2 minutes overdue within grace",
			task: domain.Task{ReminderAt: ptr(now.Add(-2 * time.Minute))},
			want: true,
		},
		{
			name: "one-time 6 minutes overdue outside grace",
			task: domain.Task{ReminderAt: ptr(now.Add(-6 * time.Minute))},
			want: false,
		},
		{
			name: "recurring always passes this stage",
			task: domain.Task{
				ReminderAt: ptr(now.Add(48 * time.Hour)),
				Recurrence: domain.Rule{Frequency: domain.FreqWeekly},
			},
			want: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sel.ShouldProcess(tt.task, now))
		})
	}
}
