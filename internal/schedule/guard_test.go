package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// memLog records fired occurrences in memory for guard tests.
type memLog struct {
	fired map[string][]time.Time
	err   error
}

func (m *memLog) FiredWithin(_ context.Context, taskID string, from, to time.Time) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	for _, at := range m.fired[taskID] {
		if !at.Before(from) && !at.After(to) {
			return true, nil
		}
	}
	return false, nil
}

func TestGuard_AlreadyFired(t *testing.T) {
	ctx := context.Background()
	fired := time.Date(2025, time.January, 15, 14, 0, 0, 0, time.UTC)
	guard := NewGuard(&memLog{fired: map[string][]time.Time{"tsk_1": {fired}}}, 60*time.Second, false)

	tests := []struct {
		name   string
		taskID string
		at     time.Time
		want   bool
	}{
		{"exact match", "tsk_1", fired, true},
		{"59s later inside tolerance", "tsk_1", fired.Add(59 * time.Second), true},
		{"60s later at tolerance boundary", "tsk_1", fired.Add(60 * time.Second), true},
		{"61s later outside tolerance", "tsk_1", fired.Add(61 * time.Second), false},
		{"59s earlier inside tolerance", "tsk_1", fired.Add(-59 * time.Second), true},
		{"61s earlier outside tolerance", "tsk_1", fired.Add(-61 * time.Second), false},
		{"other task untouched", "tsk_2", fired, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, guard.AlreadyFired(ctx, tt.taskID, tt.at))
		})
	}
}

func TestGuard_LookupFailurePolicy(t *testing.T) {
	ctx := context.Background()
	broken := &memLog{err: errors.New("store unavailable")}
	at := time.Now()

	t.Run("fail-open treats occurrence as not fired", func(t *testing.T) {
		guard := NewGuard(broken, 0, false)
		assert.False(t, guard.AlreadyFired(ctx, "tsk_1", at))
	})

	t.Run("fail-closed suppresses the occurrence", func(t *testing.T) {
		guard := NewGuard(broken, 0, true)
		assert.True(t, guard.AlreadyFired(ctx, "tsk_1", at))
	})
}
