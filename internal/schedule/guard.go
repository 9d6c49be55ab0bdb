package schedule

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultTolerance is the window within which two occurrence timestamps are
// considered the same logical occurrence.
const DefaultTolerance = 60 * time.Second

// OccurrenceLog answers whether an occurrence for a task was already recorded
// inside a time window.
type OccurrenceLog interface {
	FiredWithin(ctx context.Context, taskID string, from, to time.Time) (bool, error)
}

// Guard is the idempotency check. The loop re-evaluates every candidate on
// every cycle and the event path may see the same upstream event more than
// once, so the same occurrence must be detected across re-evaluations.
//
// When the log lookup fails, the answer depends on FailClosed: the default
// (false) treats the occurrence as not yet fired, trading an occasional
// duplicate for never starving reminders on a transient storage hiccup.
// Operators for whom duplicates are costlier than misses set FailClosed.
type Guard struct {
	Log        OccurrenceLog
	Tolerance  time.Duration
	FailClosed bool
}

func NewGuard(occurrences OccurrenceLog, tolerance time.Duration, failClosed bool) Guard {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return Guard{Log: occurrences, Tolerance: tolerance, FailClosed: failClosed}
}

// AlreadyFired reports whether an occurrence within Tolerance of occurredAt
// has been handled for this task.
func (g Guard) AlreadyFired(ctx context.Context, taskID string, occurredAt time.Time) bool {
	fired, err := g.Log.FiredWithin(ctx, taskID, occurredAt.Add(-g.Tolerance), occurredAt.Add(g.Tolerance))
	if err != nil {
		log.Error().
			Err(err).
			Str("task_id", taskID).
			Bool("fail_closed", g.FailClosed).
			Msg("duplicate lookup failed")
		return g.FailClosed
	}
	return fired
}
