// Package agent contains the two realizations of the scheduling algorithm:
// the polling reminder loop and the completion-event handler. Both run every
// decision through the same recurrence calculator and duplication guard.
package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"remindflow/internal/domain"
	"remindflow/internal/notify"
	"remindflow/internal/recurrence"
	"remindflow/internal/schedule"
	"remindflow/internal/store"
)

type Config struct {
	PollInterval       time.Duration
	Lookahead          time.Duration
	GracePeriod        time.Duration
	OverdueGrace       time.Duration
	DuplicateTolerance time.Duration
	FailClosed         bool
	Workers            int
	SendTimeout        time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Minute
	}
	if c.Lookahead <= 0 {
		c.Lookahead = schedule.DefaultLookahead
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = schedule.DefaultGracePeriod
	}
	if c.OverdueGrace <= 0 {
		c.OverdueGrace = schedule.DefaultOverdueGrace
	}
	if c.DuplicateTolerance <= 0 {
		c.DuplicateTolerance = schedule.DefaultTolerance
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

// Loop is the polling realization: every PollInterval it pulls candidate
// snapshots and runs them through gate, selector, calculator and guard, then
// fires the reminder side effect for survivors.
type Loop struct {
	repo     store.Repository
	sender   notify.Sender
	calc     recurrence.Calculator
	gate     schedule.Gate
	selector schedule.Selector
	guard    schedule.Guard
	cfg      Config
	cron     *cron.Cron
	sem      chan struct{}
	runMu    sync.Mutex
	stop     chan struct{}

	ctxMu  sync.Mutex
	runCtx context.Context
}

func New(repo store.Repository, sender notify.Sender, cfg Config) *Loop {
	cfg = cfg.withDefaults()
	// A lookahead shorter than the poll cadence leaves blind spots between
	// cycles where recurring occurrences come due unseen.
	if cfg.Lookahead < cfg.PollInterval {
		log.Warn().
			Dur("lookahead", cfg.Lookahead).
			Dur("poll_interval", cfg.PollInterval).
			Msg("lookahead shorter than poll interval, clamping to poll interval")
		cfg.Lookahead = cfg.PollInterval
	}
	return &Loop{
		repo:     repo,
		sender:   sender,
		calc:     recurrence.Calculator{OverdueGrace: cfg.OverdueGrace},
		gate:     schedule.NewGate(cfg.GracePeriod),
		selector: schedule.NewSelector(cfg.Lookahead, cfg.OverdueGrace),
		guard:    schedule.NewGuard(repo, cfg.DuplicateTolerance, cfg.FailClosed),
		cfg:      cfg,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLog{}))),
		sem:      make(chan struct{}, cfg.Workers),
		stop:     make(chan struct{}),
	}
}

// Start runs cycles until the context is canceled or Stop is called. An
// in-flight cycle finishes its dispatched candidates before Start returns.
func (l *Loop) Start(ctx context.Context) {
	l.ctxMu.Lock()
	l.runCtx = ctx
	l.ctxMu.Unlock()

	l.cron.Schedule(cron.Every(l.cfg.PollInterval), cron.FuncJob(func() {
		l.RunCycle(ctx)
	}))
	l.cron.Start()
	log.Info().Dur("interval", l.cfg.PollInterval).Msg("reminder loop started")

	select {
	case <-ctx.Done():
	case <-l.stop:
	}
	<-l.cron.Stop().Done()
	// A manually triggered cycle may still hold the run lock; wait it out so
	// shutdown drains those too.
	l.runMu.Lock()
	l.runMu.Unlock() //nolint:staticcheck // lock/unlock pair is the drain
	log.Info().Msg("reminder loop stopped")
}

func (l *Loop) Stop() {
	close(l.stop)
}

// RunNow triggers one cycle outside the cron cadence, bound to the same
// lifetime context Start runs under so shutdown can drain it.
func (l *Loop) RunNow() {
	l.ctxMu.Lock()
	ctx := l.runCtx
	l.ctxMu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	l.RunCycle(ctx)
}

// RunCycle executes one full cycle. Cycles never overlap: a cycle that is
// still running when the next trigger arrives makes the new trigger a no-op.
func (l *Loop) RunCycle(ctx context.Context) {
	if !l.runMu.TryLock() {
		log.Warn().Msg("previous cycle still running, skipping")
		return
	}
	defer l.runMu.Unlock()

	start := time.Now()
	log.Debug().Msg("reminder cycle starting")

	tasks, err := l.repo.ReminderCandidates(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to fetch reminder candidates")
		l.heartbeat(ctx, start, 0, 0, 1, domain.StatusError)
		return
	}

	var processed, fired, errs atomic.Int64
	var wg sync.WaitGroup
	for _, task := range tasks {
		processed.Add(1)
		wg.Add(1)
		l.sem <- struct{}{}
		go func(t domain.Task) {
			defer wg.Done()
			defer func() { <-l.sem }()
			switch l.processTask(ctx, t, start) {
			case resultFired:
				fired.Add(1)
			case resultError:
				errs.Add(1)
			}
		}(task)
	}
	wg.Wait()

	l.heartbeat(ctx, start, processed.Load(), fired.Load(), errs.Load(), domain.StatusRunning)
	log.Info().
		Int64("processed", processed.Load()).
		Int64("fired", fired.Load()).
		Int64("errors", errs.Load()).
		Dur("took", time.Since(start)).
		Msg("reminder cycle complete")
}

type cycleResult int

const (
	resultSkipped cycleResult = iota
	resultFired
	resultError
)

// processTask runs one candidate through the pipeline. Nothing here may
// escape to the cycle: data errors skip the task, transient errors count
// toward the error tally, and a panic is contained to this candidate.
func (l *Loop) processTask(ctx context.Context, task domain.Task, now time.Time) (res cycleResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("task_id", task.ID).Msg("candidate processing panicked")
			res = resultError
		}
	}()

	if l.gate.Skip(task, now) {
		return resultSkipped
	}
	if !l.selector.ShouldProcess(task, now) {
		return resultSkipped
	}
	if err := l.checkInvariants(task); err != nil {
		log.Warn().Err(err).Str("task_id", task.ID).Msg("skipping task with bad recurrence data")
		return resultSkipped
	}

	occurredAt, ok := l.calc.Next(*task.ReminderAt, task.Recurrence, now)
	if !ok {
		if task.Recurrence.Recurring() {
			log.Warn().
				Str("task_id", task.ID).
				Str("frequency", string(task.Recurrence.Frequency)).
				Msg("calculator produced no occurrence for recurring task")
		}
		return resultSkipped
	}
	// Recurring occurrences beyond the lookahead belong to a later cycle.
	if !occurredAt.Before(now.Add(l.cfg.Lookahead)) {
		return resultSkipped
	}

	if l.guard.AlreadyFired(ctx, task.ID, occurredAt) {
		log.Debug().Str("task_id", task.ID).Time("occurred_at", occurredAt).Msg("occurrence already handled")
		return resultSkipped
	}

	email, err := l.repo.UserEmail(ctx, task.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn().Str("task_id", task.ID).Str("user_id", task.UserID).Msg("no email for task owner")
			return resultSkipped
		}
		log.Error().Err(err).Str("task_id", task.ID).Msg("contact lookup failed")
		return resultError
	}

	sendCtx, cancel := context.WithTimeout(ctx, l.cfg.SendTimeout)
	defer cancel()
	sendErr := l.sender.Send(sendCtx, notify.Reminder{Task: task, To: email, OccurredAt: occurredAt})

	// Record the outcome either way: a failed send must not be re-selected
	// as new on the next cycle, its retries belong to the sender.
	rec := domain.Occurrence{TaskID: task.ID, FiredAt: occurredAt, SentAt: time.Now(), Outcome: domain.OutcomeSent}
	if sendErr != nil {
		rec.Outcome = domain.OutcomeFailed
		rec.Detail = sendErr.Error()
	}
	if err := l.repo.RecordOccurrence(ctx, rec); err != nil {
		log.Error().Err(err).Str("task_id", task.ID).Msg("failed to record occurrence")
	}

	if sendErr != nil {
		log.Error().Err(sendErr).Str("task_id", task.ID).Msg("reminder delivery failed")
		return resultError
	}
	log.Info().
		Str("task_id", task.ID).
		Str("title", task.Title).
		Time("occurred_at", occurredAt).
		Msg("reminder fired")
	return resultFired
}

// A recurring rule needs both an anchor and a due date to compute cycles.
func (l *Loop) checkInvariants(task domain.Task) error {
	if err := task.Recurrence.Validate(); err != nil {
		return err
	}
	if task.Recurrence.Recurring() && (task.ReminderAt == nil || task.DueAt == nil) {
		return errors.New("recurring task missing reminder or due date")
	}
	return nil
}

func (l *Loop) heartbeat(ctx context.Context, at time.Time, processed, fired, errs int64, status domain.Status) {
	if err := l.repo.UpdateHeartbeat(ctx, at, processed, fired, errs, status); err != nil {
		log.Error().Err(err).Msg("failed to update heartbeat")
	}
}

// cronLog adapts the cron logger to zerolog. Skipped-overlap notices arrive
// through Info.
type cronLog struct{}

func (cronLog) Info(msg string, kv ...interface{}) {
	log.Debug().Fields(kv).Msg(msg)
}

func (cronLog) Error(err error, msg string, kv ...interface{}) {
	log.Error().Err(err).Fields(kv).Msg(msg)
}
