package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"remindflow/internal/domain"
)

var ErrNotFound = errors.New("not found")

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS users (
  id TEXT PRIMARY KEY,
  email TEXT NOT NULL DEFAULT '',
  name TEXT NOT NULL DEFAULT '',
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  title TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  due_at DATETIME,
  reminder_at DATETIME,
  frequency TEXT NOT NULL CHECK(frequency IN ('none','daily','weekly','monthly')) DEFAULT 'none',
  interval INTEGER NOT NULL DEFAULT 1,
  weekdays TEXT NOT NULL DEFAULT '',
  day_of_month INTEGER NOT NULL DEFAULT 0,
  completed INTEGER NOT NULL DEFAULT 0,
  parent_id TEXT,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tasks_reminder ON tasks(completed, reminder_at);
CREATE TABLE IF NOT EXISTS occurrence_log (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id TEXT NOT NULL,
  fired_at DATETIME NOT NULL,
  outcome TEXT NOT NULL CHECK(outcome IN ('sent','failed')),
  detail TEXT NOT NULL DEFAULT '',
  sent_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  FOREIGN KEY(task_id) REFERENCES tasks(id)
);
CREATE INDEX IF NOT EXISTS idx_occurrence_window ON occurrence_log(task_id, fired_at);
CREATE TABLE IF NOT EXISTS agent_state (
  id INTEGER PRIMARY KEY CHECK(id = 1),
  last_run_at DATETIME NOT NULL,
  processed INTEGER NOT NULL DEFAULT 0,
  fired INTEGER NOT NULL DEFAULT 0,
  errors INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL DEFAULT 'initialized',
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
	_, err := db.Exec(schema)
	return err
}

type Repository interface {
	// Task snapshots
	CreateTask(ctx context.Context, t domain.Task) (string, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
	ReminderCandidates(ctx context.Context) ([]domain.Task, error)

	// User contacts
	CreateUser(ctx context.Context, u domain.User) (string, error)
	UserEmail(ctx context.Context, userID string) (string, error)

	// Occurrence log (idempotency)
	RecordOccurrence(ctx context.Context, o domain.Occurrence) error
	FiredWithin(ctx context.Context, taskID string, from, to time.Time) (bool, error)
	ListOccurrences(ctx context.Context, taskID string, limit int) ([]domain.Occurrence, error)

	// Heartbeat (singleton, counters accumulate)
	UpdateHeartbeat(ctx context.Context, at time.Time, processed, fired, errs int64, status domain.Status) error
	Heartbeat(ctx context.Context) (domain.Heartbeat, error)
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

func (r *sqliteRepo) CreateTask(ctx context.Context, t domain.Task) (string, error) {
	id := t.ID
	if id == "" {
		id = "tsk_" + uuid.NewString()
	}
	freq := t.Recurrence.Frequency
	if freq == "" {
		freq = domain.FreqNone
	}
	interval := t.Recurrence.Interval
	if interval < 1 {
		interval = 1
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO tasks (id,user_id,title,description,due_at,reminder_at,frequency,interval,weekdays,day_of_month,completed,parent_id,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
`, id, t.UserID, t.Title, t.Description, t.DueAt, t.ReminderAt, string(freq), interval,
		encodeWeekdays(t.Recurrence.Weekdays), t.Recurrence.DayOfMonth, t.Completed, t.ParentID)
	return id, err
}

func (r *sqliteRepo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id,user_id,title,description,due_at,reminder_at,frequency,interval,weekdays,day_of_month,completed,parent_id,created_at,updated_at
FROM tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, ErrNotFound
	}
	return t, err
}

// ReminderCandidates is the coarse first-stage filter: not completed and a
// reminder configured. Window and recurrence logic are applied per candidate
// by the schedule package.
func (r *sqliteRepo) ReminderCandidates(ctx context.Context) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,user_id,title,description,due_at,reminder_at,frequency,interval,weekdays,day_of_month,completed,parent_id,created_at,updated_at
FROM tasks
WHERE completed=0 AND reminder_at IS NOT NULL
ORDER BY reminder_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			// One unreadable row is a data error for that task only; it must
			// not starve every other reminder in the population.
			log.Warn().Err(err).Msg("skipping unreadable task row")
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *sqliteRepo) CreateUser(ctx context.Context, u domain.User) (string, error) {
	id := u.ID
	if id == "" {
		id = "usr_" + uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO users (id,email,name,created_at) VALUES (?,?,?,CURRENT_TIMESTAMP)`, id, u.Email, u.Name)
	return id, err
}

func (r *sqliteRepo) UserEmail(ctx context.Context, userID string) (string, error) {
	row := r.db.QueryRowContext(ctx, `SELECT email FROM users WHERE id=?`, userID)
	var email string
	if err := row.Scan(&email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	if email == "" {
		return "", ErrNotFound
	}
	return email, nil
}

func (r *sqliteRepo) RecordOccurrence(ctx context.Context, o domain.Occurrence) error {
	sentAt := o.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO occurrence_log (task_id,fired_at,outcome,detail,sent_at) VALUES (?,?,?,?,?)`,
		o.TaskID, o.FiredAt, string(o.Outcome), o.Detail, sentAt)
	return err
}

// FiredWithin reports whether any occurrence for taskID was recorded with
// fired_at in [from, to]. Bounds are inclusive.
func (r *sqliteRepo) FiredWithin(ctx context.Context, taskID string, from, to time.Time) (bool, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT COUNT(1) FROM occurrence_log WHERE task_id=? AND fired_at >= ? AND fired_at <= ?`,
		taskID, from, to)
	var n int
	if err := row.Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *sqliteRepo) ListOccurrences(ctx context.Context, taskID string, limit int) ([]domain.Occurrence, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id,task_id,fired_at,outcome,detail,sent_at
FROM occurrence_log WHERE task_id=? ORDER BY fired_at DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Occurrence
	for rows.Next() {
		var o domain.Occurrence
		var outcome string
		if err := rows.Scan(&o.ID, &o.TaskID, &o.FiredAt, &outcome, &o.Detail, &o.SentAt); err != nil {
			return nil, err
		}
		o.Outcome = domain.Outcome(outcome)
		out = append(out, o)
	}
	return out, rows.Err()
}

// UpdateHeartbeat upserts the singleton agent_state row. Counter arguments
// are deltas for this cycle; the stored values accumulate.
func (r *sqliteRepo) UpdateHeartbeat(ctx context.Context, at time.Time, processed, fired, errs int64, status domain.Status) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO agent_state (id,last_run_at,processed,fired,errors,status,updated_at)
VALUES (1,?,?,?,?,?,CURRENT_TIMESTAMP)
ON CONFLICT(id) DO UPDATE SET
  last_run_at=excluded.last_run_at,
  processed=processed+excluded.processed,
  fired=fired+excluded.fired,
  errors=errors+excluded.errors,
  status=excluded.status,
  updated_at=CURRENT_TIMESTAMP`,
		at, processed, fired, errs, string(status))
	return err
}

func (r *sqliteRepo) Heartbeat(ctx context.Context) (domain.Heartbeat, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT last_run_at,processed,fired,errors,status,updated_at FROM agent_state WHERE id=1`)
	var hb domain.Heartbeat
	var status string
	err := row.Scan(&hb.LastRunAt, &hb.Processed, &hb.Fired, &hb.Errors, &status, &hb.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Heartbeat{}, ErrNotFound
	}
	if err != nil {
		return domain.Heartbeat{}, err
	}
	hb.Status = domain.Status(status)
	return hb, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var due, reminder sql.NullTime
	var parent sql.NullString
	var freq, weekdays string
	err := row.Scan(&t.ID, &t.UserID, &t.Title, &t.Description, &due, &reminder,
		&freq, &t.Recurrence.Interval, &weekdays, &t.Recurrence.DayOfMonth,
		&t.Completed, &parent, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return domain.Task{}, err
	}
	if due.Valid {
		d := due.Time
		t.DueAt = &d
	}
	if reminder.Valid {
		rm := reminder.Time
		t.ReminderAt = &rm
	}
	if parent.Valid {
		p := parent.String
		t.ParentID = &p
	}
	t.Recurrence.Frequency = domain.Frequency(freq)
	t.Recurrence.Weekdays, err = decodeWeekdays(weekdays)
	if err != nil {
		return domain.Task{}, fmt.Errorf("task %s: %w", t.ID, err)
	}
	return t, nil
}

// Weekday sets are stored as a comma-separated list of time.Weekday values,
// e.g. "1,3" for Monday and Wednesday.
func encodeWeekdays(days []time.Weekday) string {
	if len(days) == 0 {
		return ""
	}
	parts := make([]string, len(days))
	for i, d := range days {
		parts[i] = strconv.Itoa(int(d))
	}
	return strings.Join(parts, ",")
}

func decodeWeekdays(s string) ([]time.Weekday, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	days := make([]time.Weekday, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 || n > 6 {
			return nil, fmt.Errorf("invalid weekday %q", p)
		}
		days = append(days, time.Weekday(n))
	}
	return days, nil
}
