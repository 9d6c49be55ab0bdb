// Package notify delivers reminders. The core treats delivery as
// fire-and-forget: retries live here, behind a bounded attempt count, and the
// caller records the final outcome either way.
package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"remindflow/internal/domain"
)

// Reminder is one side-effect invocation request: deliver a reminder for Task
// to To, for the computed occurrence at OccurredAt.
type Reminder struct {
	Task       domain.Task
	To         string
	OccurredAt time.Time
}

type Sender interface {
	Send(ctx context.Context, r Reminder) error
}

// SMTPSender sends plain-text reminder emails with exponential backoff
// between attempts.
type SMTPSender struct {
	Host        string
	Port        int
	Username    string
	Password    string
	From        string
	MaxAttempts int
}

func (s *SMTPSender) Send(ctx context.Context, r Reminder) error {
	msg := buildMessage(s.From, r)
	addr := fmt.Sprintf("%s:%d", s.Host, s.Port)
	var auth smtp.Auth
	if s.Username != "" {
		auth = smtp.PlainAuth("", s.Username, s.Password, s.Host)
	}

	attempts := s.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoffExp(i)):
			}
		}
		if err := smtp.SendMail(addr, auth, s.From, []string{r.To}, msg); err != nil {
			lastErr = err
			log.Warn().
				Err(err).
				Str("task_id", r.Task.ID).
				Int("attempt", i+1).
				Msg("reminder send failed")
			continue
		}
		log.Info().
			Str("task_id", r.Task.ID).
			Str("to", r.To).
			Time("occurred_at", r.OccurredAt).
			Msg("reminder email sent")
		return nil
	}
	return fmt.Errorf("send reminder for task %s: %w", r.Task.ID, lastErr)
}

func backoffExp(attempts int) time.Duration {
	if attempts <= 0 {
		return time.Second
	}
	d := 1 << (attempts - 1) // 1,2,4,8...
	if d > 60 {
		d = 60
	}
	return time.Duration(d) * time.Second
}

func buildMessage(from string, r Reminder) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", r.To)
	fmt.Fprintf(&b, "Subject: Reminder: %s\r\n", r.Task.Title)
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")

	fmt.Fprintf(&b, "This is a reminder for your task: %s\r\n", r.Task.Title)
	if r.Task.Description != "" {
		fmt.Fprintf(&b, "\r\n%s\r\n", r.Task.Description)
	}
	if r.Task.DueAt != nil {
		fmt.Fprintf(&b, "\r\nDue: %s\r\n", r.Task.DueAt.Format("Mon, 2 Jan 2006 15:04"))
	}
	if r.Task.Recurrence.Recurring() {
		fmt.Fprintf(&b, "Repeats: %s\r\n", r.Task.Recurrence.Frequency)
	}
	return []byte(b.String())
}

// LogSender is used when no SMTP server is configured; it logs the reminder
// and reports success.
type LogSender struct{}

func (LogSender) Send(_ context.Context, r Reminder) error {
	log.Info().
		Str("task_id", r.Task.ID).
		Str("to", r.To).
		Time("occurred_at", r.OccurredAt).
		Str("title", r.Task.Title).
		Msg("reminder (log-only delivery)")
	return nil
}
