package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"remindflow/internal/agent"
	"remindflow/internal/api"
	"remindflow/internal/domain"
	"remindflow/internal/notify"
	"remindflow/internal/store"
)

func main() {
	var (
		addr         = flag.String("addr", ":8080", "HTTP bind address")
		dbPath       = flag.String("db", "remindflow.db", "SQLite DB path")
		poll         = flag.Duration("poll", 5*time.Minute, "reminder polling interval")
		lookahead    = flag.Duration("lookahead", 5*time.Minute, "reminder lookahead window")
		graceDays    = flag.Int("grace-days", 7, "days past due before reminders stop")
		overdueGrace = flag.Duration("overdue-grace", 5*time.Minute, "how late a one-time reminder may still fire")
		dupTolerance = flag.Duration("dup-tolerance", 60*time.Second, "duplicate detection window")
		failClosed   = flag.Bool("fail-closed", false, "suppress occurrences when the duplicate lookup fails")
		workers      = flag.Int("workers", 8, "max reminders delivered concurrently")
		sendTimeout  = flag.Duration("send-timeout", 10*time.Second, "per-reminder delivery timeout")
		smtpHost     = flag.String("smtp-host", "", "SMTP host (empty = log-only delivery)")
		smtpPort     = flag.Int("smtp-port", 587, "SMTP port")
		smtpUser     = flag.String("smtp-user", "", "SMTP username")
		smtpPass     = flag.String("smtp-pass", "", "SMTP password")
		smtpFrom     = flag.String("smtp-from", "remindflow@localhost", "reminder sender address")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", *dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	// Startup connectivity is the one failure that refuses to start.
	if err := db.Ping(); err != nil {
		log.Fatal().Err(err).Msg("db unreachable")
	}
	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}

	repo := store.NewSQLiteRepo(db)
	if err := repo.UpdateHeartbeat(context.Background(), time.Now(), 0, 0, 0, domain.StatusInitialized); err != nil {
		log.Fatal().Err(err).Msg("write initial heartbeat")
	}

	var sender notify.Sender = notify.LogSender{}
	if *smtpHost != "" {
		sender = &notify.SMTPSender{
			Host:     *smtpHost,
			Port:     *smtpPort,
			Username: *smtpUser,
			Password: *smtpPass,
			From:     *smtpFrom,
		}
	} else {
		log.Warn().Msg("no SMTP host configured, reminders will only be logged")
	}

	cfg := agent.Config{
		PollInterval:       *poll,
		Lookahead:          *lookahead,
		GracePeriod:        time.Duration(*graceDays) * 24 * time.Hour,
		OverdueGrace:       *overdueGrace,
		DuplicateTolerance: *dupTolerance,
		FailClosed:         *failClosed,
		Workers:            *workers,
		SendTimeout:        *sendTimeout,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loop := agent.New(repo, sender, cfg)
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		loop.Start(ctx)
	}()

	completions := agent.NewCompletionHandler(repo, cfg)
	srv := &http.Server{Addr: *addr, Handler: api.NewServer(repo, loop, completions)}
	go func() {
		log.Info().Str("addr", *addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown: finish the in-flight cycle, start no new one.
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	loop.Stop()
	select {
	case <-loopDone:
	case <-time.After(30 * time.Second):
		log.Warn().Msg("loop did not drain in time")
	}
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}
