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

	"taskd/internal/api"
	"taskd/internal/config"
	"taskd/internal/handlers/echo"
	"taskd/internal/handlers/httpcall"
	"taskd/internal/handlers/shell"
	"taskd/internal/jobstore"
	"taskd/internal/messaging"
	"taskd/internal/scheduler"
	"taskd/internal/snapshot"
	"taskd/internal/taskreg"
	"taskd/internal/worker"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "path to YAML config file")
		addr    = flag.String("addr", "", "HTTP bind address (overrides config)")
		debug   = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}

	var (
		snap snapshot.Store
		db   *sql.DB
	)
	switch cfg.Store.Backend {
	case "sqlite":
		dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.Store.Path)
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			log.Fatal().Err(err).Msg("open db")
		}
		defer db.Close()
		db.SetMaxOpenConns(1) // SQLite single writer
		if err := snapshot.EnsureSchema(db); err != nil {
			log.Fatal().Err(err).Msg("ensure snapshot schema")
		}
		if err := taskreg.EnsureSchema(db); err != nil {
			log.Fatal().Err(err).Msg("ensure task schema")
		}
		snap = snapshot.NewSQLite(db)
	case "file":
		snap, err = snapshot.NewFile(cfg.Store.Path)
		if err != nil {
			log.Fatal().Err(err).Msg("open snapshot file")
		}
	default: // memory
		snap = nil
	}

	store := jobstore.New(snap)
	pool := worker.NewPool(store, cfg.Workers.Count,
		cfg.Workers.PollInterval.Std(), cfg.Workers.ShutdownGrace.Std())
	msg := messaging.New(store, pool)

	sched := scheduler.New(msg, cfg.Scheduler.Tick.Std(),
		scheduler.MissedPolicy(cfg.Scheduler.MissedPolicy))

	var tasks *taskreg.Service
	if db != nil {
		tasks = taskreg.New(taskreg.NewSQLiteRepo(db), sched)
	} else {
		tasks = taskreg.New(taskreg.NewMemoryRepo(), sched)
	}

	msg.Register("echo", echo.Handle)
	msg.Register("shell", shell.Handle)
	msg.Register("http", httpcall.Handle)
	msg.Register("scheduled_task", func(ctx context.Context, payload map[string]any) (map[string]any, error) {
		taskID, _ := payload["task_id"].(string)
		log.Info().Str("task_id", taskID).Msg("scheduled task fired")
		return payload, nil
	})

	if err := msg.Start(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("start worker pool")
	}
	if err := tasks.Resync(context.Background()); err != nil {
		log.Error().Err(err).Msg("resync triggers")
	}
	sched.Start()

	if cfg.Cleanup.MaxAge.Std() > 0 {
		go cleanupLoop(store, cfg.Cleanup.MaxAge.Std())
	}

	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: api.NewServer(msg, tasks, cfg.HTTP.RateLimit)}
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")

	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	sched.Stop()
	msg.Stop(ctxTimeout)
	if snap != nil {
		_ = snap.Close()
	}
}

func cleanupLoop(store *jobstore.Store, maxAge time.Duration) {
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for range t.C {
		if n := store.Cleanup(maxAge); n > 0 {
			log.Info().Int("removed", n).Msg("cleaned up terminal jobs")
		}
	}
}
