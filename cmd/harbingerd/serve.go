package main

import (
	"context"
	"database/sql"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mandiant/harbinger-sub002/bus"
	"github.com/mandiant/harbinger-sub002/config"
	"github.com/mandiant/harbinger-sub002/dispatch"
	"github.com/mandiant/harbinger-sub002/engine"
	"github.com/mandiant/harbinger-sub002/errors"
	"github.com/mandiant/harbinger-sub002/gateway"
	"github.com/mandiant/harbinger-sub002/logger"
	"github.com/mandiant/harbinger-sub002/store"
	"github.com/mandiant/harbinger-sub002/workflows"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration core",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		db, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		return store.Migrate(db)
	},
}

func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", cfg.Database.Path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database %s", cfg.Database.Path)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "failed to connect to database %s", cfg.Database.Path)
	}
	return db, nil
}

func serve() error {
	log := logger.Get().Named("harbingerd")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := store.Migrate(db); err != nil {
		return err
	}

	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return errors.Wrap(err, "failed to create docker client")
	}
	defer docker.Close()

	st := store.NewStore(db)
	eventBus := bus.New()

	eng := engine.New(db, engine.Options{
		Workers:      cfg.Engine.Workers,
		PollInterval: time.Duration(cfg.Engine.PollIntervalSeconds) * time.Second,
	})

	deps := &workflows.Deps{
		Store:  st,
		Bus:    eventBus,
		Engine: eng,
		Docker: docker,
		DB:     db,
		Config: cfg,
	}
	if err := deps.Register(eng); err != nil {
		return err
	}

	eng.ScheduleCron(workflows.WorkflowReconcile, workflows.QueueSystem,
		time.Duration(cfg.Reconcile.IntervalSeconds)*time.Second)

	dispatcher := dispatch.New(st, eng)
	sessions := gateway.NewSessions(cfg.Server.SessionExpiryHours)
	gw := gateway.New(cfg, eventBus, sessions, st, dispatcher)
	changefeed := gateway.NewChangefeed(db, eventBus)

	// Bootstrap token for tooling; the surrounding application issues its
	// own sessions through the same store.
	token, err := sessions.Create()
	if err != nil {
		return err
	}
	log.Infow("Bootstrap session created", "token", token)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(ctx) })
	g.Go(func() error { return gw.Run(ctx) })
	g.Go(func() error { return changefeed.Run(ctx) })
	g.Go(func() error {
		sessions.Sweep(ctx)
		return nil
	})

	log.Infow("Harbinger orchestration core started",
		"port", cfg.Server.Port,
		"exec_pools", cfg.Engine.ExecPools,
		"backends", cfg.Backend.IDs)

	err = g.Wait()
	log.Infow("Harbinger orchestration core stopped")
	return err
}
