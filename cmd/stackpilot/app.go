package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/narvanalabs/stackpilot/internal/api/health"
	"github.com/narvanalabs/stackpilot/internal/builder"
	"github.com/narvanalabs/stackpilot/internal/builder/clone"
	"github.com/narvanalabs/stackpilot/internal/changes"
	"github.com/narvanalabs/stackpilot/internal/claim"
	"github.com/narvanalabs/stackpilot/internal/configuration"
	"github.com/narvanalabs/stackpilot/internal/fleet"
	"github.com/narvanalabs/stackpilot/internal/lifecycle"
	"github.com/narvanalabs/stackpilot/internal/manifest"
	"github.com/narvanalabs/stackpilot/internal/metrics"
	"github.com/narvanalabs/stackpilot/internal/orchestrator"
	"github.com/narvanalabs/stackpilot/internal/queue"
	pgqueue "github.com/narvanalabs/stackpilot/internal/queue/postgres"
	"github.com/narvanalabs/stackpilot/internal/secrets"
	"github.com/narvanalabs/stackpilot/internal/shutdown"
	"github.com/narvanalabs/stackpilot/internal/store"
	"github.com/narvanalabs/stackpilot/internal/store/memory"
	pgstore "github.com/narvanalabs/stackpilot/internal/store/postgres"
	"github.com/narvanalabs/stackpilot/pkg/config"
)

// app holds the wired engine shared by serve and worker.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	store   store.Store
	db      *sql.DB
	queue   queue.Queue
	claimer claim.Claimer
	fleet   *fleet.Docker
	cloner  clone.Cloner
	gen     *manifest.Generator
	tracker *lifecycle.Tracker
	orch    *orchestrator.Service

	// closers are released in reverse order.
	closers []namedCloser
}

type namedCloser struct {
	name string
	io.Closer
}

// openStore connects the record store. db is nil for the memory backend.
func openStore(cfg *config.Config, logger *slog.Logger) (store.Store, *sql.DB, error) {
	if cfg.StoreBackend == "memory" {
		logger.Warn("using in-memory store; records are lost on restart")
		return memory.New(), nil, nil
	}

	sealer, err := newSealer(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	st, err := pgstore.NewPostgresStore(pgstore.DefaultConfig(cfg.DatabaseDSN), sealer, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to database: %w", err)
	}
	return st, st.DB(), nil
}

// newSealer seals stored configurations and queued jobs to the configured age
// recipient, or not at all when none is set.
func newSealer(cfg *config.Config, logger *slog.Logger) (secrets.Sealer, error) {
	if cfg.Age.Recipient == "" {
		return secrets.NopSealer{}, nil
	}
	age, err := secrets.NewAgeSealer(cfg.Age.Recipient, cfg.Age.Identity, logger)
	if err != nil {
		return nil, fmt.Errorf("configuring age sealer: %w", err)
	}
	return age, nil
}

// newApp wires every engine component from cfg. On error anything already
// opened is closed.
func newApp(cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	st, db, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.store, a.db = st, db
	a.closers = append(a.closers, namedCloser{"store", st})

	if cfg.QueueBackend == "postgres" {
		sealer, err := newSealer(cfg, logger)
		if err != nil {
			return nil, err
		}
		a.queue = pgqueue.NewPostgresQueue(db, sealer, logger)
	} else {
		a.queue = queue.NewMemoryQueue()
	}

	if cfg.Redis.Addr != "" {
		r, err := claim.NewRedis(claim.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		a.claimer = r
		a.closers = append(a.closers, namedCloser{"redis", r})
	} else {
		a.claimer = claim.NewLocal()
	}

	docker, err := fleet.NewDocker(cfg.Fleet.DockerHost, cfg.Fleet.DockerCLI, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to docker: %w", err)
	}
	a.fleet = docker
	a.closers = append(a.closers, namedCloser{"fleet", docker})

	a.cloner = clone.NewGit(cfg.Worker.GitBinary, cfg.Worker.GitBaseURL, logger)
	a.gen = manifest.NewGenerator(cfg.Fleet.Network, nil)
	a.tracker = lifecycle.NewTracker(st, logger, lifecycle.WithStaleAfter(cfg.Worker.StaleThreshold))
	a.orch = orchestrator.New(orchestrator.Deps{
		Store:          st,
		Normalizer:     configuration.NewNormalizer(cfg.Worker.TmpRoot, nil),
		Cloner:         a.cloner,
		Fleet:          docker,
		Generator:      a.gen,
		Tracker:        a.tracker,
		Queue:          a.queue,
		Claimer:        a.claimer,
		Metrics:        a.metrics,
		Logger:         logger,
		ReservedDomain: cfg.PlatformDomain,
	})
	return a, nil
}

// healthChecks lists the components reported by /health.
func (a *app) healthChecks() map[string]health.Pinger {
	return map[string]health.Pinger{
		"store": a.store,
		"fleet": a.fleet,
	}
}

// newBuildWorker recovers interrupted attempts and returns a worker ready to
// start.
func (a *app) newBuildWorker(ctx context.Context) *builder.Worker {
	result := builder.NewRecoveryService(a.queue, a.tracker, a.logger).RecoverOnStartup(ctx)
	a.metrics.Reconciled(result.Stale)
	if len(result.Errors) > 0 {
		a.logger.Warn("build queue recovery finished with errors", "error", errors.Join(result.Errors...))
	}

	pipeline := builder.NewPipeline(builder.PipelineDeps{
		Cloner:    a.cloner,
		Detector:  changes.NewDetector(a.fleet, fleet.NewProjection(a.fleet, a.logger)),
		Generator: a.gen,
		Fleet:     a.fleet,
		Tracker:   a.tracker,
		Metrics:   a.metrics,
		Logger:    a.logger,
	})
	return builder.NewWorker(&builder.WorkerConfig{
		Concurrency: a.cfg.Worker.Concurrency,
		Timeout:     a.cfg.Worker.BuildTimeout,
	}, a.queue, pipeline, a.tracker, a.logger)
}

// registerClosers hands connection closers to the coordinator. They are
// registered first so they are stopped last.
func (a *app) registerClosers(c *shutdown.Coordinator) {
	for _, nc := range a.closers {
		c.Register(shutdown.Closer(nc.name, nc.Closer))
	}
	a.closers = nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("failed to close component", "component", a.closers[i].name, "error", err)
		}
	}
	a.closers = nil
}
