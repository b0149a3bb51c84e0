package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/parleyhq/parley/internal/logger"
	"github.com/parleyhq/parley/internal/models"
	"github.com/parleyhq/parley/internal/notify"
	postgresstore "github.com/parleyhq/parley/internal/store/postgres"
	"github.com/parleyhq/parley/internal/tasks"
	"github.com/parleyhq/parley/internal/worker"
)

type WorkerCmd struct {
	LeaseDuration time.Duration `help:"how long each job claim lasts, heartbeats extend it" default:"1m" env:"PARLEY_LEASE_DURATION"`
	WorkerID      string        `help:"worker identity prefix, generated when empty" env:"PARLEY_WORKER_ID"`
	AgentDelay    time.Duration `help:"simulated model latency per agent step" default:"0"`

	Interactive WorkerQueueFlags `embed:"" prefix:"interactive-" envprefix:"PARLEY_INTERACTIVE_"`
	LongRunning WorkerQueueFlags `embed:"" prefix:"long-running-" envprefix:"PARLEY_LONG_RUNNING_"`

	// Store configuration. Standalone workers share state through
	// PostgreSQL; single-process memory-store development uses the
	// server's --with-worker instead.
	ConnString      string        `help:"PostgreSQL connection string" required:"" env:"PARLEY_POSTGRES_CONN_STRING"`
	MaxConns        int32         `help:"maximum number of connections in pool" default:"10"`
	MaxConnLifetime time.Duration `help:"maximum connection lifetime" default:"1h"`

	// Broker configuration
	BrokerType string `help:"notification broker (redis, or none to rely on the polling feed)" default:"redis" env:"PARLEY_BROKER_TYPE" enum:"redis,none"`
	Redis      struct {
		Addr     string `help:"Redis address" default:"localhost:6379" env:"ADDR"`
		Password string `help:"Redis password" env:"PASSWORD"`
		DB       int    `help:"Redis logical database" default:"0" env:"DB"`
	} `embed:"" prefix:"redis-" envprefix:"PARLEY_REDIS_"`
}

// WorkerQueueFlags overrides one queue's processing policy; zero fields
// keep the built-in defaults.
type WorkerQueueFlags struct {
	Concurrency int           `help:"number of concurrent lease-loops" env:"CONCURRENCY"`
	MaxAttempts int           `help:"maximum processing attempts, counting stalls" env:"MAX_ATTEMPTS"`
	BackoffBase time.Duration `help:"exponential retry backoff base" env:"BACKOFF_BASE"`
}

func (f WorkerQueueFlags) apply(cfg models.QueueConfig) models.QueueConfig {
	if f.Concurrency > 0 {
		cfg.Concurrency = f.Concurrency
	}
	if f.MaxAttempts > 0 {
		cfg.MaxAttempts = f.MaxAttempts
	}
	if f.BackoffBase > 0 {
		cfg.BackoffBase = f.BackoffBase
	}
	return cfg
}

func (w *WorkerCmd) Run(ctx context.Context, globals *Globals) error {
	log.Logger = logger.Setup(globals.Debug)

	log.Info().Str("version", globals.Version).Msg("Worker starting")

	queues, err := w.buildQueues()
	if err != nil {
		return err
	}

	pool, err := postgresstore.NewPool(ctx, &postgresstore.PoolConfig{
		ConnString:      w.ConnString,
		MaxConns:        w.MaxConns,
		MaxConnLifetime: w.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()

	// The server process owns the stall and retention sweeps, so the
	// store here is not started.
	jobStore, err := postgresstore.NewJobStore(ctx, pool, &postgresstore.JobStoreConfig{
		Queues: queues,
	})
	if err != nil {
		return fmt.Errorf("failed to create job store: %w", err)
	}
	messageStore := postgresstore.NewMessageStore(pool)

	var publisher notify.Publisher
	switch w.BrokerType {
	case "redis":
		broker, err := notify.NewRedisBroker(ctx, notify.RedisBrokerConfig{
			Addr:     w.Redis.Addr,
			Password: w.Redis.Password,
			DB:       w.Redis.DB,
		})
		if err != nil {
			return fmt.Errorf("failed to create redis broker: %w", err)
		}
		defer func() {
			if err := broker.Close(); err != nil {
				log.Error().Err(err).Msg("Failed to close broker")
			}
		}()
		publisher = broker
	default:
		// Events go nowhere; clients converge through the polling feed.
		log.Warn().Msg("No notification broker configured, clients rely on polling")
		publisher = notify.NoopPublisher{}
	}

	workers, err := worker.NewPool(jobStore, publisher, worker.PoolConfig{
		Queues:        queues,
		LeaseDuration: w.LeaseDuration,
		WorkerID:      w.WorkerID,
	})
	if err != nil {
		return err
	}

	agent := &tasks.CannedAgent{StepDelay: w.AgentDelay}
	if err := workers.Register(models.QueueInteractive, tasks.NewReplyHandler(messageStore, agent, publisher)); err != nil {
		return err
	}
	if err := workers.Register(models.QueueLongRunning, tasks.NewResearchHandler(messageStore, agent, publisher)); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := workers.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()

	log.Info().Msg("Draining in-flight jobs")
	workers.Stop()

	return nil
}

func (w *WorkerCmd) buildQueues() (models.QueueSet, error) {
	var configs []models.QueueConfig
	for _, cfg := range models.DefaultQueues() {
		switch cfg.Name {
		case models.QueueInteractive:
			configs = append(configs, w.Interactive.apply(cfg))
		case models.QueueLongRunning:
			configs = append(configs, w.LongRunning.apply(cfg))
		}
	}
	return models.NewQueueSet(configs...)
}
