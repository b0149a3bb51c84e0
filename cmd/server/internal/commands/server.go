package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/parleyhq/parley/internal/auth"
	"github.com/parleyhq/parley/internal/gateway"
	httpmiddleware "github.com/parleyhq/parley/internal/http"
	"github.com/parleyhq/parley/internal/logger"
	"github.com/parleyhq/parley/internal/models"
	"github.com/parleyhq/parley/internal/notify"
	"github.com/parleyhq/parley/internal/server"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/store/archive"
	memorystore "github.com/parleyhq/parley/internal/store/memory"
	postgresstore "github.com/parleyhq/parley/internal/store/postgres"
	"github.com/parleyhq/parley/internal/tasks"
	"github.com/parleyhq/parley/internal/telemetry"
	"github.com/parleyhq/parley/internal/worker"
)

type ServerCmd struct {
	// Server configuration
	Listen      string   `help:"HTTP server listen address" default:"0.0.0.0:8080" env:"PARLEY_LISTEN"`
	CORSOrigins []string `help:"allowed CORS origins for API requests" default:"*" env:"PARLEY_CORS_ORIGINS"`

	// Gateway authentication
	NoAuth        bool   `help:"trust gateway credentials as user ids without verification (development only)" default:"false" env:"PARLEY_NO_AUTH"`
	AuthPublicKey string `help:"path to the PEM-encoded ECDSA public key for gateway token verification" env:"PARLEY_AUTH_PUBLIC_KEY"`

	// Processing configuration
	LeaseDuration     time.Duration `help:"how long a worker lease lasts before a job counts as stalled" default:"1m" env:"PARLEY_LEASE_DURATION"`
	SweepInterval     time.Duration `help:"cadence of the stall-recovery and retention sweeps" default:"15s" env:"PARLEY_SWEEP_INTERVAL"`
	HeartbeatInterval time.Duration `help:"WebSocket heartbeat interval" default:"30s" env:"PARLEY_HEARTBEAT_INTERVAL"`

	// Queue policy overrides (defaults per queue when unset)
	Interactive QueueFlags `embed:"" prefix:"interactive-" envprefix:"PARLEY_INTERACTIVE_"`
	LongRunning QueueFlags `embed:"" prefix:"long-running-" envprefix:"PARLEY_LONG_RUNNING_"`

	// Store configuration
	StoreType     string             `help:"store type (memory or postgres)" default:"memory" env:"PARLEY_STORE_TYPE" enum:"memory,postgres"`
	PostgresStore PostgresStoreFlags `embed:"" prefix:"postgres-" envprefix:"PARLEY_POSTGRES_"`

	// Broker configuration
	BrokerType string     `help:"notification broker (memory or redis)" default:"memory" env:"PARLEY_BROKER_TYPE" enum:"memory,redis"`
	Redis      RedisFlags `embed:"" prefix:"redis-" envprefix:"PARLEY_REDIS_"`

	// Retention archive
	ArchiveDir           string `help:"directory for purged-job archive segments, empty disables archiving" env:"PARLEY_ARCHIVE_DIR"`
	ArchiveRetentionDays int    `help:"days archive segments are kept" default:"30" env:"PARLEY_ARCHIVE_RETENTION_DAYS"`

	// Development and operational modes
	WithWorker bool `help:"run an embedded worker pool (single-process development)" default:"false" env:"PARLEY_WITH_WORKER"`
	Tracing    bool `help:"enable tracing" default:"false" env:"PARLEY_TRACING"`
}

// QueueFlags overrides one queue's policy; zero fields keep the queue's
// built-in defaults.
type QueueFlags struct {
	Concurrency  int           `help:"number of concurrent lease-loops" env:"CONCURRENCY"`
	MaxAttempts  int           `help:"maximum processing attempts, counting stalls" env:"MAX_ATTEMPTS"`
	BackoffBase  time.Duration `help:"exponential retry backoff base" env:"BACKOFF_BASE"`
	CompletedTTL time.Duration `help:"retention window for completed jobs" env:"COMPLETED_TTL"`
	FailedTTL    time.Duration `help:"retention window for failed jobs" env:"FAILED_TTL"`
}

func (f QueueFlags) apply(cfg models.QueueConfig) models.QueueConfig {
	if f.Concurrency > 0 {
		cfg.Concurrency = f.Concurrency
	}
	if f.MaxAttempts > 0 {
		cfg.MaxAttempts = f.MaxAttempts
	}
	if f.BackoffBase > 0 {
		cfg.BackoffBase = f.BackoffBase
	}
	if f.CompletedTTL > 0 {
		cfg.CompletedTTL = f.CompletedTTL
	}
	if f.FailedTTL > 0 {
		cfg.FailedTTL = f.FailedTTL
	}
	return cfg
}

type PostgresStoreFlags struct {
	// Connection Configuration
	ConnString string `help:"PostgreSQL connection string" env:"CONN_STRING"`

	// Connection Pool Configuration
	MaxConns        int32         `help:"maximum number of connections in pool" default:"20"`
	MinConns        int32         `help:"minimum number of connections to keep open" default:"5"`
	MaxConnLifetime time.Duration `help:"maximum connection lifetime" default:"1h"`
	MaxConnIdleTime time.Duration `help:"maximum connection idle time" default:"30m"`

	// Migration Configuration
	AutoMigrate bool `help:"run database migrations on startup" default:"false" env:"AUTO_MIGRATE"`
}

func (s *PostgresStoreFlags) poolConfig() *postgresstore.PoolConfig {
	return &postgresstore.PoolConfig{
		ConnString:      s.ConnString,
		MaxConns:        s.MaxConns,
		MinConns:        s.MinConns,
		MaxConnLifetime: s.MaxConnLifetime,
		MaxConnIdleTime: s.MaxConnIdleTime,
	}
}

type RedisFlags struct {
	Addr     string `help:"Redis address" default:"localhost:6379" env:"ADDR"`
	Password string `help:"Redis password" env:"PASSWORD"`
	DB       int    `help:"Redis logical database" default:"0" env:"DB"`
}

func (c *ServerCmd) Run(ctx context.Context, globals *Globals) error {
	log.Logger = logger.Setup(globals.Debug)

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting server")

	// Setup telemetry if enabled
	if c.Tracing {
		log.Info().Msg("Tracing is enabled")
		shutdown, err := telemetry.InitTelemetry(ctx, "parley-server", globals.Version)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
			shutdown = func(ctx context.Context) error { return nil }
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shutdown telemetry")
			}
		}()
	}

	queues, err := buildQueues(c.Interactive, c.LongRunning)
	if err != nil {
		return err
	}

	// Archive purged jobs when a directory is configured
	var archiver store.JobArchiver
	if c.ArchiveDir != "" {
		jobArchive, err := archive.New(archive.Config{
			Dir:           c.ArchiveDir,
			RetentionDays: c.ArchiveRetentionDays,
		})
		if err != nil {
			return fmt.Errorf("failed to create job archive: %w", err)
		}
		archiver = jobArchive
		log.Info().Str("dir", c.ArchiveDir).Msg("Job archiving enabled")
	}

	// Create stores based on store type
	var (
		jobStore     store.JobStore
		messageStore store.MessageStore
	)

	switch c.StoreType {
	case "postgres":
		// Shared connection pool for the job and message stores
		pool, err := postgresstore.NewPool(ctx, c.PostgresStore.poolConfig())
		if err != nil {
			return fmt.Errorf("failed to create connection pool: %w", err)
		}
		defer pool.Close()

		jobStore, err = postgresstore.NewJobStore(ctx, pool, &postgresstore.JobStoreConfig{
			Queues:        queues,
			AutoMigrate:   c.PostgresStore.AutoMigrate,
			SweepInterval: c.SweepInterval,
			Archiver:      archiver,
		})
		if err != nil {
			return fmt.Errorf("failed to create job store: %w", err)
		}
		messageStore = postgresstore.NewMessageStore(pool)

		log.Info().Msg("Using PostgreSQL stores with shared connection pool")

	default:
		jobStore = memorystore.NewJobStore(&memorystore.JobStoreConfig{
			Queues:        queues,
			SweepInterval: c.SweepInterval,
			Archiver:      archiver,
		})
		messageStore = memorystore.NewMessageStore()

		log.Info().Msg("Using in-memory stores")
	}

	if err := jobStore.Start(); err != nil {
		return err
	}
	defer func() {
		if err := jobStore.Stop(); err != nil {
			log.Error().Err(err).Msg("Failed to stop job store")
		}
	}()

	// Create the notification broker
	var broker notify.Broker
	switch c.BrokerType {
	case "redis":
		broker, err = notify.NewRedisBroker(ctx, notify.RedisBrokerConfig{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		})
		if err != nil {
			return fmt.Errorf("failed to create redis broker: %w", err)
		}
		log.Info().Msg("Using Redis notification broker")
	default:
		broker = notify.NewMemoryBroker()
		log.Info().Msg("Using in-memory notification broker")
	}
	defer func() {
		if err := broker.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close broker")
		}
	}()

	// Gateway credential verification
	var verifier auth.Verifier
	if c.NoAuth {
		log.Warn().Msg("Gateway authentication is disabled (--no-auth). This should only be used in development!")
		verifier = auth.PassthroughVerifier{}
	} else {
		if c.AuthPublicKey == "" {
			return errors.New("auth public key is required (--auth-public-key or PARLEY_AUTH_PUBLIC_KEY, or --no-auth for development)")
		}
		pem, err := os.ReadFile(c.AuthPublicKey)
		if err != nil {
			return fmt.Errorf("failed to read auth public key: %w", err)
		}
		verifier, err = auth.NewJWTVerifier(string(pem))
		if err != nil {
			return fmt.Errorf("failed to create JWT verifier: %w", err)
		}
	}

	gw := gateway.New(gateway.Config{
		Verifier:          verifier,
		Broker:            broker,
		HeartbeatInterval: c.HeartbeatInterval,
	})
	defer gw.Close()

	// Embedded worker pool for single-process development
	if c.WithWorker {
		pool, err := newWorkerPool(jobStore, messageStore, broker, queues, c.LeaseDuration)
		if err != nil {
			return err
		}
		if err := pool.Start(ctx); err != nil {
			return err
		}
		defer pool.Stop()
		log.Info().Msg("Embedded worker pool started")
	}

	srv := server.NewServer(jobStore, messageStore).WithGateway(gw)

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: c.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Authorization", "Content-Type", "If-None-Match"},
		ExposedHeaders: []string{"ETag"},
	})

	handler := httpmiddleware.ClientIP()(
		logger.HTTPRequests(log.Logger)(
			corsMiddleware.Handler(srv.Handler())))

	httpServer := configureHTTPServer(c.Listen, handler)

	// Serve until interrupted, then drain
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	log.Info().Str("addr", c.Listen).Bool("auth", !c.NoAuth).Msg("Starting HTTP server")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	return nil
}

// buildQueues applies flag overrides on top of the stock queue policies.
func buildQueues(interactive, longRunning QueueFlags) (models.QueueSet, error) {
	var configs []models.QueueConfig
	for _, cfg := range models.DefaultQueues() {
		switch cfg.Name {
		case models.QueueInteractive:
			configs = append(configs, interactive.apply(cfg))
		case models.QueueLongRunning:
			configs = append(configs, longRunning.apply(cfg))
		}
	}
	return models.NewQueueSet(configs...)
}

// newWorkerPool wires the chat-reply and research handlers onto a pool.
// Shared by the embedded worker here and the standalone worker command.
func newWorkerPool(jobStore store.JobStore, messageStore store.MessageStore, broker notify.Publisher, queues models.QueueSet, leaseDuration time.Duration) (*worker.Pool, error) {
	pool, err := worker.NewPool(jobStore, broker, worker.PoolConfig{
		Queues:        queues,
		LeaseDuration: leaseDuration,
	})
	if err != nil {
		return nil, err
	}

	agent := &tasks.CannedAgent{}
	if err := pool.Register(models.QueueInteractive, tasks.NewReplyHandler(messageStore, agent, broker)); err != nil {
		return nil, err
	}
	if err := pool.Register(models.QueueLongRunning, tasks.NewResearchHandler(messageStore, agent, broker)); err != nil {
		return nil, err
	}

	return pool, nil
}
