package postgres

import (
	"fmt"
	"time"

	"github.com/parleyhq/parley/internal/models"
	"github.com/parleyhq/parley/internal/store"
)

// JobStoreConfig holds job-specific configuration for the PostgreSQL job
// store. Connection pooling is handled separately via PoolConfig.
type JobStoreConfig struct {
	// Queues is the set of known queues and their policies. Required.
	Queues models.QueueSet

	// AutoMigrate runs pending schema migrations on startup when true.
	AutoMigrate bool

	// SweepInterval is the cadence of the stall-recovery and retention
	// sweeps. Must be at most the lease duration workers use.
	// Default: 15 seconds
	SweepInterval time.Duration

	// Archiver, when set, receives purged terminal jobs.
	Archiver store.JobArchiver
}

// Validate checks that the configuration is valid.
func (c *JobStoreConfig) Validate() error {
	if len(c.Queues) == 0 {
		return fmt.Errorf("at least one queue is required")
	}
	for name, queue := range c.Queues {
		if err := queue.Validate(); err != nil {
			return fmt.Errorf("queue %s: %w", name, err)
		}
	}
	return nil
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *JobStoreConfig) ApplyDefaults() {
	if c.SweepInterval == 0 {
		c.SweepInterval = 15 * time.Second
	}
}
