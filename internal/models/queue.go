package models

import (
	"fmt"
	"time"
)

// Queue names are a small fixed set. Interactive carries chat replies the
// user is actively waiting on; long-running carries multi-step research
// jobs that may take minutes.
const (
	QueueInteractive = "interactive"
	QueueLongRunning = "long-running"
)

// QueueConfig holds the per-queue processing policy.
type QueueConfig struct {
	// Name identifies the queue. Enqueue rejects names outside the
	// configured set.
	Name string

	// Concurrency is the number of lease-loops a worker process runs for
	// this queue.
	Concurrency int

	// MaxAttempts bounds processing attempts, counting stalls.
	MaxAttempts int

	// BackoffBase seeds the exponential retry delay:
	// delay = BackoffBase * 2^(attempts-1).
	BackoffBase time.Duration

	// CompletedTTL is how long completed jobs are retained before the
	// purge sweep deletes them.
	CompletedTTL time.Duration

	// FailedTTL is how long failed jobs are retained. Kept longer than
	// CompletedTTL to aid debugging.
	FailedTTL time.Duration
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *QueueConfig) ApplyDefaults() {
	if c.Concurrency == 0 {
		c.Concurrency = 2
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = time.Second
	}
	if c.CompletedTTL == 0 {
		c.CompletedTTL = time.Hour
	}
	if c.FailedTTL == 0 {
		c.FailedTTL = 24 * time.Hour
	}
}

// Validate checks that the configuration is valid.
func (c *QueueConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("queue name is required")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("queue %s: concurrency must be at least 1", c.Name)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("queue %s: max attempts must be at least 1", c.Name)
	}
	if c.BackoffBase <= 0 {
		return fmt.Errorf("queue %s: backoff base must be positive", c.Name)
	}
	return nil
}

// BackoffDelay returns the retry delay after the given number of completed
// attempts. Attempt 1 waits the base, attempt 2 twice the base, and so on.
func (c *QueueConfig) BackoffDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := c.BackoffBase
	for i := 1; i < attempts; i++ {
		delay *= 2
	}
	return delay
}

// QueueSet maps queue names to their policies. It is built once at process
// start and shared read-only by the store, workers, and API.
type QueueSet map[string]QueueConfig

// NewQueueSet validates the given configs, applies defaults, and indexes
// them by name.
func NewQueueSet(configs ...QueueConfig) (QueueSet, error) {
	if len(configs) == 0 {
		return nil, fmt.Errorf("at least one queue is required")
	}

	set := make(QueueSet, len(configs))
	for _, cfg := range configs {
		cfg.ApplyDefaults()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		if _, exists := set[cfg.Name]; exists {
			return nil, fmt.Errorf("duplicate queue %s", cfg.Name)
		}
		set[cfg.Name] = cfg
	}
	return set, nil
}

// Get returns the policy for a queue name.
func (q QueueSet) Get(name string) (QueueConfig, bool) {
	cfg, ok := q[name]
	return cfg, ok
}

// Names returns the configured queue names.
func (q QueueSet) Names() []string {
	names := make([]string, 0, len(q))
	for name := range q {
		names = append(names, name)
	}
	return names
}

// DefaultQueues returns the stock two-queue setup: fast retries and short
// retention for interactive chat replies, slower retries and longer
// retention for long-running research jobs.
func DefaultQueues() []QueueConfig {
	return []QueueConfig{
		{
			Name:         QueueInteractive,
			Concurrency:  4,
			MaxAttempts:  3,
			BackoffBase:  time.Second,
			CompletedTTL: time.Hour,
			FailedTTL:    24 * time.Hour,
		},
		{
			Name:         QueueLongRunning,
			Concurrency:  2,
			MaxAttempts:  3,
			BackoffBase:  5 * time.Second,
			CompletedTTL: 24 * time.Hour,
			FailedTTL:    72 * time.Hour,
		},
	}
}
