package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/parleyhq/parley/internal/client"
	"github.com/parleyhq/parley/internal/models"
	"github.com/parleyhq/parley/internal/tasks"
)

// JobConfig is the YAML/JSON payload file shape.
type JobConfig struct {
	Queue          string `yaml:"queue" json:"queue"`
	ConversationID string `yaml:"conversationId" json:"conversationId"`
	UserID         string `yaml:"userId" json:"userId"`
	Question       string `yaml:"question" json:"question"`
	RequestID      string `yaml:"requestId" json:"requestId"`
}

type EnqueueCmd struct {
	Server         string        `help:"Server URL" default:"http://localhost:8080" env:"PARLEY_SERVER"`
	Queue          string        `help:"Queue name" default:"interactive"`
	ConversationID string        `help:"Conversation the job belongs to"`
	UserID         string        `help:"User id recorded on the conversation"`
	Question       string        `arg:"" optional:"" help:"Question text"`
	RequestID      string        `help:"Idempotency key, resubmitting the same key returns the original job"`
	Config         string        `help:"YAML/JSON payload file path"`
	Wait           bool          `help:"Poll until the job reaches a terminal state" default:"false"`
	Timeout        time.Duration `help:"How long --wait polls before giving up" default:"5m"`
}

func (e *EnqueueCmd) Run(ctx context.Context, globals *Globals) error {
	// Load config from file if provided
	if e.Config != "" {
		if err := e.loadConfigFile(); err != nil {
			return fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if e.Question == "" {
		return fmt.Errorf("a question is required (positional argument or --config file)")
	}
	if e.ConversationID == "" {
		e.ConversationID = uuid.Must(uuid.NewV7()).String()
		fmt.Printf("Starting new conversation %s\n", e.ConversationID)
	}

	payload, err := json.Marshal(tasks.TaskPayload{
		ConversationID: e.ConversationID,
		UserID:         e.UserID,
		Question:       e.Question,
	})
	if err != nil {
		return err
	}

	api, err := client.New(client.Config{ServerURL: e.Server})
	if err != nil {
		return err
	}

	receipt, err := api.EnqueueJob(ctx, client.EnqueueJobRequest{
		Queue:     e.Queue,
		Payload:   payload,
		RequestID: e.RequestID,
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	fmt.Printf("Job %s enqueued on %q (state: %s)\n", receipt.JobID, e.Queue, receipt.State)

	if !e.Wait {
		return nil
	}

	return e.waitForJob(ctx, api, receipt.JobID)
}

// waitForJob polls the status read API until the job is terminal. The
// read is idempotent, so polling is safe at any rate.
func (e *EnqueueCmd) waitForJob(ctx context.Context, api *client.Client, jobID string) error {
	ctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("gave up waiting for job %s: %w", jobID, ctx.Err())
		case <-ticker.C:
		}

		job, err := api.GetJob(ctx, jobID)
		if err != nil {
			return fmt.Errorf("failed to get job: %w", err)
		}
		if !job.State.Terminal() {
			continue
		}

		fmt.Printf("Job %s finished: state=%s attempts=%d/%d\n", job.ID, job.State, job.Attempts, job.MaxAttempts)
		if job.State == models.JobStateFailed {
			return fmt.Errorf("job failed: %s", job.FailedReason)
		}
		if len(job.Result) > 0 {
			fmt.Println(string(job.Result))
		}
		return nil
	}
}

func (e *EnqueueCmd) loadConfigFile() error {
	data, err := os.ReadFile(e.Config)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var config JobConfig

	// Determine file format by extension
	if strings.HasSuffix(strings.ToLower(e.Config), ".json") {
		if err := json.Unmarshal(data, &config); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	} else {
		// Default to YAML
		if err := yaml.Unmarshal(data, &config); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	// Config file takes precedence over flags
	if config.Queue != "" {
		e.Queue = config.Queue
	}
	if config.ConversationID != "" {
		e.ConversationID = config.ConversationID
	}
	if config.UserID != "" {
		e.UserID = config.UserID
	}
	if config.Question != "" {
		e.Question = config.Question
	}
	if config.RequestID != "" {
		e.RequestID = config.RequestID
	}

	return nil
}
