package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/parleyhq/parley/internal/client"
	"github.com/parleyhq/parley/internal/models"
)

type ListCmd struct {
	Server string `help:"Server URL" default:"http://localhost:8080" env:"PARLEY_SERVER"`
	Queue  string `help:"Queue name to filter by" default:""`
	State  string `help:"Job state to filter by (waiting, active, completed, failed, delayed)" default:""`
	Limit  int    `help:"Maximum number of jobs to list" default:"20"`
	Watch  bool   `help:"Watch for changes (refresh every 5 seconds)" default:"false"`
}

func (l *ListCmd) Run(ctx context.Context, globals *Globals) error {
	api, err := client.New(client.Config{ServerURL: l.Server})
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	if l.Watch {
		return l.watchJobs(ctx, api)
	}

	return l.listJobs(ctx, api)
}

func (l *ListCmd) listJobs(ctx context.Context, api *client.Client) error {
	jobs, err := api.ListJobs(ctx, client.ListJobsRequest{
		Queue: l.Queue,
		State: models.JobState(strings.ToLower(l.State)),
		Limit: l.Limit,
	})
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}

	l.printJobs(jobs)
	return nil
}

func (l *ListCmd) watchJobs(ctx context.Context, api *client.Client) error {
	fmt.Println("Watching jobs (press Ctrl+C to stop)...")
	fmt.Println()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	// Print initial state
	if err := l.listJobs(ctx, api); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			// Clear screen and print updated jobs
			fmt.Print("\033[2J\033[H")
			fmt.Printf("Jobs (updated at %s)\n", time.Now().Format("15:04:05"))
			fmt.Println()

			if err := l.listJobs(ctx, api); err != nil {
				fmt.Printf("Error updating job list: %v\n", err)
			}
		}
	}
}

func (l *ListCmd) printJobs(jobs []*models.Job) {
	queueFilter := l.Queue
	if queueFilter == "" {
		queueFilter = "all"
	}

	stateFilter := "all"
	if l.State != "" {
		stateFilter = l.State
	}

	fmt.Printf("Jobs (queue: %s, state: %s):\n", queueFilter, stateFilter)

	if len(jobs) == 0 {
		fmt.Println("No jobs found.")
		return
	}

	fmt.Printf("%-36s %-14s %-10s %-9s %-20s %-30s\n",
		"Job ID", "Queue", "State", "Attempts", "Created At", "Failed Reason")
	fmt.Println(strings.Repeat("─", 125))

	for _, job := range jobs {
		reason := job.FailedReason
		if len(reason) > 30 {
			reason = reason[:27] + "..."
		}

		fmt.Printf("%-36s %-14s %-10s %d/%-7d %-20s %-30s\n",
			job.ID,
			job.Queue,
			job.State,
			job.Attempts,
			job.MaxAttempts,
			job.CreatedAt.Format("2006-01-02 15:04:05"),
			reason)
	}

	fmt.Printf("\nTotal jobs: %d\n", len(jobs))
}
