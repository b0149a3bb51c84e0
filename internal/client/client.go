// Package client is the HTTP client for the parley API. The reconciler's
// polling feed, the CLI, and the integration tests all go through it.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/parleyhq/parley/internal/models"
)

// ErrNotFound is returned when the server answers 404 for a fetch.
var ErrNotFound = errors.New("not found")

// Config holds common client configuration
type Config struct {
	// ServerURL is the API root, e.g. http://localhost:8080.
	ServerURL string

	// Timeout bounds each request. Defaults to 30 seconds.
	Timeout time.Duration

	// CacheDir backs the conditional-GET cache with disk storage so 304
	// revalidation survives restarts. Empty keeps the cache in memory.
	CacheDir string
}

// DefaultConfig returns a default client configuration
func DefaultConfig() Config {
	return Config{
		ServerURL: "http://localhost:8080",
		Timeout:   30 * time.Second,
	}
}

// Client calls the parley HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Client. Reads go through a revalidating cache, so polling
// an unchanged conversation costs a 304 instead of a full body.
func New(config Config) (*Client, error) {
	if config.ServerURL == "" {
		return nil, errors.New("server URL is required")
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	httpClient := NewCachingHTTPClient(config.CacheDir)
	httpClient.Timeout = timeout

	return &Client{
		baseURL: strings.TrimRight(config.ServerURL, "/"),
		http:    httpClient,
	}, nil
}

// EnqueueJobRequest is the POST /api/v1/jobs body.
type EnqueueJobRequest struct {
	Queue     string          `json:"queue"`
	Payload   json.RawMessage `json:"payload"`
	RequestID string          `json:"requestId,omitempty"`
}

// EnqueueJobResponse is the accepted-job receipt.
type EnqueueJobResponse struct {
	JobID     string          `json:"jobId"`
	State     models.JobState `json:"state"`
	CreatedAt time.Time       `json:"createdAt"`
}

// EnqueueJob submits a job and returns its receipt.
func (c *Client) EnqueueJob(ctx context.Context, req EnqueueJobRequest) (*EnqueueJobResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode enqueue request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/jobs", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return nil, apiError(resp)
	}

	var receipt EnqueueJobResponse
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		return nil, fmt.Errorf("failed to decode enqueue response: %w", err)
	}

	return &receipt, nil
}

// GetJob returns a job status record.
func (c *Client) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	if err := c.get(ctx, "/api/v1/jobs/"+url.PathEscape(jobID), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobsRequest filters the job listing. Zero values mean no filter.
type ListJobsRequest struct {
	Queue string
	State models.JobState
	Limit int
}

// ListJobs returns job records matching the filter, newest first.
func (c *Client) ListJobs(ctx context.Context, req ListJobsRequest) ([]*models.Job, error) {
	query := url.Values{}
	if req.Queue != "" {
		query.Set("queue", req.Queue)
	}
	if req.State != "" {
		query.Set("state", string(req.State))
	}
	if req.Limit > 0 {
		query.Set("limit", strconv.Itoa(req.Limit))
	}

	path := "/api/v1/jobs"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var jobs []*models.Job
	if err := c.get(ctx, path, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// GetConversation returns a conversation state record.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (*models.Conversation, error) {
	var conv models.Conversation
	if err := c.get(ctx, "/api/v1/conversations/"+url.PathEscape(conversationID), &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// ListMessages returns a conversation's messages ordered by creation.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]*models.Message, error) {
	var messages []*models.Message
	if err := c.get(ctx, "/api/v1/conversations/"+url.PathEscape(conversationID)+"/messages", &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// GetMessage returns a single message.
func (c *Client) GetMessage(ctx context.Context, messageID string) (*models.Message, error) {
	var msg models.Message
	if err := c.get(ctx, "/api/v1/messages/"+url.PathEscape(messageID), &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	default:
		return apiError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response for %s: %w", path, err)
	}

	return nil
}

func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))

	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, payload.Error)
	}

	return fmt.Errorf("server returned %d", resp.StatusCode)
}
