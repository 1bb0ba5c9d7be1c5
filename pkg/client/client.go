// Package client provides a Go SDK for the Task Queue API, built directly
// on net/http and the WebSocket client in this package. See doc.go for
// usage.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/maumercado/credqueue/internal/queue"
	"github.com/maumercado/credqueue/internal/task"
	"github.com/maumercado/credqueue/internal/worker"
)

// TaskResponse is the shape returned for a single task.
type TaskResponse = task.TaskResponse

// CreateTaskRequest is the shape accepted when submitting a new task.
type CreateTaskRequest = task.CreateTaskRequest

// WorkerInfo describes an active worker.
type WorkerInfo = worker.WorkerInfo

// DLQEntry describes a task parked in the dead letter queue.
type DLQEntry = queue.DLQEntry

// HealthResponse reports the health of the API server and its Redis
// connection.
type HealthResponse struct {
	Status string `json:"status"`
	Redis  string `json:"redis"`
	Error  string `json:"error,omitempty"`
}

// WorkerListResponse wraps the active worker roster.
type WorkerListResponse struct {
	Workers []WorkerInfo `json:"workers"`
	Count   int          `json:"count"`
}

// QueueStats reports pending task counts by queue.
type QueueStats struct {
	Queues     map[string]interface{} `json:"queues"`
	TotalDepth int64                  `json:"total_depth"`
}

// DLQListResponse wraps the dead letter queue listing.
type DLQListResponse struct {
	Entries []DLQEntry `json:"entries"`
	Size    int64      `json:"size"`
}

// RetryDLQRequest selects which dead-lettered tasks to retry.
type RetryDLQRequest struct {
	TaskID    string `json:"task_id,omitempty"`
	RetryAll  bool   `json:"retry_all,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

// CoordinatorStatusResponse reports the credential coordinator's state.
type CoordinatorStatusResponse struct {
	Version        uint64 `json:"version"`
	IsRefreshing   bool   `json:"is_refreshing"`
	WaitersParked  int    `json:"waiters_parked"`
	HasDependency  bool   `json:"has_dependency"`
	RefreshAttempt uint32 `json:"refresh_attempt"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// TaskQueueClient is a thin, typed wrapper over the Task Queue HTTP API
// plus a WebSocket client for real-time events.
type TaskQueueClient struct {
	baseURL    string
	httpClient *http.Client
	opts       *options
	ws         *WebSocketClient
}

// New creates a new TaskQueueClient.
func New(baseURL string, opts ...Option) (*TaskQueueClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	baseURL = strings.TrimSuffix(baseURL, "/")

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	return &TaskQueueClient{
		baseURL:    baseURL,
		httpClient: o.httpClient,
		opts:       o,
	}, nil
}

// ConnectWebSocket establishes a WebSocket connection for real-time events.
func (c *TaskQueueClient) ConnectWebSocket(ctx context.Context) error {
	if c.ws != nil && c.ws.IsConnected() {
		return nil
	}
	c.ws = newWebSocketClient(c.baseURL, c.opts.apiKey)
	return c.ws.Connect(ctx)
}

// Events returns a channel that receives WebSocket events.
// Must call ConnectWebSocket first.
func (c *TaskQueueClient) Events() <-chan *Event {
	if c.ws == nil {
		ch := make(chan *Event)
		close(ch)
		return ch
	}
	return c.ws.Events()
}

// CloseWebSocket closes the WebSocket connection.
func (c *TaskQueueClient) CloseWebSocket() error {
	if c.ws == nil {
		return nil
	}
	return c.ws.Close()
}

// SubscribeEvents subscribes to specific event types.
func (c *TaskQueueClient) SubscribeEvents(eventTypes ...EventType) error {
	if c.ws == nil {
		return fmt.Errorf("websocket not connected")
	}
	return c.ws.Subscribe(eventTypes...)
}

// SubscribeCredentialEvents subscribes to credential.refreshed and
// credential.refresh_failed events only. Must call ConnectWebSocket first.
func (c *TaskQueueClient) SubscribeCredentialEvents() error {
	if c.ws == nil {
		return fmt.Errorf("websocket not connected")
	}
	return c.ws.SubscribeCredentialEvents()
}

// do issues an HTTP request against the API and decodes a JSON response
// into out (skipped when out is nil). On a non-2xx status it attempts to
// decode a structured errorResponse before falling back to a generic error.
func (c *TaskQueueClient) do(ctx context.Context, method, path string, body, out interface{}) (int, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.opts.applyHeaders()(ctx, req); err != nil {
		return 0, fmt.Errorf("failed to apply request headers: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp errorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil && errResp.Message != "" {
			return resp.StatusCode, fmt.Errorf("%s: %s", errResp.Error, errResp.Message)
		}
		return resp.StatusCode, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	if out == nil {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp.StatusCode, nil
}

// SubmitTask creates a new task and returns the created task.
func (c *TaskQueueClient) SubmitTask(ctx context.Context, req CreateTaskRequest) (*TaskResponse, error) {
	var resp TaskResponse
	if _, err := c.do(ctx, http.MethodPost, "/api/v1/tasks", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetTaskByID retrieves a task by its ID.
func (c *TaskQueueClient) GetTaskByID(ctx context.Context, taskID string) (*TaskResponse, error) {
	var resp TaskResponse
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(taskID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelTaskByID cancels a task by its ID.
func (c *TaskQueueClient) CancelTaskByID(ctx context.Context, taskID string) (*TaskResponse, error) {
	var resp TaskResponse
	if _, err := c.do(ctx, http.MethodDelete, "/api/v1/tasks/"+url.PathEscape(taskID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CheckHealth checks the health of the API server.
func (c *TaskQueueClient) CheckHealth(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	// The health endpoint reports its own degraded status with a non-2xx
	// code; decode the body regardless of status.
	status, err := c.do(ctx, http.MethodGet, "/admin/health", nil, &resp)
	if err != nil && status == 0 {
		return nil, err
	}
	return &resp, nil
}

// ListAllWorkers returns all active workers.
func (c *TaskQueueClient) ListAllWorkers(ctx context.Context) (*WorkerListResponse, error) {
	var resp WorkerListResponse
	if _, err := c.do(ctx, http.MethodGet, "/admin/workers", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PauseWorkerByID pauses a worker.
func (c *TaskQueueClient) PauseWorkerByID(ctx context.Context, workerID string) error {
	_, err := c.do(ctx, http.MethodPost, "/admin/workers/"+url.PathEscape(workerID)+"/pause", nil, nil)
	return err
}

// ResumeWorkerByID resumes a paused worker.
func (c *TaskQueueClient) ResumeWorkerByID(ctx context.Context, workerID string) error {
	_, err := c.do(ctx, http.MethodPost, "/admin/workers/"+url.PathEscape(workerID)+"/resume", nil, nil)
	return err
}

// GetQueueStatistics returns the current queue depths.
func (c *TaskQueueClient) GetQueueStatistics(ctx context.Context) (*QueueStats, error) {
	var resp QueueStats
	if _, err := c.do(ctx, http.MethodGet, "/admin/queues", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetDLQEntries returns all entries in the dead letter queue.
func (c *TaskQueueClient) GetDLQEntries(ctx context.Context) (*DLQListResponse, error) {
	var resp DLQListResponse
	if _, err := c.do(ctx, http.MethodGet, "/admin/dlq", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RetryDLQTask retries a specific task from the DLQ.
func (c *TaskQueueClient) RetryDLQTask(ctx context.Context, taskID string) error {
	_, err := c.do(ctx, http.MethodPost, "/admin/dlq/retry", RetryDLQRequest{TaskID: taskID}, nil)
	return err
}

// RetryAllDLQTasks retries all tasks in the DLQ.
func (c *TaskQueueClient) RetryAllDLQTasks(ctx context.Context) (int, error) {
	var resp struct {
		RetriedCount int `json:"retried_count"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/admin/dlq/retry", RetryDLQRequest{RetryAll: true}, &resp); err != nil {
		return 0, err
	}
	return resp.RetriedCount, nil
}

// ClearDLQAll clears all entries from the dead letter queue.
func (c *TaskQueueClient) ClearDLQAll(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodDelete, "/admin/dlq", nil, nil)
	return err
}

// GetCoordinatorStatus reports the status of the credential coordinator
// gating credentialed task handlers. Returns an error if no OAuth
// dependency is configured on the server.
func (c *TaskQueueClient) GetCoordinatorStatus(ctx context.Context) (*CoordinatorStatusResponse, error) {
	var resp CoordinatorStatusResponse
	if _, err := c.do(ctx, http.MethodGet, "/admin/coordinator", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// InvalidateCoordinatorDependency drops the coordinator's current
// dependency, forcing the next credentialed call to trigger a refresh.
func (c *TaskQueueClient) InvalidateCoordinatorDependency(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/admin/coordinator/invalidate", nil, nil)
	return err
}
