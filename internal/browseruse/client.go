// Package browseruse is a thin client for the remote browser-automation API
// that executes test runs.
package browseruse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// DefaultBaseURL is the hosted browser-use cloud endpoint.
const DefaultBaseURL = "https://api.browser-use.com"

// TaskStatus is the lifecycle state reported by the remote API.
type TaskStatus string

const (
	TaskCreated  TaskStatus = "created"
	TaskRunning  TaskStatus = "running"
	TaskFinished TaskStatus = "finished"
	TaskFailed   TaskStatus = "failed"
	TaskPaused   TaskStatus = "paused"
	TaskStopped  TaskStatus = "stopped"
)

// Known reports whether the status is part of the documented contract.
// Anything else is a contract violation the caller must treat as fatal.
func (s TaskStatus) Known() bool {
	switch s {
	case TaskCreated, TaskRunning, TaskFinished, TaskFailed, TaskPaused, TaskStopped:
		return true
	}

	return false
}

// TaskStep is one progress step reported by the running task.
type TaskStep struct {
	ID                     string `json:"id"`
	Step                   int    `json:"step"`
	URL                    string `json:"url"`
	EvaluationPreviousGoal string `json:"evaluation_previous_goal"`
}

// Task is the remote task state returned by GetTask.
type Task struct {
	ID             string     `json:"id"`
	Status         TaskStatus `json:"status"`
	LiveURL        *string    `json:"live_url"`
	PublicShareURL *string    `json:"public_share_url"`
	Steps          []TaskStep `json:"steps"`
	Output         *string    `json:"output"`
}

// RunTaskRequest carries the rendered prompt plus the fixed execution options.
type RunTaskRequest struct {
	Task                 string `json:"task"`
	LLMModel             string `json:"llm_model"`
	MaxAgentSteps        int    `json:"max_agent_steps"`
	UseAdblock           bool   `json:"use_adblock"`
	UseProxy             bool   `json:"use_proxy"`
	HighlightElements    bool   `json:"highlight_elements"`
	EnablePublicShare    bool   `json:"enable_public_share"`
	SaveBrowserData      bool   `json:"save_browser_data"`
	StructuredOutputJSON string `json:"structured_output_json"`
}

// TransportError marks a transient condition: the service was unreachable or
// returned no usable body. Callers retry after a backoff instead of aborting
// the run.
type TransportError struct {
	Cause error
}

func (e TransportError) Error() string {
	return fmt.Sprintf("browser task api: %v", e.Cause)
}

func (e TransportError) Unwrap() error {
	return e.Cause
}

type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
}

func New(baseURL, apiKey string, c *http.Client) *Client {
	if c == nil {
		c = http.DefaultClient
	}

	return &Client{http: c, baseURL: baseURL, apiKey: apiKey}
}

// RunTask starts a new remote task and returns its id.
func (c *Client) RunTask(ctx context.Context, r RunTaskRequest) (string, error) {
	var created struct {
		ID string `json:"id"`
	}

	payload, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshaling run task request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/run-task", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	if err = c.do(req, &created); err != nil {
		return "", err
	}

	if created.ID == "" {
		return "", TransportError{Cause: fmt.Errorf("run-task response did not contain a task id")}
	}

	return created.ID, nil
}

// GetTask fetches the current state of a task.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/task/"+taskID, nil)
	if err != nil {
		return Task{}, err
	}

	var task Task

	if err = c.do(req, &task); err != nil {
		return Task{}, err
	}

	return task, nil
}

func (c *Client) do(req *http.Request, body any) error {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	res, err := c.http.Do(req)
	if err != nil {
		return TransportError{Cause: err}
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return TransportError{Cause: fmt.Errorf("request failed with status %d", res.StatusCode)}
	}

	if err = json.NewDecoder(res.Body).Decode(body); err != nil {
		return TransportError{Cause: fmt.Errorf("decoding response body: %w", err)}
	}

	return nil
}
