package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Request is the deployment order sent to the build scheduler. The scheduler
// owns container placement; this client only hands over a fully resolved
// build configuration.
type Request struct {
	ProjectID            string            `json:"project_id"`
	DeploymentID         string            `json:"deployment_id"`
	Subdomain            string            `json:"subdomain"`
	Branch               string            `json:"branch"`
	RepoURL              string            `json:"repo_url"`
	CommitHash           string            `json:"commit_hash"`
	InstallCommand       string            `json:"install_command"`
	BuildCommand         string            `json:"build_command"`
	RootDir              string            `json:"root_dir"`
	EnvironmentVariables map[string]string `json:"environment_variables"`
}

// Result is the scheduler's acknowledgement. It is logged as-is and not
// otherwise interpreted, except for the task handle which is recorded on the
// deployment when present.
type Result struct {
	TaskHandle string `json:"task_handle"`
	Message    string `json:"message"`
}

// Client posts deployment requests to the build scheduler over HTTP.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// New returns a scheduler client with the given request timeout.
func New(baseURL, token string, timeout time.Duration, logger *slog.Logger) Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return Client{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Dispatch issues exactly one trigger attempt. There is no retry; the caller
// decides what a failure means.
func (c Client) Dispatch(ctx context.Context, request Request) (Result, error) {
	payload, err := json.Marshal(request)
	if err != nil {
		return Result{}, fmt.Errorf("encode trigger request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/deployments", bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("build trigger request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("contact scheduler: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{}, fmt.Errorf("scheduler rejected deployment: %s: %s", resp.Status, bytes.TrimSpace(body))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil && err != io.EOF {
		return Result{}, fmt.Errorf("decode scheduler response: %w", err)
	}
	c.logger.Info("deployment dispatched",
		"deployment_id", request.DeploymentID,
		"project_id", request.ProjectID,
		"task_handle", result.TaskHandle)
	return result, nil
}
