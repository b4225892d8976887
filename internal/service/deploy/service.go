package deploy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/shipyard-dev/shipyard/internal/domain"
	"github.com/shipyard-dev/shipyard/internal/repository"
)

// ErrInvalidTransition rejects a status change the deployment state machine
// does not allow.
var ErrInvalidTransition = errors.New("invalid deployment status transition")

// Service manages deployment records and their status machine.
type Service struct {
	projects    repository.ProjectRepository
	deployments repository.DeploymentRepository
	logger      *slog.Logger
}

// New returns a deployment service.
func New(projects repository.ProjectRepository, deployments repository.DeploymentRepository, logger *slog.Logger) Service {
	return Service{projects: projects, deployments: deployments, logger: logger}
}

// CreateInput carries the attributes of a new deployment.
type CreateInput struct {
	ProjectID string
	Branch    string
	CommitSHA string
	EnvVars   map[string]string
}

// Create records a new deployment in NOT_STARTED state.
func (s Service) Create(ctx context.Context, input CreateInput) (*domain.Deployment, error) {
	if strings.TrimSpace(input.ProjectID) == "" {
		return nil, errors.New("project id required")
	}
	if _, err := s.projects.GetProjectByID(ctx, input.ProjectID); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	deployment := &domain.Deployment{
		ID:        uuid.NewString(),
		ProjectID: input.ProjectID,
		Branch:    input.Branch,
		CommitSHA: input.CommitSHA,
		Status:    domain.StatusNotStarted,
		EnvVars:   input.EnvVars,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.deployments.CreateDeployment(ctx, deployment); err != nil {
		return nil, err
	}
	s.logger.Info("deployment created", "deployment_id", deployment.ID, "project_id", deployment.ProjectID)
	return deployment, nil
}

// Get returns a deployment by id.
func (s Service) Get(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	deploymentID = strings.TrimSpace(deploymentID)
	if deploymentID == "" {
		return nil, errors.New("deployment id required")
	}
	return s.deployments.GetDeploymentByID(ctx, deploymentID)
}

// ListByProject returns recent deployments for a project.
func (s Service) ListByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	return s.deployments.ListDeploymentsByProject(ctx, projectID, limit)
}

// UpdateStatus applies a validated status transition.
func (s Service) UpdateStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error {
	current, err := s.deployments.GetDeploymentByID(ctx, update.DeploymentID)
	if err != nil {
		return err
	}
	if !domain.CanTransition(current.Status, update.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, update.Status)
	}
	if err := s.deployments.UpdateDeploymentStatus(ctx, update); err != nil {
		return err
	}
	s.logger.Info("deployment status updated",
		"deployment_id", update.DeploymentID,
		"from", current.Status,
		"to", update.Status)
	return nil
}

// SetEnvVars replaces the environment-variable mapping used by the next build.
func (s Service) SetEnvVars(ctx context.Context, deploymentID string, envVars map[string]string) error {
	if strings.TrimSpace(deploymentID) == "" {
		return errors.New("deployment id required")
	}
	return s.deployments.UpdateDeploymentEnvVars(ctx, deploymentID, envVars)
}

// CallbackPayload is a status report from the supervisor watching a worker.
type CallbackPayload struct {
	DeploymentID string `json:"deployment_id"`
	Status       string `json:"status"`
	Message      string `json:"message"`
	TaskHandle   string `json:"task_handle"`
}

// ProcessCallback ingests a worker status report. The supervisor speaks the
// deployment status vocabulary directly; anything else is rejected.
func (s Service) ProcessCallback(ctx context.Context, payload CallbackPayload) error {
	if strings.TrimSpace(payload.DeploymentID) == "" {
		return errors.New("deployment_id required")
	}
	status := strings.ToUpper(strings.TrimSpace(payload.Status))
	switch status {
	case domain.StatusInProgress, domain.StatusReady, domain.StatusFailed:
	default:
		return fmt.Errorf("unknown deployment status %q", payload.Status)
	}
	return s.UpdateStatus(ctx, domain.DeploymentStatusUpdate{
		DeploymentID: payload.DeploymentID,
		Status:       status,
		Message:      payload.Message,
		TaskHandle:   payload.TaskHandle,
	})
}
