package repository

import (
	"context"

	"github.com/shipyard-dev/shipyard/internal/domain"
)

// ProjectRepository persists project configuration.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	GetProjectByIDAndRepoURL(ctx context.Context, projectID, repoURL string) (*domain.Project, error)
	UpdateProjectName(ctx context.Context, projectID, name string) error
	UpdateProjectCommands(ctx context.Context, projectID, installCommand, buildCommand, rootDir string) error
	UpdateProjectSubdomain(ctx context.Context, projectID, subdomain string) error
	DeleteProject(ctx context.Context, projectID string) error
}

// DeploymentRepository stores deployment history.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	LatestDeploymentByProject(ctx context.Context, projectID string) (*domain.Deployment, error)
	ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error)
	UpdateDeploymentEnvVars(ctx context.Context, deploymentID string, envVars map[string]string) error
}

// WebhookRepository stores per-project webhook secrets.
type WebhookRepository interface {
	UpsertWebhookSecret(ctx context.Context, projectID string, secret []byte) error
	GetWebhookSecret(ctx context.Context, projectID string) ([]byte, error)
}
