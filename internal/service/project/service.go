package project

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/shipyard-dev/shipyard/internal/domain"
	"github.com/shipyard-dev/shipyard/internal/objectstore"
	"github.com/shipyard-dev/shipyard/internal/repository"
)

var (
	errInvalidName      = errors.New("project name is required")
	errInvalidRepoURL   = errors.New("repository URL is required")
	errInvalidSubdomain = errors.New("subdomain must be lowercase letters, digits and hyphens")
	errMissingProjectID = errors.New("project id required")
)

var subdomainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// ArtifactStore covers the prefix-level object operations the project
// lifecycle needs.
type ArtifactStore interface {
	CopyPrefix(ctx context.Context, oldPrefix, newPrefix string) error
	DeletePrefix(ctx context.Context, prefix string) error
}

// CreateInput encapsulates project creation attributes.
type CreateInput struct {
	OwnerID        string
	Name           string
	RepoURL        string
	InstallCommand string
	BuildCommand   string
	RootDir        string
	Subdomain      string
}

// Service orchestrates project management including the project's artifact
// tree in object storage.
type Service struct {
	projects  repository.ProjectRepository
	artifacts ArtifactStore
	logger    *slog.Logger
}

// New returns a project service.
func New(projects repository.ProjectRepository, artifacts ArtifactStore, logger *slog.Logger) Service {
	return Service{projects: projects, artifacts: artifacts, logger: logger}
}

// Create registers a new project. The subdomain, when set, must be unique
// system-wide; the repository surfaces a conflict error on collision.
func (s Service) Create(ctx context.Context, input CreateInput) (*domain.Project, error) {
	if strings.TrimSpace(input.Name) == "" {
		return nil, errInvalidName
	}
	if strings.TrimSpace(input.RepoURL) == "" {
		return nil, errInvalidRepoURL
	}
	subdomain := strings.ToLower(strings.TrimSpace(input.Subdomain))
	if subdomain != "" && !subdomainPattern.MatchString(subdomain) {
		return nil, errInvalidSubdomain
	}
	now := time.Now().UTC()
	project := &domain.Project{
		ID:             uuid.NewString(),
		OwnerID:        input.OwnerID,
		Name:           input.Name,
		RepoURL:        input.RepoURL,
		InstallCommand: input.InstallCommand,
		BuildCommand:   input.BuildCommand,
		RootDir:        input.RootDir,
		Subdomain:      subdomain,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.projects.CreateProject(ctx, project); err != nil {
		return nil, err
	}
	s.logger.Info("project created", "project_id", project.ID, "subdomain", project.Subdomain)
	return project, nil
}

// Get returns project details by identifier.
func (s Service) Get(ctx context.Context, projectID string) (*domain.Project, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, errMissingProjectID
	}
	return s.projects.GetProjectByID(ctx, projectID)
}

// Rename changes the project's display name.
func (s Service) Rename(ctx context.Context, projectID, name string) error {
	if strings.TrimSpace(name) == "" {
		return errInvalidName
	}
	return s.projects.UpdateProjectName(ctx, projectID, name)
}

// UpdateCommands replaces the project's build configuration.
func (s Service) UpdateCommands(ctx context.Context, projectID, installCommand, buildCommand, rootDir string) error {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return errMissingProjectID
	}
	return s.projects.UpdateProjectCommands(ctx, projectID, installCommand, buildCommand, rootDir)
}

// ChangeSubdomain moves the project to a new subdomain. The artifact tree is
// copied to the new prefix first; the rename only commits once every object
// has been copied. The old prefix stays until explicitly purged.
func (s Service) ChangeSubdomain(ctx context.Context, projectID, subdomain string) error {
	subdomain = strings.ToLower(strings.TrimSpace(subdomain))
	if !subdomainPattern.MatchString(subdomain) {
		return errInvalidSubdomain
	}
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return err
	}
	if project.Subdomain == subdomain {
		return nil
	}

	oldPrefix := objectstore.ScopePrefix(project.ArtifactScope())
	newPrefix := objectstore.ScopePrefix(subdomain)
	if err := s.artifacts.CopyPrefix(ctx, oldPrefix, newPrefix); err != nil {
		return fmt.Errorf("copy artifacts to new subdomain: %w", err)
	}
	if err := s.projects.UpdateProjectSubdomain(ctx, projectID, subdomain); err != nil {
		return err
	}
	s.logger.Info("project subdomain changed",
		"project_id", projectID,
		"old_subdomain", project.Subdomain,
		"new_subdomain", subdomain)
	return nil
}

// PurgeArtifacts deletes every stored object under the project's current
// artifact prefix.
func (s Service) PurgeArtifacts(ctx context.Context, projectID string) error {
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return err
	}
	prefix := objectstore.ScopePrefix(project.ArtifactScope())
	if err := s.artifacts.DeletePrefix(ctx, prefix); err != nil {
		return fmt.Errorf("purge artifacts: %w", err)
	}
	s.logger.Info("project artifacts purged", "project_id", projectID, "prefix", prefix)
	return nil
}

// Delete removes the project row and its artifact tree. The row goes first;
// a failed artifact sweep leaves orphaned objects rather than a zombie
// project.
func (s Service) Delete(ctx context.Context, projectID string) error {
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return err
	}
	if err := s.projects.DeleteProject(ctx, projectID); err != nil {
		return err
	}
	prefix := objectstore.ScopePrefix(project.ArtifactScope())
	if err := s.artifacts.DeletePrefix(ctx, prefix); err != nil {
		s.logger.Warn("artifact sweep failed after project delete", "project_id", projectID, "prefix", prefix, "error", err)
		return fmt.Errorf("delete artifacts: %w", err)
	}
	s.logger.Info("project deleted", "project_id", projectID)
	return nil
}
