package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/shipyard-dev/shipyard/internal/domain"
	"github.com/shipyard-dev/shipyard/internal/repository"
	"github.com/shipyard-dev/shipyard/internal/trigger"
	"github.com/shipyard-dev/shipyard/pkg/config"
	"github.com/shipyard-dev/shipyard/pkg/crypto"
)

// Framework defaults used when a project has no explicit commands.
const (
	DefaultInstallCommand = "npm install"
	DefaultBuildCommand   = "npm run build"
	DefaultRootDir        = "."
)

const branchRefPrefix = "refs/heads/"

// ErrInvalidSignature rejects an unauthenticated webhook delivery.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// PushEvent is the subset of a forge push payload the dispatcher acts on.
type PushEvent struct {
	Event      string `json:"event"`
	Repository struct {
		CloneURL string `json:"clone_url"`
	} `json:"repository"`
	Ref   string `json:"ref"`
	After string `json:"after"`
}

// Result reports how a delivery was handled. Benign no-ops are results, not
// errors; the HTTP layer acknowledges both with a 200.
type Result struct {
	Triggered  bool
	Message    string
	Deployment *domain.Deployment
}

// CommitResolver returns the current head commit of a branch, consulted so a
// triggered build carries up-to-date metadata even if deliveries raced.
type CommitResolver interface {
	ResolveHead(ctx context.Context, repoURL, branch string) (string, error)
}

// Trigger hands a resolved deployment request to the build scheduler.
type Trigger interface {
	Dispatch(ctx context.Context, request trigger.Request) (trigger.Result, error)
}

// Service verifies push deliveries and turns them into deployment triggers.
type Service struct {
	projects    repository.ProjectRepository
	deployments repository.DeploymentRepository
	webhooks    repository.WebhookRepository
	resolver    CommitResolver
	trigger     Trigger
	logger      *slog.Logger
	cfg         config.APIConfig
}

// New constructs a webhook dispatcher service.
func New(projects repository.ProjectRepository, deployments repository.DeploymentRepository, webhooks repository.WebhookRepository, resolver CommitResolver, trig Trigger, logger *slog.Logger, cfg config.APIConfig) Service {
	return Service{
		projects:    projects,
		deployments: deployments,
		webhooks:    webhooks,
		resolver:    resolver,
		trigger:     trig,
		logger:      logger,
		cfg:         cfg,
	}
}

// VerifySignature checks the hex HMAC-SHA256 of the raw body against the
// provided header value. It fails closed: a missing secret or header rejects
// the delivery.
func VerifySignature(secret, body []byte, provided string) error {
	if len(secret) == 0 {
		return ErrInvalidSignature
	}
	provided = strings.TrimPrefix(strings.TrimSpace(provided), "sha256=")
	if provided == "" {
		return ErrInvalidSignature
	}
	hasher := hmac.New(sha256.New, secret)
	hasher.Write(body)
	expected := hex.EncodeToString(hasher.Sum(nil))
	if !hmac.Equal([]byte(provided), []byte(expected)) {
		return ErrInvalidSignature
	}
	return nil
}

// Authenticate verifies a delivery using the project's stored secret,
// falling back to the shared configured secret when none is stored.
func (s Service) Authenticate(ctx context.Context, projectID string, body []byte, provided string) error {
	secret, err := s.secretFor(ctx, projectID)
	if err != nil {
		return err
	}
	return VerifySignature(secret, body, provided)
}

func (s Service) secretFor(ctx context.Context, projectID string) ([]byte, error) {
	stored, err := s.webhooks.GetWebhookSecret(ctx, projectID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return []byte(s.cfg.WebhookSecret), nil
		}
		return nil, err
	}
	raw, err := crypto.DecryptToString(s.cfg.SecretEncryptionKey, stored)
	if err != nil {
		return nil, err
	}
	return []byte(raw), nil
}

// UpsertSecret encrypts and stores a per-project webhook secret.
func (s Service) UpsertSecret(ctx context.Context, projectID, secret string) error {
	value := strings.TrimSpace(secret)
	if value == "" {
		return errors.New("secret is required")
	}
	payload, err := crypto.EncryptString(s.cfg.SecretEncryptionKey, value)
	if err != nil {
		return err
	}
	return s.webhooks.UpsertWebhookSecret(ctx, projectID, payload)
}

// HandlePush processes an authenticated delivery. Non-push events and
// unmatched projects are acknowledged as no-ops; a matched push creates a
// deployment row and makes exactly one trigger attempt.
func (s Service) HandlePush(ctx context.Context, projectID string, event PushEvent) (Result, error) {
	if event.Event != "push" {
		return Result{Message: "event ignored"}, nil
	}
	repoURL := strings.TrimSpace(event.Repository.CloneURL)
	if repoURL == "" {
		return Result{Message: "missing repository url"}, nil
	}

	project, err := s.projects.GetProjectByIDAndRepoURL(ctx, projectID, repoURL)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.logger.Info("push for unknown project", "project_id", projectID, "repo_url", repoURL)
			return Result{Message: "no matching project"}, nil
		}
		return Result{}, err
	}

	branch := strings.TrimPrefix(event.Ref, branchRefPrefix)
	commit := s.resolveCommit(ctx, repoURL, branch, event.After)

	envVars, err := s.latestEnvVars(ctx, project.ID)
	if err != nil {
		return Result{}, err
	}

	now := time.Now().UTC()
	deployment := &domain.Deployment{
		ID:        uuid.NewString(),
		ProjectID: project.ID,
		Branch:    branch,
		CommitSHA: commit,
		Status:    domain.StatusNotStarted,
		EnvVars:   envVars,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.deployments.CreateDeployment(ctx, deployment); err != nil {
		return Result{}, err
	}

	request := trigger.Request{
		ProjectID:            project.ID,
		DeploymentID:         deployment.ID,
		Subdomain:            project.Subdomain,
		Branch:               branch,
		RepoURL:              project.RepoURL,
		CommitHash:           commit,
		InstallCommand:       fallback(project.InstallCommand, DefaultInstallCommand),
		BuildCommand:         fallback(project.BuildCommand, DefaultBuildCommand),
		RootDir:              fallback(project.RootDir, DefaultRootDir),
		EnvironmentVariables: envVars,
	}

	result, err := s.trigger.Dispatch(ctx, request)
	if err != nil {
		s.markFailed(ctx, deployment.ID, "trigger failed: "+err.Error())
		return Result{}, err
	}
	if result.TaskHandle != "" {
		deployment.TaskHandle = result.TaskHandle
		s.recordTaskHandle(ctx, deployment.ID, result.TaskHandle)
	}

	s.logger.Info("deployment triggered",
		"project_id", project.ID,
		"deployment_id", deployment.ID,
		"branch", branch,
		"commit", commit)
	return Result{Triggered: true, Message: "deployment triggered", Deployment: deployment}, nil
}

// resolveCommit prefers the resolver's view of the branch head; the event's
// after hash covers resolver outages.
func (s Service) resolveCommit(ctx context.Context, repoURL, branch, after string) string {
	if s.resolver == nil {
		return after
	}
	head, err := s.resolver.ResolveHead(ctx, repoURL, branch)
	if err != nil || head == "" {
		s.logger.Warn("commit resolution failed, using delivered hash", "repo_url", repoURL, "branch", branch, "error", err)
		return after
	}
	return head
}

func (s Service) latestEnvVars(ctx context.Context, projectID string) (map[string]string, error) {
	latest, err := s.deployments.LatestDeploymentByProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	if latest.EnvVars == nil {
		return map[string]string{}, nil
	}
	return latest.EnvVars, nil
}

func (s Service) markFailed(ctx context.Context, deploymentID, message string) {
	update := domain.DeploymentStatusUpdate{
		DeploymentID: deploymentID,
		Status:       domain.StatusFailed,
		Message:      message,
	}
	if err := s.deployments.UpdateDeploymentStatus(ctx, update); err != nil {
		s.logger.Warn("failed to mark deployment failed", "deployment_id", deploymentID, "error", err)
	}
}

func (s Service) recordTaskHandle(ctx context.Context, deploymentID, handle string) {
	update := domain.DeploymentStatusUpdate{
		DeploymentID: deploymentID,
		Status:       domain.StatusNotStarted,
		TaskHandle:   handle,
	}
	if err := s.deployments.UpdateDeploymentStatus(ctx, update); err != nil {
		s.logger.Warn("failed to record task handle", "deployment_id", deploymentID, "error", err)
	}
}

func fallback(value, def string) string {
	if strings.TrimSpace(value) == "" {
		return def
	}
	return value
}
