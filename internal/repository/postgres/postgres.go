package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shipyard-dev/shipyard/internal/domain"
	"github.com/shipyard-dev/shipyard/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ProjectRepository    = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.WebhookRepository    = (*Repository)(nil)
)

const uniqueViolation = "23505"

func translateError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return repository.ErrConflict
	}
	return err
}

// CreateProject inserts a project.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project) error {
	const query = `INSERT INTO projects (id, owner_id, name, repo_url, install_command, build_command, root_dir, subdomain, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := r.pool.Exec(ctx, query,
		project.ID, project.OwnerID, project.Name, project.RepoURL,
		project.InstallCommand, project.BuildCommand, project.RootDir,
		project.Subdomain, project.CreatedAt, project.UpdatedAt)
	return translateError(err)
}

const projectColumns = `id, owner_id, name, repo_url, install_command, build_command, root_dir, subdomain, created_at, updated_at`

func scanProject(row pgx.Row) (*domain.Project, error) {
	var p domain.Project
	err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &p.RepoURL,
		&p.InstallCommand, &p.BuildCommand, &p.RootDir,
		&p.Subdomain, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// GetProjectByID fetches project details.
func (r *Repository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	query := fmt.Sprintf(`SELECT %s FROM projects WHERE id = $1`, projectColumns)
	return scanProject(r.pool.QueryRow(ctx, query, projectID))
}

// GetProjectByIDAndRepoURL fetches a project only when both the identifier
// and the repository URL match.
func (r *Repository) GetProjectByIDAndRepoURL(ctx context.Context, projectID, repoURL string) (*domain.Project, error) {
	query := fmt.Sprintf(`SELECT %s FROM projects WHERE id = $1 AND repo_url = $2`, projectColumns)
	return scanProject(r.pool.QueryRow(ctx, query, projectID, repoURL))
}

// UpdateProjectName renames a project.
func (r *Repository) UpdateProjectName(ctx context.Context, projectID, name string) error {
	const query = `UPDATE projects SET name = $2, updated_at = $3 WHERE id = $1`
	return r.execExpectingRow(ctx, query, projectID, name, time.Now().UTC())
}

// UpdateProjectCommands replaces the build configuration of a project.
func (r *Repository) UpdateProjectCommands(ctx context.Context, projectID, installCommand, buildCommand, rootDir string) error {
	const query = `UPDATE projects SET install_command = $2, build_command = $3, root_dir = $4, updated_at = $5 WHERE id = $1`
	return r.execExpectingRow(ctx, query, projectID, installCommand, buildCommand, rootDir, time.Now().UTC())
}

// UpdateProjectSubdomain changes the project's subdomain.
func (r *Repository) UpdateProjectSubdomain(ctx context.Context, projectID, subdomain string) error {
	const query = `UPDATE projects SET subdomain = $2, updated_at = $3 WHERE id = $1`
	return r.execExpectingRow(ctx, query, projectID, subdomain, time.Now().UTC())
}

// DeleteProject removes a project and its deployments.
func (r *Repository) DeleteProject(ctx context.Context, projectID string) error {
	const query = `DELETE FROM projects WHERE id = $1`
	return r.execExpectingRow(ctx, query, projectID)
}

func (r *Repository) execExpectingRow(ctx context.Context, query string, args ...any) error {
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return translateError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CreateDeployment inserts a deployment record.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	envVars, err := marshalEnvVars(deployment.EnvVars)
	if err != nil {
		return err
	}
	const query = `INSERT INTO deployments (id, project_id, branch, commit_sha, status, message, env_vars, task_handle, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = r.pool.Exec(ctx, query,
		deployment.ID, deployment.ProjectID, deployment.Branch, deployment.CommitSHA,
		deployment.Status, deployment.Message, envVars, deployment.TaskHandle,
		deployment.CreatedAt, deployment.UpdatedAt)
	return translateError(err)
}

// UpdateDeploymentStatus applies a status update to a deployment.
func (r *Repository) UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error {
	const query = `UPDATE deployments
		SET status = $2,
			message = CASE WHEN $3 <> '' THEN $3 ELSE message END,
			task_handle = CASE WHEN $4 <> '' THEN $4 ELSE task_handle END,
			updated_at = $5
		WHERE id = $1`
	return r.execExpectingRow(ctx, query, update.DeploymentID, update.Status, update.Message, update.TaskHandle, time.Now().UTC())
}

const deploymentColumns = `id, project_id, branch, commit_sha, status, message, env_vars, task_handle, created_at, updated_at`

func scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var d domain.Deployment
	var envVars []byte
	err := row.Scan(&d.ID, &d.ProjectID, &d.Branch, &d.CommitSHA,
		&d.Status, &d.Message, &envVars, &d.TaskHandle,
		&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if len(envVars) > 0 {
		if err := json.Unmarshal(envVars, &d.EnvVars); err != nil {
			return nil, fmt.Errorf("decode env vars: %w", err)
		}
	}
	return &d, nil
}

// GetDeploymentByID retrieves a deployment by identifier.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	query := fmt.Sprintf(`SELECT %s FROM deployments WHERE id = $1`, deploymentColumns)
	return scanDeployment(r.pool.QueryRow(ctx, query, deploymentID))
}

// LatestDeploymentByProject returns the most recently created deployment.
func (r *Repository) LatestDeploymentByProject(ctx context.Context, projectID string) (*domain.Deployment, error) {
	query := fmt.Sprintf(`SELECT %s FROM deployments WHERE project_id = $1 ORDER BY created_at DESC LIMIT 1`, deploymentColumns)
	return scanDeployment(r.pool.QueryRow(ctx, query, projectID))
}

// ListDeploymentsByProject returns recent deployments for a project.
func (r *Repository) ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 20
	}
	query := fmt.Sprintf(`SELECT %s FROM deployments WHERE project_id = $1 ORDER BY created_at DESC LIMIT $2`, deploymentColumns)
	rows, err := r.pool.Query(ctx, query, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deployments := make([]domain.Deployment, 0)
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, rows.Err()
}

// UpdateDeploymentEnvVars replaces the environment-variable mapping.
func (r *Repository) UpdateDeploymentEnvVars(ctx context.Context, deploymentID string, envVars map[string]string) error {
	payload, err := marshalEnvVars(envVars)
	if err != nil {
		return err
	}
	const query = `UPDATE deployments SET env_vars = $2, updated_at = $3 WHERE id = $1`
	return r.execExpectingRow(ctx, query, deploymentID, payload, time.Now().UTC())
}

func marshalEnvVars(envVars map[string]string) ([]byte, error) {
	if len(envVars) == 0 {
		return []byte("{}"), nil
	}
	payload, err := json.Marshal(envVars)
	if err != nil {
		return nil, fmt.Errorf("encode env vars: %w", err)
	}
	return payload, nil
}

// UpsertWebhookSecret stores encrypted webhook secret bytes for a project.
func (r *Repository) UpsertWebhookSecret(ctx context.Context, projectID string, secret []byte) error {
	const query = `INSERT INTO webhook_secrets (project_id, secret, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id) DO UPDATE SET secret = EXCLUDED.secret`
	_, err := r.pool.Exec(ctx, query, projectID, secret, time.Now().UTC())
	return translateError(err)
}

// GetWebhookSecret loads the encrypted webhook secret for a project.
func (r *Repository) GetWebhookSecret(ctx context.Context, projectID string) ([]byte, error) {
	const query = `SELECT secret FROM webhook_secrets WHERE project_id = $1`
	var secret []byte
	if err := r.pool.QueryRow(ctx, query, projectID).Scan(&secret); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return secret, nil
}
