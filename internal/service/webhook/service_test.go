package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/shipyard-dev/shipyard/internal/domain"
	"github.com/shipyard-dev/shipyard/internal/repository"
	"github.com/shipyard-dev/shipyard/internal/trigger"
	"github.com/shipyard-dev/shipyard/pkg/config"
	"github.com/shipyard-dev/shipyard/pkg/crypto"
)

type fakeProjects struct {
	project *domain.Project
}

func (f *fakeProjects) CreateProject(context.Context, *domain.Project) error { return nil }
func (f *fakeProjects) GetProjectByID(_ context.Context, projectID string) (*domain.Project, error) {
	if f.project == nil || f.project.ID != projectID {
		return nil, repository.ErrNotFound
	}
	return f.project, nil
}
func (f *fakeProjects) GetProjectByIDAndRepoURL(_ context.Context, projectID, repoURL string) (*domain.Project, error) {
	if f.project == nil || f.project.ID != projectID || f.project.RepoURL != repoURL {
		return nil, repository.ErrNotFound
	}
	return f.project, nil
}
func (f *fakeProjects) UpdateProjectName(context.Context, string, string) error { return nil }
func (f *fakeProjects) UpdateProjectCommands(context.Context, string, string, string, string) error {
	return nil
}
func (f *fakeProjects) UpdateProjectSubdomain(context.Context, string, string) error { return nil }
func (f *fakeProjects) DeleteProject(context.Context, string) error                  { return nil }

type fakeDeployments struct {
	latest  *domain.Deployment
	created []*domain.Deployment
	updates []domain.DeploymentStatusUpdate
}

func (f *fakeDeployments) CreateDeployment(_ context.Context, d *domain.Deployment) error {
	f.created = append(f.created, d)
	return nil
}
func (f *fakeDeployments) UpdateDeploymentStatus(_ context.Context, update domain.DeploymentStatusUpdate) error {
	f.updates = append(f.updates, update)
	return nil
}
func (f *fakeDeployments) GetDeploymentByID(context.Context, string) (*domain.Deployment, error) {
	return nil, repository.ErrNotFound
}
func (f *fakeDeployments) LatestDeploymentByProject(context.Context, string) (*domain.Deployment, error) {
	if f.latest == nil {
		return nil, repository.ErrNotFound
	}
	return f.latest, nil
}
func (f *fakeDeployments) ListDeploymentsByProject(context.Context, string, int) ([]domain.Deployment, error) {
	return nil, nil
}
func (f *fakeDeployments) UpdateDeploymentEnvVars(context.Context, string, map[string]string) error {
	return nil
}

type fakeWebhooks struct {
	secrets map[string][]byte
}

func (f *fakeWebhooks) UpsertWebhookSecret(_ context.Context, projectID string, secret []byte) error {
	if f.secrets == nil {
		f.secrets = map[string][]byte{}
	}
	f.secrets[projectID] = secret
	return nil
}
func (f *fakeWebhooks) GetWebhookSecret(_ context.Context, projectID string) ([]byte, error) {
	secret, ok := f.secrets[projectID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return secret, nil
}

type fakeTrigger struct {
	requests []trigger.Request
	result   trigger.Result
	err      error
}

func (f *fakeTrigger) Dispatch(_ context.Context, request trigger.Request) (trigger.Result, error) {
	f.requests = append(f.requests, request)
	if f.err != nil {
		return trigger.Result{}, f.err
	}
	return f.result, nil
}

type fakeResolver struct {
	head string
	err  error
}

func (f fakeResolver) ResolveHead(context.Context, string, string) (string, error) {
	return f.head, f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sign(secret, body []byte) string {
	hasher := hmac.New(sha256.New, secret)
	hasher.Write(body)
	return hex.EncodeToString(hasher.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	secret := []byte("topsecret")
	body := []byte(`{"event":"push"}`)
	good := sign(secret, body)

	if err := VerifySignature(secret, body, good); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	if err := VerifySignature(secret, body, "sha256="+good); err != nil {
		t.Fatalf("prefixed signature rejected: %v", err)
	}

	mutatedBody := append([]byte(nil), body...)
	mutatedBody[0] ^= 0x01
	if err := VerifySignature(secret, mutatedBody, good); !errors.Is(err, ErrInvalidSignature) {
		t.Fatal("mutated body accepted")
	}

	mutatedSig := []byte(good)
	mutatedSig[0] ^= 0x01
	if err := VerifySignature(secret, body, string(mutatedSig)); !errors.Is(err, ErrInvalidSignature) {
		t.Fatal("mutated signature accepted")
	}
	if err := VerifySignature(secret, body, ""); !errors.Is(err, ErrInvalidSignature) {
		t.Fatal("missing signature accepted")
	}
	if err := VerifySignature(nil, body, good); !errors.Is(err, ErrInvalidSignature) {
		t.Fatal("missing secret accepted")
	}
}

func TestAuthenticateUsesStoredSecretThenFallback(t *testing.T) {
	cfg := config.APIConfig{WebhookSecret: "shared", SecretEncryptionKey: "enc-key"}
	encrypted, err := crypto.EncryptString(cfg.SecretEncryptionKey, "per-project")
	if err != nil {
		t.Fatalf("encrypt secret: %v", err)
	}
	webhooks := &fakeWebhooks{secrets: map[string][]byte{"p1": encrypted}}
	svc := New(&fakeProjects{}, &fakeDeployments{}, webhooks, nil, &fakeTrigger{}, testLogger(), cfg)

	body := []byte("payload")
	if err := svc.Authenticate(context.Background(), "p1", body, sign([]byte("per-project"), body)); err != nil {
		t.Fatalf("stored secret rejected: %v", err)
	}
	if err := svc.Authenticate(context.Background(), "p1", body, sign([]byte("shared"), body)); err == nil {
		t.Fatal("shared secret must not verify when a per-project secret exists")
	}
	if err := svc.Authenticate(context.Background(), "p2", body, sign([]byte("shared"), body)); err != nil {
		t.Fatalf("config fallback rejected: %v", err)
	}
}

func pushEvent(repoURL, ref, after string) PushEvent {
	event := PushEvent{Event: "push", Ref: ref, After: after}
	event.Repository.CloneURL = repoURL
	return event
}

func newTestService(projects *fakeProjects, deployments *fakeDeployments, trig *fakeTrigger, resolver CommitResolver) Service {
	return New(projects, deployments, &fakeWebhooks{}, resolver, trig, testLogger(), config.APIConfig{})
}

func TestHandlePushIgnoresNonPushEvents(t *testing.T) {
	deployments := &fakeDeployments{}
	trig := &fakeTrigger{}
	svc := newTestService(&fakeProjects{}, deployments, trig, nil)

	event := pushEvent("https://git.example/app.git", "refs/heads/main", "abc123")
	event.Event = "ping"
	result, err := svc.HandlePush(context.Background(), "p1", event)
	if err != nil {
		t.Fatalf("HandlePush returned error: %v", err)
	}
	if result.Triggered {
		t.Fatal("non-push event must not trigger")
	}
	if len(deployments.created) != 0 || len(trig.requests) != 0 {
		t.Fatal("non-push event must have no side effects")
	}
}

func TestHandlePushUnknownProjectIsNoOp(t *testing.T) {
	projects := &fakeProjects{project: &domain.Project{ID: "p1", RepoURL: "https://git.example/app.git"}}
	deployments := &fakeDeployments{}
	trig := &fakeTrigger{}
	svc := newTestService(projects, deployments, trig, nil)

	// Same id but different repository URL must not match.
	result, err := svc.HandlePush(context.Background(), "p1", pushEvent("https://git.example/other.git", "refs/heads/main", "abc123"))
	if err != nil {
		t.Fatalf("HandlePush returned error: %v", err)
	}
	if result.Triggered {
		t.Fatal("mismatched repo URL must not trigger")
	}
	if len(deployments.created) != 0 || len(trig.requests) != 0 {
		t.Fatal("no deployment may be created for an unmatched push")
	}
}

func TestHandlePushAssemblesDeploymentRequest(t *testing.T) {
	projects := &fakeProjects{project: &domain.Project{
		ID:        "p1",
		RepoURL:   "https://git.example/app.git",
		Subdomain: "app",
	}}
	deployments := &fakeDeployments{latest: &domain.Deployment{
		ID:      "dep-0",
		EnvVars: map[string]string{"API_URL": "https://api.example"},
	}}
	trig := &fakeTrigger{result: trigger.Result{TaskHandle: "task-9"}}
	svc := newTestService(projects, deployments, trig, nil)

	result, err := svc.HandlePush(context.Background(), "p1", pushEvent("https://git.example/app.git", "refs/heads/main", "abc123"))
	if err != nil {
		t.Fatalf("HandlePush returned error: %v", err)
	}
	if !result.Triggered {
		t.Fatal("expected a triggered result")
	}
	if len(trig.requests) != 1 {
		t.Fatalf("expected exactly one trigger attempt, got %d", len(trig.requests))
	}
	request := trig.requests[0]
	if request.Branch != "main" {
		t.Errorf("branch = %q, want main", request.Branch)
	}
	if request.CommitHash != "abc123" {
		t.Errorf("commit = %q, want abc123", request.CommitHash)
	}
	if request.InstallCommand != "npm install" || request.BuildCommand != "npm run build" || request.RootDir != "." {
		t.Errorf("defaults not applied: %+v", request)
	}
	if request.EnvironmentVariables["API_URL"] != "https://api.example" {
		t.Errorf("env vars not carried from latest deployment: %v", request.EnvironmentVariables)
	}
	if len(deployments.created) != 1 {
		t.Fatalf("expected one deployment row, got %d", len(deployments.created))
	}
	created := deployments.created[0]
	if created.Status != domain.StatusNotStarted {
		t.Errorf("new deployment status = %q", created.Status)
	}
	if created.ID != request.DeploymentID {
		t.Error("trigger request must reference the created deployment")
	}
	if result.Deployment.TaskHandle != "task-9" {
		t.Errorf("task handle = %q", result.Deployment.TaskHandle)
	}
}

func TestHandlePushPrefersProjectCommands(t *testing.T) {
	projects := &fakeProjects{project: &domain.Project{
		ID:             "p1",
		RepoURL:        "https://git.example/app.git",
		InstallCommand: "pnpm install",
		BuildCommand:   "pnpm build",
		RootDir:        "web",
	}}
	trig := &fakeTrigger{}
	svc := newTestService(projects, &fakeDeployments{}, trig, nil)

	if _, err := svc.HandlePush(context.Background(), "p1", pushEvent("https://git.example/app.git", "refs/heads/main", "abc123")); err != nil {
		t.Fatalf("HandlePush returned error: %v", err)
	}
	request := trig.requests[0]
	if request.InstallCommand != "pnpm install" || request.BuildCommand != "pnpm build" || request.RootDir != "web" {
		t.Errorf("project commands not preferred: %+v", request)
	}
}

func TestHandlePushUsesResolvedHeadCommit(t *testing.T) {
	projects := &fakeProjects{project: &domain.Project{ID: "p1", RepoURL: "https://git.example/app.git"}}
	trig := &fakeTrigger{}
	svc := newTestService(projects, &fakeDeployments{}, trig, fakeResolver{head: "def456"})

	if _, err := svc.HandlePush(context.Background(), "p1", pushEvent("https://git.example/app.git", "refs/heads/main", "abc123")); err != nil {
		t.Fatalf("HandlePush returned error: %v", err)
	}
	if trig.requests[0].CommitHash != "def456" {
		t.Errorf("commit = %q, want resolved head def456", trig.requests[0].CommitHash)
	}
}

func TestHandlePushFallsBackToDeliveredHash(t *testing.T) {
	projects := &fakeProjects{project: &domain.Project{ID: "p1", RepoURL: "https://git.example/app.git"}}
	trig := &fakeTrigger{}
	svc := newTestService(projects, &fakeDeployments{}, trig, fakeResolver{err: errors.New("forge down")})

	if _, err := svc.HandlePush(context.Background(), "p1", pushEvent("https://git.example/app.git", "refs/heads/main", "abc123")); err != nil {
		t.Fatalf("HandlePush returned error: %v", err)
	}
	if trig.requests[0].CommitHash != "abc123" {
		t.Errorf("commit = %q, want delivered hash abc123", trig.requests[0].CommitHash)
	}
}

func TestHandlePushTriggerFailureSurfacesAndMarksFailed(t *testing.T) {
	projects := &fakeProjects{project: &domain.Project{ID: "p1", RepoURL: "https://git.example/app.git"}}
	deployments := &fakeDeployments{}
	trig := &fakeTrigger{err: errors.New("scheduler unavailable")}
	svc := newTestService(projects, deployments, trig, nil)

	_, err := svc.HandlePush(context.Background(), "p1", pushEvent("https://git.example/app.git", "refs/heads/main", "abc123"))
	if err == nil {
		t.Fatal("trigger failure must surface")
	}
	if len(trig.requests) != 1 {
		t.Fatalf("expected exactly one trigger attempt, got %d", len(trig.requests))
	}
	if len(deployments.updates) != 1 || deployments.updates[0].Status != domain.StatusFailed {
		t.Fatalf("expected the deployment marked FAILED, got %+v", deployments.updates)
	}
}

func TestUpsertSecretEncryptsAtRest(t *testing.T) {
	cfg := config.APIConfig{SecretEncryptionKey: "enc-key"}
	webhooks := &fakeWebhooks{}
	svc := New(&fakeProjects{}, &fakeDeployments{}, webhooks, nil, &fakeTrigger{}, testLogger(), cfg)

	if err := svc.UpsertSecret(context.Background(), "p1", "hunter2"); err != nil {
		t.Fatalf("UpsertSecret returned error: %v", err)
	}
	stored := webhooks.secrets["p1"]
	if string(stored) == "hunter2" {
		t.Fatal("secret stored in plaintext")
	}
	raw, err := crypto.DecryptToString(cfg.SecretEncryptionKey, stored)
	if err != nil || raw != "hunter2" {
		t.Fatalf("stored secret does not round-trip: %q, %v", raw, err)
	}
	if err := svc.UpsertSecret(context.Background(), "p1", "  "); err == nil {
		t.Fatal("blank secret accepted")
	}
}
