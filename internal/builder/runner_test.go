package builder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/shipyard-dev/shipyard/pkg/config"
)

type fakePublisher struct {
	mu    sync.Mutex
	lines []string
	ended bool
}

func (p *fakePublisher) Publish(_ context.Context, line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lines = append(p.lines, line)
}

func (p *fakePublisher) PublishEnd(_ context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ended = true
}

func (p *fakePublisher) joined() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.Join(p.lines, "\n")
}

type uploadedFile struct {
	key         string
	contentType string
	content     string
}

type fakeUploader struct {
	uploads []uploadedFile
	failKey string
}

func (u *fakeUploader) UploadFile(_ context.Context, key, filePath, contentType string) error {
	if u.failKey != "" && key == u.failKey {
		return errors.New("object store unavailable")
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	u.uploads = append(u.uploads, uploadedFile{key: key, contentType: contentType, content: string(data)})
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

func testConfig(projectID string) config.WorkerConfig {
	return config.WorkerConfig{
		ProjectID:      projectID,
		DeploymentID:   "dep-1",
		InstallCommand: "true",
		BuildCommand:   "echo building",
		OutputDir:      "dist",
	}
}

func TestRunUploadsOutputTree(t *testing.T) {
	workdir := t.TempDir()
	writeFile(t, filepath.Join(workdir, "dist", "index.html"), "<html></html>")
	writeFile(t, filepath.Join(workdir, "dist", "assets", "app.js"), "console.log(1)")

	pub := &fakePublisher{}
	up := &fakeUploader{}
	runner := New(pub, up, testLogger(), testConfig("proj-1"), workdir, nil)

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if len(up.uploads) != 2 {
		t.Fatalf("expected 2 uploads, got %d", len(up.uploads))
	}
	byKey := map[string]uploadedFile{}
	for _, u := range up.uploads {
		byKey[u.key] = u
	}
	html, ok := byKey["__outputs/proj-1/index.html"]
	if !ok {
		t.Fatalf("missing index.html upload, got keys %v", keys(byKey))
	}
	if html.contentType != "text/html" || html.content != "<html></html>" {
		t.Fatalf("unexpected index.html upload: %+v", html)
	}
	js, ok := byKey["__outputs/proj-1/assets/app.js"]
	if !ok {
		t.Fatalf("missing app.js upload, got keys %v", keys(byKey))
	}
	if js.contentType != "application/javascript" {
		t.Fatalf("unexpected app.js content type %q", js.contentType)
	}
	if !pub.ended {
		t.Fatal("expected end marker to be published")
	}
}

func keys(m map[string]uploadedFile) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestRunPublishesLifecycleLinesInOrder(t *testing.T) {
	workdir := t.TempDir()
	writeFile(t, filepath.Join(workdir, "dist", "index.html"), "hi")

	pub := &fakePublisher{}
	runner := New(pub, &fakeUploader{}, testLogger(), testConfig("proj-1"), workdir, nil)

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if len(pub.lines) == 0 || pub.lines[0] != "Executing script..." {
		t.Fatalf("expected leading anchor line, got %v", pub.lines)
	}
	joined := pub.joined()
	anchor := strings.Index(joined, "Executing script...")
	output := strings.Index(joined, "building")
	exit := strings.Index(joined, "Build process exited with code 0")
	uploading := strings.Index(joined, "uploading index.html")
	complete := strings.Index(joined, "Upload complete...")
	for name, idx := range map[string]int{"anchor": anchor, "output": output, "exit": exit, "uploading": uploading, "complete": complete} {
		if idx < 0 {
			t.Fatalf("missing %s line in %q", name, joined)
		}
	}
	if !(anchor < output && output < exit && exit < uploading && uploading < complete) {
		t.Fatalf("lifecycle lines out of order: %q", joined)
	}
}

func TestRunStreamsStderr(t *testing.T) {
	workdir := t.TempDir()
	writeFile(t, filepath.Join(workdir, "dist", "index.html"), "hi")

	cfg := testConfig("proj-1")
	cfg.BuildCommand = "echo oops >&2"
	pub := &fakePublisher{}
	runner := New(pub, &fakeUploader{}, testLogger(), cfg, workdir, nil)

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !strings.Contains(pub.joined(), "oops") {
		t.Fatalf("stderr output not forwarded: %q", pub.joined())
	}
}

func TestRunNonzeroExitStillUploads(t *testing.T) {
	workdir := t.TempDir()
	writeFile(t, filepath.Join(workdir, "dist", "index.html"), "hi")

	cfg := testConfig("proj-1")
	cfg.BuildCommand = "exit 3"
	pub := &fakePublisher{}
	up := &fakeUploader{}
	runner := New(pub, up, testLogger(), cfg, workdir, nil)

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !strings.Contains(pub.joined(), "Build process exited with code 3") {
		t.Fatalf("missing exit-code line: %q", pub.joined())
	}
	if len(up.uploads) != 1 {
		t.Fatalf("expected upload attempt despite nonzero exit, got %d", len(up.uploads))
	}
}

func TestRunFailsWhenOutputDirMissing(t *testing.T) {
	workdir := t.TempDir()

	pub := &fakePublisher{}
	runner := New(pub, &fakeUploader{}, testLogger(), testConfig("proj-1"), workdir, nil)

	err := runner.Run(context.Background())
	if err == nil {
		t.Fatal("expected error for missing output directory")
	}
	if pub.ended {
		t.Fatal("end marker must not be published on failure")
	}
}

func TestRunAbortsOnUploadFailure(t *testing.T) {
	workdir := t.TempDir()
	writeFile(t, filepath.Join(workdir, "dist", "a.txt"), "a")
	writeFile(t, filepath.Join(workdir, "dist", "b.txt"), "b")

	pub := &fakePublisher{}
	up := &fakeUploader{failKey: "__outputs/proj-1/a.txt"}
	runner := New(pub, up, testLogger(), testConfig("proj-1"), workdir, nil)

	err := runner.Run(context.Background())
	if err == nil {
		t.Fatal("expected upload failure to abort the run")
	}
	if strings.Contains(pub.joined(), "Upload complete...") {
		t.Fatal("completion line must not be published after upload failure")
	}
	if pub.ended {
		t.Fatal("end marker must not be published after upload failure")
	}
}

func TestRunUsesSubdomainScopeWhenSet(t *testing.T) {
	workdir := t.TempDir()
	writeFile(t, filepath.Join(workdir, "dist", "index.html"), "hi")

	cfg := testConfig("proj-1")
	cfg.Subdomain = "my-site"
	up := &fakeUploader{}
	runner := New(&fakePublisher{}, up, testLogger(), cfg, workdir, nil)

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if up.uploads[0].key != "__outputs/my-site/index.html" {
		t.Fatalf("unexpected key %q", up.uploads[0].key)
	}
}

func TestRunSkipsDirectoriesInOutput(t *testing.T) {
	workdir := t.TempDir()
	writeFile(t, filepath.Join(workdir, "dist", "nested", "deep", "file.txt"), "x")
	if err := os.MkdirAll(filepath.Join(workdir, "dist", "empty"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	up := &fakeUploader{}
	runner := New(&fakePublisher{}, up, testLogger(), testConfig("proj-1"), workdir, nil)

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(up.uploads) != 1 {
		t.Fatalf("expected only the regular file uploaded, got %d", len(up.uploads))
	}
	if up.uploads[0].key != "__outputs/proj-1/nested/deep/file.txt" {
		t.Fatalf("unexpected key %q", up.uploads[0].key)
	}
}

func TestBuildScript(t *testing.T) {
	if got := buildScript("npm install", "npm run build"); got != "npm install && npm run build" {
		t.Fatalf("unexpected script %q", got)
	}
	if got := buildScript("", "npm run build"); got != "npm run build" {
		t.Fatalf("unexpected script %q", got)
	}
	if got := buildScript("npm install", ""); got != "npm install" {
		t.Fatalf("unexpected script %q", got)
	}
}

func TestChildEnvForwardsPrefixedVariables(t *testing.T) {
	base := []string{"PATH=/bin", config.ProjectEnvPrefix + "API_URL=https://example.com"}
	env := childEnv(base, map[string]string{"EXTRA": "1"})

	want := map[string]bool{
		"PATH=/bin": true,
		config.ProjectEnvPrefix + "API_URL=https://example.com": true,
		"API_URL=https://example.com":                           true,
		"EXTRA=1":                                               true,
	}
	if len(env) != len(want) {
		t.Fatalf("unexpected env length %d: %v", len(env), env)
	}
	for _, kv := range env {
		if !want[kv] {
			t.Fatalf("unexpected env entry %q", kv)
		}
	}
}
