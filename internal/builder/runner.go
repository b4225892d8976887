package builder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/shipyard-dev/shipyard/internal/objectstore"
	"github.com/shipyard-dev/shipyard/pkg/config"
)

const streamChunkSize = 4096

// LogPublisher ships build output to the log stream. Implementations are
// best-effort and must never fail the build.
type LogPublisher interface {
	Publish(ctx context.Context, line string)
	PublishEnd(ctx context.Context)
}

// Uploader stores one artifact file under an object key.
type Uploader interface {
	UploadFile(ctx context.Context, key, filePath, contentType string) error
}

// Runner executes one build: install+build child process with incremental
// output streaming, then artifact upload, then the end-of-stream marker.
// Any spawn, walk or upload failure aborts the run; a nonzero build exit
// code does not.
type Runner struct {
	publisher LogPublisher
	uploader  Uploader
	logger    *slog.Logger
	cfg       config.WorkerConfig
	workdir   string
	extraEnv  map[string]string
}

// New constructs a Runner. workdir is the prepared directory holding the
// project source; extraEnv is unioned into the child environment on top of
// the process environment and the prefixed project variables.
func New(publisher LogPublisher, uploader Uploader, logger *slog.Logger, cfg config.WorkerConfig, workdir string, extraEnv map[string]string) Runner {
	return Runner{
		publisher: publisher,
		uploader:  uploader,
		logger:    logger,
		cfg:       cfg,
		workdir:   workdir,
		extraEnv:  extraEnv,
	}
}

// Run executes the build workflow synchronously and returns once every
// artifact is uploaded and the end marker has been published.
func (r Runner) Run(ctx context.Context) error {
	r.publisher.Publish(ctx, "Executing script...")

	if err := r.runBuild(ctx); err != nil {
		return err
	}
	if err := r.uploadOutputs(ctx); err != nil {
		return err
	}

	r.publisher.Publish(ctx, "Upload complete...")
	r.publisher.PublishEnd(ctx)
	return nil
}

func (r Runner) runBuild(ctx context.Context) error {
	script := buildScript(r.cfg.InstallCommand, r.cfg.BuildCommand)
	if script == "" {
		return errors.New("no install or build command configured")
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", script)
	cmd.Dir = r.workdir
	cmd.Env = childEnv(os.Environ(), r.extraEnv)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("open stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn build process: %w", err)
	}
	r.logger.Info("build process started", "deployment_id", r.cfg.DeploymentID, "pid", cmd.Process.Pid)

	var wg sync.WaitGroup
	wg.Add(2)
	go r.forward(ctx, stdout, &wg)
	go r.forward(ctx, stderr, &wg)
	wg.Wait()

	exitCode := 0
	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return fmt.Errorf("build process: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	// A failed build still gets its output directory inspected; if the build
	// produced nothing the walk fails and takes the same failure path.
	r.publisher.Publish(ctx, fmt.Sprintf("Build process exited with code %d", exitCode))
	r.logger.Info("build process exited", "deployment_id", r.cfg.DeploymentID, "exit_code", exitCode)
	return nil
}

// forward streams chunks from the child pipe to the log publisher as they
// arrive, without buffering the full output.
func (r Runner) forward(ctx context.Context, pipe io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, streamChunkSize)
	for {
		n, err := pipe.Read(buf)
		if n > 0 {
			r.publisher.Publish(ctx, string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

func (r Runner) uploadOutputs(ctx context.Context) error {
	outputDir := filepath.Join(r.workdir, r.cfg.OutputDir)
	scope := r.cfg.Subdomain
	if scope == "" {
		scope = r.cfg.ProjectID
	}

	err := filepath.WalkDir(outputDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(outputDir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		r.publisher.Publish(ctx, "uploading "+rel)
		key := objectstore.ArtifactKey(scope, rel)
		if err := r.uploader.UploadFile(ctx, key, p, objectstore.ContentTypeFor(p)); err != nil {
			return err
		}
		r.logger.Info("artifact uploaded", "deployment_id", r.cfg.DeploymentID, "key", key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("upload build output: %w", err)
	}
	return nil
}

// buildScript joins install and build commands so that the build only runs
// after a successful install.
func buildScript(installCommand, buildCommand string) string {
	install := strings.TrimSpace(installCommand)
	build := strings.TrimSpace(buildCommand)
	switch {
	case install == "":
		return build
	case build == "":
		return install
	default:
		return install + " && " + build
	}
}

// childEnv assembles the child process environment: the base environment,
// project variables carrying the recognized prefix (forwarded with the prefix
// stripped), and the explicit overlay last so it wins.
func childEnv(base []string, overlay map[string]string) []string {
	env := make([]string, 0, len(base)+len(overlay))
	env = append(env, base...)
	for _, kv := range base {
		if name, value, ok := strings.Cut(kv, "="); ok && strings.HasPrefix(name, config.ProjectEnvPrefix) {
			env = append(env, strings.TrimPrefix(name, config.ProjectEnvPrefix)+"="+value)
		}
	}
	for name, value := range overlay {
		env = append(env, name+"="+value)
	}
	return env
}
