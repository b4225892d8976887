package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Manager owns per-deployment working directories under a common root.
type Manager struct {
	root string
}

// New ensures the workspace root exists and is accessible.
func New(root string) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: root}, nil
}

// Prepare creates a clean directory for the given deployment id.
func (m *Manager) Prepare(deploymentID string) (string, error) {
	if deploymentID == "" {
		return "", fmt.Errorf("deployment id cannot be empty")
	}
	dir := filepath.Join(m.root, deploymentID)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("cleanup workspace: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// Resolve returns the directory for a deployment without recreating it, for
// workers whose scheduler has already populated the source tree.
func (m *Manager) Resolve(deploymentID string) (string, error) {
	if deploymentID == "" {
		return "", fmt.Errorf("deployment id cannot be empty")
	}
	dir := filepath.Join(m.root, deploymentID)
	info, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("locate workspace: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("workspace %s is not a directory", dir)
	}
	return dir, nil
}

// Cleanup removes a workspace directory.
func (m *Manager) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	// Only directories within the configured root may be removed.
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to cleanup path outside workspace root")
	}
	return os.RemoveAll(path)
}
