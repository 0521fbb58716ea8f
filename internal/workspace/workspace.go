package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Manager hands out one scratch directory per deploy under a shared root.
type Manager struct {
	root string
}

// New ensures the workspace root exists.
func New(root string) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: abs}, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string {
	return m.root
}

// Prepare creates an empty directory named after the deploy id.
// A leftover directory from a crashed run is wiped first.
func (m *Manager) Prepare(deployID string) (string, error) {
	if deployID == "" || strings.ContainsAny(deployID, `/\`) || deployID == "." || deployID == ".." {
		return "", fmt.Errorf("invalid workspace identifier %q", deployID)
	}
	dir := filepath.Join(m.root, deployID)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("reset workspace: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// Cleanup removes a directory previously returned by Prepare.
func (m *Manager) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to cleanup %q outside workspace root", path)
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove workspace: %w", err)
	}
	return nil
}
