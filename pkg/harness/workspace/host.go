// Package workspace guards the host filesystem reads/writes a repo's
// copy_files step performs: copying untracked local files (env overrides,
// generated config) from a repo's canonical root into a fresh worktree.
// HostWorkspace is the only thing in the orchestrator that touches the host
// filesystem directly outside of git/worktree operations, so it carries its
// own path-traversal and secret-pattern denial list rather than trusting
// repo.CopyFiles glob expansion alone.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// HostWorkspace roots file access at basePath — either a repo's root (the
// copy source) or a worktree (the copy destination) — and rejects reads and
// writes that escape it or match a denied pattern.
type HostWorkspace struct {
	basePath       string
	deniedPatterns []string
	initialized    bool
}

type HostWorkspaceOption func(*HostWorkspace)

// WithDeniedPatterns overrides the default secret/VCS-internal denial list,
// for a repo that names its own sensitive paths in config.
func WithDeniedPatterns(patterns []string) HostWorkspaceOption {
	return func(w *HostWorkspace) {
		w.deniedPatterns = patterns
	}
}

func NewHostWorkspace(basePath string, opts ...HostWorkspaceOption) *HostWorkspace {
	w := &HostWorkspace{
		basePath: basePath,
		deniedPatterns: []string{
			".git/objects/*",
			".git/hooks/*",
			"node_modules/*",
			"*.env",
			"*.pem",
			"*.key",
			"*credentials*",
			"*secrets*",
		},
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

func (w *HostWorkspace) Initialize(ctx context.Context) error {
	absPath, err := filepath.Abs(w.basePath)
	if err != nil {
		return fmt.Errorf("failed to resolve workspace path: %w", err)
	}
	w.basePath = absPath

	if _, err := os.Stat(w.basePath); os.IsNotExist(err) {
		if err := os.MkdirAll(w.basePath, 0755); err != nil {
			return fmt.Errorf("failed to create workspace directory: %w", err)
		}
	}

	w.initialized = true
	return nil
}

func (w *HostWorkspace) Path() string {
	return w.basePath
}

func (w *HostWorkspace) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if !w.initialized {
		return nil, fmt.Errorf("workspace not initialized")
	}

	fullPath, err := w.resolvePath(path)
	if err != nil {
		return nil, err
	}

	if err := w.checkAccess(fullPath); err != nil {
		return nil, err
	}

	return os.ReadFile(fullPath)
}

func (w *HostWorkspace) WriteFile(ctx context.Context, path string, data []byte) error {
	if !w.initialized {
		return fmt.Errorf("workspace not initialized")
	}

	fullPath, err := w.resolvePath(path)
	if err != nil {
		return err
	}

	if err := w.checkAccess(fullPath); err != nil {
		return err
	}

	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	return os.WriteFile(fullPath, data, 0644)
}

func (w *HostWorkspace) Close(ctx context.Context) error {
	w.initialized = false
	return nil
}

func (w *HostWorkspace) resolvePath(path string) (string, error) {
	fullPath := path
	if !filepath.IsAbs(path) {
		fullPath = filepath.Join(w.basePath, path)
	}
	fullPath, err := filepath.Abs(fullPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}

	if fullPath != w.basePath && !strings.HasPrefix(fullPath, w.basePath+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected: %s is outside workspace", path)
	}

	return fullPath, nil
}

func (w *HostWorkspace) checkAccess(path string) error {
	relPath, err := filepath.Rel(w.basePath, path)
	if err != nil {
		return fmt.Errorf("failed to get relative path: %w", err)
	}

	for _, pattern := range w.deniedPatterns {
		matched, _ := filepath.Match(pattern, relPath)
		if matched {
			return fmt.Errorf("access denied: path matches denied pattern %s", pattern)
		}

		if strings.Contains(pattern, "*") {
			dir := filepath.Dir(relPath)
			for dir != "." && dir != "/" {
				matched, _ = filepath.Match(pattern, dir)
				if matched {
					return fmt.Errorf("access denied: path is under denied directory pattern %s", pattern)
				}
				dir = filepath.Dir(dir)
			}
		}
	}

	return nil
}
