// Package provider wraps the host's git-forge CLI (gh) for pull-request
// lifecycle operations, the one external collaborator spec.md §6 calls out
// by name: "pr create", "pr list", "pr view", "pr checkout", plus auth
// discovery. Grounded on internal/gitservice's CommandContext +
// CombinedOutput + stderr-substring classification pattern, since a
// git-forge CLI is just another external binary that can reject on auth.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/orchestrate-dev/orchestrator/internal/apperr"
)

type CLI struct {
	bin string
}

func New(bin string) *CLI {
	if bin == "" {
		bin = "gh"
	}
	return &CLI{bin: bin}
}

func (c *CLI) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, c.bin, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", classify(dir, args, string(out), err)
	}
	return string(out), nil
}

func classify(dir string, args []string, out string, err error) error {
	op := "gh " + strings.Join(args, " ")
	lower := strings.ToLower(out)
	switch {
	case strings.Contains(lower, "not logged in") || strings.Contains(lower, "gh auth login"):
		return apperr.New(apperr.CliNotLoggedIn, op, dir, fmt.Errorf("%s: %w", out, err))
	case strings.Contains(lower, "authentication") || strings.Contains(lower, "401") || strings.Contains(lower, "403"):
		return apperr.New(apperr.Auth, op, dir, fmt.Errorf("%s: %w", out, err))
	case strings.Contains(lower, "command not found") || strings.Contains(lower, "executable file not found"):
		return apperr.New(apperr.CliNotInstalled, op, dir, fmt.Errorf("%s: %w", out, err))
	default:
		return apperr.New(apperr.Fatal, op, dir, fmt.Errorf("%s: %w", out, err))
	}
}

// PRInfo is the subset of `gh pr view --json` fields the orchestrator's
// Merge model needs.
type PRInfo struct {
	Number      int    `json:"number"`
	URL         string `json:"url"`
	State       string `json:"state"` // OPEN, MERGED, CLOSED
	MergedAt    string `json:"mergedAt"`
	MergeCommit string `json:"mergeCommit"`
	HeadRefName string `json:"headRefName"`
}

type ghPRView struct {
	Number      int    `json:"number"`
	URL         string `json:"url"`
	State       string `json:"state"`
	MergedAt    string `json:"mergedAt"`
	MergeCommit struct {
		Oid string `json:"oid"`
	} `json:"mergeCommit"`
	HeadRefName string `json:"headRefName"`
}

const prViewFields = "number,url,state,mergedAt,mergeCommit,headRefName"

// Create opens a pull request for branch against base, returning its
// PRInfo. worktree must be checked out on branch with a remote reachable.
func (c *CLI) Create(ctx context.Context, worktree, base, title, body string) (*PRInfo, error) {
	out, err := c.run(ctx, worktree, "pr", "create", "--base", base, "--title", title, "--body", body)
	if err != nil {
		return nil, err
	}
	url := strings.TrimSpace(out)
	// gh pr create prints the PR URL as its last non-empty line.
	lines := strings.Split(url, "\n")
	url = strings.TrimSpace(lines[len(lines)-1])
	return c.View(ctx, worktree, url)
}

// View fetches current PR state by URL or number.
func (c *CLI) View(ctx context.Context, worktree, ref string) (*PRInfo, error) {
	out, err := c.run(ctx, worktree, "pr", "view", ref, "--json", prViewFields)
	if err != nil {
		return nil, err
	}
	var v ghPRView
	if jsonErr := json.Unmarshal([]byte(out), &v); jsonErr != nil {
		return nil, apperr.New(apperr.ProtocolError, "provider.View", ref, jsonErr)
	}
	return toPRInfo(v), nil
}

// ListForBranch lists every PR (any status) whose head is branch, newest
// first, matching spec.md §4.10's "attach existing PR: take the first"
// flow.
func (c *CLI) ListForBranch(ctx context.Context, worktree, branch string) ([]*PRInfo, error) {
	out, err := c.run(ctx, worktree, "pr", "list", "--head", branch, "--state", "all", "--json", prViewFields)
	if err != nil {
		return nil, err
	}
	var views []ghPRView
	if jsonErr := json.Unmarshal([]byte(out), &views); jsonErr != nil {
		return nil, apperr.New(apperr.ProtocolError, "provider.ListForBranch", branch, jsonErr)
	}
	out2 := make([]*PRInfo, len(views))
	for i, v := range views {
		out2[i] = toPRInfo(v)
	}
	return out2, nil
}

// Checkout fetches and checks out a PR's head into worktree, using the
// gh CLI's own fork/remote resolution (`pr checkout` handles both
// same-repo branches and fork remotes, HTTPS or SSH, without the caller
// needing to resolve the remote itself).
func (c *CLI) Checkout(ctx context.Context, worktree string, prNumber int) error {
	_, err := c.run(ctx, worktree, "pr", "checkout", fmt.Sprintf("%d", prNumber))
	return err
}

// AuthStatus reports whether gh is installed and logged in, classifying
// failures the way spec.md §6 requires (AuthFailed vs NotAvailable).
func (c *CLI) AuthStatus(ctx context.Context, dir string) error {
	_, err := c.run(ctx, dir, "auth", "status")
	return err
}

func toPRInfo(v ghPRView) *PRInfo {
	return &PRInfo{
		Number:      v.Number,
		URL:         v.URL,
		State:       v.State,
		MergedAt:    v.MergedAt,
		MergeCommit: v.MergeCommit.Oid,
		HeadRefName: v.HeadRefName,
	}
}

// Status maps a gh pr State string to the orchestrator's model.MergeStatus
// vocabulary (kept in this package, rather than importing pkg/model, to
// avoid a provider->model dependency the rest of the git layer doesn't
// need; internal/orchestrator does the actual mapping at its boundary).
func Status(state string) string {
	switch strings.ToUpper(state) {
	case "MERGED":
		return "merged"
	case "CLOSED":
		return "closed"
	case "OPEN":
		return "open"
	default:
		return "unknown"
	}
}
