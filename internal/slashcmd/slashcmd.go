// Package slashcmd parses slash-command invocations out of a prompt and
// caches each executor's discovered command list per working directory, so
// a UI can autocomplete without re-running discovery on every keystroke
// (spec.md §4.11). Kept to the standard library: the cache is a plain
// map behind a sync.RWMutex, the same single-reader-writer-lock shape
// spec.md calls for, with nothing domain-specific enough to warrant a
// third-party cache library.
package slashcmd

import (
	"context"
	"strings"
	"sync"

	"github.com/orchestrate-dev/orchestrator/internal/executor"
)

// Invocation is the parsed result of ParsePrompt.
type Invocation struct {
	Name string // without the leading slash
	Args string
}

// ParsePrompt reports whether prompt is a slash-command invocation: the
// first non-whitespace rune is '/'. Name is the substring up to (but not
// including) the first whitespace after the slash; Args is everything
// after that whitespace, trimmed of its own leading space but otherwise
// untouched.
func ParsePrompt(prompt string) (Invocation, bool) {
	trimmed := strings.TrimLeft(prompt, " \t\n\r")
	if trimmed == "" || trimmed[0] != '/' {
		return Invocation{}, false
	}

	rest := trimmed[1:]
	idx := strings.IndexAny(rest, " \t\n\r")
	if idx < 0 {
		return Invocation{Name: rest}, true
	}
	return Invocation{
		Name: rest[:idx],
		Args: strings.TrimLeft(rest[idx+1:], " \t"),
	}, true
}

// cacheKey identifies one discovery result: a (cwd, executor) pair.
type cacheKey struct {
	cwd      string
	executor string
}

// entry is one cached discovery result.
type entry struct {
	commands []executor.SlashCommand
	err      error
}

// Cache holds the last discovery result, success or failure, per
// (cwd, executor),
// invalidated by a cwd change (a different key entirely, so it ages out on
// its own) or an explicit Invalidate/Refresh call.
type Cache struct {
	mu      sync.RWMutex
	entries map[cacheKey]entry
}

func NewCache() *Cache {
	return &Cache{entries: make(map[cacheKey]entry)}
}

// Get returns the cached discovery result for (cwd, executorName) if
// present, without triggering discovery.
func (c *Cache) Get(cwd, executorName string) ([]executor.SlashCommand, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[cacheKey{cwd: cwd, executor: executorName}]
	if !ok {
		return nil, false
	}
	return e.commands, true
}

// Discover returns the cached result for (cwd, executorName), running
// exec.AvailableSlashCommands and populating the cache on a miss.
func (c *Cache) Discover(ctx context.Context, executorName, cwd string, exec executor.Executor) ([]executor.SlashCommand, error) {
	c.mu.RLock()
	e, ok := c.entries[cacheKey{cwd: cwd, executor: executorName}]
	c.mu.RUnlock()
	if ok {
		return e.commands, e.err
	}
	return c.Refresh(ctx, executorName, cwd, exec)
}

// Refresh unconditionally re-runs discovery and replaces the cache entry,
// even a previously successful one, including re-caching a failure so a
// flapping CLI doesn't get hammered every call.
func (c *Cache) Refresh(ctx context.Context, executorName, cwd string, exec executor.Executor) ([]executor.SlashCommand, error) {
	cmds, err := exec.AvailableSlashCommands(ctx, cwd)

	c.mu.Lock()
	c.entries[cacheKey{cwd: cwd, executor: executorName}] = entry{commands: cmds, err: err}
	c.mu.Unlock()

	return cmds, err
}

// Invalidate drops the cached entry for (cwd, executorName), if any.
func (c *Cache) Invalidate(cwd, executorName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey{cwd: cwd, executor: executorName})
}

// InvalidateCwd drops every cached entry rooted at cwd, across all
// executors — the case a worktree's removal or a project rescan needs.
func (c *Cache) InvalidateCwd(cwd string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.cwd == cwd {
			delete(c.entries, k)
		}
	}
}
