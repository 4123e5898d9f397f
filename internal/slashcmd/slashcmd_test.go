package slashcmd

import (
	"context"
	"errors"
	"testing"

	"github.com/orchestrate-dev/orchestrator/internal/executor"
)

func TestParsePrompt(t *testing.T) {
	cases := []struct {
		prompt   string
		wantOK   bool
		wantName string
		wantArgs string
	}{
		{"/review please check this", true, "review", "please check this"},
		{"/compact", true, "compact", ""},
		{"  /plan   do the thing", true, "plan", "do the thing"},
		{"not a slash command", false, "", ""},
		{"", false, "", ""},
		{"   ", false, "", ""},
	}
	for _, tc := range cases {
		inv, ok := ParsePrompt(tc.prompt)
		if ok != tc.wantOK {
			t.Errorf("ParsePrompt(%q) ok = %v, want %v", tc.prompt, ok, tc.wantOK)
			continue
		}
		if !ok {
			continue
		}
		if inv.Name != tc.wantName || inv.Args != tc.wantArgs {
			t.Errorf("ParsePrompt(%q) = %+v, want name=%q args=%q", tc.prompt, inv, tc.wantName, tc.wantArgs)
		}
	}
}

type fakeExecutor struct {
	executor.Executor
	calls int
	cmds  []executor.SlashCommand
	err   error
}

func (f *fakeExecutor) AvailableSlashCommands(ctx context.Context, cwd string) ([]executor.SlashCommand, error) {
	f.calls++
	return f.cmds, f.err
}

func TestCache_DiscoverCachesResult(t *testing.T) {
	fe := &fakeExecutor{cmds: []executor.SlashCommand{{Name: "review"}}}
	c := NewCache()

	cmds, err := c.Discover(context.Background(), "claude-code", "/ws/repo", fe)
	if err != nil || len(cmds) != 1 {
		t.Fatalf("unexpected first discover: %v %v", cmds, err)
	}

	cmds, err = c.Discover(context.Background(), "claude-code", "/ws/repo", fe)
	if err != nil || len(cmds) != 1 {
		t.Fatalf("unexpected second discover: %v %v", cmds, err)
	}
	if fe.calls != 1 {
		t.Fatalf("expected discovery to run once, ran %d times", fe.calls)
	}
}

func TestCache_RefreshBypassesCache(t *testing.T) {
	fe := &fakeExecutor{cmds: []executor.SlashCommand{{Name: "a"}}}
	c := NewCache()
	_, _ = c.Discover(context.Background(), "claude-code", "/ws/repo", fe)

	fe.cmds = []executor.SlashCommand{{Name: "a"}, {Name: "b"}}
	cmds, err := c.Refresh(context.Background(), "claude-code", "/ws/repo", fe)
	if err != nil || len(cmds) != 2 {
		t.Fatalf("expected refresh to see updated commands, got %v %v", cmds, err)
	}
	if fe.calls != 2 {
		t.Fatalf("expected 2 discovery calls, got %d", fe.calls)
	}
}

func TestCache_InvalidateCwd(t *testing.T) {
	fe := &fakeExecutor{cmds: []executor.SlashCommand{{Name: "a"}}}
	c := NewCache()
	_, _ = c.Discover(context.Background(), "claude-code", "/ws/a", fe)
	_, _ = c.Discover(context.Background(), "codex", "/ws/a", fe)
	_, _ = c.Discover(context.Background(), "claude-code", "/ws/b", fe)

	c.InvalidateCwd("/ws/a")

	if _, ok := c.Get("/ws/a", "claude-code"); ok {
		t.Fatal("expected /ws/a entries invalidated")
	}
	if _, ok := c.Get("/ws/a", "codex"); ok {
		t.Fatal("expected /ws/a entries invalidated across executors")
	}
	if _, ok := c.Get("/ws/b", "claude-code"); !ok {
		t.Fatal("expected unrelated cwd to remain cached")
	}
}

func TestCache_DiscoverCachesFailure(t *testing.T) {
	fe := &fakeExecutor{err: errors.New("cli not found")}
	c := NewCache()

	_, err := c.Discover(context.Background(), "claude-code", "/ws/repo", fe)
	if err == nil {
		t.Fatal("expected error surfaced")
	}
	_, err = c.Discover(context.Background(), "claude-code", "/ws/repo", fe)
	if err == nil {
		t.Fatal("expected cached error surfaced on second call")
	}
	if fe.calls != 1 {
		t.Fatalf("expected failure to be cached (1 call), got %d", fe.calls)
	}
}
