package provider

import (
	"strings"
	"testing"
)

func TestClassify_NotLoggedIn(t *testing.T) {
	err := classify("/tmp", []string{"pr", "list"}, "To get started with GitHub CLI, please run:  gh auth login", assertErr{})
	if !strings.Contains(err.Error(), "pr list") {
		t.Fatalf("expected op in message, got %v", err)
	}
}

func TestToPRInfo(t *testing.T) {
	v := ghPRView{Number: 7, State: "MERGED", URL: "https://example.invalid/pr/7"}
	v.MergeCommit.Oid = "abc123"
	info := toPRInfo(v)
	if info.Number != 7 || info.MergeCommit != "abc123" || Status(info.State) != "merged" {
		t.Fatalf("unexpected PRInfo: %+v", info)
	}
}

func TestStatus(t *testing.T) {
	cases := map[string]string{
		"OPEN":   "open",
		"open":   "open",
		"MERGED": "merged",
		"CLOSED": "closed",
		"WEIRD":  "unknown",
	}
	for in, want := range cases {
		if got := Status(in); got != want {
			t.Errorf("Status(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNew_DefaultsBinary(t *testing.T) {
	c := New("")
	if c.bin != "gh" {
		t.Fatalf("expected default bin gh, got %q", c.bin)
	}
	c2 := New("/usr/local/bin/gh")
	if c2.bin != "/usr/local/bin/gh" {
		t.Fatalf("expected explicit bin preserved, got %q", c2.bin)
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "exit status 1" }
