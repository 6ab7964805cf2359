package git

import (
	"path/filepath"
	"testing"
)

func TestBranchFromGroupName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Fix The Build", "fix-the-build"},
		{"already-dashed", "already-dashed"},
		{"Spaces   and___underscores", "spaces-and-underscores"},
		{"UPPER Case 123", "upper-case-123"},
		{"--leading and trailing--", "leading-and-trailing"},
		{"émoji 🚀 chars", "moji-chars"},
		{"", ""},
		{"!!!", ""},
	}
	for _, tt := range tests {
		if got := BranchFromGroupName(tt.in); got != tt.want {
			t.Errorf("BranchFromGroupName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidateBranchName(t *testing.T) {
	valid := []string{"main", "feature/login", "fix-123", "release-v2"}
	for _, name := range valid {
		if err := ValidateBranchName(name); err != nil {
			t.Errorf("ValidateBranchName(%q) = %v, want nil", name, err)
		}
	}

	invalid := []string{
		"",
		" padded ",
		"two..dots",
		".hidden",
		"ends.lock",
		"has space",
		"has~tilde",
		"has:colon",
		"has?question",
		"has*star",
		"has[bracket",
		"back\\slash",
		"ref@{log}",
		"@",
	}
	for _, name := range invalid {
		if err := ValidateBranchName(name); err == nil {
			t.Errorf("ValidateBranchName(%q) = nil, want error", name)
		}
	}
}

func TestWorktreePathFor(t *testing.T) {
	got := WorktreePathFor("/repo", "feature/login")
	want := filepath.Join("/repo", ".worktrees", "feature-login")
	if got != want {
		t.Errorf("WorktreePathFor = %q, want %q", got, want)
	}
}

func TestParseWorktreeList(t *testing.T) {
	output := `worktree /repo
HEAD abc123
branch refs/heads/main

worktree /repo/.worktrees/feature-x
HEAD def456
branch refs/heads/feature-x

worktree /repo/.worktrees/detached-one
HEAD 987fed
detached

worktree /bare-repo
bare
`
	worktrees := parseWorktreeList(output)
	if len(worktrees) != 4 {
		t.Fatalf("expected 4 worktrees, got %d", len(worktrees))
	}

	if worktrees[0].Path != "/repo" || worktrees[0].Branch != "main" || worktrees[0].Commit != "abc123" {
		t.Errorf("main worktree: %+v", worktrees[0])
	}
	if worktrees[1].Branch != "feature-x" {
		t.Errorf("feature worktree: %+v", worktrees[1])
	}
	if worktrees[2].Branch != "" {
		t.Errorf("detached worktree should have no branch: %+v", worktrees[2])
	}
	if !worktrees[3].Bare {
		t.Errorf("bare repo not flagged: %+v", worktrees[3])
	}
}

func TestParseWorktreeListEmpty(t *testing.T) {
	if got := parseWorktreeList(""); len(got) != 0 {
		t.Errorf("expected no worktrees, got %+v", got)
	}
}
