// Package git provides the worktree plumbing pilotdeck needs for
// multi-agent session groups. Callers treat every operation as an opaque
// remote call with success or failure.
package git

import (
	"bufio"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

// Worktree represents one git worktree.
type Worktree struct {
	Path   string // Filesystem path to the worktree
	Branch string // Branch checked out in this worktree
	Commit string // HEAD commit SHA
	Bare   bool   // Whether this is the bare repository
}

// IsRepo checks whether dir is inside a git repository.
func IsRepo(dir string) bool {
	cmd := exec.Command("git", "-C", dir, "rev-parse", "--git-dir")
	return cmd.Run() == nil
}

// RepoRoot returns the root directory of the repository containing dir.
func RepoRoot(dir string) (string, error) {
	cmd := exec.Command("git", "-C", dir, "rev-parse", "--show-toplevel")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("not a git repository: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

// BranchExists checks whether a local branch exists.
func BranchExists(repoDir, branch string) bool {
	cmd := exec.Command("git", "-C", repoDir, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	return cmd.Run() == nil
}

var branchCollapse = regexp.MustCompile(`-+`)

// BranchFromGroupName derives a branch name from a session group name:
// whitespace and every non-alphanumeric character become dashes, runs of
// dashes collapse, and the result is lowercased.
func BranchFromGroupName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := branchCollapse.ReplaceAllString(b.String(), "-")
	return strings.Trim(out, "-")
}

// ValidateBranchName checks that a branch name follows git's naming rules.
func ValidateBranchName(name string) error {
	if name == "" {
		return errors.New("branch name cannot be empty")
	}
	if strings.TrimSpace(name) != name {
		return errors.New("branch name cannot have leading or trailing spaces")
	}
	if strings.Contains(name, "..") {
		return errors.New("branch name cannot contain '..'")
	}
	if strings.HasPrefix(name, ".") {
		return errors.New("branch name cannot start with '.'")
	}
	if strings.HasSuffix(name, ".lock") {
		return errors.New("branch name cannot end with '.lock'")
	}
	for _, char := range []string{" ", "\t", "~", "^", ":", "?", "*", "[", "\\"} {
		if strings.Contains(name, char) {
			return fmt.Errorf("branch name cannot contain '%s'", char)
		}
	}
	if strings.Contains(name, "@{") {
		return errors.New("branch name cannot contain '@{'")
	}
	if name == "@" {
		return errors.New("branch name cannot be just '@'")
	}
	return nil
}

// WorktreePathFor places a worktree for branch under <repo>/.worktrees/.
func WorktreePathFor(repoDir, branch string) string {
	sanitized := strings.ReplaceAll(branch, "/", "-")
	return filepath.Join(repoDir, ".worktrees", sanitized)
}

// CreateWorktree creates a worktree at worktreePath for the given branch,
// creating the branch if it does not exist yet.
func CreateWorktree(repoDir, worktreePath, branch string) error {
	if err := ValidateBranchName(branch); err != nil {
		return fmt.Errorf("invalid branch name: %w", err)
	}
	if !IsRepo(repoDir) {
		return errors.New("not a git repository")
	}

	var cmd *exec.Cmd
	if BranchExists(repoDir, branch) {
		cmd = exec.Command("git", "-C", repoDir, "worktree", "add", worktreePath, branch)
	} else {
		cmd = exec.Command("git", "-C", repoDir, "worktree", "add", "-b", branch, worktreePath)
	}

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to create worktree: %s: %w", strings.TrimSpace(string(output)), err)
	}
	return nil
}

// RemoveWorktree removes a worktree. force removes it even with
// uncommitted changes.
func RemoveWorktree(repoDir, worktreePath string, force bool) error {
	if !IsRepo(repoDir) {
		return errors.New("not a git repository")
	}

	args := []string{"-C", repoDir, "worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, worktreePath)

	output, err := exec.Command("git", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to remove worktree: %s: %w", strings.TrimSpace(string(output)), err)
	}
	return nil
}

// ListWorktrees returns all worktrees for the repository at repoDir.
func ListWorktrees(repoDir string) ([]Worktree, error) {
	if !IsRepo(repoDir) {
		return nil, errors.New("not a git repository")
	}

	cmd := exec.Command("git", "-C", repoDir, "worktree", "list", "--porcelain")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}
	return parseWorktreeList(string(output)), nil
}

// parseWorktreeList parses `git worktree list --porcelain` output.
func parseWorktreeList(output string) []Worktree {
	var worktrees []Worktree
	var current Worktree

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			// Blank line ends a worktree entry
			if current.Path != "" {
				worktrees = append(worktrees, current)
			}
			current = Worktree{}
			continue
		}

		switch {
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.Commit = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			branch := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(branch, "refs/heads/")
		case line == "bare":
			current.Bare = true
		case line == "detached":
			current.Branch = ""
		}
	}

	if current.Path != "" {
		worktrees = append(worktrees, current)
	}
	return worktrees
}

// PruneWorktrees removes stale worktree references.
func PruneWorktrees(repoDir string) error {
	output, err := exec.Command("git", "-C", repoDir, "worktree", "prune").CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to prune worktrees: %s: %w", strings.TrimSpace(string(output)), err)
	}
	return nil
}
