package org

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/pilotdeck/pilotdeck/internal/git"
	"github.com/pilotdeck/pilotdeck/internal/session"
)

// WorktreeProvider creates isolated checkouts. Implementations are opaque
// remote calls: the former only cares about success or failure.
type WorktreeProvider interface {
	Create(repoDir, branch string) (id string, err error)
}

// GitWorktrees creates real git worktrees under <repo>/.worktrees/.
type GitWorktrees struct{}

// Create makes a worktree for branch and returns the branch name as its id.
func (GitWorktrees) Create(repoDir, branch string) (string, error) {
	path := git.WorktreePathFor(repoDir, branch)
	if err := git.CreateWorktree(repoDir, path, branch); err != nil {
		return "", err
	}
	return branch, nil
}

// GroupSpec describes a multi-agent group to form.
type GroupSpec struct {
	Name         string
	RepoDir      string // empty = no repository, no worktrees
	Strategy     Strategy
	Orchestrator string   // orchestrator session name
	Workers      []string // worker session names
	Model        string
}

// Former creates session groups, spinning up member sessions and their
// worktrees according to the group's isolation strategy.
type Former struct {
	store     *Store
	machine   *session.Machine
	worktrees WorktreeProvider
}

// NewFormer wires a former over the store, machine, and worktree provider.
func NewFormer(store *Store, machine *session.Machine, worktrees WorktreeProvider) *Former {
	if worktrees == nil {
		worktrees = GitWorktrees{}
	}
	return &Former{store: store, machine: machine, worktrees: worktrees}
}

// memberPlan is one member's session name, role, and desired branch.
// An empty branch means the member runs without a worktree.
type memberPlan struct {
	name   string
	role   string
	branch string
}

// FormGroup creates the group, its sessions, and its worktrees. Worktree
// creation failures degrade the affected member to no worktree; they never
// prevent the group from forming or a session from being created. The
// returned group records exactly the worktree ids that were created.
func (f *Former) FormGroup(ctx context.Context, spec GroupSpec) (*Group, error) {
	if spec.Orchestrator == "" {
		return nil, fmt.Errorf("group needs an orchestrator session name")
	}
	if spec.Strategy == "" {
		spec.Strategy = StrategyShared
	}

	group := &Group{
		ID:         newGroupID(),
		Name:       spec.Name,
		MultiAgent: len(spec.Workers) > 0,
		Strategy:   spec.Strategy,
	}

	plans := planMembers(spec)

	// Distinct branches are independent remote calls; create each once,
	// in parallel. Goroutines record outcomes instead of returning errors
	// so one failure cannot cancel the rest of the group.
	branches := make([]string, 0, len(plans))
	seenBranch := make(map[string]bool)
	if spec.RepoDir != "" {
		for _, plan := range plans {
			if plan.branch != "" && !seenBranch[plan.branch] {
				seenBranch[plan.branch] = true
				branches = append(branches, plan.branch)
			}
		}
	}

	var eg errgroup.Group
	var mu sync.Mutex
	created := make(map[string]string) // branch -> worktree id
	for _, branch := range branches {
		branch := branch
		eg.Go(func() error {
			id, err := f.worktrees.Create(spec.RepoDir, branch)
			if err != nil {
				orgLog.Warn("worktree_create_failed",
					slog.String("group", spec.Name),
					slog.String("branch", branch),
					slog.String("error", err.Error()))
				return nil
			}
			mu.Lock()
			created[branch] = id
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()

	worktreeIDs := make([]string, len(plans))
	for i, plan := range plans {
		worktreeIDs[i] = created[plan.branch]
	}
	for _, branch := range branches {
		if id := created[branch]; id != "" {
			group.WorktreeIDs = append(group.WorktreeIDs, id)
		}
	}

	f.store.AddGroup(group)

	for i, plan := range plans {
		if _, err := f.machine.CreateSession(plan.name, spec.Model); err != nil {
			orgLog.Warn("group_member_create_failed",
				slog.String("group", spec.Name),
				slog.String("member", plan.name),
				slog.String("error", err.Error()))
			continue
		}
		f.store.AssignSession(plan.name, group.ID, plan.role, worktreeIDs[i])
		if spec.Model != "" {
			f.store.SetModel(plan.name, spec.Model)
		}
	}

	orgLog.Info("group_formed",
		slog.String("group", spec.Name),
		slog.String("strategy", string(spec.Strategy)),
		slog.Int("members", len(plans)),
		slog.Int("worktrees", len(group.WorktreeIDs)))
	return group, nil
}

// planMembers lays out each member's branch per the isolation strategy.
func planMembers(spec GroupSpec) []memberPlan {
	base := git.BranchFromGroupName(spec.Name)
	if base == "" {
		base = "group"
	}

	plans := make([]memberPlan, 0, 1+len(spec.Workers))

	switch spec.Strategy {
	case StrategyOrchestratorIsolated:
		plans = append(plans, memberPlan{name: spec.Orchestrator, role: "orchestrator", branch: base + "-orchestrator"})
		for _, w := range spec.Workers {
			plans = append(plans, memberPlan{name: w, role: "worker", branch: base + "-workers"})
		}

	case StrategyFullyIsolated:
		plans = append(plans, memberPlan{name: spec.Orchestrator, role: "orchestrator", branch: base + "-orchestrator"})
		for i, w := range spec.Workers {
			plans = append(plans, memberPlan{name: w, role: "worker", branch: fmt.Sprintf("%s-w%d", base, i+1)})
		}

	default: // StrategyShared: one worktree for everyone
		plans = append(plans, memberPlan{name: spec.Orchestrator, role: "orchestrator", branch: base})
		for _, w := range spec.Workers {
			plans = append(plans, memberPlan{name: w, role: "worker", branch: base})
		}
	}

	return plans
}

func newGroupID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "group-unknown"
	}
	return hex.EncodeToString(b)
}
