// Package org manages session groups and per-session organization
// metadata, persisted as a debounced JSON snapshot.
package org

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pilotdeck/pilotdeck/internal/logging"
)

var orgLog = logging.ForComponent(logging.CompOrg)

// StateFileName is the organization snapshot file under the base directory.
const StateFileName = "organization.json"

// Strategy selects how a multi-agent group isolates its members'
// working directories.
type Strategy string

const (
	// StrategyShared runs every member in one shared worktree.
	StrategyShared Strategy = "shared"

	// StrategyOrchestratorIsolated gives the orchestrator its own worktree
	// while all workers share a second one.
	StrategyOrchestratorIsolated Strategy = "orchestrator-isolated"

	// StrategyFullyIsolated gives every member its own worktree.
	StrategyFullyIsolated Strategy = "fully-isolated"
)

// Group is a named collection of sessions.
type Group struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	MultiAgent bool     `json:"multi_agent"`
	Strategy   Strategy `json:"strategy,omitempty"`

	// WorktreeIDs records exactly which worktrees this group actually
	// created, for later cleanup. Members degraded to no worktree do not
	// appear here.
	WorktreeIDs []string `json:"worktree_ids,omitempty"`
}

// SessionMeta is per-session organization metadata.
type SessionMeta struct {
	GroupID    string `json:"group_id,omitempty"`
	Pinned     bool   `json:"pinned,omitempty"`
	Role       string `json:"role,omitempty"` // orchestrator, worker
	WorktreeID string `json:"worktree_id,omitempty"`

	// Model is the session's chosen model, persisted here so a restarted
	// process can recreate the session with it.
	Model string `json:"model,omitempty"`
}

// State is the full organization snapshot.
type State struct {
	Groups   []*Group                `json:"groups"`
	Sessions map[string]*SessionMeta `json:"sessions"`
}

func emptyState() State {
	return State{Sessions: make(map[string]*SessionMeta)}
}

// clone deep-copies the state so a snapshot cannot observe later mutation.
func (s State) clone() State {
	out := State{
		Groups:   make([]*Group, len(s.Groups)),
		Sessions: make(map[string]*SessionMeta, len(s.Sessions)),
	}
	for i, g := range s.Groups {
		cp := *g
		cp.WorktreeIDs = append([]string(nil), g.WorktreeIDs...)
		out.Groups[i] = &cp
	}
	for name, meta := range s.Sessions {
		cp := *meta
		out.Sessions[name] = &cp
	}
	return out
}

// Store owns organization state. Every mutation takes a synchronous
// point-in-time snapshot on the calling goroutine, then schedules a
// debounced flush of that snapshot: a crash before the timer fires cannot
// lose a consistent state, and mutation during the debounce window cannot
// leak into a write.
type Store struct {
	path     string
	debounce time.Duration

	mu    sync.Mutex
	state State

	flushMu  sync.Mutex
	pending  *State
	timer    *time.Timer
	onChange func(State) // optional, invoked after each mutation
}

// NewStore loads (or initializes) the organization state under baseDir.
// A missing or corrupt snapshot file starts empty, never fails.
func NewStore(baseDir string, debounce time.Duration) *Store {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	s := &Store{
		path:     filepath.Join(baseDir, StateFileName),
		debounce: debounce,
		state:    emptyState(),
	}
	s.load()
	return s
}

// SetOnChange registers a callback invoked with a snapshot after every
// mutation. Must be set before concurrent use.
func (s *Store) SetOnChange(fn func(State)) {
	s.onChange = fn
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		orgLog.Warn("organization_state_corrupt",
			slog.String("path", s.path),
			slog.String("error", err.Error()))
		return
	}
	if st.Sessions == nil {
		st.Sessions = make(map[string]*SessionMeta)
	}
	s.state = st
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// mutate applies fn under the lock, snapshots synchronously, and schedules
// the debounced flush.
func (s *Store) mutate(fn func(*State)) {
	s.mu.Lock()
	fn(&s.state)
	snap := s.state.clone()
	s.mu.Unlock()

	s.scheduleFlush(snap)
	if s.onChange != nil {
		s.onChange(snap)
	}
}

func (s *Store) scheduleFlush(snap State) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	s.pending = &snap
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, s.flushPending)
}

func (s *Store) flushPending() {
	s.flushMu.Lock()
	snap := s.pending
	s.pending = nil
	s.flushMu.Unlock()
	if snap == nil {
		return
	}
	s.write(*snap)
}

// Flush writes any pending snapshot immediately. Call on shutdown.
func (s *Store) Flush() {
	s.flushMu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.flushMu.Unlock()
	s.flushPending()
}

// write persists a snapshot via tmp file + rename so watchers and crashed
// writes never expose a partial file.
func (s *Store) write(snap State) {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		orgLog.Error("organization_marshal_failed", slog.String("error", err.Error()))
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		orgLog.Error("organization_mkdir_failed", slog.String("error", err.Error()))
		return
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		orgLog.Error("organization_write_failed", slog.String("error", err.Error()))
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		orgLog.Error("organization_rename_failed", slog.String("error", err.Error()))
	}
}

// AddGroup inserts a group.
func (s *Store) AddGroup(g *Group) {
	s.mutate(func(st *State) {
		st.Groups = append(st.Groups, g)
	})
}

// RemoveGroup deletes a group and detaches its sessions.
func (s *Store) RemoveGroup(id string) {
	s.mutate(func(st *State) {
		kept := st.Groups[:0]
		for _, g := range st.Groups {
			if g.ID != id {
				kept = append(kept, g)
			}
		}
		st.Groups = kept
		for _, meta := range st.Sessions {
			if meta.GroupID == id {
				meta.GroupID = ""
				meta.Role = ""
			}
		}
	})
}

// GroupByID returns a copy of the group with the given id.
func (s *Store) GroupByID(id string) (Group, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.state.Groups {
		if g.ID == id {
			cp := *g
			cp.WorktreeIDs = append([]string(nil), g.WorktreeIDs...)
			return cp, true
		}
	}
	return Group{}, false
}

// AssignSession attaches a session to a group with a role and worktree.
func (s *Store) AssignSession(name, groupID, role, worktreeID string) {
	s.mutate(func(st *State) {
		meta := st.Sessions[name]
		if meta == nil {
			meta = &SessionMeta{}
			st.Sessions[name] = meta
		}
		meta.GroupID = groupID
		meta.Role = role
		meta.WorktreeID = worktreeID
	})
}

// SetPinned sets a session's pin state.
func (s *Store) SetPinned(name string, pinned bool) {
	s.mutate(func(st *State) {
		meta := st.Sessions[name]
		if meta == nil {
			meta = &SessionMeta{}
			st.Sessions[name] = meta
		}
		meta.Pinned = pinned
	})
}

// SetModel records a session's model choice.
func (s *Store) SetModel(name, model string) {
	s.mutate(func(st *State) {
		meta := st.Sessions[name]
		if meta == nil {
			meta = &SessionMeta{}
			st.Sessions[name] = meta
		}
		meta.Model = model
	})
}

// RenameSession moves a session's metadata to its new name. Unknown
// sessions are a no-op.
func (s *Store) RenameSession(from, to string) {
	s.mu.Lock()
	if s.state.Sessions[from] == nil {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.mutate(func(st *State) {
		meta := st.Sessions[from]
		if meta == nil {
			return
		}
		delete(st.Sessions, from)
		st.Sessions[to] = meta
	})
}

// ForgetSession drops a session's metadata (on session close).
func (s *Store) ForgetSession(name string) {
	s.mutate(func(st *State) {
		delete(st.Sessions, name)
	})
}

// RecordWorktrees appends created worktree ids to a group.
func (s *Store) RecordWorktrees(groupID string, ids []string) {
	if len(ids) == 0 {
		return
	}
	s.mutate(func(st *State) {
		for _, g := range st.Groups {
			if g.ID == groupID {
				g.WorktreeIDs = append(g.WorktreeIDs, ids...)
				return
			}
		}
	})
}

// IsMultiAgentSession reports whether a session belongs to a multi-agent
// group. Used by the watchdog's tier selection.
func (s *Store) IsMultiAgentSession(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta := s.state.Sessions[name]
	if meta == nil || meta.GroupID == "" {
		return false
	}
	for _, g := range s.state.Groups {
		if g.ID == meta.GroupID {
			return g.MultiAgent
		}
	}
	return false
}
