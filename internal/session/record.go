// Package session implements the per-session processing state machine, its
// watchdog, and the registry that owns session records.
package session

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Phase represents where a processing turn currently is.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseSending
	PhaseThinking
	PhaseWorking
)

// String returns the wire name for a phase.
func (p Phase) String() string {
	switch p {
	case PhaseSending:
		return "sending"
	case PhaseThinking:
		return "thinking"
	case PhaseWorking:
		return "working"
	default:
		return "idle"
	}
}

// resumeState tracks a session restored mid-turn after a process restart.
// It replaces the ad hoc IsResumed/hasReceivedEvents boolean combination
// with an explicit progression: a resumed session is awaiting its first
// event, then active once one arrives, then cleared when the turn ends.
type resumeState int32

const (
	resumeNone resumeState = iota
	resumeAwaitingEvent
	resumeActive
)

// ChatMessage is one entry in a session's conversation history.
type ChatMessage struct {
	Role      string    `json:"role"` // user, assistant, system
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Record is the mutable state for one session. Fields read across
// goroutines for timeout/generation decisions are atomics; history, the
// steering queue, and unflushed assistant content sit behind mu.
//
// Mutation goes through the Machine or the Watchdog only; the Registry
// stores and looks up records but owns no policy.
type Record struct {
	Name string

	generation     atomic.Int64
	processing     atomic.Bool
	phase          atomic.Int32
	startedAt      atomic.Int64 // unix nanos, 0 = not processing
	lastProgressAt atomic.Int64 // unix nanos of last progress event
	toolCalls      atomic.Int32
	activeTools    atomic.Int32
	usedTools      atomic.Bool
	receivedEvents atomic.Bool
	resume         atomic.Int32 // resumeState
	completionDue  atomic.Bool  // a completion callback is outstanding

	mu      sync.Mutex
	model   string
	history []ChatMessage
	queue   []string
	pending []string // assistant content accumulated but not yet flushed
}

// NewRecord creates an idle session record.
func NewRecord(name, model string) *Record {
	r := &Record{Name: name}
	r.model = model
	return r
}

// Generation returns the live generation counter.
func (r *Record) Generation() int64 { return r.generation.Load() }

// IsProcessing reports whether a turn is in flight.
func (r *Record) IsProcessing() bool { return r.processing.Load() }

// Phase returns the current processing phase.
func (r *Record) Phase() Phase { return Phase(r.phase.Load()) }

// IsResumed reports whether the session was mid-turn at the last restart
// and has not completed a turn since.
func (r *Record) IsResumed() bool {
	return resumeState(r.resume.Load()) != resumeNone
}

// Model returns the session's model name.
func (r *Record) Model() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.model
}

// SetModel updates the session's model name.
func (r *Record) SetModel(model string) {
	r.mu.Lock()
	r.model = model
	r.mu.Unlock()
}

// History returns a copy of the session's conversation history.
func (r *Record) History() []ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ChatMessage, len(r.history))
	copy(out, r.history)
	return out
}

// QueuedMessages returns a copy of the pending steering queue.
func (r *Record) QueuedMessages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.queue))
	copy(out, r.queue)
	return out
}

func (r *Record) appendHistory(msg ChatMessage) {
	r.mu.Lock()
	r.history = append(r.history, msg)
	r.mu.Unlock()
}

func (r *Record) setHistory(msgs []ChatMessage) {
	r.mu.Lock()
	r.history = msgs
	r.mu.Unlock()
}

func (r *Record) appendPending(text string) {
	r.mu.Lock()
	r.pending = append(r.pending, text)
	r.mu.Unlock()
}

// drainPending removes and returns the accumulated assistant content.
func (r *Record) drainPending() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.pending
	r.pending = nil
	return out
}

func (r *Record) enqueue(text string) {
	r.mu.Lock()
	r.queue = append(r.queue, text)
	r.mu.Unlock()
}

// dequeue pops the oldest steering message, if any.
func (r *Record) dequeue() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return "", false
	}
	head := r.queue[0]
	r.queue = r.queue[1:]
	return head, true
}

func (r *Record) clearQueue() {
	r.mu.Lock()
	r.queue = nil
	r.mu.Unlock()
}

// clearProcessing atomically ends the in-flight turn. Every path that sets
// IsProcessing false goes through here so the companion fields can never be
// partially cleared: started-at, tool counters, phase, tool-usage flag,
// resume state, and the pending-completion signal all reset together.
func (r *Record) clearProcessing() {
	r.processing.Store(false)
	r.startedAt.Store(0)
	r.lastProgressAt.Store(0)
	r.toolCalls.Store(0)
	r.phase.Store(int32(PhaseIdle))
	r.activeTools.Store(0)
	r.usedTools.Store(false)
	r.receivedEvents.Store(false)
	r.resume.Store(int32(resumeNone))
	r.completionDue.Store(false)
}

// Snapshot is the exported read-only view of a record, used by the bridge.
type Snapshot struct {
	Name                string    `json:"name"`
	Model               string    `json:"model,omitempty"`
	IsProcessing        bool      `json:"is_processing"`
	Phase               string    `json:"phase"`
	ProcessingStartedAt time.Time `json:"processing_started_at,omitempty"`
	ToolCallCount       int       `json:"tool_call_count"`
	ActiveToolCallCount int       `json:"active_tool_call_count"`
	HasUsedTools        bool      `json:"has_used_tools"`
	IsResumed           bool      `json:"is_resumed"`
	Generation          int64     `json:"generation"`
	QueuedMessages      int       `json:"queued_messages"`
}

// Snapshot returns a point-in-time view of the record.
func (r *Record) Snapshot() Snapshot {
	var started time.Time
	if ns := r.startedAt.Load(); ns != 0 {
		started = time.Unix(0, ns)
	}
	r.mu.Lock()
	model := r.model
	queued := len(r.queue)
	r.mu.Unlock()
	return Snapshot{
		Name:                r.Name,
		Model:               model,
		IsProcessing:        r.processing.Load(),
		Phase:               r.Phase().String(),
		ProcessingStartedAt: started,
		ToolCallCount:       int(r.toolCalls.Load()),
		ActiveToolCallCount: int(r.activeTools.Load()),
		HasUsedTools:        r.usedTools.Load(),
		IsResumed:           r.IsResumed(),
		Generation:          r.generation.Load(),
		QueuedMessages:      queued,
	}
}

// Registry is a concurrent map of session name to record. Storage and
// lookup only; transitions belong to the Machine and the Watchdog.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{records: make(map[string]*Record)}
}

// Get returns the record for name, or nil if absent.
func (g *Registry) Get(name string) *Record {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.records[name]
}

// Add inserts a record. Returns false if the name is already taken.
func (g *Registry) Add(r *Record) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.records[r.Name]; exists {
		return false
	}
	g.records[r.Name] = r
	return true
}

// Remove deletes the record for name, returning it (nil if absent).
func (g *Registry) Remove(name string) *Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	r := g.records[name]
	delete(g.records, name)
	return r
}

// Rename changes a record's key. Returns false if from is absent or to is
// already taken.
func (g *Registry) Rename(from, to string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.records[from]
	if !ok {
		return false
	}
	if _, taken := g.records[to]; taken {
		return false
	}
	delete(g.records, from)
	r.Name = to
	g.records[to] = r
	return true
}

// List returns all records sorted by name.
func (g *Registry) List() []*Record {
	g.mu.RLock()
	out := make([]*Record, 0, len(g.records))
	for _, r := range g.records {
		out = append(out, r)
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of sessions.
func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.records)
}
