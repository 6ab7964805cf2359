package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pilotdeck/pilotdeck/internal/logging"
)

var machineLog = logging.ForComponent(logging.CompSession)

var (
	// ErrNoSession is returned when an operation names an unknown session.
	ErrNoSession = errors.New("session not found")

	// ErrSessionExists is returned when creating a session whose name is taken.
	ErrSessionExists = errors.New("session already exists")

	// ErrAlreadyProcessing is returned by BeginTurn while a turn is in flight.
	ErrAlreadyProcessing = errors.New("session is already processing")
)

// Backend starts turns on the external CLI process and aborts them.
// Send is fire-and-forget from the machine's perspective: results come back
// asynchronously through the event log, never through Send's return.
type Backend interface {
	Send(ctx context.Context, session, prompt string, generation int64) error
	Abort(ctx context.Context, session string) error
}

// HistoryStore persists chat messages. The machine only relies on this call
// contract; storage mechanics live in the history package.
type HistoryStore interface {
	Append(session string, msg ChatMessage) error
	Load(session string) ([]ChatMessage, error)
	Delete(session string) error
}

// ChangeKind discriminates state-change notifications.
type ChangeKind string

const (
	ChangeSessionCreated ChangeKind = "session_created"
	ChangeSessionClosed  ChangeKind = "session_closed"
	ChangeSessionRenamed ChangeKind = "session_renamed"
	ChangeModelChanged   ChangeKind = "model_changed"
	ChangeTurnStarted    ChangeKind = "turn_started"
	ChangeTurnEnded      ChangeKind = "turn_ended"
	ChangePhase          ChangeKind = "phase"
	ChangeContentDelta   ChangeKind = "content_delta"
	ChangeError          ChangeKind = "error"
	ChangeStuck          ChangeKind = "stuck"
)

// Change is one state-change notification, fanned out to the bridge.
type Change struct {
	Kind     ChangeKind
	Session  string
	OldName  string // set for renames
	Text     string // delta text or error message
	Message  *ChatMessage
	Snapshot Snapshot
}

// Machine applies inbound events, user sends, and aborts to session records
// under generation control. All transitions for one session are serialized
// by the generation compare-and-discard, not by a lock.
type Machine struct {
	registry   *Registry
	backend    Backend
	history    HistoryStore // optional
	classifier *Classifier

	abortTimeout time.Duration

	notify func(Change)
}

// NewMachine creates a state machine over the given registry and backend.
// history may be nil.
func NewMachine(registry *Registry, backend Backend, history HistoryStore, classifier *Classifier, abortTimeout time.Duration) *Machine {
	if classifier == nil {
		classifier = NewClassifier(nil)
	}
	if abortTimeout <= 0 {
		abortTimeout = 2 * time.Second
	}
	return &Machine{
		registry:     registry,
		backend:      backend,
		history:      history,
		classifier:   classifier,
		abortTimeout: abortTimeout,
	}
}

// SetNotifier registers the state-change callback. Must be called before
// concurrent use.
func (m *Machine) SetNotifier(fn func(Change)) {
	m.notify = fn
}

// Registry returns the registry this machine mutates.
func (m *Machine) Registry() *Registry { return m.registry }

func (m *Machine) emit(c Change) {
	if m.notify != nil {
		m.notify(c)
	}
}

func (m *Machine) persist(session string, msg ChatMessage) {
	if m.history == nil {
		return
	}
	if err := m.history.Append(session, msg); err != nil {
		machineLog.Warn("history_append_failed",
			slog.String("session", session),
			slog.String("error", err.Error()))
	}
}

// CreateSession registers a new idle session and loads any persisted
// history for it.
func (m *Machine) CreateSession(name, model string) (*Record, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("session name is required")
	}
	r := NewRecord(name, model)
	if m.history != nil {
		if msgs, err := m.history.Load(name); err == nil && len(msgs) > 0 {
			r.setHistory(msgs)
		}
	}
	if !m.registry.Add(r) {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, name)
	}
	m.emit(Change{Kind: ChangeSessionCreated, Session: name, Snapshot: r.Snapshot()})
	return r, nil
}

// CloseSession aborts any in-flight turn, removes the session, and drops
// its persisted history. Closing an unknown session is a no-op.
func (m *Machine) CloseSession(ctx context.Context, name string) {
	m.Abort(ctx, name, false)
	r := m.registry.Remove(name)
	if r == nil {
		return
	}
	if m.history != nil {
		if err := m.history.Delete(name); err != nil {
			machineLog.Warn("history_delete_failed",
				slog.String("session", name),
				slog.String("error", err.Error()))
		}
	}
	m.emit(Change{Kind: ChangeSessionClosed, Session: name})
}

// RenameSession changes a session's name.
func (m *Machine) RenameSession(from, to string) error {
	if strings.TrimSpace(to) == "" {
		return fmt.Errorf("new session name is required")
	}
	if !m.registry.Rename(from, to) {
		return fmt.Errorf("rename %s -> %s: %w", from, to, ErrNoSession)
	}
	r := m.registry.Get(to)
	m.emit(Change{Kind: ChangeSessionRenamed, Session: to, OldName: from, Snapshot: r.Snapshot()})
	return nil
}

// ChangeModel updates the session's model.
func (m *Machine) ChangeModel(name, model string) error {
	r := m.registry.Get(name)
	if r == nil {
		return fmt.Errorf("change model: %w", ErrNoSession)
	}
	r.SetModel(model)
	m.emit(Change{Kind: ChangeModelChanged, Session: name, Text: model, Snapshot: r.Snapshot()})
	return nil
}

// BeginTurn starts a new turn: marks the session processing, increments the
// generation, resets per-turn counters, records the user message, and
// dispatches the prompt to the backend. Returns the new generation.
//
// Resetting the tool counters here keeps stale tool usage from a prior turn
// from inflating the next turn's watchdog tier.
func (m *Machine) BeginTurn(ctx context.Context, name, prompt string) (int64, error) {
	r := m.registry.Get(name)
	if r == nil {
		return 0, fmt.Errorf("begin turn: %w", ErrNoSession)
	}
	if !r.processing.CompareAndSwap(false, true) {
		return 0, fmt.Errorf("begin turn %s: %w", name, ErrAlreadyProcessing)
	}

	gen := r.generation.Add(1)
	now := time.Now()
	r.startedAt.Store(now.UnixNano())
	r.lastProgressAt.Store(now.UnixNano())
	r.phase.Store(int32(PhaseSending))
	r.toolCalls.Store(0)
	r.activeTools.Store(0)
	r.usedTools.Store(false)
	r.receivedEvents.Store(false)
	r.completionDue.Store(true)

	userMsg := ChatMessage{Role: "user", Content: prompt, Timestamp: now}
	r.appendHistory(userMsg)
	m.persist(name, userMsg)
	m.emit(Change{Kind: ChangeTurnStarted, Session: name, Message: &userMsg, Snapshot: r.Snapshot()})

	if err := m.backend.Send(ctx, name, prompt, gen); err != nil {
		// Backend unreachable: clear state and surface a user-visible error.
		r.clearProcessing()
		m.emit(Change{Kind: ChangeError, Session: name, Text: err.Error(), Snapshot: r.Snapshot()})
		m.emit(Change{Kind: ChangeTurnEnded, Session: name, Snapshot: r.Snapshot()})
		return 0, fmt.Errorf("backend send: %w", err)
	}

	machineLog.Debug("turn_started",
		slog.String("session", name),
		slog.Int64("generation", gen))
	return gen, nil
}

// HandleEvent applies one backend event. Events carrying a generation that
// does not match the session's live generation are stale leftovers from an
// aborted or superseded turn and are discarded without error.
func (m *Machine) HandleEvent(name string, ev AgentEvent) {
	r := m.registry.Get(name)
	if r == nil {
		return
	}
	if !r.processing.Load() || ev.Generation != r.generation.Load() {
		logging.Aggregate(logging.CompSession, "stale_event_discarded",
			slog.String("session", name))
		return
	}

	if m.classifier.IsProgress(ev.Kind) {
		r.lastProgressAt.Store(time.Now().UnixNano())
		r.receivedEvents.Store(true)
		r.resume.CompareAndSwap(int32(resumeAwaitingEvent), int32(resumeActive))
	}

	prevPhase := r.Phase()

	switch ev.Kind {
	case EventMessageStart:
		r.phase.Store(int32(PhaseWorking))

	case EventThinking:
		r.phase.Store(int32(PhaseThinking))

	case EventContentDelta:
		r.phase.Store(int32(PhaseWorking))
		r.appendPending(ev.Text)
		m.emit(Change{Kind: ChangeContentDelta, Session: name, Text: ev.Text, Snapshot: r.Snapshot()})

	case EventToolStarted:
		r.toolCalls.Add(1)
		r.activeTools.Add(1)
		r.usedTools.Store(true)
		r.phase.Store(int32(PhaseWorking))

	case EventToolFinished:
		// Duplicate finish events must not drive the counter negative.
		for {
			n := r.activeTools.Load()
			if n <= 0 {
				break
			}
			if r.activeTools.CompareAndSwap(n, n-1) {
				break
			}
		}

	case EventUsage:
		// Metrics only. No state transition, no progress credit.

	case EventTurnComplete:
		m.CompleteTurn(name, ev.Generation)
		return

	case EventError:
		text := ev.Text
		if text == "" {
			text = "backend reported an error"
		}
		// Partial assistant content produced before the failure stays in
		// history rather than leaking into the next turn's flush.
		flushed := m.flushPending(r)
		errMsg := ChatMessage{Role: "system", Content: text, Timestamp: time.Now()}
		r.appendHistory(errMsg)
		m.persist(name, errMsg)
		r.clearProcessing()
		m.emit(Change{Kind: ChangeError, Session: name, Text: text, Message: &errMsg, Snapshot: r.Snapshot()})
		m.emit(Change{Kind: ChangeTurnEnded, Session: name, Message: flushed, Snapshot: r.Snapshot()})
		return

	default:
		// Unknown kind: progress credit already applied above.
		machineLog.Debug("unclassified_event",
			slog.String("session", name),
			slog.String("kind", string(ev.Kind)))
	}

	if r.Phase() != prevPhase {
		m.emit(Change{Kind: ChangePhase, Session: name, Text: r.Phase().String(), Snapshot: r.Snapshot()})
	}
}

// CompleteTurn ends the turn for the given generation: flushes accumulated
// assistant content into history, clears processing state, and starts the
// next queued steering message if one is waiting. A mismatched generation
// or an already-idle session makes this a silent no-op.
func (m *Machine) CompleteTurn(name string, generation int64) {
	r := m.registry.Get(name)
	if r == nil {
		return
	}
	if !r.processing.Load() || generation != r.generation.Load() {
		logging.Aggregate(logging.CompSession, "stale_completion_discarded",
			slog.String("session", name))
		return
	}

	flushed := m.flushPending(r)
	r.clearProcessing()
	m.emit(Change{Kind: ChangeTurnEnded, Session: name, Message: flushed, Snapshot: r.Snapshot()})
	machineLog.Debug("turn_completed",
		slog.String("session", name),
		slog.Int64("generation", generation))

	if next, ok := r.dequeue(); ok {
		if _, err := m.BeginTurn(context.Background(), name, next); err != nil {
			machineLog.Warn("queued_send_failed",
				slog.String("session", name),
				slog.String("error", err.Error()))
		}
	}
}

// flushPending moves accumulated assistant content into history and
// returns the flushed message so turn-ended notifications can carry it to
// bridge mirrors, which only learn history through broadcast messages.
func (m *Machine) flushPending(r *Record) *ChatMessage {
	parts := r.drainPending()
	if len(parts) == 0 {
		return nil
	}
	msg := ChatMessage{Role: "assistant", Content: strings.Join(parts, ""), Timestamp: time.Now()}
	r.appendHistory(msg)
	m.persist(r.Name, msg)
	return &msg
}

// Abort force-clears the session's turn regardless of generation: the
// user's intent to stop always wins. The steering queue is dropped. Abort
// is idempotent, is a no-op for idle or unknown sessions, and only fires a
// state-changed notification when it actually changed something.
func (m *Machine) Abort(ctx context.Context, name string, markInterrupted bool) {
	r := m.registry.Get(name)
	if r == nil {
		return
	}

	wasProcessing := r.processing.Load()
	hadQueue := len(r.QueuedMessages()) > 0
	if !wasProcessing && !hadQueue {
		return
	}

	var flushed *ChatMessage
	if wasProcessing {
		flushed = m.flushPending(r)
		r.clearProcessing()
	}
	r.clearQueue()

	if markInterrupted && wasProcessing {
		msg := ChatMessage{Role: "system", Content: "Interrupted by user.", Timestamp: time.Now()}
		r.appendHistory(msg)
		m.persist(name, msg)
	}

	// The abort RPC runs off-thread with its own short timeout so a hung
	// backend cannot hang the caller. It never touches record state, so it
	// cannot race the cleanup above or a turn started after Abort returns.
	if wasProcessing && m.backend != nil {
		go func() {
			abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.abortTimeout)
			defer cancel()
			if err := m.backend.Abort(abortCtx, name); err != nil {
				machineLog.Warn("backend_abort_failed",
					slog.String("session", name),
					slog.String("error", err.Error()))
			}
		}()
	}

	m.emit(Change{Kind: ChangeTurnEnded, Session: name, Message: flushed, Snapshot: r.Snapshot()})
}

// Steer aborts any in-flight turn and starts a new one with the given
// prompt. Synchronous so callers see the new turn's dispatch failure.
func (m *Machine) Steer(ctx context.Context, name, prompt string) (int64, error) {
	r := m.registry.Get(name)
	if r == nil {
		return 0, fmt.Errorf("steer: %w", ErrNoSession)
	}
	if r.IsProcessing() {
		m.Abort(ctx, name, true)
	}
	return m.BeginTurn(ctx, name, prompt)
}

// QueueMessage appends a steering message for delivery after the current
// turn ends. If the session is idle the message starts a turn immediately.
func (m *Machine) QueueMessage(ctx context.Context, name, text string) error {
	r := m.registry.Get(name)
	if r == nil {
		return fmt.Errorf("queue: %w", ErrNoSession)
	}
	if !r.IsProcessing() {
		_, err := m.BeginTurn(ctx, name, text)
		return err
	}
	r.enqueue(text)
	m.emit(Change{Kind: ChangePhase, Session: name, Text: r.Phase().String(), Snapshot: r.Snapshot()})
	return nil
}

// ForceComplete is the watchdog's terminal transition for a stuck session.
// The generation is re-checked at fire time: an abort or resend may have
// raced ahead of the scheduled callback, and a mismatch here is the correct
// outcome, not an error.
func (m *Machine) ForceComplete(name string, generation int64, reason string) {
	r := m.registry.Get(name)
	if r == nil {
		return
	}
	if !r.processing.Load() || generation != r.generation.Load() {
		logging.Aggregate(logging.CompWatchdog, "force_complete_skipped_stale",
			slog.String("session", name))
		return
	}

	flushed := m.flushPending(r)
	if reason == "" {
		reason = "The session appears stuck and was returned to idle."
	}
	msg := ChatMessage{Role: "system", Content: reason, Timestamp: time.Now()}
	r.appendHistory(msg)
	m.persist(name, msg)

	// clearProcessing drops the resume flag, so the next turn will not
	// inherit the long tool-execution tier.
	r.clearProcessing()
	m.emit(Change{Kind: ChangeStuck, Session: name, Text: reason, Message: &msg, Snapshot: r.Snapshot()})
	m.emit(Change{Kind: ChangeTurnEnded, Session: name, Message: flushed, Snapshot: r.Snapshot()})
	machineLog.Info("session_force_completed",
		slog.String("session", name),
		slog.Int64("generation", generation),
		slog.String("reason", reason))
}

// ResumeSession marks a session as mid-turn after a process restart,
// pre-seeded from restore hints so the watchdog picks the right tier.
func (m *Machine) ResumeSession(name string, hints RestoreHints) {
	r := m.registry.Get(name)
	if r == nil {
		return
	}

	r.processing.Store(true)
	now := time.Now()
	r.startedAt.Store(now.UnixNano())
	r.lastProgressAt.Store(now.UnixNano())
	r.phase.Store(int32(PhaseWorking))
	r.completionDue.Store(true)
	if hints.LastGeneration > 0 {
		r.generation.Store(hints.LastGeneration)
	}

	switch {
	case hints.RecentlyActive && hints.HadToolActivity:
		r.resume.Store(int32(resumeActive))
		r.usedTools.Store(true)
		r.receivedEvents.Store(true)
	case hints.RecentlyActive:
		// Not quiescent: the backend was writing events moments ago.
		r.resume.Store(int32(resumeActive))
		r.receivedEvents.Store(true)
	default:
		// Stale log: quiescence applies, the turn likely already finished.
		r.resume.Store(int32(resumeAwaitingEvent))
	}

	m.emit(Change{Kind: ChangeTurnStarted, Session: name, Snapshot: r.Snapshot()})
	machineLog.Info("session_resumed",
		slog.String("session", name),
		slog.Bool("recently_active", hints.RecentlyActive),
		slog.Bool("had_tool_activity", hints.HadToolActivity))
}
