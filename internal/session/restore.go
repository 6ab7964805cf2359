package session

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// RestoreHints classify a session's persisted event log after a process
// restart, so the watchdog can be pre-seeded without replaying the log.
type RestoreHints struct {
	// RecentlyActive is true when the log file was written within the
	// tool-execution-tier window: the backend was alive moments ago.
	RecentlyActive bool

	// HadToolActivity is true when the last parseable event is tool-shaped.
	HadToolActivity bool

	// LastGeneration is the generation carried by the last parseable
	// event, or 0 when the tail could not be parsed.
	LastGeneration int64

	// TurnOpen is true when the last parseable event is not a terminal
	// one: the session was mid-turn when the process stopped.
	TurnOpen bool
}

// restoreTailBytes bounds how much of the log tail is read. One event line
// is well under this.
const restoreTailBytes = 16 * 1024

// RestoreHintsReader inspects event-log tails under a base directory.
type RestoreHintsReader struct {
	eventsDir    string
	recentWindow time.Duration
	now          func() time.Time
}

// NewRestoreHintsReader creates a reader over baseDir's events directory.
// recentWindow should be the tool-execution tier.
func NewRestoreHintsReader(baseDir string, recentWindow time.Duration) *RestoreHintsReader {
	return &RestoreHintsReader{
		eventsDir:    EventsDir(baseDir),
		recentWindow: recentWindow,
		now:          time.Now,
	}
}

// EventsDir returns the per-session event log directory under baseDir.
func EventsDir(baseDir string) string {
	return filepath.Join(baseDir, "events")
}

// EventLogPath returns the event log path for a session.
func EventLogPath(baseDir, session string) string {
	return filepath.Join(EventsDir(baseDir), session+".jsonl")
}

// Read classifies the event log for one session. A missing file yields zero
// hints. Malformed trailing JSON does not discard the file-age signal: age
// is independent of parseability.
func (rr *RestoreHintsReader) Read(session string) RestoreHints {
	path := filepath.Join(rr.eventsDir, session+".jsonl")

	info, err := os.Stat(path)
	if err != nil {
		return RestoreHints{}
	}

	var hints RestoreHints
	age := rr.now().Sub(info.ModTime())
	if age <= rr.recentWindow {
		hints.RecentlyActive = true
	}

	if ev, ok := rr.lastEvent(path, info.Size()); ok {
		hints.LastGeneration = ev.Generation
		hints.TurnOpen = ev.Kind != EventTurnComplete && ev.Kind != EventError
		if hints.RecentlyActive && ev.IsToolShaped() {
			hints.HadToolActivity = true
		}
	}

	machineLog.Debug("restore_hints",
		slog.String("session", session),
		slog.Bool("recently_active", hints.RecentlyActive),
		slog.Bool("had_tool_activity", hints.HadToolActivity),
		slog.Duration("log_age", age))
	return hints
}

// lastEvent reads at most restoreTailBytes from the end of the log and
// returns the last parseable event. Blank and malformed lines are skipped.
func (rr *RestoreHintsReader) lastEvent(path string, size int64) (AgentEvent, bool) {
	f, err := os.Open(path)
	if err != nil {
		return AgentEvent{}, false
	}
	defer f.Close()

	offset := size - restoreTailBytes
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, 0); err != nil {
		return AgentEvent{}, false
	}

	buf := make([]byte, size-offset)
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return AgentEvent{}, false
	}
	buf = buf[:n]

	lines := bytes.Split(buf, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(string(lines[i])) == "" {
			continue
		}
		// Skip the first chunk when the seek landed mid-line.
		if i == 0 && offset > 0 {
			continue
		}
		if ev, ok := ParseEventLine(lines[i]); ok {
			return ev, true
		}
	}
	return AgentEvent{}, false
}
