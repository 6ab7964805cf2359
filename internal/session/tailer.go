package session

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/pilotdeck/pilotdeck/internal/logging"
)

var tailLog = logging.ForComponent(logging.CompSession)

// tailedEvent pairs a parsed event with the session it belongs to.
type tailedEvent struct {
	session string
	event   AgentEvent
}

// LogTailer watches the events directory with fsnotify and feeds newly
// appended event lines into the machine. Delivery runs through a bounded
// channel with a single consumer goroutine, so per-session ordering is
// preserved and the producer (the backend writing the log) is decoupled
// from the consumer's lifetime. The generation check in HandleEvent is the
// consumer-side guard against stale lines.
type LogTailer struct {
	eventsDir string
	machine   *Machine
	watcher   *fsnotify.Watcher
	eventCh   chan tailedEvent

	mu      sync.Mutex
	offsets map[string]int64 // log path -> bytes consumed

	cancel context.CancelFunc
	done   chan struct{}
}

// NewLogTailer creates a tailer over baseDir's events directory. Existing
// log content is not replayed: each file's offset starts at its current
// size, so only lines appended after startup are delivered.
func NewLogTailer(baseDir string, machine *Machine) (*LogTailer, error) {
	eventsDir := EventsDir(baseDir)
	if err := os.MkdirAll(eventsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create events dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	t := &LogTailer{
		eventsDir: eventsDir,
		machine:   machine,
		watcher:   watcher,
		eventCh:   make(chan tailedEvent, 256),
		offsets:   make(map[string]int64),
		done:      make(chan struct{}),
	}

	// Seed offsets so restarts skip already-written history.
	entries, err := os.ReadDir(eventsDir)
	if err == nil {
		for _, entry := range entries {
			if entry.IsDir() || filepath.Ext(entry.Name()) != ".jsonl" {
				continue
			}
			if info, err := entry.Info(); err == nil {
				t.offsets[filepath.Join(eventsDir, entry.Name())] = info.Size()
			}
		}
	}

	return t, nil
}

// Start begins watching. Returns immediately; Stop shuts everything down.
func (t *LogTailer) Start() error {
	if err := t.watcher.Add(t.eventsDir); err != nil {
		return fmt.Errorf("watch events dir: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	go t.watchLoop(ctx)
	go t.consumeLoop(ctx)
	return nil
}

// Stop cancels the loops and closes the watcher.
func (t *LogTailer) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	_ = t.watcher.Close()
	<-t.done
}

func (t *LogTailer) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if filepath.Ext(event.Name) != ".jsonl" {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			t.drainFile(ctx, event.Name)

		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			tailLog.Warn("tailer_watch_error", slog.String("error", err.Error()))
		}
	}
}

func (t *LogTailer) consumeLoop(ctx context.Context) {
	defer close(t.done)
	for {
		select {
		case <-ctx.Done():
			return
		case te := <-t.eventCh:
			t.machine.HandleEvent(te.session, te.event)
		}
	}
}

// drainFile reads lines appended since the recorded offset and queues the
// parseable ones. Blank and malformed lines are skipped, never fatal.
func (t *LogTailer) drainFile(ctx context.Context, path string) {
	session := strings.TrimSuffix(filepath.Base(path), ".jsonl")

	t.mu.Lock()
	offset := t.offsets[path]
	t.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil && info.Size() < offset {
		// File was truncated or replaced: start over.
		offset = 0
	}
	if _, err := f.Seek(offset, 0); err != nil {
		return
	}

	reader := bufio.NewReader(f)
	consumed := offset
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			// EOF with a partial line: leave it unconsumed until its
			// newline arrives with the next write.
			break
		}
		consumed += int64(len(line))

		ev, ok := ParseEventLine(line)
		if !ok {
			continue
		}
		// Bounded channel: block for backpressure rather than drop a
		// state event, but give up on shutdown.
		select {
		case t.eventCh <- tailedEvent{session: session, event: ev}:
		case <-ctx.Done():
			return
		}
	}

	t.mu.Lock()
	t.offsets[path] = consumed
	t.mu.Unlock()
}
