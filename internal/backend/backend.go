// Package backend runs the external agent CLI and translates its streamed
// output into the JSONL event logs the session machinery tails.
package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/pilotdeck/pilotdeck/internal/logging"
	"github.com/pilotdeck/pilotdeck/internal/session"
)

var backendLog = logging.ForComponent(logging.CompBackend)

// CLI spawns one agent process per turn. Send is fire-and-forget: the
// process streams JSON to stdout, a goroutine translates each line into
// event-log entries, and the machine hears about them through the tailer.
// Nothing comes back through Send itself except spawn failures.
type CLI struct {
	command   string
	eventsDir string

	mu      sync.Mutex
	running map[string]*exec.Cmd // session -> in-flight process
}

// New creates a CLI backend writing event logs under baseDir.
func New(command, baseDir string) *CLI {
	return &CLI{
		command:   command,
		eventsDir: session.EventsDir(baseDir),
		running:   make(map[string]*exec.Cmd),
	}
}

// Send starts the agent process for one turn. The returned error covers
// spawn failures only; runtime results arrive through the event log.
func (b *CLI) Send(ctx context.Context, name, prompt string, generation int64) error {
	if err := os.MkdirAll(b.eventsDir, 0o755); err != nil {
		return fmt.Errorf("backend: events dir: %w", err)
	}

	cmd := exec.Command(b.command,
		"-p", prompt,
		"--session", name,
		"--output-format", "stream-json",
		"--verbose")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("backend: stdout pipe: %w", err)
	}
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("backend: start %s: %w", b.command, err)
	}

	b.mu.Lock()
	b.running[name] = cmd
	b.mu.Unlock()

	go b.pump(name, generation, cmd, stdout)

	backendLog.Debug("turn_dispatched",
		slog.String("session", name),
		slog.Int64("generation", generation),
		slog.Int("pid", cmd.Process.Pid))
	return nil
}

// pump translates the process's output stream into event-log lines and
// closes the turn when the process exits.
func (b *CLI) pump(name string, generation int64, cmd *exec.Cmd, stdout io.Reader) {
	log, err := b.openLog(name)
	if err != nil {
		backendLog.Error("event_log_open_failed",
			slog.String("session", name),
			slog.String("error", err.Error()))
		cmd.Wait()
		b.forget(name, cmd)
		return
	}
	defer log.Close()

	sawResult := false
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		for _, ev := range translateLine(scanner.Bytes(), generation) {
			if ev.Kind == session.EventTurnComplete || ev.Kind == session.EventError {
				sawResult = true
			}
			b.writeEvent(log, name, ev)
		}
	}

	err = cmd.Wait()
	b.forget(name, cmd)

	// A process that died without a result line would leave the turn
	// spinning until the watchdog fires; close it out explicitly.
	if !sawResult {
		kind := session.EventTurnComplete
		text := ""
		if err != nil {
			kind = session.EventError
			text = fmt.Sprintf("agent process exited: %v", err)
		}
		b.writeEvent(log, name, session.AgentEvent{
			Kind:       kind,
			Generation: generation,
			Text:       text,
			Timestamp:  time.Now(),
		})
	}

	backendLog.Debug("turn_process_exited",
		slog.String("session", name),
		slog.Int64("generation", generation),
		slog.Bool("saw_result", sawResult))
}

func (b *CLI) openLog(name string) (*os.File, error) {
	path := filepath.Join(b.eventsDir, name+".jsonl")
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

func (b *CLI) writeEvent(log *os.File, name string, ev session.AgentEvent) {
	line, err := session.EncodeEventLine(ev)
	if err != nil {
		backendLog.Warn("event_encode_failed",
			slog.String("session", name),
			slog.String("error", err.Error()))
		return
	}
	if _, err := log.Write(append(line, '\n')); err != nil {
		backendLog.Warn("event_write_failed",
			slog.String("session", name),
			slog.String("error", err.Error()))
	}
}

func (b *CLI) forget(name string, cmd *exec.Cmd) {
	b.mu.Lock()
	if b.running[name] == cmd {
		delete(b.running, name)
	}
	b.mu.Unlock()
}

// Abort stops the session's in-flight process: interrupt first, then kill
// when ctx expires before the process exits. Aborting a session with no
// process is a no-op.
func (b *CLI) Abort(ctx context.Context, name string) error {
	b.mu.Lock()
	cmd := b.running[name]
	b.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		// Process already gone.
		return nil
	}

	done := make(chan struct{})
	go func() {
		// Wait is owned by pump; poll for the pid to disappear instead.
		for {
			if b.lookup(name) != cmd {
				close(done)
				return
			}
			select {
			case <-time.After(50 * time.Millisecond):
			case <-ctx.Done():
				return
			}
		}
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		if err := cmd.Process.Kill(); err != nil {
			return fmt.Errorf("backend: kill %s: %w", name, err)
		}
		return nil
	}
}

func (b *CLI) lookup(name string) *exec.Cmd {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running[name]
}

// cliLine is the subset of the CLI's stream-json output we care about.
type cliLine struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	IsError bool   `json:"is_error"`
	Result  string `json:"result"`
	Message struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`
	Usage json.RawMessage `json:"usage"`
}

type contentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	Thinking string `json:"thinking"`
	Name     string `json:"name"` // tool name for tool_use blocks
}

// translateLine maps one CLI output line onto zero or more agent events.
// Unrecognized lines are dropped here; the event-log format stays under our
// control regardless of what the CLI emits.
func translateLine(raw []byte, generation int64) []session.AgentEvent {
	var line cliLine
	if err := json.Unmarshal(raw, &line); err != nil {
		return nil
	}
	now := time.Now()
	ev := func(kind session.EventKind) session.AgentEvent {
		return session.AgentEvent{Kind: kind, Generation: generation, Timestamp: now}
	}

	switch line.Type {
	case "system":
		if line.Subtype == "init" {
			return []session.AgentEvent{ev(session.EventMessageStart)}
		}
		return nil

	case "assistant":
		var out []session.AgentEvent
		for _, block := range line.Message.Content {
			switch block.Type {
			case "text":
				e := ev(session.EventContentDelta)
				e.Text = block.Text
				out = append(out, e)
			case "thinking":
				e := ev(session.EventThinking)
				e.Text = block.Thinking
				out = append(out, e)
			case "tool_use":
				e := ev(session.EventToolStarted)
				e.ToolName = block.Name
				out = append(out, e)
			}
		}
		return out

	case "user":
		// Tool results come back as user-role messages.
		var out []session.AgentEvent
		for _, block := range line.Message.Content {
			if block.Type == "tool_result" {
				out = append(out, ev(session.EventToolFinished))
			}
		}
		return out

	case "result":
		var out []session.AgentEvent
		if len(line.Usage) > 0 {
			out = append(out, ev(session.EventUsage))
		}
		if line.IsError {
			e := ev(session.EventError)
			e.Text = line.Result
			return append(out, e)
		}
		return append(out, ev(session.EventTurnComplete))

	default:
		return nil
	}
}
