package backend

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pilotdeck/pilotdeck/internal/session"
)

func TestTranslateLine(t *testing.T) {
	t.Run("init starts the message", func(t *testing.T) {
		evs := translateLine([]byte(`{"type":"system","subtype":"init"}`), 1)
		if len(evs) != 1 || evs[0].Kind != session.EventMessageStart {
			t.Errorf("unexpected events: %+v", evs)
		}
		if evs[0].Generation != 1 {
			t.Errorf("generation not stamped: %+v", evs[0])
		}
	})

	t.Run("assistant content blocks", func(t *testing.T) {
		line := `{"type":"assistant","message":{"content":[
			{"type":"thinking","thinking":"hmm"},
			{"type":"text","text":"answer"},
			{"type":"tool_use","name":"bash"}
		]}}`
		evs := translateLine([]byte(line), 2)
		if len(evs) != 3 {
			t.Fatalf("expected 3 events, got %+v", evs)
		}
		if evs[0].Kind != session.EventThinking || evs[0].Text != "hmm" {
			t.Errorf("thinking: %+v", evs[0])
		}
		if evs[1].Kind != session.EventContentDelta || evs[1].Text != "answer" {
			t.Errorf("delta: %+v", evs[1])
		}
		if evs[2].Kind != session.EventToolStarted || evs[2].ToolName != "bash" {
			t.Errorf("tool: %+v", evs[2])
		}
	})

	t.Run("tool results finish tools", func(t *testing.T) {
		line := `{"type":"user","message":{"content":[{"type":"tool_result"},{"type":"tool_result"}]}}`
		evs := translateLine([]byte(line), 3)
		if len(evs) != 2 || evs[0].Kind != session.EventToolFinished {
			t.Errorf("unexpected events: %+v", evs)
		}
	})

	t.Run("result completes the turn", func(t *testing.T) {
		evs := translateLine([]byte(`{"type":"result","usage":{"input_tokens":5}}`), 4)
		if len(evs) != 2 {
			t.Fatalf("expected usage + completion, got %+v", evs)
		}
		if evs[0].Kind != session.EventUsage || evs[1].Kind != session.EventTurnComplete {
			t.Errorf("unexpected events: %+v", evs)
		}
	})

	t.Run("error result", func(t *testing.T) {
		evs := translateLine([]byte(`{"type":"result","is_error":true,"result":"rate limited"}`), 5)
		last := evs[len(evs)-1]
		if last.Kind != session.EventError || last.Text != "rate limited" {
			t.Errorf("unexpected events: %+v", evs)
		}
	})

	t.Run("garbage and unknown types are dropped", func(t *testing.T) {
		if evs := translateLine([]byte(`{nope`), 1); evs != nil {
			t.Errorf("garbage produced events: %+v", evs)
		}
		if evs := translateLine([]byte(`{"type":"telemetry"}`), 1); evs != nil {
			t.Errorf("unknown type produced events: %+v", evs)
		}
	})
}

// writeScript drops an executable fake agent CLI into dir.
func writeScript(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "fake-agent")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func waitForFile(t *testing.T, path string, cond func([]byte) bool) []byte {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if data, err := os.ReadFile(path); err == nil && cond(data) {
			return data
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("condition never met for %s", path)
	return nil
}

func countEvents(t *testing.T, data []byte) []session.AgentEvent {
	t.Helper()
	var out []session.AgentEvent
	start := 0
	for i, b := range data {
		if b != '\n' {
			continue
		}
		if ev, ok := session.ParseEventLine(data[start:i]); ok {
			out = append(out, ev)
		}
		start = i + 1
	}
	return out
}

func TestSendWritesEventLog(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, `cat <<'EOF'
{"type":"system","subtype":"init"}
{"type":"assistant","message":{"content":[{"type":"text","text":"hi"}]}}
{"type":"result","usage":{"input_tokens":2}}
EOF`)

	b := New(script, dir)
	if err := b.Send(context.Background(), "alpha", "hello", 3); err != nil {
		t.Fatalf("Send: %v", err)
	}

	logPath := session.EventLogPath(dir, "alpha")
	data := waitForFile(t, logPath, func(data []byte) bool {
		evs := countEvents(t, data)
		return len(evs) > 0 && evs[len(evs)-1].Kind == session.EventTurnComplete
	})

	evs := countEvents(t, data)
	if evs[0].Kind != session.EventMessageStart {
		t.Errorf("first event: %+v", evs[0])
	}
	for _, ev := range evs {
		if ev.Generation != 3 {
			t.Errorf("event missing generation stamp: %+v", ev)
		}
	}
}

// A process that dies without emitting a result must still close the turn,
// otherwise the session would spin until the watchdog reaps it.
func TestSendSynthesizesTerminalEvent(t *testing.T) {
	dir := t.TempDir()

	t.Run("clean exit synthesizes completion", func(t *testing.T) {
		script := writeScript(t, dir, `echo '{"type":"system","subtype":"init"}'`)
		b := New(script, dir)
		if err := b.Send(context.Background(), "clean", "x", 1); err != nil {
			t.Fatalf("Send: %v", err)
		}
		data := waitForFile(t, session.EventLogPath(dir, "clean"), func(data []byte) bool {
			evs := countEvents(t, data)
			return len(evs) == 2
		})
		evs := countEvents(t, data)
		if evs[1].Kind != session.EventTurnComplete {
			t.Errorf("expected synthesized completion, got %+v", evs[1])
		}
	})

	t.Run("failed exit synthesizes error", func(t *testing.T) {
		script := writeScript(t, dir, `exit 9`)
		b := New(script, dir)
		if err := b.Send(context.Background(), "broken", "x", 1); err != nil {
			t.Fatalf("Send: %v", err)
		}
		data := waitForFile(t, session.EventLogPath(dir, "broken"), func(data []byte) bool {
			return len(countEvents(t, data)) == 1
		})
		evs := countEvents(t, data)
		if evs[0].Kind != session.EventError {
			t.Errorf("expected synthesized error, got %+v", evs[0])
		}
	})
}

func TestSendMissingBinary(t *testing.T) {
	dir := t.TempDir()
	b := New(filepath.Join(dir, "does-not-exist"), dir)
	if err := b.Send(context.Background(), "alpha", "x", 1); err == nil {
		t.Fatal("expected spawn error")
	}
}

func TestAbortNoProcessIsNoop(t *testing.T) {
	b := New("true", t.TempDir())
	if err := b.Abort(context.Background(), "ghost"); err != nil {
		t.Errorf("Abort: %v", err)
	}
}

func TestAbortStopsProcess(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, `exec sleep 30`)
	b := New(script, dir)
	if err := b.Send(context.Background(), "alpha", "x", 1); err != nil {
		t.Fatalf("Send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Abort(ctx, "alpha"); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	// The pump notices the exit and releases the slot
	deadline := time.Now().Add(2 * time.Second)
	for b.lookup("alpha") != nil {
		if time.Now().After(deadline) {
			t.Fatal("process slot never released after abort")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
