package session

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"
)

func appendLog(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestLogTailerDeliversAppendedEvents(t *testing.T) {
	dir := t.TempDir()
	m, _, _ := newTestMachine(t)
	r, _ := m.CreateSession("alpha", "")
	gen, _ := m.BeginTurn(context.Background(), "alpha", "go")

	tailer, err := NewLogTailer(dir, m)
	if err != nil {
		t.Fatalf("NewLogTailer: %v", err)
	}
	if err := tailer.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer tailer.Stop()

	path := EventLogPath(dir, "alpha")
	appendLog(t, path, `{"type":"tool_started","data":{"generation":`+strconv.FormatInt(gen, 10)+`,"tool_name":"bash"}}`)

	waitFor(t, 2*time.Second, func() bool {
		return r.Snapshot().ToolCallCount == 1
	}, "tool event never reached the machine")
}

func TestLogTailerSkipsPreexistingContent(t *testing.T) {
	dir := t.TempDir()
	m, _, _ := newTestMachine(t)
	r, _ := m.CreateSession("alpha", "")
	gen, _ := m.BeginTurn(context.Background(), "alpha", "go")

	// Content written before the tailer starts must not be replayed.
	path := writeEventLog(t, dir, "alpha",
		`{"type":"tool_started","data":{"generation":`+strconv.FormatInt(gen, 10)+`,"tool_name":"old"}}`)

	tailer, err := NewLogTailer(dir, m)
	if err != nil {
		t.Fatalf("NewLogTailer: %v", err)
	}
	if err := tailer.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer tailer.Stop()

	appendLog(t, path, `{"type":"tool_started","data":{"generation":`+strconv.FormatInt(gen, 10)+`,"tool_name":"new"}}`)

	waitFor(t, 2*time.Second, func() bool {
		return r.Snapshot().ToolCallCount == 1
	}, "appended event never arrived")

	// Give any wrong replay a moment to show up
	time.Sleep(100 * time.Millisecond)
	if got := r.Snapshot().ToolCallCount; got != 1 {
		t.Errorf("pre-existing content replayed, count=%d", got)
	}
}

func TestLogTailerIgnoresMalformedLines(t *testing.T) {
	dir := t.TempDir()
	m, _, _ := newTestMachine(t)
	r, _ := m.CreateSession("alpha", "")
	gen, _ := m.BeginTurn(context.Background(), "alpha", "go")

	tailer, err := NewLogTailer(dir, m)
	if err != nil {
		t.Fatalf("NewLogTailer: %v", err)
	}
	if err := tailer.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer tailer.Stop()

	path := EventLogPath(dir, "alpha")
	appendLog(t, path, `{garbage`)
	appendLog(t, path, ``)
	appendLog(t, path, `{"type":"content_delta","data":{"generation":`+strconv.FormatInt(gen, 10)+`,"text":"ok"}}`)

	waitFor(t, 2*time.Second, func() bool {
		return len(r.QueuedMessages()) == 0 && r.Phase() == PhaseWorking
	}, "valid line after garbage never applied")
}

