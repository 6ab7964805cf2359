package session

import (
	"context"
	"testing"
	"time"
)

func TestSelectTier(t *testing.T) {
	tests := []struct {
		name                                                          string
		hasActiveTool, isResumed, hasReceivedEvents, hasUsedTools, ma bool
		want                                                          Tier
	}{
		{"plain conversation", false, false, false, false, false, TierInactivity},
		{"conversation with events", false, false, true, false, false, TierInactivity},
		{"active tool", true, false, false, false, false, TierToolExecution},
		{"active tool while resumed", true, true, false, false, false, TierToolExecution},
		{"used tools earlier this turn", false, false, true, true, false, TierToolExecution},
		{"multi-agent member", false, false, true, false, true, TierToolExecution},
		{"resumed, silent since restart", false, true, false, false, false, TierQuiescence},
		{"resumed with events", false, true, true, false, false, TierToolExecution},
		{"resumed with prior tool use", false, true, false, true, false, TierToolExecution},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SelectTier(tt.hasActiveTool, tt.isResumed, tt.hasReceivedEvents, tt.hasUsedTools, tt.ma)
			if got != tt.want {
				t.Errorf("SelectTier() = %s, want %s", got, tt.want)
			}
		})
	}
}

func testTiers() Tiers {
	return Tiers{
		Quiescence:    30 * time.Second,
		Inactivity:    2 * time.Minute,
		ToolExecution: 10 * time.Minute,
		MaxProcessing: 30 * time.Minute,
	}
}

func newTestWatchdog(t *testing.T, m *Machine, isMulti func(string) bool) (*Watchdog, *time.Time) {
	t.Helper()
	w := NewWatchdog(m.Registry(), m, testTiers(), 10*time.Second, isMulti)
	now := time.Now()
	w.now = func() time.Time { return now }
	return w, &now
}

func TestWatchdogSweep(t *testing.T) {
	t.Run("active session survives", func(t *testing.T) {
		m, _, _ := newTestMachine(t)
		r, _ := m.CreateSession("alpha", "")
		m.BeginTurn(context.Background(), "alpha", "go")
		w, now := newTestWatchdog(t, m, nil)

		*now = now.Add(time.Minute)
		w.Sweep()
		if !r.IsProcessing() {
			t.Error("session fired before the inactivity tier elapsed")
		}
	})

	t.Run("inactivity tier fires", func(t *testing.T) {
		m, _, collector := newTestMachine(t)
		r, _ := m.CreateSession("alpha", "")
		m.BeginTurn(context.Background(), "alpha", "go")
		w, now := newTestWatchdog(t, m, nil)

		*now = now.Add(3 * time.Minute)
		w.Sweep()
		if r.IsProcessing() {
			t.Fatal("session not force-completed")
		}
		if collector.count(ChangeStuck) != 1 {
			t.Error("expected a stuck notification")
		}
	})

	t.Run("tool use extends the deadline", func(t *testing.T) {
		m, _, _ := newTestMachine(t)
		r, _ := m.CreateSession("alpha", "")
		gen, _ := m.BeginTurn(context.Background(), "alpha", "go")
		m.HandleEvent("alpha", AgentEvent{Kind: EventToolStarted, Generation: gen})
		w, now := newTestWatchdog(t, m, nil)

		*now = now.Add(5 * time.Minute)
		w.Sweep()
		if !r.IsProcessing() {
			t.Fatal("tool-tier session fired under the inactivity tier")
		}

		*now = now.Add(6 * time.Minute)
		w.Sweep()
		if r.IsProcessing() {
			t.Error("session survived past the tool-execution tier")
		}
	})

	t.Run("multi-agent session gets the tool tier", func(t *testing.T) {
		m, _, _ := newTestMachine(t)
		r, _ := m.CreateSession("alpha", "")
		m.BeginTurn(context.Background(), "alpha", "go")
		w, now := newTestWatchdog(t, m, func(string) bool { return true })

		*now = now.Add(5 * time.Minute)
		w.Sweep()
		if !r.IsProcessing() {
			t.Error("multi-agent session fired under the inactivity tier")
		}
	})

	t.Run("resumed quiescent session fires quickly", func(t *testing.T) {
		m, _, _ := newTestMachine(t)
		r, _ := m.CreateSession("alpha", "")
		m.ResumeSession("alpha", RestoreHints{})
		w, now := newTestWatchdog(t, m, nil)

		*now = now.Add(45 * time.Second)
		w.Sweep()
		if r.IsProcessing() != false {
			t.Error("quiescent resumed session survived past the quiescence tier")
		}
	})

	t.Run("progress resets the clock", func(t *testing.T) {
		m, _, _ := newTestMachine(t)
		r, _ := m.CreateSession("alpha", "")
		gen, _ := m.BeginTurn(context.Background(), "alpha", "go")
		w, now := newTestWatchdog(t, m, nil)

		*now = now.Add(90 * time.Second)
		// Fresh progress just before the sweep
		m.HandleEvent("alpha", AgentEvent{Kind: EventContentDelta, Generation: gen, Text: "..."})
		w.Sweep()
		if !r.IsProcessing() {
			t.Error("session fired despite recent progress")
		}
	})

	t.Run("max processing ceiling ignores activity", func(t *testing.T) {
		m, _, _ := newTestMachine(t)
		r, _ := m.CreateSession("alpha", "")
		gen, _ := m.BeginTurn(context.Background(), "alpha", "go")
		m.HandleEvent("alpha", AgentEvent{Kind: EventToolStarted, Generation: gen})
		w, now := newTestWatchdog(t, m, nil)

		// Fresh progress, but total elapsed is past the absolute ceiling.
		*now = now.Add(31 * time.Minute)
		r.lastProgressAt.Store(now.Add(-time.Second).UnixNano())
		w.Sweep()
		if r.IsProcessing() {
			t.Error("session survived past the absolute ceiling")
		}
	})
}

func TestNewWatchdogClampsInterval(t *testing.T) {
	m, _, _ := newTestMachine(t)
	tiers := testTiers()
	w := NewWatchdog(m.Registry(), m, tiers, tiers.Quiescence, nil)
	if w.interval*2 > tiers.Quiescence {
		t.Errorf("interval %s not clamped below quiescence/2", w.interval)
	}
}
