package session

import (
	"encoding/json"
	"strings"
	"time"
)

// EventKind identifies a backend event type. The set is closed: every kind
// the backend can emit has a constant here, and each kind carries a
// progress-vs-metrics classification used by the watchdog clock.
type EventKind string

const (
	// EventMessageStart marks the beginning of an assistant message.
	EventMessageStart EventKind = "message_start"

	// EventThinking carries extended-thinking output.
	EventThinking EventKind = "thinking"

	// EventContentDelta carries a chunk of assistant text.
	EventContentDelta EventKind = "content_delta"

	// EventToolStarted marks a tool invocation starting.
	EventToolStarted EventKind = "tool_started"

	// EventToolFinished marks a tool invocation completing.
	EventToolFinished EventKind = "tool_finished"

	// EventUsage carries token/cost counters. Metrics only: it must never
	// reset the watchdog's activity clock, or a backend that emits
	// periodic usage without completing would never be judged stuck.
	EventUsage EventKind = "usage"

	// EventTurnComplete is the terminal event for a turn.
	EventTurnComplete EventKind = "turn_complete"

	// EventError is a backend-reported failure for the turn.
	EventError EventKind = "error"
)

// AgentEvent is one parsed event from a session's event log.
type AgentEvent struct {
	Kind       EventKind
	Generation int64
	Text       string
	ToolName   string
	Timestamp  time.Time
}

// IsToolShaped reports whether the event represents tool activity.
// Used by restore hints to classify a log tail.
func (e AgentEvent) IsToolShaped() bool {
	return e.Kind == EventToolStarted || e.Kind == EventToolFinished
}

// eventEnvelope is the on-disk JSONL form: {"type": "...", "data": {...}}.
// Unknown or extra fields are ignored on decode.
type eventEnvelope struct {
	Type string    `json:"type"`
	Data eventData `json:"data"`
	Time time.Time `json:"time,omitempty"`
}

type eventData struct {
	Generation int64  `json:"generation,omitempty"`
	Text       string `json:"text,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
}

// ParseEventLine decodes one event-log line. Blank lines and malformed JSON
// return ok=false; callers skip them and keep reading.
func ParseEventLine(line []byte) (AgentEvent, bool) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return AgentEvent{}, false
	}

	var env eventEnvelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		return AgentEvent{}, false
	}
	if env.Type == "" {
		return AgentEvent{}, false
	}

	return AgentEvent{
		Kind:       EventKind(env.Type),
		Generation: env.Data.Generation,
		Text:       env.Data.Text,
		ToolName:   env.Data.ToolName,
		Timestamp:  env.Time,
	}, true
}

// EncodeEventLine marshals an event into its JSONL envelope form.
func EncodeEventLine(e AgentEvent) ([]byte, error) {
	env := eventEnvelope{
		Type: string(e.Kind),
		Data: eventData{
			Generation: e.Generation,
			Text:       e.Text,
			ToolName:   e.ToolName,
		},
		Time: e.Timestamp,
	}
	return json.Marshal(env)
}

// Classifier decides whether an event kind counts as progress for the
// watchdog clock. Built-in metrics-only kinds can be extended from config.
// Unknown kinds classify as progress: a new backend event must fail safe
// toward not appearing stuck.
type Classifier struct {
	metricsOnly map[EventKind]struct{}
}

// NewClassifier builds a classifier with the built-in metrics set plus any
// extra kinds named in configuration.
func NewClassifier(extraMetricsKinds []string) *Classifier {
	m := map[EventKind]struct{}{
		EventUsage: {},
	}
	for _, k := range extraMetricsKinds {
		k = strings.TrimSpace(k)
		if k != "" {
			m[EventKind(k)] = struct{}{}
		}
	}
	return &Classifier{metricsOnly: m}
}

// IsProgress reports whether the kind represents genuine model/tool
// progress (and so resets the watchdog's last-activity clock).
func (c *Classifier) IsProgress(kind EventKind) bool {
	_, metrics := c.metricsOnly[kind]
	return !metrics
}
