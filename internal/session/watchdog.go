package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/pilotdeck/pilotdeck/internal/logging"
)

var watchdogLog = logging.ForComponent(logging.CompWatchdog)

// Tier is a watchdog timeout tier.
type Tier int

const (
	// TierQuiescence is the shortest tier, for a resumed session that has
	// seen nothing since restart: the turn most likely already finished.
	TierQuiescence Tier = iota

	// TierToolExecution is the long tier: tool calls and multi-agent
	// delegation legitimately run for minutes.
	TierToolExecution

	// TierInactivity is the default conversational pause tolerance.
	TierInactivity
)

// String returns a human-readable tier name.
func (t Tier) String() string {
	switch t {
	case TierQuiescence:
		return "quiescence"
	case TierToolExecution:
		return "tool-execution"
	default:
		return "inactivity"
	}
}

// SelectTier picks the effective timeout tier. Pure function of its inputs;
// evaluation order is the precedence.
func SelectTier(hasActiveTool, isResumed, hasReceivedEvents, hasUsedTools, isMultiAgent bool) Tier {
	if isResumed && !hasReceivedEvents && !hasActiveTool && !hasUsedTools {
		return TierQuiescence
	}
	if hasActiveTool || hasUsedTools || isResumed || isMultiAgent {
		return TierToolExecution
	}
	return TierInactivity
}

// Tiers holds the configured tier durations.
type Tiers struct {
	Quiescence    time.Duration
	Inactivity    time.Duration
	ToolExecution time.Duration
	MaxProcessing time.Duration
}

// Duration returns the duration for a tier.
func (ts Tiers) Duration(t Tier) time.Duration {
	switch t {
	case TierQuiescence:
		return ts.Quiescence
	case TierToolExecution:
		return ts.ToolExecution
	default:
		return ts.Inactivity
	}
}

// Watchdog periodically sweeps every processing session and force-completes
// the ones that exceed their effective timeout. The sweep is sequential and
// touches only atomic fields, so one stuck session cannot stall the loop.
type Watchdog struct {
	registry *Registry
	machine  *Machine
	tiers    Tiers
	interval time.Duration

	// isMultiAgent reports whether a session belongs to a multi-agent
	// group. Optional; nil means no session is multi-agent.
	isMultiAgent func(session string) bool

	// now is replaceable for tests.
	now func() time.Time
}

// NewWatchdog creates a watchdog. The poll interval must be at most half
// the shortest tier; NewWatchdog clamps it if it is not.
func NewWatchdog(registry *Registry, machine *Machine, tiers Tiers, interval time.Duration, isMultiAgent func(string) bool) *Watchdog {
	if interval*2 > tiers.Quiescence {
		interval = tiers.Quiescence / 2
		if interval < time.Second {
			interval = time.Second
		}
	}
	return &Watchdog{
		registry:     registry,
		machine:      machine,
		tiers:        tiers,
		interval:     interval,
		isMultiAgent: isMultiAgent,
		now:          time.Now,
	}
}

// Run polls until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	watchdogLog.Info("watchdog_started",
		slog.Duration("interval", w.interval),
		slog.Duration("quiescence", w.tiers.Quiescence),
		slog.Duration("inactivity", w.tiers.Inactivity),
		slog.Duration("tool_execution", w.tiers.ToolExecution),
		slog.Duration("max_processing", w.tiers.MaxProcessing))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep()
		}
	}
}

// Sweep examines every processing session once and fires force-completes
// for the ones past their timeout.
func (w *Watchdog) Sweep() {
	for _, r := range w.registry.List() {
		if !r.processing.Load() {
			continue
		}
		w.check(r)
	}
	logging.Aggregate(logging.CompWatchdog, "sweep")
}

func (w *Watchdog) check(r *Record) {
	// Capture the generation before deciding; ForceComplete re-checks it
	// at fire time in case an abort or resend races this sweep.
	gen := r.generation.Load()

	startedNS := r.startedAt.Load()
	if startedNS == 0 {
		// Cleared between the processing check and here.
		return
	}
	now := w.now()
	totalElapsed := now.Sub(time.Unix(0, startedNS))

	lastProgressNS := r.lastProgressAt.Load()
	if lastProgressNS == 0 {
		lastProgressNS = startedNS
	}
	sinceProgress := now.Sub(time.Unix(0, lastProgressNS))

	multiAgent := w.isMultiAgent != nil && w.isMultiAgent(r.Name)
	tier := SelectTier(
		r.activeTools.Load() > 0,
		r.IsResumed(),
		r.receivedEvents.Load(),
		r.usedTools.Load(),
		multiAgent,
	)
	limit := w.tiers.Duration(tier)

	tierExceeded := sinceProgress >= limit
	ceilingExceeded := totalElapsed >= w.tiers.MaxProcessing
	if !tierExceeded && !ceilingExceeded {
		return
	}

	reason := "This turn appears stuck (no activity for " + sinceProgress.Truncate(time.Second).String() + ") and was ended automatically."
	if ceilingExceeded && !tierExceeded {
		reason = "This turn exceeded the maximum processing time and was ended automatically."
	}

	watchdogLog.Warn("session_timed_out",
		slog.String("session", r.Name),
		slog.String("tier", tier.String()),
		slog.Duration("since_progress", sinceProgress),
		slog.Duration("total_elapsed", totalElapsed))

	w.machine.ForceComplete(r.Name, gen, reason)
}
