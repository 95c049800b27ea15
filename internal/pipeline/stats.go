package pipeline

import "sync/atomic"

// Stats holds lock-free pipeline counters. They mirror the OpenTelemetry
// instruments in [observe.Metrics] but can be read synchronously, which the
// status endpoint and the tests rely on.
type Stats struct {
	framesProduced        atomic.Uint64
	droppedSourceOverflow atomic.Uint64
	droppedHandoffFull    atomic.Uint64
	droppedSessionBacklog atomic.Uint64
	sendFailures          atomic.Uint64
	sessionsOpened        atomic.Uint64
	sessionsClosed        atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of [Stats].
type StatsSnapshot struct {
	FramesProduced        uint64 `json:"frames_produced"`
	DroppedSourceOverflow uint64 `json:"dropped_source_overflow"`
	DroppedHandoffFull    uint64 `json:"dropped_handoff_full"`
	DroppedSessionBacklog uint64 `json:"dropped_session_backlog"`
	SendFailures          uint64 `json:"send_failures"`
	SessionsOpened        uint64 `json:"sessions_opened"`
	SessionsClosed        uint64 `json:"sessions_closed"`
	ActiveSessions        int    `json:"active_sessions"`
	HandoffDepth          int    `json:"handoff_depth"`
}

// Snapshot returns the current counter values. ActiveSessions and
// HandoffDepth are filled in by [Pipeline.Stats].
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		FramesProduced:        s.framesProduced.Load(),
		DroppedSourceOverflow: s.droppedSourceOverflow.Load(),
		DroppedHandoffFull:    s.droppedHandoffFull.Load(),
		DroppedSessionBacklog: s.droppedSessionBacklog.Load(),
		SendFailures:          s.sendFailures.Load(),
		SessionsOpened:        s.sessionsOpened.Load(),
		SessionsClosed:        s.sessionsClosed.Load(),
	}
}
