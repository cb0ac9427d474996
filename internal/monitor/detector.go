package monitor

import (
	"github.com/loomstage/loom/internal/model"
)

// LivenessFunc reports whether a session's process is alive: true/false
// when checkable, nil when the backend cannot determine liveness (the
// detector skips such sessions rather than declaring them crashed).
type LivenessFunc func(sess *model.Session) *bool

// Detector tracks last-seen state across poll ticks and emits events for
// deltas. All maps are keyed by stage or session id; the detector itself
// never touches disk — callers reload entities and pass them in.
type Detector struct {
	lastStageStatus   map[string]model.StageStatus
	lastSessionStatus map[string]model.SessionStatus
	lastContextHealth map[string]ContextHealth
	reportedHung      map[string]bool

	warningPercent  float64
	criticalPercent float64
}

// NewDetector returns a Detector using the given context thresholds,
// falling back to the defaults when non-positive.
func NewDetector(warningPercent, criticalPercent float64) *Detector {
	if warningPercent <= 0 {
		warningPercent = DefaultWarningPercent
	}
	if criticalPercent <= 0 {
		criticalPercent = DefaultCriticalPercent
	}
	return &Detector{
		lastStageStatus:   make(map[string]model.StageStatus),
		lastSessionStatus: make(map[string]model.SessionStatus),
		lastContextHealth: make(map[string]ContextHealth),
		reportedHung:      make(map[string]bool),
		warningPercent:    warningPercent,
		criticalPercent:   criticalPercent,
	}
}

// DetectStageChanges compares each stage's status to the last tick and
// emits the corresponding events. WaitingForDeps -> Queued is routine
// scheduling and is not reported. sessionsByStage maps stage id to its
// current session, used to attach session ids to handoff events.
func (d *Detector) DetectStageChanges(stages []*model.Stage, sessionsByStage map[string]*model.Session) []Event {
	var events []Event
	for _, st := range stages {
		prev, seen := d.lastStageStatus[st.ID]
		d.lastStageStatus[st.ID] = st.Status
		if !seen || prev == st.Status {
			continue
		}

		switch st.Status {
		case model.StatusCompleted:
			events = append(events, Event{Kind: EventStageCompleted, StageID: st.ID})
		case model.StatusBlocked:
			reason := ""
			if st.FailureInfo != nil {
				reason = string(st.FailureInfo.FailureType)
			}
			events = append(events, Event{Kind: EventStageBlocked, StageID: st.ID, Reason: reason})
		case model.StatusNeedsHandoff:
			if sess := sessionsByStage[st.ID]; sess != nil {
				events = append(events, Event{Kind: EventSessionNeedsHandoff, StageID: st.ID, SessionID: sess.ID})
			}
		case model.StatusWaitingForInput:
			events = append(events, Event{Kind: EventStageWaitingForInput, StageID: st.ID})
		case model.StatusExecuting:
			if prev == model.StatusWaitingForInput {
				events = append(events, Event{Kind: EventStageResumedExecution, StageID: st.ID})
			}
		}
	}
	return events
}

// DetectSessionChanges watches each tracked session for liveness loss and
// status transitions. A session tracked as running whose process
// disappeared is classified: merge sessions completed, sessions whose
// stage reached a terminal-for-session status exited normally, everything
// else crashed. stagesByID resolves each session's stage for that
// classification.
func (d *Detector) DetectSessionChanges(sessions []*model.Session, stagesByID map[string]*model.Stage, isAlive LivenessFunc) []Event {
	var events []Event
	for _, sess := range sessions {
		prev, seen := d.lastSessionStatus[sess.ID]
		d.lastSessionStatus[sess.ID] = sess.Status

		if seen && prev != sess.Status {
			switch sess.Status {
			case model.SessionCompleted:
				if sess.IsMergeSession() {
					events = append(events, Event{Kind: EventMergeSessionCompleted, StageID: sess.StageID, SessionID: sess.ID})
				}
			case model.SessionCrashed:
				events = append(events, Event{Kind: EventSessionCrashed, StageID: sess.StageID, SessionID: sess.ID})
			}
			continue
		}

		if sess.Status != model.SessionRunning && sess.Status != model.SessionSpawning {
			continue
		}
		alive := isAlive(sess)
		if alive == nil || *alive {
			continue
		}

		// Process is gone but the file still says running.
		if sess.IsMergeSession() {
			events = append(events, Event{Kind: EventMergeSessionCompleted, StageID: sess.StageID, SessionID: sess.ID})
			continue
		}
		if st := stagesByID[sess.StageID]; st != nil {
			switch st.Status {
			case model.StatusCompleted, model.StatusMergeConflict, model.StatusMergeBlocked:
				// Normal exit: the agent finished its work and left the
				// stage in a state the driver handles without the session.
				continue
			}
		}
		events = append(events, Event{Kind: EventSessionCrashed, StageID: sess.StageID, SessionID: sess.ID})
	}
	return events
}

// DetectContextChanges emits warning/critical events when a session's
// reported context usage crosses into a worse band than last seen.
// Recovering to a better band (e.g. after compaction) resets the tracked
// band so a later re-crossing is reported again.
func (d *Detector) DetectContextChanges(sessions []*model.Session) []Event {
	var events []Event
	for _, sess := range sessions {
		if sess.ContextLimit <= 0 {
			continue
		}
		pct := sess.ContextPercent()
		health := Health(pct, d.warningPercent, d.criticalPercent)
		prev := d.lastContextHealth[sess.ID]
		d.lastContextHealth[sess.ID] = health

		if health <= prev {
			continue
		}
		switch health {
		case ContextYellow:
			events = append(events, Event{Kind: EventSessionContextWarning, StageID: sess.StageID, SessionID: sess.ID, UsagePercent: pct})
		case ContextRed:
			events = append(events, Event{Kind: EventSessionContextCritical, StageID: sess.StageID, SessionID: sess.ID, UsagePercent: pct})
		}
	}
	return events
}

// DetectHeartbeatEvents drains fresh heartbeats from watcher and checks
// running sessions for staleness. A fresh heartbeat clears the hung flag;
// a session is declared hung only when its heartbeat is stale AND its
// process is still alive, and only once per hang (the flag resets on the
// next fresh heartbeat).
func (d *Detector) DetectHeartbeatEvents(watcher *Watcher, sessions []*model.Session, isAlive LivenessFunc) []Event {
	var events []Event

	for _, hb := range watcher.Poll() {
		pct := hb.ContextPercent
		events = append(events, Event{
			Kind:           EventHeartbeatReceived,
			StageID:        hb.StageID,
			SessionID:      hb.SessionID,
			ContextPercent: &pct,
			LastTool:       hb.LastTool,
		})
		delete(d.reportedHung, hb.SessionID)
	}

	for _, sess := range sessions {
		if sess.Status != model.SessionRunning || d.reportedHung[sess.ID] {
			continue
		}
		status, age := watcher.CheckHung(sess.StageID)
		if status != HeartbeatHung {
			continue
		}
		alive := isAlive(sess)
		if alive == nil || !*alive {
			continue // dead processes are the crash detector's concern
		}
		d.reportedHung[sess.ID] = true
		events = append(events, Event{
			Kind:          EventSessionHung,
			StageID:       sess.StageID,
			SessionID:     sess.ID,
			StaleDuration: age.Seconds(),
		})
	}
	return events
}

// ForgetSession drops all tracked state for a session id, called when the
// session file is cleaned up so the maps don't grow unboundedly.
func (d *Detector) ForgetSession(sessionID string) {
	delete(d.lastSessionStatus, sessionID)
	delete(d.lastContextHealth, sessionID)
	delete(d.reportedHung, sessionID)
}

// ForgetStage drops tracked state for a stage id.
func (d *Detector) ForgetStage(stageID string) {
	delete(d.lastStageStatus, stageID)
}
