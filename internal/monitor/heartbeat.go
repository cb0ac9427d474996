package monitor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Heartbeat is the liveness ping an agent process writes periodically.
type Heartbeat struct {
	StageID        string  `json:"stage_id"`
	SessionID      string  `json:"session_id"`
	ContextPercent float64 `json:"context_percent"`
	LastTool       string  `json:"last_tool"`
	Activity       string  `json:"activity,omitempty"`
}

// HeartbeatStatus classifies a stage's heartbeat freshness.
type HeartbeatStatus int

const (
	// HeartbeatNone means no heartbeat file exists yet.
	HeartbeatNone HeartbeatStatus = iota
	HeartbeatHealthy
	HeartbeatHung
)

// staleThreshold is how long since the last heartbeat write before a
// running session is considered hung.
const staleThreshold = 2 * time.Minute

// Watcher tracks heartbeat file mtimes under .work/heartbeats. It also
// holds an fsnotify watch on the directory, whose events Poll drains and
// discards; a fresh write is picked up by Poll's directory scan on the
// next tick, not earlier.
type Watcher struct {
	dir       string
	seen      map[string]time.Time
	fsWatcher *fsnotify.Watcher
}

// NewWatcher creates a Watcher rooted at heartbeatsDir, registering an
// fsnotify watch best-effort (a failure to start fsnotify does not
// affect polling, which finds fresh heartbeats on its own).
func NewWatcher(heartbeatsDir string) *Watcher {
	w := &Watcher{dir: heartbeatsDir, seen: make(map[string]time.Time)}
	if fw, err := fsnotify.NewWatcher(); err == nil {
		if err := fw.Add(heartbeatsDir); err == nil {
			w.fsWatcher = fw
		} else {
			fw.Close()
		}
	}
	return w
}

// Close releases the fsnotify watch, if any.
func (w *Watcher) Close() {
	if w.fsWatcher != nil {
		w.fsWatcher.Close()
	}
}

// Poll drains any pending fsnotify events (best-effort, non-blocking)
// then scans .work/heartbeats for files modified since the last poll,
// returning the fresh Heartbeats found.
func (w *Watcher) Poll() []Heartbeat {
	w.drainFsEvents()

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil
	}

	var fresh []Heartbeat
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(w.dir, e.Name())
		info, err := e.Info()
		if err != nil {
			continue
		}
		mtime := info.ModTime()
		if last, ok := w.seen[e.Name()]; ok && !mtime.After(last) {
			continue
		}
		w.seen[e.Name()] = mtime

		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var hb Heartbeat
		if err := json.Unmarshal(raw, &hb); err != nil {
			continue
		}
		fresh = append(fresh, hb)
	}
	return fresh
}

// drainFsEvents empties the fsnotify channel without blocking. The events
// themselves carry no payload we need; the subsequent directory scan picks
// up whatever changed. Draining keeps the channel from filling and the
// watcher from dropping events.
func (w *Watcher) drainFsEvents() {
	if w.fsWatcher == nil {
		return
	}
	for {
		select {
		case <-w.fsWatcher.Events:
		case <-w.fsWatcher.Errors:
		default:
			return
		}
	}
}

// CheckHung reports whether stageID's heartbeat file is older than
// staleThreshold, or HeartbeatNone if no heartbeat has ever been seen.
func (w *Watcher) CheckHung(stageID string) (HeartbeatStatus, time.Duration) {
	name := stageID + ".json"
	mtime, ok := w.seen[name]
	if !ok {
		return HeartbeatNone, 0
	}
	age := time.Since(mtime)
	if age > staleThreshold {
		return HeartbeatHung, age
	}
	return HeartbeatHealthy, age
}
