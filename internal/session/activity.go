package session

import (
	"context"
	"os"
	"time"

	"github.com/vibetunnel/server/internal/store"
)

// DefaultScanInterval is the suggested ~100ms activity poll.
const DefaultScanInterval = 100 * time.Millisecond

// DefaultIdleThreshold is the suggested 500ms idle threshold.
const DefaultIdleThreshold = 500 * time.Millisecond

// ActivityMonitor polls each running session's recording file size at a
// fixed interval, marking a session "active" on growth and "idle" once
// IdleThreshold has passed without growth, and persists the result to
// activity.json.
type ActivityMonitor struct {
	ScanInterval  time.Duration
	IdleThreshold time.Duration

	mgr   *Manager
	sizes map[string]int64
}

func newActivityMonitor(mgr *Manager) *ActivityMonitor {
	return &ActivityMonitor{
		ScanInterval:  DefaultScanInterval,
		IdleThreshold: DefaultIdleThreshold,
		mgr:           mgr,
		sizes:         make(map[string]int64),
	}
}

// Run blocks, scanning on ScanInterval until ctx is canceled.
func (a *ActivityMonitor) Run(ctx context.Context) {
	t := time.NewTicker(a.ScanInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.scan()
		}
	}
}

func (a *ActivityMonitor) scan() {
	for _, info := range a.mgr.List(ListFilter{HideExited: true}) {
		if info.Status != store.StatusRunning {
			delete(a.sizes, info.ID)
			continue
		}
		sess, err := a.mgr.Session(info.ID)
		if err != nil {
			continue
		}
		fi, err := os.Stat(sess.RecordingPath())
		if err != nil {
			continue
		}
		grew := fi.Size() > a.sizes[info.ID]
		a.sizes[info.ID] = fi.Size()

		idle := sess.IdleDuration() >= a.IdleThreshold
		active := grew || !idle

		prev, _ := a.mgr.store.LoadActivity(info.ID)
		status := "idle"
		if active {
			status = "active"
		}
		if prev != nil && prev.Active == active && prev.Status == status {
			continue
		}
		na := &store.Activity{LastTick: time.Now(), Active: active, Status: status}
		if prev != nil {
			na.App = prev.App
		}
		a.mgr.store.SaveActivity(info.ID, na)
		if title, changed := sess.title.ObserveActivity(status); changed {
			sess.host.Write([]byte(title))
		}
	}
}
