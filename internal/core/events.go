package core

import (
	"time"

	"genqueue/internal/credential"
	"genqueue/internal/queue"
	"genqueue/internal/storage"
	logx "genqueue/pkg/logx"
)

// storeChanged runs on the store's notification path, which may be inside
// another component's write. It must not block or call into the scheduler.
func (c *Core) storeChanged(ch storage.Change) {
	switch ch.Key {
	case c.q.QueueKey:
		oldRec, err1 := queue.DecodeQueue(ch.Old)
		newRec, err2 := queue.DecodeQueue(ch.New)
		if err1 != nil || err2 != nil {
			c.log.Warn("undecodable queue change", logx.String("key", ch.Key))
			return
		}
		for _, e := range diffQueue(oldRec, newRec) {
			c.publish(EventItemStatusChanged, e)
		}
		if newRec.Head() >= 0 {
			c.nudge()
		}
	case c.q.AutomationKey:
		oldA, err1 := queue.DecodeAutomation(ch.Old)
		newA, err2 := queue.DecodeAutomation(ch.New)
		if err1 != nil || err2 != nil {
			c.log.Warn("undecodable automation change", logx.String("key", ch.Key))
			return
		}
		if automationChanged(oldA, newA) {
			c.publish(EventAutomationStateChanged, AutomationStateChanged{State: newA})
			c.nudge()
		}
	}
}

// nudge asks the run loop for a submit tick without waiting.
func (c *Core) nudge() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Core) credentialChanged(st credential.Status) {
	c.publish(EventCredentialStateChanged, CredentialStateChanged{Present: st.Present, State: st.State, Reason: st.Reason})
	if st.Present {
		c.nudge()
	}
}

// diffQueue reports per-item status changes between two queue records, in
// the order of the new record followed by removals.
func diffQueue(oldRec, newRec queue.Record) []ItemStatusChanged {
	prev := make(map[string]queue.Item, len(oldRec.Items))
	for _, it := range oldRec.Items {
		prev[it.ID] = it
	}
	var out []ItemStatusChanged
	for _, it := range newRec.Items {
		was, ok := prev[it.ID]
		delete(prev, it.ID)
		switch {
		case !ok:
			out = append(out, ItemStatusChanged{ID: it.ID, New: it.Status, Reason: "enqueued"})
		case was.Status != it.Status:
			out = append(out, ItemStatusChanged{ID: it.ID, Old: was.Status, New: it.Status, Reason: itemReason(it)})
		}
	}
	for _, it := range oldRec.Items {
		if _, removed := prev[it.ID]; !removed {
			continue
		}
		// A sending item that disappears is taken as submitted.
		if it.Status == queue.StatusSending {
			out = append(out, ItemStatusChanged{ID: it.ID, Old: it.Status, New: queue.StatusSubmitted, Reason: "submitted"})
			continue
		}
		out = append(out, ItemStatusChanged{ID: it.ID, Old: it.Status, Reason: "removed"})
	}
	return out
}

func itemReason(it queue.Item) string {
	if it.Status == queue.StatusError && it.ErrorMessage != "" {
		return it.ErrorMessage
	}
	return it.Note
}

func automationChanged(a, b queue.Automation) bool {
	return a.Enabled != b.Enabled ||
		a.Paused != b.Paused ||
		a.PauseReason != b.PauseReason ||
		!sameTime(a.DailyLimitResumeAt, b.DailyLimitResumeAt) ||
		a.ActiveTaskCount != b.ActiveTaskCount ||
		a.IsSubmitting != b.IsSubmitting
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
