package notifier

import (
	"fmt"
	"strings"
	"time"

	"genqueue/internal/core"
	"genqueue/internal/credential"
	"genqueue/internal/eventbus"
	"genqueue/internal/queue"
)

// Types lists the bus event types the notifier subscribes to.
var Types = []string{
	core.EventItemStatusChanged,
	core.EventAutomationStateChanged,
	core.EventCredentialStateChanged,
	core.EventLeaderStatusChanged,
}

// Format renders e as an operator message. ok is false for events that do
// not warrant one.
func Format(e eventbus.Event) (text string, ok bool) {
	switch d := e.Data.(type) {
	case core.ItemStatusChanged:
		if d.New != queue.StatusError {
			return "", false
		}
		return withReason(fmt.Sprintf("❌ item %s failed", d.ID), d.Reason), true

	case core.AutomationStateChanged:
		a := d.State
		if !a.Paused || a.PauseReason != queue.PauseDailyLimit {
			return "", false
		}
		if a.DailyLimitResumeAt == nil {
			return "⏸ daily limit reached; automation paused until resumed", true
		}
		return fmt.Sprintf("⏸ daily limit reached; resuming at %s", a.DailyLimitResumeAt.UTC().Format(time.RFC3339)), true

	case core.CredentialStateChanged:
		if d.State != credential.StateInvalidated {
			return "", false
		}
		return withReason("🔑 credential invalidated", d.Reason), true

	case core.LeaderStatusChanged:
		if d.IsLeader {
			return fmt.Sprintf("👑 %s is now leader (epoch %d)", orUnknown(d.OwnerID), d.Epoch), true
		}
		if d.OwnerID == "" {
			return "⚠️ leadership lost; no current owner", true
		}
		return fmt.Sprintf("⚠️ leadership lost to %s (epoch %d)", d.OwnerID, d.Epoch), true
	}
	return "", false
}

func withReason(s, reason string) string {
	if reason = strings.TrimSpace(reason); reason == "" {
		return s
	}
	return s + ": " + reason
}

func orUnknown(s string) string {
	if s == "" {
		return "this instance"
	}
	return s
}
