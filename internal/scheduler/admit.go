package scheduler

import (
	"time"

	"genqueue/internal/queue"
)

// Admission check names, in evaluation order.
const (
	CheckDisabled     = "disabled"
	CheckPaused       = "paused"
	CheckSubmitting   = "submitting"
	CheckNoCredential = "no_credential"
	CheckNotLeader    = "not_leader"
	CheckAtCapacity   = "at_capacity"
	CheckDailyLimit   = "daily_limit"
	CheckCooldown     = "cooldown"
	CheckBackoff      = "backoff"
)

// Gate is the non-automation input to admission.
type Gate struct {
	CredentialPresent bool
	IsLeader          bool
	ConcurrencyLimit  int
	Cooldown          time.Duration
}

// Admit evaluates the admission checks in order and returns the name of the
// first one that fails, or "" when a submission may proceed.
func Admit(a queue.Automation, g Gate, now time.Time) string {
	switch {
	case !a.Enabled:
		return CheckDisabled
	case a.Paused:
		return CheckPaused
	case a.IsSubmitting:
		return CheckSubmitting
	case !g.CredentialPresent:
		return CheckNoCredential
	case !g.IsLeader:
		return CheckNotLeader
	case a.ActiveTaskCount >= g.ConcurrencyLimit:
		return CheckAtCapacity
	case a.DailyLimitResumeAt != nil && now.Before(*a.DailyLimitResumeAt):
		return CheckDailyLimit
	case !a.LastSubmitAt.IsZero() && now.Sub(a.LastSubmitAt) < g.Cooldown:
		return CheckCooldown
	case a.BackoffUntil != nil && now.Before(*a.BackoffUntil):
		return CheckBackoff
	}
	return ""
}
