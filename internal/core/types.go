package core

import (
	"time"

	"genqueue/internal/backoff"
	"genqueue/internal/credential"
	"genqueue/internal/leader"
	"genqueue/internal/queue"
)

const (
	DefaultPollInterval   = 5 * time.Second
	DefaultSubmitInterval = 3 * time.Second
	DefaultSweepInterval  = 30 * time.Second
)

// Event types published on the bus.
const (
	EventItemStatusChanged      = "item.status_changed"
	EventAutomationStateChanged = "automation.state_changed"
	EventCredentialStateChanged = "credential.state_changed"
	EventLeaderStatusChanged    = "leader.status_changed"
)

// ItemStatusChanged is the payload of EventItemStatusChanged. New is empty
// when the item was removed without being submitted.
type ItemStatusChanged struct {
	ID     string       `json:"id"`
	Old    queue.Status `json:"old"`
	New    queue.Status `json:"new"`
	Reason string       `json:"reason,omitempty"`
}

type AutomationStateChanged struct {
	State queue.Automation `json:"state"`
}

type CredentialStateChanged struct {
	Present bool             `json:"present"`
	State   credential.State `json:"state"`
	Reason  string           `json:"reason,omitempty"`
}

type LeaderStatusChanged struct {
	IsLeader bool   `json:"isLeader"`
	OwnerID  string `json:"ownerId,omitempty"`
	Epoch    int64  `json:"epoch"`
}

// Snapshot is the read model served to UIs.
type Snapshot struct {
	Queue             []queue.Item      `json:"queue"`
	Automation        queue.Automation  `json:"automation"`
	CredentialPresent bool              `json:"credentialPresent"`
	Credential        credential.Status `json:"credential"`
	Leader            leader.Status     `json:"leader"`
	RemoteVerified    bool              `json:"remoteVerified"`
	// Blocked names the first failing admission check, if any.
	Blocked string `json:"blocked,omitempty"`
}

// Config holds the tunables the core owns. Zero values take defaults.
type Config struct {
	InstanceID     string
	Prefix         string
	DefaultOptions map[string]string

	PollInterval      time.Duration
	SubmitInterval    time.Duration
	SweepInterval     time.Duration
	HeartbeatInterval time.Duration

	ConcurrencyLimit int
	Cooldown         time.Duration
	Backoff          backoff.Config
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.SubmitInterval <= 0 {
		c.SubmitInterval = DefaultSubmitInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = leader.DefaultLeaseDuration / 3
	}
	if c.Backoff.ConcurrencyLimit <= 0 {
		c.Backoff.ConcurrencyLimit = c.ConcurrencyLimit
	}
	return c
}
