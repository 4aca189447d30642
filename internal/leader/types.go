// Package leader elects the single instance allowed to poll and submit.
//
// Guarantees are "single active leader, self-consistent": over a store
// without compare-and-swap two instances may briefly both believe they lead.
package leader

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultLeaseDuration = 10 * time.Second
)

// Elector is the leadership contract used by the core.
type Elector interface {
	// Register makes a first claim attempt and reports belief.
	Register(ctx context.Context) (bool, error)
	// Heartbeat renews (or claims) the lease and reports belief.
	Heartbeat(ctx context.Context) (bool, error)
	// Release gives up the lease if held.
	Release(ctx context.Context) error
	Status() Status
}

// Lease is the record kept in the shared store.
type Lease struct {
	OwnerID   string    `json:"ownerId"`
	ExpiresAt time.Time `json:"expiresAt"`
	Epoch     int64     `json:"epoch"`
	RenewedAt time.Time `json:"renewedAt"`
}

// Status is the local view of leadership.
type Status struct {
	InstanceID string    `json:"instanceId"`
	IsLeader   bool      `json:"isLeader"`
	OwnerID    string    `json:"ownerId,omitempty"`
	Epoch      int64     `json:"epoch"`
	ExpiresAt  time.Time `json:"expiresAt,omitempty"`
}

type Config struct {
	InstanceID        string
	LeaseDuration     time.Duration
	HeartbeatInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.InstanceID == "" {
		c.InstanceID = NewInstanceID()
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = DefaultLeaseDuration
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.LeaseDuration {
		c.HeartbeatInterval = c.LeaseDuration / 3
	}
	return c
}

// Interval returns the effective heartbeat interval.
func (c Config) Interval() time.Duration { return c.withDefaults().HeartbeatInterval }

func NewInstanceID() string { return uuid.NewString() }
