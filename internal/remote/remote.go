// Package remote is the boundary to the media-creation service.
package remote

import (
	"context"
	"fmt"
)

// Activity is the remote view of running tasks.
type Activity struct {
	Active int `json:"active"`
	Total  int `json:"total"`
}

// Submission is one generation request. Credential travels as a request
// parameter.
type Submission struct {
	ItemID     string            `json:"-"`
	Prompt     string            `json:"prompt"`
	Options    map[string]string `json:"options,omitempty"`
	Credential string            `json:"credential"`
	DeviceID   string            `json:"device_id,omitempty"`
	Locale     string            `json:"locale,omitempty"`
}

// Service is what the scheduler calls. Errors are *Failure.
type Service interface {
	PollActive(ctx context.Context) (Activity, error)
	Submit(ctx context.Context, s Submission) error
}

// Failure describes a failed call. StatusCode 0 with Err set is a network
// failure; otherwise the service answered with a non-2xx status.
type Failure struct {
	StatusCode int
	Body       []byte
	Err        error
}

func (f *Failure) Error() string {
	if f.StatusCode == 0 {
		return fmt.Sprintf("remote unreachable: %v", f.Err)
	}
	return fmt.Sprintf("remote status %d", f.StatusCode)
}

func (f *Failure) Unwrap() error { return f.Err }

func (f *Failure) Network() bool { return f.StatusCode == 0 }
