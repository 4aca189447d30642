// Package queue holds the shared submission queue and the automation state
// record, both persisted as whole records in the shared store.
package queue

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusSending   Status = "sending"
	StatusError     Status = "error"
	StatusSubmitted Status = "submitted"
)

var (
	ErrNotFound          = errors.New("queue item not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrConflict          = errors.New("concurrent update conflict")
	// ErrNoChange may be returned by an update callback to skip the write.
	ErrNoChange = errors.New("no change")
)

// ValidationError rejects enqueue input. Fields maps field name to the
// failed rule.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "invalid input (" + strings.Join(parts, ", ") + ")"
}

// transitions lists every allowed status change. Error -> Queued is the
// manual retry; Sending is only reachable from Queued.
var transitions = map[Status][]Status{
	StatusQueued:  {StatusSending},
	StatusSending: {StatusQueued, StatusError, StatusSubmitted},
	StatusError:   {StatusQueued},
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Item struct {
	ID           string            `json:"id"`
	Content      string            `json:"content"`
	Options      map[string]string `json:"options,omitempty"`
	Status       Status            `json:"status"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	// Note is the human-readable reason for the last status change.
	Note       string    `json:"note,omitempty"`
	RetryCount int       `json:"retryCount"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Transition moves the item to status `to`, enforcing the status graph.
func (it *Item) Transition(to Status, now time.Time) error {
	if !CanTransition(it.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, it.Status, to)
	}
	it.Status = to
	it.UpdatedAt = now
	return nil
}

type Record struct {
	Items   []Item `json:"items"`
	Version int64  `json:"version"`
}

func (r *Record) Index(id string) int {
	for i := range r.Items {
		if r.Items[i].ID == id {
			return i
		}
	}
	return -1
}

// Head returns the index of the first queued item in list order, or -1.
func (r *Record) Head() int {
	for i := range r.Items {
		if r.Items[i].Status == StatusQueued {
			return i
		}
	}
	return -1
}

func (r *Record) Count(s Status) int {
	n := 0
	for i := range r.Items {
		if r.Items[i].Status == s {
			n++
		}
	}
	return n
}

func (r *Record) Remove(id string) (Item, bool) {
	i := r.Index(id)
	if i < 0 {
		return Item{}, false
	}
	it := r.Items[i]
	r.Items = append(r.Items[:i], r.Items[i+1:]...)
	return it, true
}

type Direction string

const (
	MoveUp     Direction = "up"
	MoveDown   Direction = "down"
	MoveTop    Direction = "top"
	MoveBottom Direction = "bottom"
)

func ParseDirection(s string) (Direction, error) {
	switch d := Direction(strings.ToLower(strings.TrimSpace(s))); d {
	case MoveUp, MoveDown, MoveTop, MoveBottom:
		return d, nil
	default:
		return "", &ValidationError{Fields: map[string]string{"direction": "oneof"}}
	}
}

// Move repositions item id. Moving past either end is a no-op.
func (r *Record) Move(id string, d Direction) error {
	i := r.Index(id)
	if i < 0 {
		return ErrNotFound
	}
	j := i
	switch d {
	case MoveUp:
		j = i - 1
	case MoveDown:
		j = i + 1
	case MoveTop:
		j = 0
	case MoveBottom:
		j = len(r.Items) - 1
	default:
		return fmt.Errorf("unknown direction %q", d)
	}
	if j < 0 || j >= len(r.Items) || j == i {
		return nil
	}
	it := r.Items[i]
	r.Items = append(r.Items[:i], r.Items[i+1:]...)
	r.Items = append(r.Items[:j], append([]Item{it}, r.Items[j:]...)...)
	return nil
}

type PauseReason string

const (
	PauseNone       PauseReason = ""
	PauseDailyLimit PauseReason = "daily_limit"
	PauseManual     PauseReason = "manual"
)

// Automation is the shared scheduling state.
type Automation struct {
	Enabled            bool        `json:"enabled"`
	Paused             bool        `json:"paused"`
	PauseReason        PauseReason `json:"pauseReason,omitempty"`
	DailyLimitResumeAt *time.Time  `json:"dailyLimitResumeAt,omitempty"`
	ActiveTaskCount    int         `json:"activeTaskCount"`
	IsSubmitting       bool        `json:"isSubmitting"`
	LastPollAt         time.Time   `json:"lastPollAt,omitempty"`
	LastSubmitAt       time.Time   `json:"lastSubmitAt,omitempty"`
	BackoffUntil       *time.Time  `json:"backoffUntil,omitempty"`
	UpdatedBy          string      `json:"updatedBy,omitempty"`
	Version            int64       `json:"version"`
}

// ClearPause resets every pause-related field.
func (a *Automation) ClearPause() {
	a.Paused = false
	a.PauseReason = PauseNone
	a.DailyLimitResumeAt = nil
	a.BackoffUntil = nil
}
