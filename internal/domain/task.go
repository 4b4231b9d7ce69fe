package domain

import (
	"errors"
	"time"
)

type PriorityTier string

const (
	PriorityUrgent PriorityTier = "urgent"
	PriorityHigh   PriorityTier = "high"
	PriorityMedium PriorityTier = "medium"
	PriorityLow    PriorityTier = "low"
)

// Assignment names who a task belongs to, from the point of view of the
// device that created it.
type Assignment string

const (
	AssignMe      Assignment = "me"
	AssignPartner Assignment = "partner"
	AssignBoth    Assignment = "both"
)

// Task is the replicated entity shared between the two partners. Field names
// follow the JSON shape exchanged between devices and relays.
type Task struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Priority    PriorityTier `json:"priority,omitempty"`
	Assignee    Assignment   `json:"assignee,omitempty"`
	Date        string       `json:"date,omitempty"`
	Time        string       `json:"time,omitempty"`
	Repeat      string       `json:"repeat,omitempty"`
	Completed   bool         `json:"completed"`
	CompletedAt *int64       `json:"completedAt,omitempty"`
	Order       float64      `json:"order"`
	CreatedAt   int64        `json:"createdAt"`
	UpdatedAt   int64        `json:"updatedAt"`
	DeletedAt   *int64       `json:"deletedAt,omitempty"`
}

var ErrInvalidTask = errors.New("domain: invalid task")

// Validate checks the invariants every stored task must satisfy.
func (t *Task) Validate() error {
	if t.ID == "" {
		return ErrInvalidTask
	}
	return nil
}

// Active reports whether the task is visible in active views. Soft-deleted
// tasks stay replicated until they are hard deleted.
func (t *Task) Active() bool {
	return t.DeletedAt == nil
}

// Clone returns a deep copy so callers cannot mutate shared state.
func (t Task) Clone() Task {
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		t.CompletedAt = &v
	}
	if t.DeletedAt != nil {
		v := *t.DeletedAt
		t.DeletedAt = &v
	}
	return t
}

// ActiveTasks returns the tasks without a delete timestamp, preserving order.
func ActiveTasks(tasks []Task) []Task {
	out := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Active() {
			out = append(out, t)
		}
	}
	return out
}

// NowMillis returns the current wall-clock time in milliseconds, the unit
// used by every timestamp field on the wire.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
