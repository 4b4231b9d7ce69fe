package domain

import "strings"

// RoomID derives the relay room shared by two partners. The result does not
// depend on argument order.
func RoomID(a, b string) string {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if b < a {
		a, b = b, a
	}
	return "pair-" + a + "-" + b
}

// ValidateRoomID rejects blank room identifiers.
func ValidateRoomID(roomID string) error {
	if strings.TrimSpace(roomID) == "" {
		return ErrEmptyRoom
	}
	return nil
}

// RoomSnapshot is the last list pushed to a relay room together with the
// server-received time in milliseconds. A room that was never written has no
// tasks and a zero timestamp.
type RoomSnapshot struct {
	Tasks     []Task `json:"tasks"`
	UpdatedAt int64  `json:"updatedAt"`
}

// EventTasksUpdated is the only event a relay room emits.
const EventTasksUpdated = "tasks-updated"

// RoomEvent is pushed to every subscriber of a room after a write.
type RoomEvent struct {
	Type      string `json:"type"`
	Tasks     []Task `json:"tasks"`
	UpdatedAt int64  `json:"updatedAt"`
	SourceID  string `json:"sourceId,omitempty"`
}
