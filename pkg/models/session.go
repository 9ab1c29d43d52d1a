package models

import "time"

// SessionStatus is the lifecycle state of a session. It is stored with the
// descriptor (the History Store's status column) and set to deleted,
// together with DeletedAt, by a soft delete.
type SessionStatus string

const (
	SessionAvailable SessionStatus = "available"
	SessionDeleted   SessionStatus = "deleted"
)

// Session is the durable descriptor for one (user, session) conversation.
// ThreadID is a pure function of UserID and ID: two sessions with the same
// UserID and ID always compute the same ThreadID, even if reconstructed
// independently after a Presence Store miss.
type Session struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	WindowID     string         `json:"window_id,omitempty"`
	ThreadID     string         `json:"thread_id"`
	Title        string         `json:"title,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
	Status       SessionStatus  `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	LastActivity time.Time      `json:"last_activity"`
	DeletedAt    *time.Time     `json:"deleted_at,omitempty"`
}

// ThreadID computes the stable thread identifier for a (userID, sessionID)
// pair. It is deliberately a plain string join rather than a hash: the
// identifier must stay debuggable when read straight out of the History
// Store, and collisions are already excluded by sessionID being globally
// unique.
func ThreadID(userID, sessionID string) string {
	return userID + ":" + sessionID
}
