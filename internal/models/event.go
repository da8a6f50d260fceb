package models

import "time"

// EventType names a session lifecycle transition recorded in the journal.
type EventType string

const (
	EventSessionCreated   EventType = "session.created"
	EventSessionFinalized EventType = "session.finalized"
	EventSessionCombined  EventType = "session.combined"
	EventSessionCleaned   EventType = "session.cleaned"
)

// Event is one journal entry. Detail holds transition-specific data as JSON.
type Event struct {
	ID        string      `json:"id"`
	SessionID string      `json:"session_id"`
	Type      EventType   `json:"type"`
	Kind      SessionKind `json:"kind"`
	Task      string      `json:"task"`
	Repo      string      `json:"repo"`
	Detail    string      `json:"detail,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}
