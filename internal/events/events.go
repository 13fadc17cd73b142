// Package events defines the bus event types the posting engine emits and the
// notification pipeline consumes.
package events

import "time"

const (
	TypeSent             = "poster.sent"
	TypeTokenExpired     = "poster.token_expired"
	TypePermissionDenied = "poster.permission_denied"
	TypeUnexpectedError  = "poster.unexpected_error"
	TypeSessionReset     = "poster.session_reset"
	TypeWorkerStarted    = "poster.worker_started"
	TypeWorkerStopped    = "poster.worker_stopped"
)

// Post carries everything a subscriber needs to render a notification without
// reaching back into the engine. Identifiers are plain; the credential itself
// never travels on the bus.
type Post struct {
	UserID      string
	AccountID   string
	AccountName string
	TargetID    string
	ServerName  string
	ProfileURL  string

	// Detail is a short error description for failure events.
	Detail string

	// Counters and timing for success events.
	SentLocal int64
	SentTotal int64
	BaseDelay time.Duration
	Jitter    string
	Uptime    time.Duration

	// Notify is the engine's verdict on whether this event deserves an
	// outbound notification (fast cadences are sampled to cut noise).
	Notify bool
}
