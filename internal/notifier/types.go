package notifier

import (
	"time"

	"drippost/internal/events"
)

// Kind is the notification category. It selects the embed rendering and the
// dedup policy.
type Kind string

const (
	KindSent             Kind = "sent"
	KindTokenExpired     Kind = "token_expired"
	KindPermissionDenied Kind = "permission_denied"
	KindUnexpectedError  Kind = "unexpected_error"
	KindSessionReset     Kind = "session_reset"
	KindWorkerStopped    Kind = "worker_stopped"
)

// kindForEvent maps bus event types onto notification kinds. Events with no
// mapping are not notified.
func kindForEvent(typ string) (Kind, bool) {
	switch typ {
	case events.TypeSent:
		return KindSent, true
	case events.TypeTokenExpired:
		return KindTokenExpired, true
	case events.TypePermissionDenied:
		return KindPermissionDenied, true
	case events.TypeUnexpectedError:
		return KindUnexpectedError, true
	case events.TypeSessionReset:
		return KindSessionReset, true
	case events.TypeWorkerStopped:
		return KindWorkerStopped, true
	}
	return "", false
}

// dedupWindow returns how long repeats of the same notification are
// suppressed. Credential-level failures are reported once per window no
// matter how many workers trip over the same dead credential.
func (k Kind) dedupWindow() time.Duration {
	switch k {
	case KindTokenExpired:
		return time.Hour
	case KindPermissionDenied, KindUnexpectedError:
		return 30 * time.Minute
	case KindSessionReset:
		return 10 * time.Minute
	}
	return 0
}

// Notification is one queued delivery.
type Notification struct {
	Kind Kind
	Post events.Post
}

type Config struct {
	Enabled    bool
	Workers    int
	QueueSize  int
	RatePerSec int

	// Timeout bounds one webhook POST.
	Timeout time.Duration

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	Webhook WebhookDefaults
}

// WebhookDefaults is the system-wide fallback destination pool plus embed
// cosmetics shared by every rendered notification.
type WebhookDefaults struct {
	URLs       []string
	Footer     string
	FooterIcon string
	Color      int
	ImageURL   string
}

// HistoryItem is one recently delivered notification, kept in memory for
// diagnostics.
type HistoryItem struct {
	At   time.Time
	Kind Kind
	Text string
}
