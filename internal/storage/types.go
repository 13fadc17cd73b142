package storage

import (
	"errors"
	"strings"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// DefaultBaseDelay is applied when a target has no usable cadence configured.
const DefaultBaseDelay = 2 * time.Minute

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free backend, one JSON snapshot per user
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// User owns a set of platform accounts. The notification destination chain is
// account override -> user webhook -> system-wide default.
type User struct {
	ID         string    `json:"user_id"`
	WebhookURL string    `json:"webhook_url,omitempty"`
	Accounts   []Account `json:"accounts,omitempty"`
}

// Account is one external identity: an opaque credential plus its targets.
// The token is never logged in full; diagnostics use masked previews.
type Account struct {
	ID         string   `json:"account_id"`
	Username   string   `json:"username,omitempty"`
	Token      string   `json:"token"`
	Nitro      bool     `json:"nitro,omitempty"` // elevated message-size allowance
	Active     bool     `json:"active"`
	WebhookURL string   `json:"webhook_url,omitempty"`
	Targets    []Target `json:"targets,omitempty"`
}

// Target is one remote channel a worker posts to.
//
// Delay is the base cadence ("90s", "2m", "1h"); Jitter is an optional
// comma-separated list of extra delay candidates, one of which is chosen
// uniformly at random after each successful send.
type Target struct {
	ID         string `json:"channel_id"`
	GuildID    string `json:"guild_id,omitempty"`
	ServerName string `json:"server_name,omitempty"`
	Message    string `json:"message"`
	Delay      string `json:"delay,omitempty"`
	Jitter     string `json:"jitter,omitempty"`
	Active     bool   `json:"active"`
	SentCount  int64  `json:"sent_count,omitempty"`
	LastError  string `json:"last_error,omitempty"`
	UptimeSec  int64  `json:"uptime_sec,omitempty"`
	ProfileURL string `json:"profile_url,omitempty"`

	// RateLimitSec is the per-user slowmode, in seconds, learned from the
	// remote platform when the channel record was imported.
	RateLimitSec int64 `json:"rate_limit_per_user,omitempty"`
}

// BaseDelay returns the configured cadence, defaulting when absent or invalid.
func (t *Target) BaseDelay() time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(t.Delay))
	if err != nil || d <= 0 {
		return DefaultBaseDelay
	}
	return d
}

// RateLimitHint returns the platform slowmode as a duration, or zero when
// none is known.
func (t *Target) RateLimitHint() time.Duration {
	if t.RateLimitSec <= 0 {
		return 0
	}
	return time.Duration(t.RateLimitSec) * time.Second
}

// JitterChoices parses the jitter candidate list. Invalid or non-positive
// entries are skipped; an empty result means no jitter.
func (t *Target) JitterChoices() []time.Duration {
	raw := strings.TrimSpace(t.Jitter)
	if raw == "" || strings.EqualFold(raw, "none") {
		return nil
	}
	var out []time.Duration
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		d, err := time.ParseDuration(p)
		if err != nil || d <= 0 {
			continue
		}
		out = append(out, d)
	}
	return out
}

// FindAccount returns the account with the given id, or nil.
func (u *User) FindAccount(accountID string) *Account {
	if u == nil {
		return nil
	}
	for i := range u.Accounts {
		if u.Accounts[i].ID == accountID {
			return &u.Accounts[i]
		}
	}
	return nil
}

// FindTarget returns the target with the given id, or nil.
func (a *Account) FindTarget(targetID string) *Target {
	if a == nil {
		return nil
	}
	for i := range a.Targets {
		if a.Targets[i].ID == targetID {
			return &a.Targets[i]
		}
	}
	return nil
}

// Normalize applies defaulting rules once at the storage boundary so call
// sites never re-apply them.
func (u *User) Normalize() {
	if u == nil {
		return
	}
	u.ID = strings.TrimSpace(u.ID)
	for i := range u.Accounts {
		a := &u.Accounts[i]
		a.ID = strings.TrimSpace(a.ID)
		a.Token = strings.TrimSpace(a.Token)
		for j := range a.Targets {
			t := &a.Targets[j]
			t.ID = strings.TrimSpace(t.ID)
			if strings.TrimSpace(t.Delay) == "" {
				t.Delay = "2m"
			}
			if t.SentCount < 0 {
				t.SentCount = 0
			}
			if t.UptimeSec < 0 {
				t.UptimeSec = 0
			}
			if t.RateLimitSec < 0 {
				t.RateLimitSec = 0
			}
		}
	}
}
