// Package poster implements the posting engine: one worker per
// (credential, target) pair, supervised by a manager that owns the shared
// session pool, credential backoff, and usage counters.
package poster

import (
	"drippost/internal/discord"
	"drippost/internal/storage"
)

// Task describes one unit of supervised work. The embedded target is a
// snapshot taken at registration; workers refresh it from storage before
// every send so edits take effect without a restart.
type Task struct {
	UserID      string
	AccountID   string
	AccountName string
	Token       string
	Nitro       bool
	Target      storage.Target
}

// Key identifies a task. One credential posting to one target is one worker;
// registering the same pair again is a no-op.
func (t Task) Key() string {
	return t.Token + "_" + t.Target.ID
}

// Describe renders the task for logs with the credential masked.
func (t Task) Describe() string {
	name := t.AccountName
	if name == "" {
		name = t.AccountID
	}
	return name + " (" + discord.MaskToken(t.Token) + ") -> " + t.Target.ID
}
