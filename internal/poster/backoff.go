package poster

import (
	"sync"
	"time"
)

// CredentialBackoff tracks per-credential global pauses. When the remote side
// reports a credential-wide rate limit, every worker sharing that credential
// must hold off, not just the one that tripped it.
type CredentialBackoff struct {
	mu    sync.Mutex
	until map[string]time.Time
}

func NewCredentialBackoff() *CredentialBackoff {
	return &CredentialBackoff{until: make(map[string]time.Time)}
}

// Raise extends the credential's pause to now+d. Raises are monotonic: a
// shorter concurrent raise never shrinks an existing longer one.
func (b *CredentialBackoff) Raise(token string, d time.Duration) {
	if d <= 0 {
		return
	}
	deadline := time.Now().Add(d)
	b.mu.Lock()
	if cur, ok := b.until[token]; !ok || deadline.After(cur) {
		b.until[token] = deadline
	}
	b.mu.Unlock()
}

// Wait returns the remaining pause for the credential, zero when none.
// Expired entries are removed on read.
func (b *CredentialBackoff) Wait(token string) time.Duration {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	deadline, ok := b.until[token]
	if !ok {
		return 0
	}
	if !deadline.After(now) {
		delete(b.until, token)
		return 0
	}
	return deadline.Sub(now)
}

// Prune drops expired entries. Called from the manager's periodic sweep so
// the map does not grow with long-dead credentials.
func (b *CredentialBackoff) Prune() {
	now := time.Now()
	b.mu.Lock()
	for token, deadline := range b.until {
		if !deadline.After(now) {
			delete(b.until, token)
		}
	}
	b.mu.Unlock()
}

// Len reports the number of live entries. Diagnostics only.
func (b *CredentialBackoff) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.until)
}
