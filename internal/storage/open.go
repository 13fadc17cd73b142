package storage

import (
	"context"
	"errors"
	"strings"

	logx "drippost/pkg/logx"
)

// Store is the minimal persistence API the posting engine calls.
//
// Implementations must be safe for concurrent use; the runtime loop
// additionally serializes writes so one record is never half-updated.
type Store interface {
	// GetUser returns (nil, nil) when the user does not exist.
	GetUser(ctx context.Context, userID string) (*User, error)
	PutUser(ctx context.Context, u *User) error
	ListUserIDs(ctx context.Context) ([]string, error)
	// IncrementSent adds n to one target's cumulative sent counter.
	IncrementSent(ctx context.Context, userID, accountID, targetID string, n int64) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
