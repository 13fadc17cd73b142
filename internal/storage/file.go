package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "drippost/pkg/logx"
)

// fileStore is a dependency-free persistence backend: one JSON snapshot per
// user under a directory, written atomically (temp file + rename).
type fileStore struct {
	log logx.Logger
	dir string

	mu sync.Mutex
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &fileStore{log: log, dir: dir}, nil
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) userPath(userID string) string {
	// userID comes from the control plane, but keep path traversal impossible.
	return filepath.Join(s.dir, filepath.Base(userID)+".json")
}

func (s *fileStore) GetUser(ctx context.Context, userID string) (*User, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readUserLocked(userID)
}

func (s *fileStore) readUserLocked(userID string) (*User, error) {
	b, err := os.ReadFile(s.userPath(userID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var u User
	if err := json.Unmarshal(b, &u); err != nil {
		return nil, err
	}
	u.Normalize()
	return &u, nil
}

func (s *fileStore) PutUser(ctx context.Context, u *User) error {
	_ = ctx
	if u == nil || strings.TrimSpace(u.ID) == "" {
		return errors.New("user id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeUserLocked(u)
}

func (s *fileStore) writeUserLocked(u *User) error {
	b, err := json.MarshalIndent(u, "", "  ")
	if err != nil {
		return err
	}
	path := s.userPath(u.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *fileStore) ListUserIDs(ctx context.Context) ([]string, error) {
	_ = ctx
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

func (s *fileStore) IncrementSent(ctx context.Context, userID, accountID, targetID string, n int64) error {
	_ = ctx
	if n <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.readUserLocked(userID)
	if err != nil {
		return err
	}
	if u == nil {
		return nil
	}
	t := u.FindAccount(accountID).FindTarget(targetID)
	if t == nil {
		return nil
	}
	t.SentCount += n
	return s.writeUserLocked(u)
}
