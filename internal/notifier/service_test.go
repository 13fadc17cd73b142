package notifier

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"drippost/internal/eventbus"
	"drippost/internal/events"
	"drippost/internal/storage"
	logx "drippost/pkg/logx"
)

type stubStore struct {
	storage.Store
	mu   sync.Mutex
	user *storage.User
}

func (s *stubStore) GetUser(ctx context.Context, userID string) (*storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user != nil && s.user.ID == userID {
		return s.user, nil
	}
	return nil, nil
}

func TestKindForEvent(t *testing.T) {
	t.Parallel()
	if k, ok := kindForEvent(events.TypeSent); !ok || k != KindSent {
		t.Fatalf("got %v %v", k, ok)
	}
	if k, ok := kindForEvent(events.TypeTokenExpired); !ok || k != KindTokenExpired {
		t.Fatalf("got %v %v", k, ok)
	}
	if _, ok := kindForEvent(events.TypeWorkerStarted); ok {
		t.Fatal("worker_started must not notify")
	}
	if _, ok := kindForEvent("something.else"); ok {
		t.Fatal("unknown events must not notify")
	}
}

func TestDedupExactlyOncePerWindow(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, logx.Nop(), nil, nil)

	key := "token_expired|u1|a1"
	if !s.dedupAllow(key, time.Hour) {
		t.Fatal("first report must pass")
	}
	// Every other worker tripping over the same dead credential is suppressed.
	for i := 0; i < 10; i++ {
		if s.dedupAllow(key, time.Hour) {
			t.Fatal("repeat within window must be suppressed")
		}
	}
	// Different credential is independent.
	if !s.dedupAllow("token_expired|u1|a2", time.Hour) {
		t.Fatal("other credential must pass")
	}
}

func TestDedupWindowExpiry(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, logx.Nop(), nil, nil)
	if !s.dedupAllow("k", 10*time.Millisecond) {
		t.Fatal("first must pass")
	}
	time.Sleep(30 * time.Millisecond)
	if !s.dedupAllow("k", 10*time.Millisecond) {
		t.Fatal("expired window must allow again")
	}
}

func TestDedupKeyPerKind(t *testing.T) {
	t.Parallel()
	p := events.Post{UserID: "u", AccountID: "a", TargetID: "t"}
	if k := dedupKey(Notification{Kind: KindSent, Post: p}); k != "" {
		t.Fatalf("sent events must not dedup, key = %q", k)
	}
	auth := dedupKey(Notification{Kind: KindTokenExpired, Post: p})
	perm := dedupKey(Notification{Kind: KindPermissionDenied, Post: p})
	if auth == "" || perm == "" || auth == perm {
		t.Fatalf("keys %q / %q", auth, perm)
	}
	// Token expiry keys on the account only, so two targets collapse.
	p2 := p
	p2.TargetID = "other"
	if dedupKey(Notification{Kind: KindTokenExpired, Post: p2}) != auth {
		t.Fatal("token_expired must key on the account, not the target")
	}
}

func TestDeliveryChainAccountOverride(t *testing.T) {
	t.Parallel()
	st := &stubStore{user: &storage.User{
		ID:         "u1",
		WebhookURL: "https://example.com/user",
		Accounts: []storage.Account{{
			ID: "a1", WebhookURL: "https://example.com/account",
		}},
	}}
	s := New(Config{Enabled: true, Webhook: WebhookDefaults{URLs: []string{"https://example.com/global"}}},
		logx.Nop(), nil, st)

	ctx := context.Background()
	n := Notification{Kind: KindSent, Post: events.Post{UserID: "u1", AccountID: "a1"}}
	if got := s.resolveDestination(ctx, n); got != "https://example.com/account" {
		t.Fatalf("destination = %q, want account override", got)
	}

	// No account override: user webhook.
	st.user.Accounts[0].WebhookURL = ""
	if got := s.resolveDestination(ctx, n); got != "https://example.com/user" {
		t.Fatalf("destination = %q, want user webhook", got)
	}

	// Neither: falls back to the global pool.
	st.user.WebhookURL = ""
	if got := s.resolveDestination(ctx, n); got != "https://example.com/global" {
		t.Fatalf("destination = %q, want global fallback", got)
	}

	// Unknown user, empty pool: nothing to deliver to.
	empty := New(Config{Enabled: true}, logx.Nop(), nil, st)
	n2 := Notification{Kind: KindSent, Post: events.Post{UserID: "nobody"}}
	if got := empty.resolveDestination(ctx, n2); got != "" {
		t.Fatalf("destination = %q, want empty", got)
	}
}

func TestPipelineDeliversEmbed(t *testing.T) {
	var hits atomic.Int64
	var gotBody []byte
	var bmu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bmu.Lock()
		gotBody = b
		bmu.Unlock()
		hits.Add(1)
		w.WriteHeader(204)
	}))
	defer srv.Close()

	bus := eventbus.New()
	s := New(Config{
		Enabled: true, Workers: 1, RatePerSec: 100,
		Webhook: WebhookDefaults{URLs: []string{srv.URL}, Footer: "drippost"},
	}, logx.Nop(), bus, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	bus.Publish(eventbus.Event{Type: events.TypeTokenExpired, Data: events.Post{
		UserID: "u1", AccountID: "a1", AccountName: "alice", ServerName: "guild",
	}})

	deadline := time.Now().Add(5 * time.Second)
	for hits.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if hits.Load() == 0 {
		t.Fatal("webhook never called")
	}

	bmu.Lock()
	defer bmu.Unlock()
	var payload webhookPayload
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if len(payload.Embeds) != 1 {
		t.Fatalf("embeds = %d", len(payload.Embeds))
	}
	e := payload.Embeds[0]
	if e.Title != "Token Expired" {
		t.Fatalf("title = %q", e.Title)
	}
	if e.Footer == nil || e.Footer.Text != "drippost" {
		t.Fatalf("footer = %+v", e.Footer)
	}

	hist := s.Snapshot()
	if len(hist) != 1 || hist[0].Kind != KindTokenExpired {
		t.Fatalf("history = %+v", hist)
	}

	// The same credential failure again is deduped: no second delivery.
	bus.Publish(eventbus.Event{Type: events.TypeTokenExpired, Data: events.Post{
		UserID: "u1", AccountID: "a1",
	}})
	time.Sleep(200 * time.Millisecond)
	if hits.Load() != 1 {
		t.Fatalf("hits = %d, want 1 (dedup)", hits.Load())
	}

	sctx, scancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer scancel()
	s.Stop(sctx)
}

func TestNoiseGuardedSendSkipped(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(204)
	}))
	defer srv.Close()

	bus := eventbus.New()
	s := New(Config{Enabled: true, Workers: 1, RatePerSec: 100,
		Webhook: WebhookDefaults{URLs: []string{srv.URL}}}, logx.Nop(), bus, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	bus.Publish(eventbus.Event{Type: events.TypeSent, Data: events.Post{UserID: "u", Notify: false}})
	bus.Publish(eventbus.Event{Type: events.TypeSent, Data: events.Post{UserID: "u", Notify: true}})

	deadline := time.Now().Add(5 * time.Second)
	for hits.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	time.Sleep(200 * time.Millisecond)
	if got := hits.Load(); got != 1 {
		t.Fatalf("hits = %d, want 1 (guarded send skipped)", got)
	}

	sctx, scancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer scancel()
	s.Stop(sctx)
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 10; attempt++ {
		d := retryDelay(cfg, attempt)
		if d < 0 || d > cfg.RetryMaxDelay {
			t.Fatalf("attempt %d: delay %v out of bounds", attempt, d)
		}
	}
}

func TestNotifyWhenDisabled(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: false}, logx.Nop(), nil, nil)
	err := s.Notify(context.Background(), Notification{Kind: KindSent})
	if err != ErrDisabled {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}
