package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"drippost/internal/discord"
	"drippost/internal/eventbus"
	"drippost/internal/events"
	rtsup "drippost/internal/runtime/supervisor"
	"drippost/internal/storage"
	logx "drippost/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

type job struct {
	n Notification
	// dedupKey is computed at enqueue time for cheap per-worker processing.
	dedupKey string
}

// Service implements the async webhook pipeline:
// bus consumer + queue + worker pool + rate limit + retry + dedup.
//
// Dedup is what makes credential failures exactly-once: every worker sharing
// a dead credential reports it, only the first report within the window is
// delivered.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store

	cfg     Config
	limiter *rate.Limiter
	httpc   *http.Client

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	// In-memory dedup cache: key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time

	// In-memory history for diagnostics
	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:   log.With(logx.String("component", "notifier")),
		bus:   bus,
		store: store,
		dedup: map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}

	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.httpc = &http.Client{Timeout: cfg.Timeout}
}

// Start launches the worker pool and the bus consumer. Idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	// If stopping, wait for it to finish before restarting.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil {
		s.mu.Unlock()
		return
	}
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers

	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	if s.bus != nil {
		ch, unsub := s.bus.Subscribe(256)
		sup.Go0("bus.consume", func(c context.Context) {
			defer unsub()
			s.consumeLoop(c, ch)
		})
	}

	for i := 0; i < workers; i++ {
		sup.Go0(fmt.Sprintf("worker.%d", i), func(c context.Context) {
			s.workerLoop(c, q)
		})
	}
}

// consumeLoop turns engine events into queued notifications. Events the
// engine marked Notify=false and kinds with no mapping are skipped.
func (s *Service) consumeLoop(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			kind, mapped := kindForEvent(ev.Type)
			if !mapped {
				continue
			}
			p, ok := ev.Data.(events.Post)
			if !ok {
				continue
			}
			if kind == KindSent && !p.Notify {
				continue
			}
			if err := s.Notify(ctx, Notification{Kind: kind, Post: p}); err != nil &&
				!errors.Is(err, ErrDisabled) && !errors.Is(err, ErrStopped) {
				s.log.Debug("notification dropped", logx.String("kind", string(kind)), logx.Err(err))
			}
		}
	}
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	// Shutdown happens asynchronously so callers can time out without leaking state.
	go func() {
		defer close(done)
		// Wait for in-flight enqueues, then close the queue so workers drain.
		s.sendWG.Wait()
		func() {
			defer func() { _ = recover() }()
			close(q)
		}()
		if sup != nil {
			sup.Cancel()
			_ = sup.Wait(context.Background())
		}

		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Notify enqueues one notification, applying dedup suppression first.
func (s *Service) Notify(ctx context.Context, n Notification) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	key := dedupKey(n)
	if window := n.Kind.dedupWindow(); window > 0 && key != "" {
		if !s.dedupAllow(key, window) {
			s.log.Debug("notification deduped", logx.String("kind", string(n.Kind)), logx.String("key", key))
			return nil
		}
	}

	select {
	case q <- job{n: n, dedupKey: key}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(kind Kind, text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Kind: kind, Text: text})
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, j)
		}
	}
}

// deliver resolves the destination and posts the embed with retries.
func (s *Service) deliver(runCtx context.Context, j job) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	httpc := s.httpc
	s.mu.Unlock()

	url := s.resolveDestination(runCtx, j.n)
	if url == "" {
		s.log.Debug("no destination for notification", logx.String("kind", string(j.n.Kind)))
		return
	}

	payload := webhookPayload{Embeds: []Embed{renderEmbed(j.n.Kind, j.n.Post, cfg.Webhook)}}
	body, err := json.Marshal(payload)
	if err != nil {
		s.log.Error("embed marshal failed", logx.Err(err))
		return
	}

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(runCtx); err != nil {
				return
			}
		}

		callCtx, cancel := context.WithTimeout(runCtx, cfg.Timeout)
		err := postWebhook(callCtx, httpc, url, body)
		cancel()
		if err == nil {
			s.appendHistory(j.n.Kind, string(j.n.Kind)+" -> "+discord.MaskWebhook(url))
			return
		}
		lastErr = err
		s.log.Debug("webhook post failed",
			logx.Err(err), logx.Int("attempt", attempt), logx.String("url", discord.MaskWebhook(url)))

		if attempt >= maxAttempts {
			break
		}
		delay := retryDelay(cfg, attempt)
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-runCtx.Done():
			if !t.Stop() {
				<-t.C
			}
			return
		}
	}

	if lastErr != nil {
		s.log.Warn("notification delivery failed",
			logx.String("kind", string(j.n.Kind)), logx.String("url", discord.MaskWebhook(url)), logx.Err(lastErr))
	}
}

// resolveDestination walks the chain: account override, then the owning
// user's webhook, then a random pick from the system-wide pool.
func (s *Service) resolveDestination(ctx context.Context, n Notification) string {
	if s.store != nil && n.Post.UserID != "" {
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		u, err := s.store.GetUser(cctx, n.Post.UserID)
		cancel()
		if err == nil && u != nil {
			if a := u.FindAccount(n.Post.AccountID); a != nil && a.WebhookURL != "" {
				return a.WebhookURL
			}
			if u.WebhookURL != "" {
				return u.WebhookURL
			}
		}
	}

	s.mu.Lock()
	pool := s.cfg.Webhook.URLs
	s.mu.Unlock()
	if len(pool) == 0 {
		return ""
	}
	return pool[rand.Intn(len(pool))]
}

func postWebhook(ctx context.Context, httpc *http.Client, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// dedupKey identifies what a notification is "about". Kinds without a dedup
// window get no key. Credential failures key on the account so every worker
// sharing the credential collapses to one delivery.
func dedupKey(n Notification) string {
	switch n.Kind {
	case KindTokenExpired:
		return string(n.Kind) + "|" + n.Post.UserID + "|" + n.Post.AccountID
	case KindPermissionDenied, KindUnexpectedError, KindSessionReset:
		return string(n.Kind) + "|" + n.Post.UserID + "|" + n.Post.AccountID + "|" + n.Post.TargetID
	}
	return ""
}

// dedupAllow reports whether the key may be delivered now, and if so opens a
// new suppression window for it.
func (s *Service) dedupAllow(key string, window time.Duration) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()

	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)

	// Prune expired entries while we hold the lock.
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	return true
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1 (first attempt), delay is for the NEXT attempt.
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
