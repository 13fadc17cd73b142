package poster

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"drippost/internal/discord"
	"drippost/internal/eventbus"
	"drippost/internal/events"
	"drippost/internal/runtime/loop"
	"drippost/internal/runtime/supervisor"
	"drippost/internal/storage"
	logx "drippost/pkg/logx"
)

const (
	// staleHeartbeat is the inspector's restart threshold: a running worker
	// whose loop has not reported in this long is assumed dead.
	staleHeartbeat = 20 * time.Minute

	// Success notifications for fast cadences are sampled: below
	// noiseGuardBelow, only every successNoiseAt-th local send notifies.
	noiseGuardBelow = 2 * time.Minute
	successNoiseAt  = 20

	defaultStopTimeout    = 8 * time.Second
	defaultFlushInterval  = 15 * time.Second
	defaultFlushThreshold = 25
	defaultHTTPTimeout    = 30 * time.Second
)

// Sender performs the actual message-create call. Satisfied by
// *discord.Client; tests substitute a fake.
type Sender interface {
	CreateMessage(ctx context.Context, httpc *http.Client, fp *discord.Fingerprint, req discord.SendRequest) discord.SendResult
}

// Config tunes the manager. Zero values take defaults.
type Config struct {
	StopTimeout    time.Duration
	FlushInterval  time.Duration
	FlushThreshold int
	HTTPTimeout    time.Duration
	Proxies        []string
}

func (c *Config) applyDefaults() {
	if c.StopTimeout <= 0 {
		c.StopTimeout = defaultStopTimeout
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	if c.FlushThreshold <= 0 {
		c.FlushThreshold = defaultFlushThreshold
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaultHTTPTimeout
	}
}

// Manager owns the worker registry and everything workers share: the session
// pool, the per-credential backoff, the usage-counter buffer, and the
// periodic sweeps that keep all of it healthy.
type Manager struct {
	cfg   Config
	store storage.Store
	loop  *loop.Loop
	bus   eventbus.Bus
	log   logx.Logger

	pool     *SessionPool
	sender   Sender
	backoff  *CredentialBackoff
	counters *CounterBuffer

	sup  *supervisor.Supervisor
	cron *cron.Cron

	mu      sync.Mutex
	workers map[string]*Worker
}

func NewManager(cfg Config, store storage.Store, lp *loop.Loop, bus eventbus.Bus, log logx.Logger) *Manager {
	cfg.applyDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("component", "poster"))
	return &Manager{
		cfg:      cfg,
		store:    store,
		loop:     lp,
		bus:      bus,
		log:      log,
		pool:     NewSessionPool(cfg.HTTPTimeout, log),
		sender:   discord.NewClient(log),
		backoff:  NewCredentialBackoff(),
		counters: NewCounterBuffer(cfg.FlushThreshold),
		workers:  make(map[string]*Worker),
	}
}

// Start launches the periodic sweeps. Workers are added separately via AddTask.
func (m *Manager) Start(ctx context.Context) error {
	m.sup = supervisor.New(ctx, supervisor.WithLogger(m.log))

	c := cron.New()
	if _, err := c.AddFunc("@every 1m", m.reap); err != nil {
		return err
	}
	if _, err := c.AddFunc("@every 10m", m.inspect); err != nil {
		return err
	}
	spec := "@every " + m.cfg.FlushInterval.String()
	if _, err := c.AddFunc(spec, func() { m.flushCounters(context.Background()) }); err != nil {
		return err
	}
	c.Start()
	m.cron = c

	m.log.Info("manager started",
		logx.Duration("stop_timeout", m.cfg.StopTimeout),
		logx.Duration("flush_interval", m.cfg.FlushInterval),
		logx.Int("proxies", len(m.cfg.Proxies)))
	return nil
}

// AddTask registers a worker for the task. Registering an already-live
// (credential, target) pair is a no-op.
func (m *Manager) AddTask(ctx context.Context, task Task) error {
	return m.loop.Do(ctx, "add_task", func(ctx context.Context) error {
		m.mu.Lock()
		if w, ok := m.workers[task.Key()]; ok && w.State() != StateStopped {
			m.mu.Unlock()
			m.log.Debug("task already registered", logx.String("task", task.Describe()))
			return nil
		}
		m.mu.Unlock()

		route := PickRoute(m.cfg.Proxies, task.Token)
		httpc, err := m.pool.Acquire(route)
		if err != nil {
			return err
		}

		w := newWorker(m, task, route, httpc)

		m.mu.Lock()
		m.workers[task.Key()] = w
		m.mu.Unlock()

		w.start()
		return nil
	})
}

// RemoveTask stops and discards the worker for the key. Unknown keys are
// no-ops.
func (m *Manager) RemoveTask(ctx context.Context, key string) error {
	return m.loop.Do(ctx, "remove_task", func(ctx context.Context) error {
		m.mu.Lock()
		w := m.workers[key]
		m.mu.Unlock()
		if w == nil {
			return nil
		}
		m.stopWorker(ctx, w)
		return nil
	})
}

// stopWorker performs the bounded graceful stop, falling back to force-close.
func (m *Manager) stopWorker(ctx context.Context, w *Worker) {
	sctx, cancel := context.WithTimeout(ctx, m.cfg.StopTimeout)
	defer cancel()
	if err := w.Stop(sctx); err != nil {
		w.ForceClose()
		// One more bounded wait so the finish path has a chance to run.
		fctx, fcancel := context.WithTimeout(context.Background(), time.Second)
		defer fcancel()
		_ = w.Stop(fctx)
	}
}

// Workers returns a snapshot of the live registry. Diagnostics and tests.
func (m *Manager) Workers() []*Worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, w)
	}
	return out
}

// snapshot refreshes the task's account and target from storage.
// ok=false means the pair is gone or deactivated and the worker should stop.
func (m *Manager) snapshot(ctx context.Context, task Task) (snapshot, bool, error) {
	var snap snapshot
	err := m.loop.Store(ctx, func(ctx context.Context) error {
		u, err := m.store.GetUser(ctx, task.UserID)
		if err != nil {
			return err
		}
		snap.user = u
		return nil
	})
	if err != nil {
		return snapshot{}, false, err
	}
	if snap.user == nil {
		return snapshot{}, false, nil
	}
	snap.account = snap.user.FindAccount(task.AccountID)
	if snap.account == nil || !snap.account.Active {
		return snapshot{}, false, nil
	}
	snap.target = snap.account.FindTarget(task.Target.ID)
	if snap.target == nil || !snap.target.Active {
		return snapshot{}, false, nil
	}
	return snap, true, nil
}

type snapshot struct {
	user    *storage.User
	account *storage.Account
	target  *storage.Target
}

// handleSuccess buffers the counter increment and publishes the sent event
// with the noise-guard verdict attached.
func (m *Manager) handleSuccess(w *Worker, snap snapshot, local int64) {
	key := CounterKey{UserID: w.task.UserID, AccountID: w.task.AccountID, TargetID: w.task.Target.ID}
	if m.counters.Add(key, 1) {
		go m.flushKey(key)
	}

	base := snap.target.BaseDelay()
	notify := base >= noiseGuardBelow || local%successNoiseAt == 0

	m.publish(events.TypeSent, events.Post{
		UserID:      w.task.UserID,
		AccountID:   w.task.AccountID,
		AccountName: accountName(snap.account),
		TargetID:    snap.target.ID,
		ServerName:  snap.target.ServerName,
		ProfileURL:  snap.target.ProfileURL,
		SentLocal:   local,
		SentTotal:   snap.target.SentCount + 1,
		BaseDelay:   base,
		Jitter:      snap.target.Jitter,
		Uptime:      w.Uptime(),
		Notify:      notify,
	})
}

// handleTokenExpired deactivates the account and everything under it, then
// stops every sibling worker sharing the credential. Called from a worker's
// own goroutine after its loop decided to exit, so it never joins on the
// caller.
func (m *Manager) handleTokenExpired(task Task) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := m.loop.StoreWrite(ctx, func(ctx context.Context) error {
		u, err := m.store.GetUser(ctx, task.UserID)
		if err != nil || u == nil {
			return err
		}
		a := u.FindAccount(task.AccountID)
		if a == nil {
			return nil
		}
		a.Active = false
		for i := range a.Targets {
			a.Targets[i].Active = false
			a.Targets[i].LastError = "credential rejected"
		}
		return m.store.PutUser(ctx, u)
	})
	if err != nil {
		m.log.Error("deactivating account failed", logx.Err(err), logx.String("account", task.AccountID))
	}

	m.mu.Lock()
	var siblings []*Worker
	for _, w := range m.workers {
		if w.task.Token == task.Token && w.Key() != task.Key() {
			siblings = append(siblings, w)
		}
	}
	m.mu.Unlock()
	for _, w := range siblings {
		go m.stopWorker(context.Background(), w)
	}

	m.publish(events.TypeTokenExpired, events.Post{
		UserID: task.UserID, AccountID: task.AccountID, AccountName: task.AccountName,
		TargetID: task.Target.ID, ServerName: task.Target.ServerName,
		Detail: "credential rejected (401)",
	})
}

// handlePermissionDenied deactivates just the offending target.
func (m *Manager) handlePermissionDenied(task Task, res discord.SendResult) {
	detail := "permission denied (403)"
	if res.Detail != "" {
		detail = "permission denied: " + res.Detail
	}
	m.deactivateTarget(task, detail)
	m.publish(events.TypePermissionDenied, events.Post{
		UserID: task.UserID, AccountID: task.AccountID, AccountName: task.AccountName,
		TargetID: task.Target.ID, ServerName: task.Target.ServerName,
		Detail: detail,
	})
}

// handleUnexpected records the response detail and deactivates the target.
func (m *Manager) handleUnexpected(task Task, res discord.SendResult) {
	detail := res.Detail
	if detail == "" {
		detail = "unexpected response"
	}
	m.deactivateTarget(task, detail)
	m.publish(events.TypeUnexpectedError, events.Post{
		UserID: task.UserID, AccountID: task.AccountID, AccountName: task.AccountName,
		TargetID: task.Target.ID, ServerName: task.Target.ServerName,
		Detail: detail,
	})
}

func (m *Manager) deactivateTarget(task Task, lastError string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := m.loop.StoreWrite(ctx, func(ctx context.Context) error {
		u, err := m.store.GetUser(ctx, task.UserID)
		if err != nil || u == nil {
			return err
		}
		t := u.FindAccount(task.AccountID).FindTarget(task.Target.ID)
		if t == nil {
			return nil
		}
		t.Active = false
		t.LastError = lastError
		return m.store.PutUser(ctx, u)
	})
	if err != nil {
		m.log.Error("deactivating target failed", logx.Err(err), logx.String("target", task.Target.ID))
	}
}

// workerFinished runs exactly once per worker, from its finish path: release
// the session reference, drop the registry entry, and persist uptime.
func (m *Manager) workerFinished(w *Worker) {
	m.pool.Release(w.route)

	m.mu.Lock()
	if cur, ok := m.workers[w.Key()]; ok && cur == w {
		delete(m.workers, w.Key())
	}
	m.mu.Unlock()

	if up := int64(w.Uptime().Seconds()); up > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := m.loop.StoreWrite(ctx, func(ctx context.Context) error {
			u, err := m.store.GetUser(ctx, w.task.UserID)
			if err != nil || u == nil {
				return err
			}
			t := u.FindAccount(w.task.AccountID).FindTarget(w.task.Target.ID)
			if t == nil {
				return nil
			}
			t.UptimeSec += up
			return m.store.PutUser(ctx, u)
		})
		if err != nil {
			m.log.Warn("persisting uptime failed", logx.Err(err))
		}
	}

	m.publish(events.TypeWorkerStopped, events.Post{
		UserID: w.task.UserID, AccountID: w.task.AccountID, AccountName: w.task.AccountName,
		TargetID: w.task.Target.ID, ServerName: w.task.Target.ServerName,
		SentLocal: w.LocalSent(), Uptime: w.Uptime(),
	})
}

// reap clears stopped workers that somehow linger and prunes expired
// credential backoffs.
func (m *Manager) reap() {
	m.mu.Lock()
	for key, w := range m.workers {
		if w.State() == StateStopped {
			delete(m.workers, key)
		}
	}
	n := len(m.workers)
	m.mu.Unlock()

	m.backoff.Prune()
	m.log.Debug("reap sweep", logx.Int("workers", n), logx.Int("backoffs", m.backoff.Len()))
}

// inspect restarts workers whose loops have gone silent.
func (m *Manager) inspect() {
	m.mu.Lock()
	var stale []*Worker
	for _, w := range m.workers {
		if w.State() == StateRunning && time.Since(w.Heartbeat()) > staleHeartbeat {
			stale = append(stale, w)
		}
	}
	m.mu.Unlock()

	for _, w := range stale {
		w := w
		m.log.Warn("restarting stale worker",
			logx.String("task", w.task.Describe()),
			logx.Time("heartbeat", w.Heartbeat()))
		go func() {
			m.stopWorker(context.Background(), w)
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := m.AddTask(ctx, w.task); err != nil {
				m.log.Error("restart failed", logx.Err(err), logx.String("task", w.task.Describe()))
			}
		}()
	}
}

// flushKey drains one key that crossed the threshold, leaving the rest of the
// buffer for the timed sweep.
func (m *Manager) flushKey(key CounterKey) {
	n := m.counters.DrainKey(key)
	if n == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := m.loop.StoreWrite(ctx, func(ctx context.Context) error {
		return m.store.IncrementSent(ctx, key.UserID, key.AccountID, key.TargetID, n)
	})
	if err != nil {
		m.log.Error("counter flush failed", logx.Err(err),
			logx.String("target", key.TargetID), logx.Int64("n", n))
		m.counters.Add(key, n)
	}
}

// flushCounters drains the buffer into storage.
func (m *Manager) flushCounters(ctx context.Context) {
	pending := m.counters.Drain()
	if len(pending) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	for key, n := range pending {
		key, n := key, n
		err := m.loop.StoreWrite(ctx, func(ctx context.Context) error {
			return m.store.IncrementSent(ctx, key.UserID, key.AccountID, key.TargetID, n)
		})
		if err != nil {
			m.log.Error("counter flush failed", logx.Err(err),
				logx.String("target", key.TargetID), logx.Int64("n", n))
			// Re-buffer so the increments are not lost.
			m.counters.Add(key, n)
		}
	}
}

// StopAndWait shuts everything down: sweeps first, then all workers
// concurrently with the bounded grace window, then shared resources.
func (m *Manager) StopAndWait(ctx context.Context) error {
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}

	m.mu.Lock()
	workers := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.stopWorker(ctx, w)
		}()
	}
	wg.Wait()

	if m.sup != nil {
		_ = m.sup.Stop(ctx)
	}

	m.flushCounters(context.Background())
	m.pool.CloseAll()
	m.log.Info("manager stopped", logx.Int("workers", len(workers)))
	return nil
}

func (m *Manager) publish(typ string, p events.Post) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: typ, Data: p})
}

func accountName(a *storage.Account) string {
	if a == nil {
		return ""
	}
	if a.Username != "" {
		return a.Username
	}
	return a.ID
}
